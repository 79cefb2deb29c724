package crypt

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
)

// ErrBadPublicKey is returned when a DER blob is not an RSA public key.
var ErrBadPublicKey = errors.New("not an RSA public key")

// KeyPair is the server's RSA key used to receive shared secrets.
type KeyPair struct {
	private   *rsa.PrivateKey
	publicDER []byte
}

// GenerateKeyPair creates a fresh key pair. The server generates one per
// process start.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	return &KeyPair{private: key, publicDER: der}, nil
}

// PublicDER returns the X.509 encoding of the public key.
func (k *KeyPair) PublicDER() []byte {
	return k.publicDER
}

// Decrypt opens a PKCS#1 v1.5 block sealed with the public key.
func (k *KeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	plain, err := rsa.DecryptPKCS1v15(nil, k.private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plain, nil
}

// DecryptSecret opens a shared secret and checks it is a usable AES key.
func (k *KeyPair) DecryptSecret(ciphertext []byte) ([]byte, error) {
	secret, err := k.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	if len(secret) != aes.BlockSize {
		return nil, fmt.Errorf("shared secret has invalid length %d", len(secret))
	}
	return secret, nil
}

// Seal encrypts data for the holder of the DER-encoded public key. This is
// the client half of the exchange.
func Seal(publicDER, data []byte) ([]byte, error) {
	parsed, err := x509.ParsePKIXPublicKey(publicDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrBadPublicKey
	}
	return rsa.EncryptPKCS1v15(rand.Reader, pub, data)
}

// ServerHash is the digest the session service checks for online-mode
// logins: SHA-1 over the server id, the shared secret and the public key,
// printed as a signed hexadecimal integer.
func ServerHash(serverID string, secret, publicDER []byte) string {
	h := sha1.New()
	h.Write([]byte(serverID))
	h.Write(secret)
	h.Write(publicDER)
	sum := h.Sum(nil)

	n := new(big.Int).SetBytes(sum)
	if sum[0]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(sum)*8)))
	}
	return n.Text(16)
}
