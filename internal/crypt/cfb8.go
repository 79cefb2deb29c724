// Package crypt provides the key exchange and stream cipher primitives used
// to encrypt a connection after login negotiation.
package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/Tnze/go-mc/net/CFB8"
)

// ErrCipherUnavailable is returned when the stream cipher cannot be built.
var ErrCipherUnavailable = errors.New("cipher unavailable")

// NewStreams returns independent AES/CFB8 encrypt and decrypt streams for an
// AES-128 shared secret. The IV is the secret itself.
func NewStreams(secret []byte) (enc, dec cipher.Stream, err error) {
	if len(secret) != aes.BlockSize {
		return nil, nil, fmt.Errorf("%w: secret must be %d bytes, got %d", ErrCipherUnavailable, aes.BlockSize, len(secret))
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCipherUnavailable, err)
	}
	return CFB8.NewCFB8Encrypt(block, secret), CFB8.NewCFB8Decrypt(block, secret), nil
}

// SelfTest checks that the stream cipher is usable. It is run once at
// startup; a failure is a configuration error.
func SelfTest() error {
	secret := []byte("0123456789abcdef")
	enc, dec, err := NewStreams(secret)
	if err != nil {
		return err
	}

	plain := []byte("stream cipher self test")
	sealed := make([]byte, len(plain))
	enc.XORKeyStream(sealed, plain)
	if bytes.Equal(sealed, plain) {
		return fmt.Errorf("%w: keystream is identity", ErrCipherUnavailable)
	}

	opened := make([]byte, len(sealed))
	dec.XORKeyStream(opened, sealed)
	if !bytes.Equal(opened, plain) {
		return fmt.Errorf("%w: round trip mismatch", ErrCipherUnavailable)
	}
	return nil
}
