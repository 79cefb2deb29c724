package network

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/blockgate-project/blockgate/internal/crypt"
)

// ErrAlreadyEncrypted is returned when the cipher stage is enabled twice.
var ErrAlreadyEncrypted = errors.New("cipher stage already active")

// CipherState is the connection's position in the byte pipeline.
type CipherState int

const (
	// StateHandshake passes bytes through unchanged.
	StateHandshake CipherState = iota
	// StateEncrypted applies the stream cipher in both directions.
	StateEncrypted
)

func (s CipherState) String() string {
	if s == StateEncrypted {
		return "encrypted"
	}
	return "handshake"
}

type cipherPair struct {
	enc cipher.Stream
	dec cipher.Stream
}

// Pipeline is the byte transform between the socket and the codec. It moves
// from StateHandshake to StateEncrypted exactly once. Decrypt is called only
// by the reader goroutine; Encrypt and Enable only by the writer goroutine.
type Pipeline struct {
	active atomic.Pointer[cipherPair]
}

// State returns the current state.
func (p *Pipeline) State() CipherState {
	if p.active.Load() != nil {
		return StateEncrypted
	}
	return StateHandshake
}

// Enable keys the cipher stage with secret. Every byte read or written
// after this call is transformed.
func (p *Pipeline) Enable(secret []byte) error {
	if p.active.Load() != nil {
		return ErrAlreadyEncrypted
	}
	enc, dec, err := crypt.NewStreams(secret)
	if err != nil {
		return fmt.Errorf("failed to enable cipher stage: %w", err)
	}
	if !p.active.CompareAndSwap(nil, &cipherPair{enc: enc, dec: dec}) {
		return ErrAlreadyEncrypted
	}
	return nil
}

// Decrypt transforms inbound bytes in place.
func (p *Pipeline) Decrypt(b []byte) {
	if pair := p.active.Load(); pair != nil {
		pair.dec.XORKeyStream(b, b)
	}
}

// Encrypt transforms outbound bytes in place.
func (p *Pipeline) Encrypt(b []byte) {
	if pair := p.active.Load(); pair != nil {
		pair.enc.XORKeyStream(b, b)
	}
}
