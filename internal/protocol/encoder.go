package protocol

import (
	"bytes"
	"fmt"
)

// Encoder writes packets as id-prefixed frames. The body is serialized
// into a scratch buffer that is reused between packets.
type Encoder struct {
	scratch *bytes.Buffer
}

// NewEncoder creates an encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode appends the frame for p to out. On error out is left unchanged.
func (e *Encoder) Encode(out *bytes.Buffer, p Packet) error {
	if e.scratch == nil {
		e.scratch = new(bytes.Buffer)
	}
	defer e.scratch.Reset()

	if err := p.Encode(NewWriter(e.scratch)); err != nil {
		return fmt.Errorf("encode packet 0x%02X: %w", p.ID(), err)
	}

	out.WriteByte(p.ID())
	out.Write(e.scratch.Bytes())
	return nil
}

// Release frees the scratch buffer.
func (e *Encoder) Release() {
	e.scratch = nil
}

// Marshal encodes a single packet into a new byte slice.
func Marshal(p Packet) ([]byte, error) {
	var out bytes.Buffer
	if err := NewEncoder().Encode(&out, p); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
