package protocol

import (
	"errors"
	"fmt"
)

// ReadState is the decoder's position within a frame.
type ReadState int

const (
	// StateHeader expects the id byte of the next frame.
	StateHeader ReadState = iota
	// StateData expects the body of the frame whose id was already read.
	StateData
)

func (s ReadState) String() string {
	if s == StateData {
		return "data"
	}
	return "header"
}

// Decoder turns a byte stream into packets. Bytes may arrive in arbitrary
// chunks: a body that is not yet complete is retried from the checkpoint
// taken after its id byte once more bytes are fed.
//
// A Decoder is owned by a single reader goroutine.
type Decoder struct {
	registry *Registry

	buf     []byte
	off     int
	state   ReadState
	pending Packet
}

// NewDecoder creates a decoder resolving ids against registry.
func NewDecoder(registry *Registry) *Decoder {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &Decoder{registry: registry}
}

// Decode appends data to the buffered input and returns every packet that
// is now complete. An unresolvable id or a malformed field is returned as
// an error; packets completed before the failure are still returned.
func (d *Decoder) Decode(data []byte) ([]Packet, error) {
	if d.buf == nil {
		d.buf = make([]byte, 0, 512)
		d.off = 0
	}
	d.buf = append(d.buf, data...)

	var out []Packet
	for {
		if d.state == StateHeader {
			if d.off >= len(d.buf) {
				break
			}
			id := d.buf[d.off]
			pkt, err := d.registry.New(id)
			if err != nil {
				return out, err
			}
			d.off++
			d.pending = pkt
			d.state = StateData
		}

		r := NewReader(d.buf[d.off:])
		if err := d.pending.Decode(r); err != nil {
			if errors.Is(err, ErrShortRead) {
				break
			}
			return out, fmt.Errorf("decode %s: %w", d.registry.Name(d.pending.ID()), err)
		}
		d.off += r.Offset()
		out = append(out, d.pending)
		d.pending = nil
		d.state = StateHeader
	}

	d.compact()
	return out, nil
}

// compact drops consumed bytes so the buffer does not grow without bound.
func (d *Decoder) compact() {
	switch {
	case d.off == len(d.buf):
		d.buf = d.buf[:0]
		d.off = 0
	case d.off > cap(d.buf)/2:
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
}

// State returns the current read state.
func (d *Decoder) State() ReadState {
	return d.state
}

// Buffered returns the number of bytes held for the next attempt.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Release frees the buffering state. The next Decode call reallocates it.
func (d *Decoder) Release() {
	d.buf = nil
	d.off = 0
	d.pending = nil
	d.state = StateHeader
}
