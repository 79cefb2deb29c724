package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// MaxStringLength is the largest string the wire format can carry.
const MaxStringLength = 32767

var (
	// ErrShortRead is returned when the buffered bytes end before a field does.
	// It is not a protocol violation: the caller retries once more bytes arrive.
	ErrShortRead = errors.New("short read")

	// ErrStringTooLong is returned for strings exceeding their field maximum.
	ErrStringTooLong = errors.New("string too long")

	// ErrFieldTooLong is returned for byte arrays that cannot be length-prefixed.
	ErrFieldTooLong = errors.New("field too long")

	// ErrNegativeLength is returned when a length prefix is negative.
	ErrNegativeLength = errors.New("negative length")
)

// Reader deserializes big-endian packet fields from a byte slice.
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{buf: data}
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int {
	return r.off
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) next(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, ErrShortRead
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBool reads a boolean stored as one byte.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

// ReadInt16 reads an int16.
func (r *Reader) ReadInt16() (int16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

// ReadInt32 reads an int32.
func (r *Reader) ReadInt32() (int32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// ReadInt64 reads an int64.
func (r *Reader) ReadInt64() (int64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// ReadString reads a length-prefixed UTF-16 string of at most max characters.
func (r *Reader) ReadString(max int) (string, error) {
	n, err := r.ReadInt16()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("%w: string length %d", ErrNegativeLength, n)
	}
	if int(n) > max {
		return "", fmt.Errorf("%w: received %d, max %d", ErrStringTooLong, n, max)
	}

	raw, err := r.next(int(n) * 2)
	if err != nil {
		return "", err
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(raw[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

// ReadByteArray reads a 16-bit length-prefixed byte array. The result is a
// copy, safe to retain after the underlying buffer is reused.
func (r *Reader) ReadByteArray() ([]byte, error) {
	n, err := r.ReadInt16()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: byte array length %d", ErrNegativeLength, n)
	}
	raw, err := r.next(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, raw)
	return out, nil
}
