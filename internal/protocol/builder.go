package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"
)

// Writer serializes packet fields in network (big-endian) order.
// Calls are chainable; the first failure sticks and is reported by Err.
type Writer struct {
	buf *bytes.Buffer
	err error
}

// NewWriter creates a Writer appending to buf.
func NewWriter(buf *bytes.Buffer) *Writer {
	return &Writer{buf: buf}
}

// Err returns the first error encountered while writing.
func (w *Writer) Err() error {
	return w.err
}

// WriteByte writes a single byte.
func (w *Writer) WriteByte(v byte) *Writer {
	if w.err == nil {
		w.buf.WriteByte(v)
	}
	return w
}

// WriteBool writes a boolean as one byte.
func (w *Writer) WriteBool(v bool) *Writer {
	if v {
		return w.WriteByte(1)
	}
	return w.WriteByte(0)
}

// WriteInt16 writes an int16.
func (w *Writer) WriteInt16(v int16) *Writer {
	if w.err == nil {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(v))
		w.buf.Write(b[:])
	}
	return w
}

// WriteInt32 writes an int32.
func (w *Writer) WriteInt32(v int32) *Writer {
	if w.err == nil {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v))
		w.buf.Write(b[:])
	}
	return w
}

// WriteInt64 writes an int64.
func (w *Writer) WriteInt64(v int64) *Writer {
	if w.err == nil {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v))
		w.buf.Write(b[:])
	}
	return w
}

// WriteString writes a string as a 16-bit character count followed by
// UTF-16 code units. It fails for strings longer than max characters, the
// limit ReadString applies to the same field.
func (w *Writer) WriteString(s string, max int) *Writer {
	if w.err != nil {
		return w
	}
	units := utf16.Encode([]rune(s))
	if max > MaxStringLength {
		max = MaxStringLength
	}
	if len(units) > max {
		w.err = fmt.Errorf("%w: sending %d, max %d", ErrStringTooLong, len(units), max)
		return w
	}
	w.WriteInt16(int16(len(units)))
	for _, u := range units {
		w.WriteInt16(int16(u))
	}
	return w
}

// WriteByteArray writes a 16-bit length prefix followed by data.
func (w *Writer) WriteByteArray(data []byte) *Writer {
	if w.err != nil {
		return w
	}
	if len(data) > math.MaxInt16 {
		w.err = fmt.Errorf("%w: byte array of %d bytes", ErrFieldTooLong, len(data))
		return w
	}
	w.WriteInt16(int16(len(data)))
	w.buf.Write(data)
	return w
}

// TruncateString cuts s to at most max UTF-16 characters without splitting
// a surrogate pair.
func TruncateString(s string, max int) string {
	n := 0
	for i, r := range s {
		n += len(utf16.Encode([]rune{r}))
		if n > max {
			return s[:i]
		}
	}
	return s
}
