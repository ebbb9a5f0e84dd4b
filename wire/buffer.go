// Package wire implements the byte buffer and field codec used by the
// SSH binary packet protocol.
//
// A Buffer is a growable byte accumulator with independent read and write
// cursors. Writers append typed fields to the tail; readers consume from
// the head. All multi-byte integers are network byte order, and strings
// carry a uint32 length prefix, matching the SSH wire encoding.
//
// Example:
//
//	buf := wire.NewBuffer()
//	buf.AddU8(90)
//	buf.AddString([]byte("session"))
//	buf.AddU32(1280000)
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortBuffer indicates a read past the end of the unread region
	ErrShortBuffer = errors.New("short buffer")

	// ErrNegativeCount indicates a negative byte count was requested
	ErrNegativeCount = errors.New("negative byte count")
)

// compactThreshold is the number of consumed bytes after which an append
// slides the unread region back to the start of the backing array.
const compactThreshold = 4096

// Buffer is a growable byte accumulator with a read cursor at the head
// and a write cursor at the tail. The zero value is ready to use.
type Buffer struct {
	data []byte
	pos  int
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.data) - b.pos
}

// Rest returns the unread bytes without copying. The view is only valid
// until the next append or Reinit.
func (b *Buffer) Rest() []byte {
	return b.data[b.pos:]
}

// PassBytes advances the read cursor by n bytes.
func (b *Buffer) PassBytes(n int) error {
	if n < 0 {
		return ErrNegativeCount
	}
	if n > b.Len() {
		return fmt.Errorf("%w: pass %d of %d", ErrShortBuffer, n, b.Len())
	}
	b.pos += n
	return nil
}

// Reinit discards all content, read and unread. Used to unwind a
// partially built outgoing packet so a build failure leaves nothing
// half-framed in the output buffer.
func (b *Buffer) Reinit() {
	b.data = b.data[:0]
	b.pos = 0
}

// compact slides the unread region to the start of the backing array once
// enough consumed bytes have accumulated at the head.
func (b *Buffer) compact() {
	if b.pos >= compactThreshold && b.pos > len(b.data)/2 {
		n := copy(b.data, b.data[b.pos:])
		b.data = b.data[:n]
		b.pos = 0
	}
}

// AddU8 appends a single byte.
func (b *Buffer) AddU8(v byte) {
	b.compact()
	b.data = append(b.data, v)
}

// AddU32 appends a 32-bit integer in network byte order.
func (b *Buffer) AddU32(v uint32) {
	b.compact()
	b.data = binary.BigEndian.AppendUint32(b.data, v)
}

// AddU64 appends a 64-bit integer in network byte order.
func (b *Buffer) AddU64(v uint64) {
	b.compact()
	b.data = binary.BigEndian.AppendUint64(b.data, v)
}

// AddBool appends a boolean as a single 0 or 1 byte.
func (b *Buffer) AddBool(v bool) {
	if v {
		b.AddU8(1)
	} else {
		b.AddU8(0)
	}
}

// AddBytes appends raw bytes with no length prefix.
func (b *Buffer) AddBytes(p []byte) {
	b.compact()
	b.data = append(b.data, p...)
}

// AddString appends a uint32 length prefix followed by the bytes.
func (b *Buffer) AddString(p []byte) {
	b.AddU32(uint32(len(p)))
	b.AddBytes(p)
}

// GetU8 consumes a single byte from the head.
func (b *Buffer) GetU8() (byte, error) {
	if b.Len() < 1 {
		return 0, ErrShortBuffer
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

// GetU32 consumes a network-order 32-bit integer.
func (b *Buffer) GetU32() (uint32, error) {
	if b.Len() < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint32(b.data[b.pos:])
	b.pos += 4
	return v, nil
}

// GetU64 consumes a network-order 64-bit integer.
func (b *Buffer) GetU64() (uint64, error) {
	if b.Len() < 8 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint64(b.data[b.pos:])
	b.pos += 8
	return v, nil
}

// GetBool consumes a boolean byte. Any nonzero value reads as true.
func (b *Buffer) GetBool() (bool, error) {
	v, err := b.GetU8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// GetBytes consumes exactly n bytes, returning a copy.
func (b *Buffer) GetBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeCount
	}
	if n > b.Len() {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, b.Len())
	}
	out := make([]byte, n)
	copy(out, b.data[b.pos:])
	b.pos += n
	return out, nil
}

// GetString consumes a uint32 length prefix and that many bytes. The
// declared length is checked against the unread region before any bytes
// are consumed, so a truncated field leaves the cursor on the prefix.
func (b *Buffer) GetString() ([]byte, error) {
	if b.Len() < 4 {
		return nil, ErrShortBuffer
	}
	n := binary.BigEndian.Uint32(b.data[b.pos:])
	if int(n) > b.Len()-4 {
		return nil, fmt.Errorf("%w: string declares %d, have %d", ErrShortBuffer, n, b.Len()-4)
	}
	b.pos += 4
	return b.GetBytes(int(n))
}
