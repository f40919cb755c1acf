// Package fixbuf is the byte-buffer helper used by the segment codec: a
// fixed-capacity, little-endian scratch buffer with independent read/write
// cursors. It mirrors the reference engine's ByteBuffer collaborator.
package fixbuf

import (
	"encoding/binary"
	"errors"
)

// ErrWriteOverflow is returned when a write would exceed the buffer's capacity.
var ErrWriteOverflow = errors.New("fixbuf: write overflow")

// ErrReadOverflow is returned when a read would run past the write cursor
// or past the buffer's capacity.
var ErrReadOverflow = errors.New("fixbuf: read overflow")

// Buffer is a fixed-capacity byte buffer with separate write and read
// cursors, used to assemble and parse KCP frames without per-call
// allocation.
type Buffer struct {
	data []byte
	wpos int
	rpos int
}

// New allocates a Buffer with the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Len returns the buffer's total capacity.
func (b *Buffer) Len() int { return len(b.data) }

// Wpos returns the current write cursor position.
func (b *Buffer) Wpos() int { return b.wpos }

// Rpos returns the current read cursor position.
func (b *Buffer) Rpos() int { return b.rpos }

// ReadRemain returns the number of unread bytes between rpos and wpos.
func (b *Buffer) ReadRemain() int { return b.wpos - b.rpos }

// Clear resets both cursors to zero without releasing the backing array.
func (b *Buffer) Clear() {
	b.wpos = 0
	b.rpos = 0
}

// Bytes returns the written prefix of the buffer, [0:wpos).
func (b *Buffer) Bytes() []byte { return b.data[:b.wpos] }

// WriteBytes appends raw bytes, advancing the write cursor.
func (b *Buffer) WriteBytes(p []byte) error {
	if b.wpos+len(p) > len(b.data) {
		return ErrWriteOverflow
	}
	n := copy(b.data[b.wpos:], p)
	b.wpos += n
	return nil
}

// WriteU8 appends an 8-bit value.
func (b *Buffer) WriteU8(v uint8) error {
	if b.wpos+1 > len(b.data) {
		return ErrWriteOverflow
	}
	b.data[b.wpos] = v
	b.wpos++
	return nil
}

// WriteU16 appends a 16-bit little-endian value.
func (b *Buffer) WriteU16(v uint16) error {
	if b.wpos+2 > len(b.data) {
		return ErrWriteOverflow
	}
	binary.LittleEndian.PutUint16(b.data[b.wpos:], v)
	b.wpos += 2
	return nil
}

// WriteU32 appends a 32-bit little-endian value.
func (b *Buffer) WriteU32(v uint32) error {
	if b.wpos+4 > len(b.data) {
		return ErrWriteOverflow
	}
	binary.LittleEndian.PutUint32(b.data[b.wpos:], v)
	b.wpos += 4
	return nil
}

// ReadBytes reads n raw bytes, advancing the read cursor. The returned
// slice aliases the buffer's backing array and is only valid until the
// next Clear or Write call.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if b.rpos+n > b.wpos {
		return nil, ErrReadOverflow
	}
	p := b.data[b.rpos : b.rpos+n]
	b.rpos += n
	return p, nil
}

// ReadU8 reads an 8-bit value.
func (b *Buffer) ReadU8() (uint8, error) {
	if b.rpos+1 > b.wpos {
		return 0, ErrReadOverflow
	}
	v := b.data[b.rpos]
	b.rpos++
	return v, nil
}

// ReadU16 reads a 16-bit little-endian value.
func (b *Buffer) ReadU16() (uint16, error) {
	if b.rpos+2 > b.wpos {
		return 0, ErrReadOverflow
	}
	v := binary.LittleEndian.Uint16(b.data[b.rpos:])
	b.rpos += 2
	return v, nil
}

// ReadU32 reads a 32-bit little-endian value.
func (b *Buffer) ReadU32() (uint32, error) {
	if b.rpos+4 > b.wpos {
		return 0, ErrReadOverflow
	}
	v := binary.LittleEndian.Uint32(b.data[b.rpos:])
	b.rpos += 4
	return v, nil
}
