package fixbuf

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestWriteReadRoundTrip(t *testing.T) {
	b := New(32)
	assert.NilError(t, b.WriteU32(0xdeadbeef))
	assert.NilError(t, b.WriteU8(7))
	assert.NilError(t, b.WriteU16(4242))
	assert.NilError(t, b.WriteBytes([]byte("hello")))

	assert.Equal(t, b.Wpos(), 4+1+2+5)

	v32, err := b.ReadU32()
	assert.NilError(t, err)
	assert.Equal(t, v32, uint32(0xdeadbeef))

	v8, err := b.ReadU8()
	assert.NilError(t, err)
	assert.Equal(t, v8, uint8(7))

	v16, err := b.ReadU16()
	assert.NilError(t, err)
	assert.Equal(t, v16, uint16(4242))

	raw, err := b.ReadBytes(5)
	assert.NilError(t, err)
	assert.Equal(t, string(raw), "hello")

	assert.Equal(t, b.ReadRemain(), 0)
}

func TestWriteOverflow(t *testing.T) {
	b := New(4)
	assert.NilError(t, b.WriteU32(1))
	err := b.WriteU8(1)
	assert.ErrorIs(t, err, ErrWriteOverflow)
}

func TestReadOverflow(t *testing.T) {
	b := New(4)
	assert.NilError(t, b.WriteU16(1))
	_, err := b.ReadU32()
	assert.ErrorIs(t, err, ErrReadOverflow)
}

func TestClearResetsCursors(t *testing.T) {
	b := New(8)
	assert.NilError(t, b.WriteU32(1))
	_, err := b.ReadU32()
	assert.NilError(t, err)
	b.Clear()
	assert.Equal(t, b.Wpos(), 0)
	assert.Equal(t, b.Rpos(), 0)
	assert.Equal(t, b.ReadRemain(), 0)
}
