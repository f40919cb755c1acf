package kcp

import (
	"testing"

	"github.com/ARwMq9b6/kcp/internal/fixbuf"
	"gotest.tools/v3/assert"
)

func TestSegmentEncodeDecodeRoundTrip(t *testing.T) {
	seg := segment{
		conv: 12345,
		cmd:  cmdPush,
		frg:  3,
		wnd:  128,
		ts:   99999,
		sn:   7,
		una:  4,
		data: []byte("payload"),
	}

	buf := fixbuf.New(seg.encodedSize())
	assert.NilError(t, seg.encode(buf))
	assert.Equal(t, buf.Wpos(), headerSize+len("payload"))

	got, err := decodeSegment(buf)
	assert.NilError(t, err)
	assert.Equal(t, got.conv, seg.conv)
	assert.Equal(t, got.cmd, seg.cmd)
	assert.Equal(t, got.frg, seg.frg)
	assert.Equal(t, got.wnd, seg.wnd)
	assert.Equal(t, got.ts, seg.ts)
	assert.Equal(t, got.sn, seg.sn)
	assert.Equal(t, got.una, seg.una)
	assert.Equal(t, string(got.data), "payload")
}

func TestSegmentEncodeEmptyPayload(t *testing.T) {
	seg := segment{conv: 1, cmd: cmdAck, sn: 1, una: 1}
	buf := fixbuf.New(seg.encodedSize())
	assert.NilError(t, seg.encode(buf))
	assert.Equal(t, buf.Wpos(), headerSize)
}

func TestDecodeSegmentTruncatedHeader(t *testing.T) {
	buf := fixbuf.New(headerSize)
	assert.NilError(t, buf.WriteU32(1))
	_, err := decodeSegment(buf)
	assert.ErrorIs(t, err, ErrBufferUnderflow)
}

func TestDecodeSegmentTruncatedPayload(t *testing.T) {
	seg := segment{conv: 1, cmd: cmdPush, sn: 1, una: 1, data: []byte("abcdef")}
	buf := fixbuf.New(seg.encodedSize())
	assert.NilError(t, seg.encode(buf))

	// Rebuild a buffer advertising a longer payload than is actually present.
	short := fixbuf.New(headerSize + 2)
	assert.NilError(t, short.WriteBytes(buf.Bytes()[:headerSize+2]))
	_, err := decodeSegment(short)
	assert.ErrorIs(t, err, ErrBufferUnderflow)
}

func TestValidCommand(t *testing.T) {
	for _, cmd := range []uint8{cmdPush, cmdAck, cmdWAsk, cmdWIns} {
		assert.Assert(t, validCommand(cmd))
	}
	assert.Assert(t, !validCommand(0))
	assert.Assert(t, !validCommand(200))
}
