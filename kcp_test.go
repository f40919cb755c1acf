package kcp

import (
	"testing"

	"gotest.tools/v3/assert"
)

// captureOutput is a minimal Output sink that stores every emitted frame,
// standing in for a socket in these unit tests — see nettest_test.go for
// an Output sink that actually models latency and loss.
type captureOutput struct {
	frames [][]byte
}

func (c *captureOutput) Emit(buf []byte) {
	c.frames = append(c.frames, append([]byte(nil), buf...))
}

func (c *captureOutput) drain() [][]byte {
	f := c.frames
	c.frames = nil
	return f
}

func TestSendRejectsEmptyPayload(t *testing.T) {
	e := New(1, OutputFunc(func([]byte) {}))
	assert.ErrorIs(t, e.Send(nil), ErrEmptyPayload)
}

func TestSendFragmentsAcrossMss(t *testing.T) {
	e := New(1, OutputFunc(func([]byte) {}))
	assert.NilError(t, e.SetMtu(50))
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	assert.NilError(t, e.Send(payload))
	assert.Assert(t, len(e.sndQueue) > 1)
	// every fragment but the last carries a nonzero frg count, descending to 0
	for i, seg := range e.sndQueue {
		want := uint8(len(e.sndQueue) - i - 1)
		assert.Equal(t, seg.frg, want)
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	e := New(1, OutputFunc(func([]byte) {}))
	// mss is small enough that 256 fragments would be required.
	assert.NilError(t, e.SetMtu(50))
	payload := make([]byte, int(e.mss)*256)
	assert.ErrorIs(t, e.Send(payload), ErrPayloadTooLarge)
}

func TestRecvEmptyBeforeAnyData(t *testing.T) {
	e := New(1, OutputFunc(func([]byte) {}))
	_, err := e.Recv(make([]byte, 16))
	assert.ErrorIs(t, err, ErrRecvEmpty)
}

func TestRecvBufferTooSmall(t *testing.T) {
	var out captureOutput
	e := New(1, &out)
	assert.NilError(t, e.Send([]byte("hello world")))
	// cwnd starts at 0, so without nocwnd the first flush would send nothing
	e.NoDelay(-1, -1, -1, 1)
	e.Update(10)
	// feed the emitted PUSH segment back into ourselves to populate rcvQueue
	for _, f := range out.drain() {
		assert.NilError(t, e.Input(f))
	}
	_, err := e.Recv(make([]byte, 2))
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestInputRejectsConvMismatch(t *testing.T) {
	var out captureOutput
	a := New(1, &out)
	b := New(2, OutputFunc(func([]byte) {}))
	assert.NilError(t, a.Send([]byte("x")))
	a.NoDelay(-1, -1, -1, 1) // let the first flush send despite cwnd starting at 0
	a.Update(10)
	frames := out.drain()
	assert.Assert(t, len(frames) > 0)
	assert.ErrorIs(t, b.Input(frames[0]), ErrConvMismatch)
}

func TestInputRejectsShortFrame(t *testing.T) {
	e := New(1, OutputFunc(func([]byte) {}))
	assert.ErrorIs(t, e.Input(make([]byte, headerSize-1)), ErrFrameTooShort)
}

func TestSetMtuRejectsTooSmall(t *testing.T) {
	e := New(1, OutputFunc(func([]byte) {}))
	assert.ErrorIs(t, e.SetMtu(10), ErrBufferTooSmall)
}

func TestNoDelayNegativeArgsLeaveFieldsUnchanged(t *testing.T) {
	e := New(1, OutputFunc(func([]byte) {}))
	e.NoDelay(1, 20, 3, 1)
	before := *e
	e.NoDelay(-1, -1, -1, -1)
	assert.Equal(t, e.nodelay, before.nodelay)
	assert.Equal(t, e.interval, before.interval)
	assert.Equal(t, e.fastresend, before.fastresend)
}

func TestWndSizeNonPositiveLeavesUnchanged(t *testing.T) {
	e := New(1, OutputFunc(func([]byte) {}))
	e.WndSize(64, 64)
	e.WndSize(0, -1)
	assert.Equal(t, e.sndWnd, uint32(64))
	assert.Equal(t, e.rcvWnd, uint32(64))
}

func TestWaitSndCountsQueuedAndInflight(t *testing.T) {
	e := New(1, OutputFunc(func([]byte) {}))
	assert.Equal(t, e.WaitSnd(), 0)
	assert.NilError(t, e.Send([]byte("one")))
	assert.NilError(t, e.Send([]byte("two")))
	assert.Equal(t, e.WaitSnd(), 2)
}

func TestCheckReturnsCurrentBeforeFirstUpdate(t *testing.T) {
	e := New(1, OutputFunc(func([]byte) {}))
	assert.Equal(t, e.Check(1000), uint32(1000))
}

func TestCheckNeverExceedsInterval(t *testing.T) {
	e := New(1, OutputFunc(func([]byte) {}))
	e.Update(0)
	next := e.Check(0)
	assert.Assert(t, next-0 <= e.interval)
}

func TestLoopbackDeliversPayloadInOrder(t *testing.T) {
	var aOut, bOut captureOutput
	a := New(42, &aOut)
	b := New(42, &bOut)

	msgs := [][]byte{[]byte("hello"), []byte("kcp"), []byte("engine")}
	for _, m := range msgs {
		assert.NilError(t, a.Send(m))
	}

	current := uint32(0)
	received := 0
	for i := 0; i < 200 && received < len(msgs); i++ {
		current += 10
		a.Update(current)
		for _, f := range aOut.drain() {
			assert.NilError(t, b.Input(f))
		}
		b.Update(current)
		for _, f := range bOut.drain() {
			assert.NilError(t, a.Input(f))
		}

		buf := make([]byte, 64)
		for {
			n, err := b.Recv(buf)
			if err != nil {
				break
			}
			assert.Equal(t, string(buf[:n]), string(msgs[received]))
			received++
			if received >= len(msgs) {
				break
			}
		}
	}
	assert.Equal(t, received, len(msgs))
}

func TestDeadLinkAfterExhaustingRetransmits(t *testing.T) {
	a := New(7, OutputFunc(func([]byte) {}))
	a.deadLink = 2
	assert.NilError(t, a.Send([]byte("unacked")))

	current := uint32(0)
	for i := 0; i < 20 && !a.Dead(); i++ {
		current += a.rxRto + 1
		a.Update(current)
	}
	assert.Assert(t, a.Dead())
}
