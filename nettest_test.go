package kcp

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/ARwMq9b6/kcp/internal/fixbuf"
	"gotest.tools/v3/assert"
)

// vnetPacket is one datagram in flight on a vnetLink, carrying its own
// arrival timestamp so recv can hold it until the simulated delay elapses.
type vnetPacket struct {
	data    []byte
	arrival uint32
}

// vnetLink is a one-direction lossy, latent channel between two engines,
// ported from the reference test harness's Latency_simulator: packets
// are dropped at lossPct and delayed by a random jitter within
// [delayMin, delayMax] before becoming visible to recv.
type vnetLink struct {
	rnd                   *rand.Rand
	lossPct               int
	delayMin, delayJitter uint32
	inflight              []vnetPacket
}

func newVnetLink(seed int64, lossPct int, delayMin, delayMax uint32) *vnetLink {
	jitter := uint32(0)
	if delayMax > delayMin {
		jitter = delayMax - delayMin
	}
	return &vnetLink{
		rnd:         rand.New(rand.NewSource(seed)),
		lossPct:     lossPct,
		delayMin:    delayMin,
		delayJitter: jitter,
	}
}

func (l *vnetLink) send(current uint32, data []byte) {
	if l.rnd.Intn(100) < l.lossPct {
		return
	}
	delay := l.delayMin
	if l.delayJitter > 0 {
		delay += uint32(l.rnd.Intn(int(l.delayJitter)))
	}
	l.inflight = append(l.inflight, vnetPacket{
		data:    append([]byte(nil), data...),
		arrival: current + delay,
	})
}

func (l *vnetLink) recv(current uint32) [][]byte {
	var ready [][]byte
	rest := l.inflight[:0]
	for _, p := range l.inflight {
		if timediff(current, p.arrival) >= 0 {
			ready = append(ready, p.data)
		} else {
			rest = append(rest, p)
		}
	}
	l.inflight = rest
	return ready
}

// linkOutput adapts a vnetLink into an Output, reading the shared clock
// through a pointer since Output.Emit carries no timestamp of its own.
type linkOutput struct {
	link    *vnetLink
	current *uint32
}

func (o linkOutput) Emit(buf []byte) {
	o.link.send(*o.current, buf)
}

func TestNetworkDeliveryUnderLossAndLatency(t *testing.T) {
	var current uint32
	aToB := newVnetLink(1, 10, 30, 60)
	bToA := newVnetLink(2, 10, 30, 60)

	a := New(0x11223344, linkOutput{link: aToB, current: &current})
	b := New(0x11223344, linkOutput{link: bToA, current: &current})
	a.WndSize(128, 128)
	b.WndSize(128, 128)
	a.NoDelay(1, 10, 2, 1)
	b.NoDelay(1, 10, 2, 1)

	const total = 50
	sent, recvd := 0, 0
	buf := make([]byte, 64)

	for step := 0; step < 20000 && recvd < total; step++ {
		current += 10
		if sent < total && step%2 == 0 {
			msg := []byte(fmt.Sprintf("msg-%d", sent))
			assert.NilError(t, a.Send(msg))
			sent++
		}
		a.Update(current)
		b.Update(current)
		for _, f := range aToB.recv(current) {
			assert.NilError(t, b.Input(f))
		}
		for _, f := range bToA.recv(current) {
			assert.NilError(t, a.Input(f))
		}
		for {
			n, err := b.Recv(buf)
			if err != nil {
				break
			}
			assert.Equal(t, string(buf[:n]), fmt.Sprintf("msg-%d", recvd))
			recvd++
		}
	}
	assert.Equal(t, recvd, total)
}

func TestZeroWindowProbeWhenRemoteWindowExhausted(t *testing.T) {
	var out captureOutput
	e := New(1, &out)
	e.rmtWnd = 0
	assert.NilError(t, e.Send([]byte("data")))

	current := uint32(0)
	e.Update(current)
	out.drain()

	current += probeInit + 10
	e.Update(current)

	found := false
	for _, f := range out.drain() {
		buf := fixbuf.New(len(f))
		assert.NilError(t, buf.WriteBytes(f))
		seg, err := decodeSegment(buf)
		assert.NilError(t, err)
		if seg.cmd == cmdWAsk {
			found = true
		}
	}
	assert.Assert(t, found)
}

func TestFastRetransmitPreemptsRTOTimeout(t *testing.T) {
	var out captureOutput
	a := New(1, &out)
	a.NoDelay(1, 10, 2, 1)
	assert.NilError(t, a.Send([]byte("m0")))
	assert.NilError(t, a.Send([]byte("m1")))
	assert.NilError(t, a.Send([]byte("m2")))
	assert.NilError(t, a.Send([]byte("m3")))

	a.Update(0)
	frames := out.drain()
	// all four small segments fit into one MTU-sized frame
	assert.Equal(t, len(frames), 1)
	firstXmit := a.sndBuf[0].xmit

	for _, sn := range []uint32{1, 2, 3} {
		seg := segment{conv: 1, cmd: cmdAck, sn: sn, una: 0, ts: 0}
		buf := fixbuf.New(seg.encodedSize())
		assert.NilError(t, seg.encode(buf))
		assert.NilError(t, a.Input(buf.Bytes()))
	}

	assert.Equal(t, len(a.sndBuf), 1)
	assert.Equal(t, a.sndBuf[0].sn, uint32(0))
	assert.Assert(t, a.sndBuf[0].fastack >= 2)

	a.Update(10) // next flush interval, well short of the RTO, so any retransmit here is fast-retransmit
	assert.Assert(t, a.sndBuf[0].xmit > firstXmit)
}

func TestCumulativeUnaDropsAcknowledgedSegments(t *testing.T) {
	a := New(1, OutputFunc(func([]byte) {}))
	a.NoDelay(-1, -1, -1, 1) // no congestion window, so one flush moves all three
	assert.NilError(t, a.Send([]byte("m0")))
	assert.NilError(t, a.Send([]byte("m1")))
	assert.NilError(t, a.Send([]byte("m2")))
	a.Update(0)
	assert.Equal(t, len(a.sndBuf), 3)

	seg := segment{conv: 1, cmd: cmdAck, sn: 2, una: 2, ts: 0}
	buf := fixbuf.New(seg.encodedSize())
	assert.NilError(t, seg.encode(buf))
	assert.NilError(t, a.Input(buf.Bytes()))

	assert.Equal(t, len(a.sndBuf), 0)
	assert.Equal(t, a.sndUna, uint32(3))
}
