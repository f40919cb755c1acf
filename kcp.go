// Package kcp implements a reliable, ordered, connection-oriented ARQ
// protocol engine on top of an unreliable datagram transport: a segment
// codec, per-peer send/receive buffers, ACK/UNA bookkeeping, congestion and
// flow control, an RTT/RTO estimator, a tick-based flush scheduler and a
// zero-window probe mechanism. The engine never touches a socket itself —
// callers feed it datagrams via Input and drain frames from the Output
// sink given to New; see session.go for the net.PacketConn-backed shell
// built on top of it.
package kcp

import "github.com/ARwMq9b6/kcp/internal/fixbuf"

// Protocol and tuning constants, named the way the reference engine names
// them (IKCP_* in the C/Go original), kept lowercase and unexported since
// nothing outside this package needs the raw numbers.
const (
	rtoNoDelayMin = 30    // rx_minrto when nodelay is enabled
	rtoMin        = 100   // rx_minrto default
	rtoDefault    = 200   // rx_rto initial value
	rtoMax        = 60000 // rx_rto ceiling

	askSend = 1 // probe bit: need to send a WASK
	askTell = 2 // probe bit: need to send a WINS

	wndSndDefault = 32
	wndRcvDefault = 32

	mtuDefault = 1400

	deadLinkDefault = 20

	threshInit = 2
	threshMin  = 2

	probeInit  = 7000   // ms, initial zero-window probe wait
	probeLimit = 120000 // ms, probe wait ceiling

	intervalDefault = 100 // ms
	intervalMin     = 10
	intervalMax     = 5000

	stateDead = 0xFFFFFFFF
)

// Output receives one MTU-sized (or smaller) frame of raw segment bytes
// ready for unreliable transmission. It is modeled as an interface, not a
// bare func value, so a stateful sink (a socket, a test queue, a latency
// simulator) can be substituted without the engine needing to know — see
// design note in SPEC_FULL.md §9 on output sink polymorphism.
type Output interface {
	Emit(buf []byte)
}

// OutputFunc adapts a plain function to the Output interface.
type OutputFunc func(buf []byte)

// Emit implements Output.
func (f OutputFunc) Emit(buf []byte) { f(buf) }

// ackItem is one pending (sn, ts) pair awaiting an echoed ACK segment.
type ackItem struct {
	sn uint32
	ts uint32
}

// Engine is the per-peer ARQ control block: all sequence-space, window,
// RTT and timer state plus the four segment containers described in
// SPEC_FULL.md §3. An Engine is single-threaded and non-reentrant — every
// exported method must be serialized by the caller (see session.go for
// the mutex that does this above the engine).
type Engine struct {
	conv                   uint32
	mtu, mss               uint32
	state                  uint32
	sndUna, sndNxt, rcvNxt uint32

	ssthresh uint32

	rxRttval, rxSrtt int32
	rxRto, rxMinrto  uint32

	sndWnd, rcvWnd, rmtWnd, cwnd uint32
	probe                       uint32

	interval, tsFlush, xmit uint32
	nodelay, updated        uint32
	tsProbe, probeWait      uint32
	deadLink, incr          uint32

	fastresend int32
	nocwnd     bool

	// per-cause counters accumulated by flush/input since the last drain,
	// mirroring the teacher's local lostSegs/fastRetransSegs/RepeatSegs
	// bookkeeping; session.go folds these into DefaultStats.
	lostSegs, fastRetransSegs, repeatSegs uint64

	sndQueue []segment
	sndBuf   []segment
	rcvBuf   []segment
	rcvQueue []segment

	acklist []ackItem

	buffer *fixbuf.Buffer
	output Output

	current uint32
}

// New creates an Engine for conversation id conv, which must be identical
// on both peers of the same logical connection. output receives every
// frame the engine produces during flush.
func New(conv uint32, output Output) *Engine {
	e := &Engine{
		conv:     conv,
		sndWnd:   wndSndDefault,
		rcvWnd:   wndRcvDefault,
		rmtWnd:   wndRcvDefault,
		mtu:      mtuDefault,
		rxRto:    rtoDefault,
		rxMinrto: rtoMin,
		interval: intervalDefault,
		tsFlush:  intervalDefault,
		ssthresh: threshInit,
		deadLink: deadLinkDefault,
		output:   output,
	}
	e.mss = e.mtu - headerSize
	e.buffer = fixbuf.New(int((e.mtu + headerSize) * 3))
	return e
}

// Conv returns the engine's conversation id.
func (e *Engine) Conv() uint32 { return e.conv }

// Dead reports whether the engine has given up on the connection after
// one segment has been transmitted dead_link times (first send included)
// without an ACK.
func (e *Engine) Dead() bool { return e.state == stateDead }

// timediff computes later-earlier using wrapping arithmetic, interpreted
// as a signed 32-bit difference. This is the one primitive every
// sequence-number and timestamp comparison in the engine goes through;
// naive unsigned comparison breaks near the 2^32 wraparound.
func timediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func boundu32(lower, middle, upper uint32) uint32 {
	return minu32(maxu32(lower, middle), upper)
}

// Send fragments payload into mss-sized segments and appends them to the
// send queue. No transmission happens synchronously; segments move to the
// wire on the next Update-driven flush.
func (e *Engine) Send(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	count := (len(payload) + int(e.mss) - 1) / int(e.mss)
	if count == 0 {
		count = 1
	}
	if count > 255 {
		return ErrPayloadTooLarge
	}

	for i := 0; i < count; i++ {
		size := int(e.mss)
		if size > len(payload) {
			size = len(payload)
		}
		seg := segment{
			frg:  uint8(count - i - 1),
			data: append([]byte(nil), payload[:size]...),
		}
		e.sndQueue = append(e.sndQueue, seg)
		payload = payload[size:]
	}
	return nil
}

// peekSize returns the byte length of the next complete message at the
// front of rcvQueue, or -1 if no complete message is queued yet.
func (e *Engine) peekSize() int {
	if len(e.rcvQueue) == 0 {
		return -1
	}
	front := &e.rcvQueue[0]
	if front.frg == 0 {
		return len(front.data)
	}
	if len(e.rcvQueue) < int(front.frg)+1 {
		return -1
	}
	length := 0
	for i := range e.rcvQueue {
		seg := &e.rcvQueue[i]
		length += len(seg.data)
		if seg.frg == 0 {
			return length
		}
	}
	return -1
}

// Recv copies the next complete reassembled payload into out, returning
// the number of bytes written.
func (e *Engine) Recv(out []byte) (int, error) {
	if len(e.rcvQueue) == 0 {
		return 0, ErrRecvEmpty
	}

	peekSize := e.peekSize()
	if peekSize < 0 {
		return 0, ErrRecvIncomplete
	}
	if peekSize > len(out) {
		return 0, ErrBufferTooSmall
	}

	fastRecover := len(e.rcvQueue) >= int(e.rcvWnd)

	n := 0
	count := 0
	for i := range e.rcvQueue {
		seg := &e.rcvQueue[i]
		n += copy(out[n:], seg.data)
		count++
		if seg.frg == 0 {
			break
		}
	}
	e.rcvQueue = e.rcvQueue[count:]

	e.slideRcvBuf()

	if fastRecover && len(e.rcvQueue) < int(e.rcvWnd) {
		e.probe |= askTell
	}
	return n, nil
}

// slideRcvBuf moves the contiguous rcvNxt-ordered prefix of rcvBuf into
// rcvQueue, bumping rcvNxt as it goes, stopping once rcvQueue would reach
// rcvWnd. Shared by parse_data and Recv, exactly as in the reference
// engine.
func (e *Engine) slideRcvBuf() {
	count := 0
	for i := range e.rcvBuf {
		seg := &e.rcvBuf[i]
		if seg.sn == e.rcvNxt && len(e.rcvQueue) < int(e.rcvWnd) {
			e.rcvNxt++
			count++
		} else {
			break
		}
	}
	e.rcvQueue = append(e.rcvQueue, e.rcvBuf[:count]...)
	e.rcvBuf = e.rcvBuf[count:]
}

// SetMtu changes the maximum transmission unit and reallocates the
// internal flush scratch buffer accordingly.
func (e *Engine) SetMtu(mtu int) error {
	if mtu < 50 || mtu < headerSize {
		return ErrBufferTooSmall
	}
	e.mtu = uint32(mtu)
	e.mss = e.mtu - headerSize
	e.buffer = fixbuf.New(int((e.mtu + headerSize) * 3))
	return nil
}

// NoDelay matches the reference engine's ikcp_nodelay: every argument
// negative leaves the corresponding field unchanged.
//
// fastest preset: e.NoDelay(1, 10, 2, 1)
func (e *Engine) NoDelay(nodelay, interval, resend, nc int) {
	if nodelay >= 0 {
		e.nodelay = uint32(nodelay)
		if nodelay != 0 {
			e.rxMinrto = rtoNoDelayMin
		} else {
			e.rxMinrto = rtoMin
		}
	}
	if interval >= 0 {
		if interval > intervalMax {
			interval = intervalMax
		} else if interval < intervalMin {
			interval = intervalMin
		}
		e.interval = uint32(interval)
	}
	if resend >= 0 {
		e.fastresend = int32(resend)
	}
	if nc >= 0 {
		e.nocwnd = nc != 0
	}
}

// WndSize overwrites the send/receive window sizes; non-positive values
// leave the corresponding window unchanged.
func (e *Engine) WndSize(sndWnd, rcvWnd int) {
	if sndWnd > 0 {
		e.sndWnd = uint32(sndWnd)
	}
	if rcvWnd > 0 {
		e.rcvWnd = uint32(rcvWnd)
	}
}

// WaitSnd returns the number of segments still awaiting an ACK or still
// queued for transmission.
func (e *Engine) WaitSnd() int {
	return len(e.sndBuf) + len(e.sndQueue)
}

// Cwnd returns the effective congestion/flow window, the same min() the
// flush pipeline uses to gate promotion from sndQueue to sndBuf.
func (e *Engine) Cwnd() uint32 {
	cwnd := minu32(e.sndWnd, e.rmtWnd)
	if !e.nocwnd {
		cwnd = minu32(e.cwnd, cwnd)
	}
	return cwnd
}

// DrainRetransStats returns the lost-segment, fast-retransmit, and total
// retransmit counts accumulated by flush since the last call, resetting
// them to zero. Total retransmits is the sum of the two causes, matching
// the reference engine's RetransSegs/LostSegs/FastRetransSegs split.
func (e *Engine) DrainRetransStats() (lost, fastRetrans, retrans uint64) {
	lost, fastRetrans = e.lostSegs, e.fastRetransSegs
	retrans = lost + fastRetrans
	e.lostSegs, e.fastRetransSegs = 0, 0
	return lost, fastRetrans, retrans
}

// DrainRepeatSegs returns the count of PUSH segments discarded by
// parseData/Input since the last call (duplicates and segments outside the
// receive window), resetting it to zero.
func (e *Engine) DrainRepeatSegs() uint64 {
	n := e.repeatSegs
	e.repeatSegs = 0
	return n
}

// Check returns the timestamp (in the same millisecond clock as current)
// at which the caller should next invoke Update, letting a caller sleep
// instead of busy-polling every interval.
func (e *Engine) Check(current uint32) uint32 {
	if e.updated == 0 {
		return current
	}

	tsFlush := e.tsFlush
	if diff := timediff(current, tsFlush); diff >= 10000 || diff < -10000 {
		tsFlush = current
	}
	if timediff(current, tsFlush) >= 0 {
		return current
	}

	tmFlush := timediff(tsFlush, current)
	tmPacket := int32(0x7fffffff)
	for i := range e.sndBuf {
		diff := timediff(e.sndBuf[i].resendts, current)
		if diff <= 0 {
			return current
		}
		if diff < tmPacket {
			tmPacket = diff
		}
	}

	minimal := uint32(tmPacket)
	if tmPacket >= tmFlush {
		minimal = uint32(tmFlush)
	}
	if minimal >= e.interval {
		minimal = e.interval
	}
	return current + minimal
}
