package kcp

import (
	"net"
	"runtime"
	"sync/atomic"
)

const emitQueueSize = 8192

// emitPacket is one queued datagram write, addressed so the same emitter
// can serve every session multiplexed over one net.PacketConn.
type emitPacket struct {
	conn net.PacketConn
	to   net.Addr
	data []byte
}

// emitter serializes outbound datagram writes onto a single locked OS
// thread, so a session's flush never blocks on the underlying socket
// write directly — it just queues. This mirrors the reference engine's
// defaultEmitter/Emitter pair.
type emitter struct {
	ch chan emitPacket
}

func newEmitter() *emitter {
	e := &emitter{ch: make(chan emitPacket, emitQueueSize)}
	go e.run()
	return e
}

func (e *emitter) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for p := range e.ch {
		n, err := p.conn.WriteTo(p.data, p.to)
		if err == nil {
			atomic.AddUint64(&DefaultStats.OutSegs, 1)
			atomic.AddUint64(&DefaultStats.OutBytes, uint64(n))
		}
	}
}

// emit queues a datagram for asynchronous transmission. It never blocks
// the caller beyond the channel send; a full queue applies backpressure
// rather than dropping silently.
func (e *emitter) emit(conn net.PacketConn, to net.Addr, data []byte) {
	// data is a slice into the engine's scratch buffer, which is reused
	// on the very next flush, so it must be copied before queuing.
	cp := make([]byte, len(data))
	copy(cp, data)
	e.ch <- emitPacket{conn: conn, to: to, data: cp}
}

// defaultEmitter is the process-wide emit worker shared by every Session
// and Listener, exactly as the reference engine shares one Emitter across
// all UDPSessions.
var defaultEmitter = newEmitter()
