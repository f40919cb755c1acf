package kcp

// wndUnused is the local receive-window slack advertised to the remote
// peer: how much more rcvQueue can hold above its current length.
func (e *Engine) wndUnused() uint16 {
	if len(e.rcvQueue) < int(e.rcvWnd) {
		return uint16(int(e.rcvWnd) - len(e.rcvQueue))
	}
	return 0
}

// flushBuffer hands the buffer's written bytes to the output sink and
// resets it for reuse. A no-op on an empty buffer.
func (e *Engine) flushBuffer() {
	if e.buffer.Wpos() == 0 {
		return
	}
	e.output.Emit(e.buffer.Bytes())
	e.buffer.Clear()
}

// ensureRoom flushes the scratch buffer first if appending need more
// bytes would overflow the configured MTU.
func (e *Engine) ensureRoom(need int) {
	if e.buffer.Wpos()+need > int(e.mtu) {
		e.flushBuffer()
	}
}

// flush is the transmission core: it drains pending ACKs, runs the
// zero-window probe scheduler, promotes segments from sndQueue into
// sndBuf subject to the congestion/flow window, and transmits every
// sndBuf segment that is new, timed out, or fast-retransmit-eligible.
func (e *Engine) flush() {
	if e.updated == 0 {
		return
	}

	current := e.current
	var tmpl segment
	tmpl.conv = e.conv
	tmpl.cmd = cmdAck
	tmpl.wnd = e.wndUnused()
	tmpl.una = e.rcvNxt

	// Step A: drain pending ACKs.
	for _, ack := range e.acklist {
		e.ensureRoom(headerSize)
		seg := tmpl
		seg.sn, seg.ts = ack.sn, ack.ts
		seg.cmd = cmdAck
		_ = seg.encode(e.buffer)
	}
	e.acklist = nil

	// Step B: zero-window probe scheduler.
	if e.rmtWnd == 0 {
		if e.probeWait == 0 {
			e.probeWait = probeInit
			e.tsProbe = current + e.probeWait
		} else if timediff(current, e.tsProbe) >= 0 {
			if e.probeWait < probeInit {
				e.probeWait = probeInit
			}
			e.probeWait += e.probeWait / 2
			if e.probeWait > probeLimit {
				e.probeWait = probeLimit
			}
			e.tsProbe = current + e.probeWait
			e.probe |= askSend
		}
	} else {
		e.tsProbe = 0
		e.probeWait = 0
	}

	// Step C: emit WASK/WINS control segments.
	if e.probe&askSend != 0 {
		e.ensureRoom(headerSize)
		seg := tmpl
		seg.cmd = cmdWAsk
		_ = seg.encode(e.buffer)
	}
	if e.probe&askTell != 0 {
		e.ensureRoom(headerSize)
		seg := tmpl
		seg.cmd = cmdWIns
		_ = seg.encode(e.buffer)
	}
	e.probe = 0

	// Step D: promote sndQueue into sndBuf, gated by the congestion/flow window.
	cwndEff := minu32(e.sndWnd, e.rmtWnd)
	if !e.nocwnd {
		cwndEff = minu32(cwndEff, e.cwnd)
	}
	newSegs := 0
	for newSegs < len(e.sndQueue) {
		if timediff(e.sndNxt, e.sndUna+cwndEff) >= 0 {
			break
		}
		seg := e.sndQueue[newSegs]
		seg.conv = e.conv
		seg.cmd = cmdPush
		seg.wnd = tmpl.wnd
		seg.ts = current
		seg.sn = e.sndNxt
		seg.una = e.rcvNxt
		seg.resendts = current
		seg.rto = e.rxRto
		seg.fastack = 0
		seg.xmit = 0
		e.sndBuf = append(e.sndBuf, seg)
		e.sndNxt++
		newSegs++
	}
	e.sndQueue = e.sndQueue[newSegs:]

	// Step E: transmit new, timed-out, or fast-retransmit-eligible segments.
	resent := uint32(0xffffffff)
	if e.fastresend > 0 {
		resent = uint32(e.fastresend)
	}
	var rtomin uint32
	if e.nodelay == 0 {
		rtomin = e.rxRto / 8
	}

	change := 0
	lost := false
	var lostSegs, fastRetransSegs uint64
	for i := range e.sndBuf {
		seg := &e.sndBuf[i]
		needsend := false

		switch {
		case seg.xmit == 0:
			seg.xmit = 1
			seg.rto = e.rxRto
			seg.resendts = current + e.rxRto + rtomin
			needsend = true
		case timediff(current, seg.resendts) >= 0:
			seg.xmit++
			e.xmit++
			if e.nodelay == 0 {
				seg.rto += e.rxRto
			} else {
				seg.rto += e.rxRto / 2
			}
			seg.rto = minu32(seg.rto, e.rxRto*8)
			seg.resendts = current + seg.rto
			lost = true
			lostSegs++
			needsend = true
		case seg.fastack >= resent:
			seg.xmit++
			seg.fastack = 0
			seg.resendts = current + seg.rto
			change++
			fastRetransSegs++
			needsend = true
		}

		if needsend {
			seg.ts = current
			seg.wnd = tmpl.wnd
			seg.una = e.rcvNxt

			e.ensureRoom(seg.encodedSize())
			_ = seg.encode(e.buffer)

			if seg.xmit >= e.deadLink {
				e.state = stateDead
			}
		}
	}
	e.flushBuffer()
	e.lostSegs += lostSegs
	e.fastRetransSegs += fastRetransSegs

	// Step F: congestion response.
	if change > 0 {
		inflight := e.sndNxt - e.sndUna
		e.ssthresh = maxu32(threshMin, inflight/2)
		e.cwnd = e.ssthresh + resent
		e.incr = e.cwnd * e.mss
	}
	if lost {
		e.ssthresh = maxu32(threshMin, cwndEff/2)
		e.cwnd = 1
		e.incr = e.mss
	}
	if e.cwnd < 1 {
		e.cwnd = 1
		e.incr = e.mss
	}
}

// Update advances the engine's notion of the current time and, once per
// interval, runs flush. Callers should invoke Update at least every
// interval milliseconds (10-100ms typical), or use Check to sleep until
// the next meaningful event instead of polling on a fixed timer.
func (e *Engine) Update(current uint32) {
	e.current = current

	if e.updated == 0 {
		e.updated = 1
		e.tsFlush = current
	}

	slap := timediff(current, e.tsFlush)
	if slap >= 10000 || slap < -10000 {
		e.tsFlush = current
		slap = 0
	}

	if slap >= 0 {
		e.tsFlush += e.interval
		if timediff(current, e.tsFlush) >= 0 {
			e.tsFlush = current + e.interval
		}
		e.flush()
	}
}
