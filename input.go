package kcp

import "github.com/ARwMq9b6/kcp/internal/fixbuf"

// Input parses one datagram — a concatenation of one or more segments —
// updating ACK/UNA state, the remote window estimate, and inserting any
// PUSH payloads into the receive buffer. A malformed tail aborts parsing
// of the remaining segments in this datagram but never unwinds state
// already applied by segments parsed earlier in the same call.
func (e *Engine) Input(data []byte) error {
	if len(data) < headerSize {
		return ErrFrameTooShort
	}

	unaBefore := e.sndUna
	current := e.current

	var maxack uint32
	sawAck := false

	buf := fixbuf.New(len(data))
	if err := buf.WriteBytes(data); err != nil {
		return err
	}

	for buf.ReadRemain() >= headerSize {
		seg, err := decodeSegment(buf)
		if err != nil {
			break
		}
		if seg.conv != e.conv {
			return ErrConvMismatch
		}
		if !validCommand(seg.cmd) {
			return ErrBadCommand
		}

		e.rmtWnd = uint32(seg.wnd)
		e.parseUna(seg.una)
		e.shrinkBuf()

		switch seg.cmd {
		case cmdAck:
			if timediff(current, seg.ts) >= 0 {
				e.updateAck(timediff(current, seg.ts))
			}
			e.parseAck(seg.sn)
			e.shrinkBuf()
			if !sawAck {
				sawAck = true
				maxack = seg.sn
			} else if timediff(seg.sn, maxack) > 0 {
				maxack = seg.sn
			}
		case cmdPush:
			if timediff(seg.sn, e.rcvNxt+e.rcvWnd) < 0 {
				e.acklist = append(e.acklist, ackItem{sn: seg.sn, ts: seg.ts})
				if timediff(seg.sn, e.rcvNxt) >= 0 {
					e.parseData(seg)
				} else {
					e.repeatSegs++
				}
			} else {
				e.repeatSegs++
			}
		case cmdWAsk:
			e.probe |= askTell
		case cmdWIns:
			// no-op beyond the rmtWnd update already applied above
		}
	}

	if sawAck {
		e.parseFastack(maxack)
	}

	if timediff(e.sndUna, unaBefore) > 0 {
		e.growCwnd()
	}
	return nil
}

// growCwnd implements the slow-start / congestion-avoidance window growth
// run whenever this Input call's cumulative ACK advanced snd_una.
func (e *Engine) growCwnd() {
	if e.cwnd >= e.rmtWnd {
		return
	}
	mss := e.mss
	if e.cwnd < e.ssthresh {
		e.cwnd++
		e.incr += mss
	} else {
		if e.incr < mss {
			e.incr = mss
		}
		e.incr += (mss*mss)/e.incr + mss/16
		if (e.cwnd+1)*mss <= e.incr {
			e.cwnd++
		}
	}
	if e.cwnd > e.rmtWnd {
		e.cwnd = e.rmtWnd
		e.incr = e.rmtWnd * mss
	}
}

// parseUna drops every front element of sndBuf whose sn precedes una —
// the cumulative-ACK side of an incoming segment's una field.
func (e *Engine) parseUna(una uint32) {
	count := 0
	for i := range e.sndBuf {
		if timediff(una, e.sndBuf[i].sn) > 0 {
			count++
		} else {
			break
		}
	}
	e.sndBuf = e.sndBuf[count:]
}

// shrinkBuf keeps snd_una in sync with the front of sndBuf; must run
// after every mutation of sndBuf's front (parseUna, parseAck).
func (e *Engine) shrinkBuf() {
	if len(e.sndBuf) > 0 {
		e.sndUna = e.sndBuf[0].sn
	} else {
		e.sndUna = e.sndNxt
	}
}

// parseAck removes the single sndBuf element matching sn, if any, and if
// sn still lies within the in-flight window [snd_una, snd_nxt).
func (e *Engine) parseAck(sn uint32) {
	if timediff(sn, e.sndUna) < 0 || timediff(sn, e.sndNxt) >= 0 {
		return
	}
	for i := range e.sndBuf {
		if sn == e.sndBuf[i].sn {
			e.sndBuf = append(e.sndBuf[:i], e.sndBuf[i+1:]...)
			break
		}
		if timediff(sn, e.sndBuf[i].sn) < 0 {
			break
		}
	}
}

// parseFastack increments fastack on every sndBuf segment strictly
// preceding sn (the largest sn ACKed in the datagram just processed),
// feeding the fast-retransmit trigger in flush.
func (e *Engine) parseFastack(sn uint32) {
	if timediff(sn, e.sndUna) < 0 || timediff(sn, e.sndNxt) >= 0 {
		return
	}
	for i := range e.sndBuf {
		seg := &e.sndBuf[i]
		if timediff(sn, seg.sn) < 0 {
			break
		} else if sn != seg.sn {
			seg.fastack++
		}
	}
}

// parseData inserts a PUSH segment into rcvBuf in ascending sn order,
// discarding duplicates, then drains the contiguous rcvNxt-ordered prefix
// into rcvQueue.
func (e *Engine) parseData(newseg segment) {
	sn := newseg.sn
	if timediff(sn, e.rcvNxt+e.rcvWnd) >= 0 || timediff(sn, e.rcvNxt) < 0 {
		return
	}

	n := len(e.rcvBuf) - 1
	insertIdx := 0
	repeat := false
	for i := n; i >= 0; i-- {
		seg := &e.rcvBuf[i]
		if seg.sn == sn {
			repeat = true
			break
		}
		if timediff(sn, seg.sn) > 0 {
			insertIdx = i + 1
			break
		}
	}

	if !repeat {
		if insertIdx == n+1 {
			e.rcvBuf = append(e.rcvBuf, newseg)
		} else {
			e.rcvBuf = append(e.rcvBuf, segment{})
			copy(e.rcvBuf[insertIdx+1:], e.rcvBuf[insertIdx:])
			e.rcvBuf[insertIdx] = newseg
		}
	} else {
		e.repeatSegs++
	}

	e.slideRcvBuf()
}

// updateAck folds one RTT sample into the Jacobson/Karels srtt/rttvar
// estimator and recomputes rx_rto from it.
func (e *Engine) updateAck(rtt int32) {
	if e.rxSrtt == 0 {
		e.rxSrtt = rtt
		e.rxRttval = rtt / 2
	} else {
		delta := e.rxSrtt - rtt
		if delta < 0 {
			delta = -delta
		}
		srtt := (7*e.rxSrtt + rtt) / 8
		if srtt < 1 {
			srtt = 1
		}
		e.rxRttval = (3*e.rxRttval + delta) / 4
		e.rxSrtt = srtt
	}
	rto := uint32(e.rxSrtt) + maxu32(1, uint32(e.rxRttval)*4)
	e.rxRto = boundu32(e.rxMinrto, rto, rtoMax)
}
