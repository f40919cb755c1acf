package kcp

import "github.com/ARwMq9b6/kcp/internal/fixbuf"

// Command bytes, identical on the wire in both directions.
const (
	cmdPush uint8 = 81 // data segment
	cmdAck  uint8 = 82 // acknowledgement
	cmdWAsk uint8 = 83 // window ask (probe)
	cmdWIns uint8 = 84 // window inform (reply to probe)
)

// headerSize is the fixed 24-byte segment header: conv(4) cmd(1) frg(1)
// wnd(2) ts(4) sn(4) una(4) len(4).
const headerSize = 24

// segment is both the unit of wire transmission and the internal
// retransmission bookkeeping record. Fields below headerSize are never
// serialized.
type segment struct {
	conv uint32
	cmd  uint8
	frg  uint8
	wnd  uint16
	ts   uint32
	sn   uint32
	una  uint32
	data []byte

	// internal-only retransmission state
	resendts uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
}

// encode writes the segment's header followed by its payload into buf.
// Callers are expected to have checked that buf has room for
// headerSize+len(seg.data) bytes; encode surfaces the fixbuf error
// otherwise rather than panicking.
func (s *segment) encode(buf *fixbuf.Buffer) error {
	if err := buf.WriteU32(s.conv); err != nil {
		return err
	}
	if err := buf.WriteU8(s.cmd); err != nil {
		return err
	}
	if err := buf.WriteU8(s.frg); err != nil {
		return err
	}
	if err := buf.WriteU16(s.wnd); err != nil {
		return err
	}
	if err := buf.WriteU32(s.ts); err != nil {
		return err
	}
	if err := buf.WriteU32(s.sn); err != nil {
		return err
	}
	if err := buf.WriteU32(s.una); err != nil {
		return err
	}
	if err := buf.WriteU32(uint32(len(s.data))); err != nil {
		return err
	}
	return buf.WriteBytes(s.data)
}

// encodedSize is the number of bytes encode would write for this segment.
func (s *segment) encodedSize() int {
	return headerSize + len(s.data)
}

// decodeSegment reads one segment (header + payload) from buf. Input may
// call this repeatedly against the same buffer to walk a datagram packing
// several segments back to back.
func decodeSegment(buf *fixbuf.Buffer) (segment, error) {
	var s segment
	var err error

	if s.conv, err = buf.ReadU32(); err != nil {
		return segment{}, ErrBufferUnderflow
	}
	var cmd uint8
	if cmd, err = buf.ReadU8(); err != nil {
		return segment{}, ErrBufferUnderflow
	}
	s.cmd = cmd
	if s.frg, err = buf.ReadU8(); err != nil {
		return segment{}, ErrBufferUnderflow
	}
	if s.wnd, err = buf.ReadU16(); err != nil {
		return segment{}, ErrBufferUnderflow
	}
	if s.ts, err = buf.ReadU32(); err != nil {
		return segment{}, ErrBufferUnderflow
	}
	if s.sn, err = buf.ReadU32(); err != nil {
		return segment{}, ErrBufferUnderflow
	}
	if s.una, err = buf.ReadU32(); err != nil {
		return segment{}, ErrBufferUnderflow
	}
	length, err := buf.ReadU32()
	if err != nil {
		return segment{}, ErrBufferUnderflow
	}
	if buf.ReadRemain() < int(length) {
		return segment{}, ErrBufferUnderflow
	}
	payload, err := buf.ReadBytes(int(length))
	if err != nil {
		return segment{}, ErrBufferUnderflow
	}
	s.data = append([]byte(nil), payload...)
	return s, nil
}

func validCommand(cmd uint8) bool {
	switch cmd {
	case cmdPush, cmdAck, cmdWAsk, cmdWIns:
		return true
	default:
		return false
	}
}
