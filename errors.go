package kcp

import "errors"

// Core engine errors. These are checked with errors.Is on the hot send/recv/
// input path, so they are plain sentinel values rather than wrapped ones;
// wrapping with github.com/pkg/errors happens one layer up, in the session
// and listener code, where a stack trace is actually useful.
var (
	ErrEmptyPayload    = errors.New("kcp: payload is empty")
	ErrPayloadTooLarge = errors.New("kcp: payload needs more than 255 fragments")
	ErrRecvEmpty       = errors.New("kcp: receive queue is empty")
	ErrRecvIncomplete  = errors.New("kcp: receive queue has no complete message yet")
	ErrBufferTooSmall  = errors.New("kcp: caller buffer too small for next message")
	ErrFrameTooShort   = errors.New("kcp: frame shorter than header size")
	ErrConvMismatch    = errors.New("kcp: conversation id mismatch")
	ErrBadCommand      = errors.New("kcp: unknown command byte")
	ErrBufferUnderflow = errors.New("kcp: buffer underflow")
	ErrBufferOverflow  = errors.New("kcp: buffer overflow")
)
