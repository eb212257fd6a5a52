/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/mochi-hpc/margo-go/cmn/cos"
)

// ErrTimeout is returned by Progress when no completion became ready within
// the requested timeout -- a normal condition, not a fatal one (spec §7
// distinguishes a timeout return from any other progress/trigger failure).
var ErrTimeout = cos.NewErr(cos.KindTimeout, "progress: no completion ready")

var loopbackRegistry = struct {
	mu sync.Mutex
	m  map[Addr]*Loopback
}{m: make(map[Addr]*Loopback)}

// Loopback is an in-process transport over Go channels: no real network
// I/O, used by the test suite and the echo/bulk/timeout scenarios. It's the
// reference implementation of the "plug-in providing the operations"
// spec.md treats as an external collaborator.
type Loopback struct {
	addr    Addr
	inbound InboundHandler

	mu      sync.Mutex
	pending map[uint64]func(Envelope, error)
	nextSeq uint64

	compMu      sync.Mutex
	completions []func()
	wake        chan struct{}

	closed bool
}

// NewLoopback creates and registers a loopback transport endpoint under
// addr. Addresses must be unique process-wide; reusing one is an error, to
// catch test-harness bugs where two Instances were meant to be distinct.
func NewLoopback(addr Addr) (*Loopback, error) {
	loopbackRegistry.mu.Lock()
	defer loopbackRegistry.mu.Unlock()
	if _, ok := loopbackRegistry.m[addr]; ok {
		return nil, cos.NewErr(cos.KindInvalidArgument, "loopback address %q already in use", addr)
	}
	l := &Loopback{
		addr:    addr,
		pending: make(map[uint64]func(Envelope, error)),
		wake:    make(chan struct{}, 1),
	}
	loopbackRegistry.m[addr] = l
	return l, nil
}

// SetInbound registers the handler that processes requests arriving at
// this endpoint. An Instance calls this exactly once during Init.
func (l *Loopback) SetInbound(h InboundHandler) { l.inbound = h }

func (l *Loopback) LocalAddr() Addr { return l.addr }

func (l *Loopback) Connect(addr Addr) (*Handle, error) {
	loopbackRegistry.mu.Lock()
	remote, ok := loopbackRegistry.m[addr]
	loopbackRegistry.mu.Unlock()
	if !ok {
		return nil, cos.NewErr(cos.KindNoEntry, "loopback: no such address %q", addr)
	}
	return newHandle(addr, remote), nil
}

func (l *Loopback) CloseHandle(*Handle) {}

// loopbackReplyConn is the conn payload of a Handle passed to an
// InboundHandler as replyTo: it routes a later Respond call back to the
// requester's pending-callback table.
type loopbackReplyConn struct {
	local *Loopback
	seq   uint64
}

func (l *Loopback) Forward(h *Handle, env Envelope, cb func(resp Envelope, err error)) error {
	remote, ok := h.conn.(*Loopback)
	if !ok {
		return cos.NewErr(cos.KindInvalidArgument, "handle is not a loopback handle")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return cos.NewErr(cos.KindCancelled, "transport closed")
	}
	l.nextSeq++
	seq := l.nextSeq
	l.pending[seq] = cb
	l.mu.Unlock()

	replyTo := newHandle(l.addr, &loopbackReplyConn{local: l, seq: seq})
	go remote.deliverInbound(env, replyTo)
	return nil
}

func (l *Loopback) deliverInbound(env Envelope, replyTo *Handle) {
	if l.inbound == nil {
		rc := replyTo.conn.(*loopbackReplyConn)
		rc.local.completeReq(rc.seq, Envelope{}, cos.NewErr(cos.KindNoMatch, "no inbound handler installed"))
		return
	}
	l.inbound(env, replyTo)
}

func (l *Loopback) Respond(h *Handle, env Envelope) error {
	rc, ok := h.conn.(*loopbackReplyConn)
	if !ok {
		return cos.NewErr(cos.KindInvalidArgument, "handle is not a reply handle")
	}
	rc.local.completeReq(rc.seq, env, nil)
	return nil
}

func (l *Loopback) completeReq(seq uint64, env Envelope, err error) {
	l.mu.Lock()
	cb, ok := l.pending[seq]
	delete(l.pending, seq)
	l.mu.Unlock()
	if !ok {
		return
	}
	l.enqueue(func() { cb(env, err) })
}

// BulkTransfer copies origin.Data (the caller's staged, exactly-length
// chunk) into target.Data[offset:offset+length].
func (l *Loopback) BulkTransfer(origin, target Bulk, offset, length int64, cb func(err error)) error {
	go func() {
		var err error
		switch {
		case offset < 0 || length < 0:
			err = cos.NewErr(cos.KindInvalidArgument, "bulk transfer: negative offset/length")
		case length > int64(len(origin.Data)):
			err = cos.NewErr(cos.KindInvalidArgument, "bulk transfer: origin chunk shorter than length")
		case offset+length > int64(len(target.Data)):
			err = cos.NewErr(cos.KindInvalidArgument, "bulk transfer: out of range")
		default:
			copy(target.Data[offset:offset+length], origin.Data[:length])
		}
		l.enqueue(func() { cb(err) })
	}()
	return nil
}

func (l *Loopback) enqueue(f func()) {
	l.compMu.Lock()
	l.completions = append(l.completions, f)
	l.compMu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loopback) Progress(ctx context.Context, timeout time.Duration) error {
	l.compMu.Lock()
	has := len(l.completions) > 0
	l.compMu.Unlock()
	if has {
		return nil
	}
	if timeout <= 0 {
		return ErrTimeout
	}
	var timerC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}
	select {
	case <-l.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timerC:
		return ErrTimeout
	}
}

func (l *Loopback) Trigger() int {
	l.compMu.Lock()
	batch := l.completions
	l.completions = nil
	l.compMu.Unlock()
	for _, f := range batch {
		f()
	}
	return len(batch)
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	loopbackRegistry.mu.Lock()
	delete(loopbackRegistry.m, l.addr)
	loopbackRegistry.mu.Unlock()
	return nil
}
