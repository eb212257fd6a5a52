/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pierrec/lz4/v3"

	"github.com/mochi-hpc/margo-go/cmn/cos"
	"github.com/mochi-hpc/margo-go/cmn/nlog"
)

// TCP is a minimal length-prefixed net.Conn transport for multi-process
// use: a gob-encoded envelope, optionally lz4-compressing the payload,
// framed with a 4-byte big-endian length prefix. Bulk transfer is an
// in-process copy between the two buffers; no bulk bytes cross the
// connection. Real RDMA is out of scope (§1 non-goals) -- this is a naive stand-in, not
// a production bulk transport.
type TCP struct {
	addr     Addr
	ln       net.Listener
	inbound  InboundHandler
	compress bool

	mu      sync.Mutex
	pending map[uint64]func(Envelope, error)
	nextSeq uint64

	compMu      sync.Mutex
	completions []func()
	wake        chan struct{}

	stop chan struct{}
	once sync.Once
}

type tcpConn struct {
	conn net.Conn
	wmu  sync.Mutex // serializes writes on this connection
}

type tcpReplyConn struct {
	conn *tcpConn
	seq  uint64
}

type wireKind byte

const (
	wireRequest wireKind = iota
	wireResponse
)

type wireMsg struct {
	Kind wireKind
	Seq  uint64
	Env  Envelope
}

// NewTCP listens on addr (e.g. "127.0.0.1:0") and returns a transport bound
// to it. compress enables lz4 payload compression on every frame.
func NewTCP(addr string, compress bool) (*TCP, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, cos.WrapErr(cos.KindOther, err, "tcp transport: listen %s", addr)
	}
	t := &TCP{
		addr:     Addr(ln.Addr().String()),
		ln:       ln,
		compress: compress,
		pending:  make(map[uint64]func(Envelope, error)),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCP) SetInbound(h InboundHandler) { t.inbound = h }
func (t *TCP) LocalAddr() Addr             { return t.addr }

func (t *TCP) acceptLoop() {
	for {
		c, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
				nlog.Warningf("tcp transport: accept: %v", err)
				return
			}
		}
		tc := &tcpConn{conn: c}
		go t.readLoop(tc)
	}
}

func (t *TCP) readLoop(tc *tcpConn) {
	defer tc.conn.Close()
	for {
		msg, err := t.readFrame(tc.conn)
		if err != nil {
			return
		}
		switch msg.Kind {
		case wireRequest:
			replyTo := newHandle(Addr(tc.conn.RemoteAddr().String()), &tcpReplyConn{conn: tc, seq: msg.Seq})
			if t.inbound != nil {
				t.inbound(msg.Env, replyTo)
			}
		case wireResponse:
			t.completeReq(msg.Seq, msg.Env, nil)
		}
	}
}

func (t *TCP) Connect(addr Addr) (*Handle, error) {
	c, err := net.Dial("tcp", string(addr))
	if err != nil {
		return nil, cos.WrapErr(cos.KindNoEntry, err, "tcp transport: dial %s", addr)
	}
	tc := &tcpConn{conn: c}
	go t.readLoop(tc)
	return newHandle(addr, tc), nil
}

func (t *TCP) CloseHandle(h *Handle) {
	if tc, ok := h.conn.(*tcpConn); ok {
		tc.conn.Close()
	}
}

func (t *TCP) Forward(h *Handle, env Envelope, cb func(resp Envelope, err error)) error {
	tc, ok := h.conn.(*tcpConn)
	if !ok {
		return cos.NewErr(cos.KindInvalidArgument, "handle is not a tcp handle")
	}
	t.mu.Lock()
	t.nextSeq++
	seq := t.nextSeq
	t.pending[seq] = cb
	t.mu.Unlock()
	if err := t.writeFrame(tc, wireMsg{Kind: wireRequest, Seq: seq, Env: env}); err != nil {
		t.completeReq(seq, Envelope{}, err)
	}
	return nil
}

func (t *TCP) Respond(h *Handle, env Envelope) error {
	rc, ok := h.conn.(*tcpReplyConn)
	if !ok {
		return cos.NewErr(cos.KindInvalidArgument, "handle is not a reply handle")
	}
	return t.writeFrame(rc.conn, wireMsg{Kind: wireResponse, Seq: rc.seq, Env: env})
}

func (t *TCP) completeReq(seq uint64, env Envelope, err error) {
	t.mu.Lock()
	cb, ok := t.pending[seq]
	delete(t.pending, seq)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.enqueue(func() { cb(env, err) })
}

// BulkTransfer copies origin.Data (the caller's staged, exactly-length
// chunk) into target.Data at offset. Both buffers live in the same process
// in this reference implementation, so no frame actually crosses the
// connection; real RDMA is out of scope (§1 non-goals) -- this is a naive
// stand-in, not a production bulk transport.
func (t *TCP) BulkTransfer(origin, target Bulk, offset, length int64, cb func(err error)) error {
	go func() {
		if offset < 0 || length < 0 || length > int64(len(origin.Data)) || offset+length > int64(len(target.Data)) {
			err := cos.NewErr(cos.KindInvalidArgument, "bulk transfer: out of range")
			t.enqueue(func() { cb(err) })
			return
		}
		copy(target.Data[offset:offset+length], origin.Data[:length])
		t.enqueue(func() { cb(nil) })
	}()
	return nil
}

func (t *TCP) enqueue(f func()) {
	t.compMu.Lock()
	t.completions = append(t.completions, f)
	t.compMu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *TCP) Progress(ctx context.Context, timeout time.Duration) error {
	t.compMu.Lock()
	has := len(t.completions) > 0
	t.compMu.Unlock()
	if has {
		return nil
	}
	if timeout <= 0 {
		return ErrTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}

func (t *TCP) Trigger() int {
	t.compMu.Lock()
	batch := t.completions
	t.completions = nil
	t.compMu.Unlock()
	for _, f := range batch {
		f()
	}
	return len(batch)
}

func (t *TCP) Close() error {
	t.once.Do(func() { close(t.stop) })
	return t.ln.Close()
}

func (t *TCP) writeFrame(tc *tcpConn, msg wireMsg) error {
	if t.compress && len(msg.Env.Payload) > 0 {
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(msg.Env.Payload); err != nil {
			return cos.WrapErr(cos.KindOther, err, "tcp transport: compress payload")
		}
		if err := zw.Close(); err != nil {
			return cos.WrapErr(cos.KindOther, err, "tcp transport: compress payload")
		}
		msg.Env.Payload = buf.Bytes()
	}
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(&msg); err != nil {
		return cos.WrapErr(cos.KindOther, err, "tcp transport: encode frame")
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(body.Len()))

	tc.wmu.Lock()
	defer tc.wmu.Unlock()
	if _, err := tc.conn.Write(hdr); err != nil {
		return cos.WrapErr(cos.KindOther, err, "tcp transport: write frame header")
	}
	if _, err := tc.conn.Write(body.Bytes()); err != nil {
		return cos.WrapErr(cos.KindOther, err, "tcp transport: write frame body")
	}
	return nil
}

func (t *TCP) readFrame(conn net.Conn) (wireMsg, error) {
	var msg wireMsg
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return msg, err
	}
	n := binary.BigEndian.Uint32(hdr)
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return msg, err
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&msg); err != nil {
		return msg, cos.WrapErr(cos.KindOther, err, "tcp transport: decode frame")
	}
	if t.compress && len(msg.Env.Payload) > 0 {
		zr := lz4.NewReader(bytes.NewReader(msg.Env.Payload))
		plain, err := io.ReadAll(zr)
		if err != nil {
			return msg, cos.WrapErr(cos.KindOther, err, "tcp transport: decompress payload")
		}
		msg.Env.Payload = plain
	}
	return msg, nil
}
