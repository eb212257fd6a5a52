// Package transport is Margo's pluggable transport capability set, plus the
// Handle type, handle annotation, and handle cache that are intrinsically
// transport-owned (margo-handle-cache.c's free-list/hash pair).
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import "sync/atomic"

// Addr is an opaque transport-level peer address: "inproc://name" for the
// loopback transport, "host:port" for the TCP transport.
type Addr string

// Handle is a reusable reference to a remote peer. Handles are refcounted
// and cached so that repeated Forward calls to the same peer don't pay
// connection-setup cost twice (spec §3, §4.7).
type Handle struct {
	Addr Addr

	refcount int32 // atomic
	annot    atomic.Value // holds annotation, may be nil

	// conn is the transport-specific connection state: *Loopback or
	// *loopbackReplyConn for the Loopback transport, *tcpConn or
	// *tcpReplyConn for the TCP transport.
	conn any
}

func newHandle(addr Addr, conn any) *Handle {
	return &Handle{Addr: addr, conn: conn}
}

func (h *Handle) ref() { atomic.AddInt32(&h.refcount, 1) }

// unref decrements the refcount and reports whether it reached zero.
func (h *Handle) unref() bool { return atomic.AddInt32(&h.refcount, -1) == 0 }

func (h *Handle) refs() int32 { return atomic.LoadInt32(&h.refcount) }

// Annotation is caller-attached metadata on a Handle (spec's "Handle
// annotation" type): opaque to Margo, read back verbatim by SetAnnotation's
// matching GetAnnotation.
type Annotation any

// SetAnnotation attaches a, replacing anything previously attached.
func (h *Handle) SetAnnotation(a Annotation) { h.annot.Store(boxAnnotation{a}) }

// GetAnnotation returns the currently attached annotation, or nil if none.
func (h *Handle) GetAnnotation() Annotation {
	v := h.annot.Load()
	if v == nil {
		return nil
	}
	return v.(boxAnnotation).v
}

// boxAnnotation lets a nil Annotation still satisfy atomic.Value's "always
// the same concrete type" requirement.
type boxAnnotation struct{ v Annotation }
