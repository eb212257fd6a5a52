/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"
	"time"

	"github.com/mochi-hpc/margo-go/cmn/cos"
)

// Envelope is the forward/respond wire header, matching
// margo_forward_proc_args/margo_respond_proc_args in the C runtime.
//
// OK is the wire success sentinel, distinct from the ErrKind vocabulary:
// cos.KindOther is both ErrKind's zero value and a legitimate named kind
// ("other"), so it cannot double as "no error" without a handler's real
// KindOther failure silently reading as success. A respond path sets OK
// true only when the handler returned a nil error; ErrorCode is only
// meaningful when OK is false.
type Envelope struct {
	ParentRPCID uint64
	RPCID       uint64 // the muxed identifier, set on forward only
	OK          bool
	ErrorCode   cos.ErrKind
	Payload     []byte
}

// BulkAccess describes how a bulk region may be used by the remote peer.
type BulkAccess int

const (
	BulkReadOnly BulkAccess = iota
	BulkWriteOnly
	BulkReadWrite
)

// Bulk is a registered memory region eligible for RDMA-style transfer. The
// reference transports below move real bytes rather than registering
// remote memory (real RDMA is explicitly out of scope).
type Bulk struct {
	Data   []byte
	Access BulkAccess
}

// Class is the transport capability set a Margo Instance binds to: enough
// surface to forward/respond RPCs, move bulk payloads, and participate in
// the progress/trigger loop. Two reference implementations ship: Loopback
// (in-process, channel-based) and TCP (length-prefixed net.Conn).
type Class interface {
	// LocalAddr is this transport endpoint's own address.
	LocalAddr() Addr

	// Connect establishes (or validates) a Handle to addr. Called by the
	// handle cache on a miss.
	Connect(addr Addr) (*Handle, error)

	// CloseHandle releases transport-level resources for a handle evicted
	// from the handle cache.
	CloseHandle(h *Handle)

	// Forward sends env to h and arranges for cb to run, from a future
	// Trigger call, with the peer's response envelope or a transport-level
	// error (e.g. KindTimeout, KindCancelled).
	Forward(h *Handle, env Envelope, cb func(resp Envelope, err error)) error

	// Respond sends env back on h, the reply handle the InboundHandler
	// received together with the originating request.
	Respond(h *Handle, env Envelope) error

	// BulkTransfer copies origin.Data (exactly length bytes, a caller-owned
	// staging buffer) into target.Data[offset:offset+length], arranging for
	// cb to run from a future Trigger call. Callers stage origin through a
	// pooled buffer (memsys.MMSA) rather than handing a window of the full
	// source region directly, the way a one-sided RDMA put stages a local
	// registered buffer before handing it to the network.
	BulkTransfer(origin, target Bulk, offset, length int64, cb func(err error)) error

	// Progress blocks until at least one completion is ready to trigger,
	// ctx is cancelled, or timeout elapses, whichever comes first. A
	// timeout of 0 polls without blocking.
	Progress(ctx context.Context, timeout time.Duration) error

	// Trigger runs every completion callback that's ready, returning how
	// many ran.
	Trigger() int

	// Close releases all transport resources. Instance.Finalize calls it
	// during its drain phase, once per Finalize call.
	Close() error
}

// InboundHandler is how a transport delivers an inbound request to the
// owning Instance: env is the request envelope, replyTo is the Handle to
// Respond on. The Instance registers exactly one InboundHandler per
// transport instance, matching spec's "inbound path" (§4.3, §4.4).
type InboundHandler func(env Envelope, replyTo *Handle)
