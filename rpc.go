/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package margo

import (
	"context"
	"sync"
	"time"

	"github.com/mochi-hpc/margo-go/cmn/cos"
	"github.com/mochi-hpc/margo-go/cmn/mono"
	"github.com/mochi-hpc/margo-go/hk"
	"github.com/mochi-hpc/margo-go/registry"
	"github.com/mochi-hpc/margo-go/transport"
)

// Register binds name (under provider, 0 meaning no provider) to handler,
// whose ULT runs on pool (the substrate's default pool if ""), returning
// the muxed RPC identifier callers use to Forward to it.
func (inst *Instance) Register(name string, provider uint16, pool string, handler registry.Handler) (uint64, error) {
	id, err := inst.reg.Register(name, provider, pool, handler)
	if err == nil {
		inst.mon.OnRegister(name, id)
	}
	return id, err
}

// Deregister removes a previously registered RPC. Safe to call concurrently
// with an in-flight Forward targeting the same identifier: the forward
// either observes the handler or a KindNoMatch error, never a torn lookup.
func (inst *Instance) Deregister(id uint64) {
	inst.reg.Deregister(id)
	inst.mon.OnDeregister(id)
}

// Forward sends payload to the RPC named name/provider at addr, blocking
// until a response arrives, the context is cancelled, or timeout (if > 0)
// elapses. It's built on ForwardAsync + Request.Wait.
func (inst *Instance) Forward(ctx context.Context, addr transport.Addr, name string, provider uint16, payload []byte, timeout time.Duration) ([]byte, error) {
	req, err := inst.ForwardAsync(ctx, addr, name, provider, payload, timeout)
	if err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

// ForwardAsync is Forward's non-blocking form: it returns immediately with
// a Request the caller resolves later via Wait. A timeout of 0 means no
// timer is armed -- the request only resolves when the transport responds
// or the context passed to Wait is cancelled.
func (inst *Instance) ForwardAsync(ctx context.Context, addr transport.Addr, name string, provider uint16, payload []byte, timeout time.Duration) (*Request, error) {
	if !inst.gate.enter() {
		return nil, cos.NewErr(cos.KindCancelled, "forward: instance is finalizing")
	}

	h, err := inst.cache.Get(addr, func() (*transport.Handle, error) { return inst.tr.Connect(addr) })
	if err != nil {
		inst.gate.leave()
		return nil, err
	}

	id := registry.Mux(registry.NameHash(name), provider)

	// spec §4.2 forward step 1: ensure a local registry entry exists for
	// this (name, provider) before issuing the request, installing an
	// auto sentinel on demand if this instance has never served it
	// itself. RegisterOnce serializes concurrent forwarders racing the
	// same pair; a real later Register for the same pair still wins
	// (registry.Registry.Register overwrites an auto entry).
	inst.reg.RegisterOnce(name, provider, "", func() registry.Handler {
		return func(context.Context, []byte) ([]byte, error) {
			return nil, cos.NewErr(cos.KindNoMatch, "no rpc registered for %q provider %d", name, provider)
		}
	})

	env := transport.Envelope{
		ParentRPCID: registry.CurrentRPCID(ctx),
		RPCID:       id,
		Payload:     payload,
	}

	req := newRequest()
	start := mono.NanoTime()
	timerName := "forward." + cos.GenID() + hk.NameSuffix

	// finish runs once: whichever of the timer and the transport's
	// response gets here first completes the request.
	var finishOnce sync.Once
	finish := func(resp []byte, ferr error) {
		finishOnce.Do(func() {
			inst.hk.Unreg(timerName)
			inst.cache.Put(h, inst.tr.CloseHandle)
			inst.gate.leave()
			inst.mon.OnForwardCB(id, time.Duration(mono.NanoTime()-start), ferr)
			req.complete(resp, ferr)
		})
	}

	if timeout > 0 {
		inst.hk.Reg(timerName, timeout, "", func() error {
			finish(nil, cos.NewErr(cos.KindTimeout, "forward: no response for rpc %q within %s", name, timeout))
			return nil
		})
	}

	inst.mon.OnForward(id)
	if err := inst.tr.Forward(h, env, func(resp transport.Envelope, ferr error) {
		if ferr != nil {
			finish(nil, ferr)
			return
		}
		if !resp.OK {
			finish(nil, cos.NewErr(resp.ErrorCode, "remote error from rpc %q", name))
			return
		}
		finish(resp.Payload, nil)
	}); err != nil {
		inst.hk.Unreg(timerName)
		inst.cache.Put(h, inst.tr.CloseHandle)
		inst.gate.leave()
		return nil, err
	}
	return req, nil
}

// handleInbound is installed as the transport's InboundHandler: it looks
// up the registered handler and its target pool, then submits one ULT to
// that pool (the substrate's default pool if the entry named none) which
// runs the handler and responds. A name that hashes to no registered
// identifier, or a provider id with no matching entry, both surface as
// KindNoMatch to the caller (spec's "forward to unregistered provider"
// scenario).
func (inst *Instance) handleInbound(env transport.Envelope, replyTo *transport.Handle) {
	handler, poolName, lookupErr := inst.reg.Lookup(env.RPCID)
	inst.mon.OnLookup(env.RPCID, lookupErr == nil)

	pool := inst.substrate.DefaultPool()
	if lookupErr == nil && poolName != "" {
		if p := inst.substrate.Pool(poolName); p != nil {
			pool = p
		}
	}

	err := pool.Submit(func(ctx context.Context) {
		ctx = registry.WithCurrentRPCID(ctx, env.RPCID)
		start := mono.NanoTime()
		inst.mon.OnRPCULTStart(env.RPCID)

		var (
			out      []byte
			handlErr error
		)
		if lookupErr != nil {
			handlErr = lookupErr
		} else {
			inst.mon.OnRPCHandlerStart(env.RPCID)
			out, handlErr = handler(ctx, env.Payload)
			inst.mon.OnRPCHandlerEnd(env.RPCID, time.Duration(mono.NanoTime()-start), handlErr)
		}

		resp := transport.Envelope{
			ParentRPCID: env.RPCID,
			OK:          handlErr == nil,
			ErrorCode:   cos.KindOf(handlErr),
			Payload:     out,
		}
		if respErr := inst.tr.Respond(replyTo, resp); respErr != nil {
			inst.mon.OnRespondCB(env.RPCID, 0, respErr)
		} else {
			inst.mon.OnRespond(env.RPCID)
		}
		inst.mon.OnRPCULTEnd(env.RPCID)
	})
	if err != nil {
		// pool saturated: best-effort KindOther reply so the caller isn't
		// left waiting the full timeout for a problem already known now.
		inst.tr.Respond(replyTo, transport.Envelope{
			ParentRPCID: env.RPCID,
			OK:          false,
			ErrorCode:   cos.KindOther,
		})
	}
}
