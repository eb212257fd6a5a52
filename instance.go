// Package margo is a user-space RPC runtime binding a pluggable transport
// engine to a user-level-thread (goroutine) substrate: registries of
// handlers muxed by a 64-bit identifier, a single progress/trigger loop
// draining transport completions, and a two-phase finalize sequence that
// drains in-flight requests before tearing down the substrate.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package margo

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mochi-hpc/margo-go/abt"
	"github.com/mochi-hpc/margo-go/cmn/cos"
	"github.com/mochi-hpc/margo-go/cmn/mono"
	"github.com/mochi-hpc/margo-go/cmn/nlog"
	"github.com/mochi-hpc/margo-go/config"
	"github.com/mochi-hpc/margo-go/hk"
	"github.com/mochi-hpc/margo-go/memsys"
	"github.com/mochi-hpc/margo-go/monitor"
	"github.com/mochi-hpc/margo-go/registry"
	"github.com/mochi-hpc/margo-go/transport"
)

// Instance is one Margo runtime: a substrate, a transport, a registry, a
// handle cache, a housekeeper and a monitor, all bound together by Init and
// torn down together by Finalize.
type Instance struct {
	cfg       *config.Document
	substrate *abt.Substrate
	tr        transport.Class
	cache     *transport.HandleCache
	reg       *registry.Registry
	hk        *hk.Housekeeper
	mon       monitor.Monitor
	mmsa      *memsys.MMSA

	gate finalizeGate

	stopProgress *cos.StopCh
	progressDone chan struct{}

	progressCalls int64
	triggerCalls  int64

	progressTimeoutUB int64 // nanoseconds; runtime-tunable via SetParam
	progressSpindown  int64 // nanoseconds; runtime-tunable via SetParam

	spinUntil int64 // mono.NanoTime deadline of the current spin window, 0 if none
}

// Option customizes Init beyond what the configuration document controls.
type Option func(*Instance)

// WithMonitor installs m as the Instance's monitor, replacing the default
// NullMonitor.
func WithMonitor(m monitor.Monitor) Option {
	return func(inst *Instance) { inst.mon = monitor.Safe(m) }
}

// WithMMSA installs a shared slab allocator instead of a private one.
func WithMMSA(m *memsys.MMSA) Option {
	return func(inst *Instance) { inst.mmsa = m }
}

// Init builds and starts a new Instance: it constructs the Argobots
// substrate from cfg's pool/execution-stream topology, binds tr as the
// transport, and starts the progress ULT. A nil cfg uses config.Default().
// Configuration errors abort initialization and no partially constructed
// Instance is ever returned (spec §7).
func Init(cfg *config.Document, tr transport.Class, opts ...Option) (*Instance, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	substrate := abt.NewSubstrate()
	for _, p := range cfg.Argobots.Pools {
		kind := parsePoolKind(p.Kind)
		access := parseAccessClass(p.Access)
		if _, err := substrate.AddPool(p.Name, kind, access); err != nil {
			substrate.Shutdown()
			return nil, err
		}
	}
	for _, x := range cfg.Argobots.XStreams {
		if _, err := substrate.AddES(x.Name, x.Pools); err != nil {
			substrate.Shutdown()
			return nil, err
		}
	}
	if cfg.ProgressPool != "" {
		if err := substrate.SetProgressPool(cfg.ProgressPool); err != nil {
			substrate.Shutdown()
			return nil, err
		}
	}
	if cfg.RPCPool != "" {
		if err := substrate.SetDefaultPool(cfg.RPCPool); err != nil {
			substrate.Shutdown()
			return nil, err
		}
	}

	inst := &Instance{
		cfg:               cfg,
		substrate:         substrate,
		tr:                tr,
		cache:             transport.NewHandleCache(cfg.HandleCacheSize),
		reg:               registry.New(),
		hk:                hk.New(),
		mon:               monitor.Safe(monitor.NullMonitor{}),
		mmsa:              memsys.NewMMSA(),
		stopProgress:      cos.NewStopCh(),
		progressDone:      make(chan struct{}),
		progressTimeoutUB: int64(cfg.ProgressTimeoutUBMsec) * int64(time.Millisecond),
		progressSpindown:  int64(cfg.ProgressSpindownMsec) * int64(time.Millisecond),
	}
	inst.gate.init()
	for _, opt := range opts {
		opt(inst)
	}
	inst.hk.SetDispatcher(inst.dispatchToPool)

	type inboundSetter interface {
		SetInbound(transport.InboundHandler)
	}
	if s, ok := tr.(inboundSetter); ok {
		s.SetInbound(inst.handleInbound)
	}

	if err := inst.submitProgressULT(inst.substrate.ProgressPoolName()); err != nil {
		substrate.Shutdown()
		return nil, err
	}

	return inst, nil
}

// submitProgressULT submits the progress ULT to the named pool. The ULT
// starts the progress loop on a goroutine of its own and returns, so the
// pool's execution stream stays free to run the other ULTs it schedules.
// When the loop observes (via Substrate.ProgressPoolName) that migration
// was requested to a different pool, it resubmits the ULT there and
// returns, so exactly one progress loop is ever running (spec §4.8
// progress migration).
func (inst *Instance) submitProgressULT(poolName string) error {
	pool := inst.substrate.Pool(poolName)
	if pool == nil {
		return cos.NewErr(cos.KindNoEntry, "progress ULT: no such pool %q", poolName)
	}
	body := func(ctx context.Context) {
		inst.progressLoop(ctx, poolName)
		if inst.stopProgress.IsStopped() {
			close(inst.progressDone)
			return
		}
		// migration was requested: hand off to the new pool before this
		// ULT's goroutine exits.
		if err := inst.submitProgressULT(inst.substrate.ProgressPoolName()); err != nil {
			nlog.Errorf("progress ULT: migration failed: %v", err)
			close(inst.progressDone)
		}
	}
	return pool.Submit(func(ctx context.Context) { go body(ctx) })
}

func parsePoolKind(s string) abt.PoolKind {
	switch s {
	case "fifo_wait":
		return abt.FIFOWait
	case "prio_wait":
		return abt.PriorityWait
	case "randws":
		return abt.RandWS
	case "external":
		return abt.External
	default:
		return abt.FIFO
	}
}

func parseAccessClass(s string) abt.AccessClass {
	switch s {
	case "spsc":
		return abt.SPSC
	case "mpsc":
		return abt.MPSC
	case "spmc":
		return abt.SPMC
	case "mpmc":
		return abt.MPMC
	default:
		return abt.Private
	}
}

// Transport returns the bound transport, mainly so tests can dial it
// directly via its LocalAddr.
func (inst *Instance) Transport() transport.Class { return inst.tr }

// Registry exposes the RPC registry for Register/Deregister convenience
// wrappers that live in rpc.go.
func (inst *Instance) Registry() *registry.Registry { return inst.reg }

// Substrate exposes the Argobots substrate for pool/execution-stream
// management (§4.8) -- adding or removing pools/ES, and migrating the
// progress ULT between pools at runtime.
func (inst *Instance) Substrate() *abt.Substrate { return inst.substrate }

// MigrateProgressPool moves the progress ULT's target pool to name,
// observed by the running progress loop on its next iteration.
func (inst *Instance) MigrateProgressPool(name string) error {
	return inst.substrate.SetProgressPool(name)
}

// SetParam updates a runtime-tunable parameter ("progress_timeout_ub_msec"
// or "progress_spindown_msec"), read by the progress loop each iteration
// rather than only at config-load time (margo_set_param).
func (inst *Instance) SetParam(key, value string) error {
	switch key {
	case "progress_timeout_ub_msec":
		msec, err := strconv.ParseInt(value, 10, 64)
		if err != nil || msec < 0 {
			return cos.NewErr(cos.KindInvalidArgument, "invalid progress_timeout_ub_msec %q", value)
		}
		atomic.StoreInt64(&inst.progressTimeoutUB, msec*int64(time.Millisecond))
		return nil
	case "progress_spindown_msec":
		msec, err := strconv.ParseInt(value, 10, 64)
		if err != nil || msec < 0 {
			return cos.NewErr(cos.KindInvalidArgument, "invalid progress_spindown_msec %q", value)
		}
		atomic.StoreInt64(&inst.progressSpindown, msec*int64(time.Millisecond))
		return nil
	default:
		return cos.NewErr(cos.KindInvalidArgument, "unknown parameter %q", key)
	}
}

// dispatchToPool is the housekeeper's Dispatcher: it runs fn as a ULT on
// poolName (the substrate's default pool if ""). A saturated pool falls
// back to running fn inline rather than dropping a timer callback or a
// Sleep wakeup.
func (inst *Instance) dispatchToPool(poolName string, fn func()) {
	pool := inst.substrate.DefaultPool()
	if poolName != "" {
		if p := inst.substrate.Pool(poolName); p != nil {
			pool = p
		}
	}
	if err := pool.Submit(func(context.Context) { fn() }); err != nil {
		nlog.Warningf("housekeeper: pool %q saturated, running callback inline: %v", poolName, err)
		fn()
	}
}

// ProgressCalls returns the number of times the progress loop has called
// the transport's Progress method (margo_get_num_progress_calls).
func (inst *Instance) ProgressCalls() int64 { return atomic.LoadInt64(&inst.progressCalls) }

// TriggerCalls returns the number of times the progress loop has called
// the transport's Trigger method (margo_get_num_trigger_calls).
func (inst *Instance) TriggerCalls() int64 { return atomic.LoadInt64(&inst.triggerCalls) }

// Stats is a point-in-time snapshot for use by health-check endpoints. Only
// PendingOps is filled in, from the finalize gate's in-flight count; the
// other Snapshot fields are left zero and the installed monitor is not
// read. It does not install a new monitoring subsystem; "monitoring
// callback tap" remains an external collaborator.
func (inst *Instance) Stats() monitor.Snapshot {
	return monitor.Snapshot{
		PendingOps: inst.gate.count(),
	}
}

// Sleep cooperatively parks the calling goroutine for d or until ctx is
// cancelled, using the Instance's own housekeeper rather than time.Sleep,
// matching margo_thread_sleep -- it shares all of its machinery with the
// request-timeout path.
func (inst *Instance) Sleep(ctx context.Context, d time.Duration) error {
	start := mono.NanoTime()
	done := make(chan struct{})
	name := "sleep." + cos.GenID()
	inst.hk.Reg(name, d, "", func() error { close(done); return nil })
	defer inst.hk.Unreg(name)
	select {
	case <-done:
		inst.mon.OnSleep(time.Duration(mono.NanoTime() - start))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// progressLoop runs until stop is requested or a migration moves it to a
// different pool than poolName, whichever comes first.
func (inst *Instance) progressLoop(ctx context.Context, poolName string) {
	for {
		select {
		case <-inst.stopProgress.Listen():
			return
		default:
		}
		if inst.substrate.ProgressPoolName() != poolName {
			return
		}

		timeout := inst.computeTimeout()
		waitStart := mono.NanoTime()
		err := inst.tr.Progress(ctx, timeout)
		atomic.AddInt64(&inst.progressCalls, 1)
		inst.mon.OnWait(time.Duration(mono.NanoTime() - waitStart))

		switch {
		case err == nil:
			n := inst.tr.Trigger()
			atomic.AddInt64(&inst.triggerCalls, 1)
			_ = n
		case err == transport.ErrTimeout, cos.KindOf(err) == cos.KindTimeout:
			// normal: no completion became ready before the deadline.
		case cos.KindOf(err) == cos.KindCancelled, ctx.Err() != nil:
			return
		default:
			inst.mon.OnFatal(err.Error())
			cos.Exitf("progress loop: fatal: %v", err)
			return
		}
	}
}

// computeTimeout implements the progress loop's adaptive spin/block
// policy. If a spin window armed by a previous iteration hasn't elapsed
// yet, it uses a zero timeout. Otherwise it samples two signals -- the
// count of in-flight forwards/bulk transfers (inst.gate) and the progress
// pool's backlog -- and if either suggests other work could run right now,
// it arms a fresh spin window (zero timeout) instead of blocking; only
// when neither signal fires does it fall back to the configured upper
// bound. Either way the result is clamped to the housekeeper's earliest
// armed deadline, so a request timeout or bulk-timer still fires promptly.
func (inst *Instance) computeTimeout() time.Duration {
	now := mono.NanoTime()
	spinUntil := atomic.LoadInt64(&inst.spinUntil)

	spinning := spinUntil != 0 && now < spinUntil
	if !spinning {
		pending := inst.gate.count()
		var poolSize int64
		if p := inst.substrate.ProgressPool(); p != nil {
			poolSize = 1 + int64(p.Size()) // +1: counts the progress loop itself, which is not queued
		}
		if pending > 0 || poolSize > 1 {
			spindown := atomic.LoadInt64(&inst.progressSpindown)
			atomic.StoreInt64(&inst.spinUntil, now+spindown)
			spinning = true
		} else {
			atomic.StoreInt64(&inst.spinUntil, 0)
		}
	}

	timeout := time.Duration(atomic.LoadInt64(&inst.progressTimeoutUB))
	if spinning {
		timeout = 0
	}

	deadline, ok := inst.hk.NextDeadline()
	if !ok {
		return timeout
	}
	remaining := time.Duration(deadline-mono.NanoTime()) * time.Nanosecond
	if remaining < 0 {
		remaining = 0
	}
	if remaining < timeout {
		return remaining
	}
	return timeout
}

// Finalize runs the two-phase finalize sequence: the request phase stops
// accepting new forwards/bulk transfers and waits for in-flight ones to
// drain, then the drain phase tears down the progress loop, substrate,
// housekeeper and transport. Finalize keeps no record of an earlier call:
// calling it again runs the whole sequence again, including the monitor
// hooks and the transport's Close.
func (inst *Instance) Finalize(ctx context.Context) error {
	inst.mon.OnPrefinalize()
	inst.gate.requestClose()
	select {
	case <-inst.gate.drained:
	case <-ctx.Done():
		return cos.NewErr(cos.KindCancelled, "finalize: in-flight operations did not drain in time")
	}
	inst.stopProgress.Close()
	select {
	case <-inst.progressDone:
	case <-ctx.Done():
	}
	inst.hk.Stop()
	inst.substrate.Shutdown()
	if err := inst.tr.Close(); err != nil {
		nlog.Warningf("finalize: transport close: %v", err)
	}
	inst.mon.OnFinalize()
	return nil
}
