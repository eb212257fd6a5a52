// Package monitor is Margo's monitoring callback tap: an on_* event table
// mirroring the C runtime's margo-monitoring.h, installed once per Instance
// and invoked from the progress loop, the request lifecycle, and the
// finalize state machine.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package monitor

import "time"

// Monitor is the full on_* event table. Every method must not error or
// panic -- failures are recovered and discarded by the caller, never
// propagated to the RPC path (spec §7 "Monitoring callbacks must not
// error; their failures are ignored").
type Monitor interface {
	OnRegister(name string, id uint64)
	OnDeregister(id uint64)
	OnLookup(id uint64, found bool)

	OnForward(id uint64)
	OnForwardCB(id uint64, d time.Duration, err error)
	OnRespond(id uint64)
	OnRespondCB(id uint64, d time.Duration, err error)

	OnBulkCreate(size int64)
	OnBulkTransfer(size int64, d time.Duration, err error)
	OnBulkFree()

	OnRPCHandlerStart(id uint64)
	OnRPCHandlerEnd(id uint64, d time.Duration, err error)
	OnRPCULTStart(id uint64)
	OnRPCULTEnd(id uint64)

	OnWait(d time.Duration)
	OnSleep(d time.Duration)

	OnPrefinalize()
	OnFinalize()
	OnFatal(reason string)

	OnUser(name string, fields map[string]any)
}

// NullMonitor is the zero-value monitor: every method a no-op, matching
// margo_default_monitor_on_*. Installed unless the caller provides another.
type NullMonitor struct{}

func (NullMonitor) OnRegister(string, uint64)                {}
func (NullMonitor) OnDeregister(uint64)                       {}
func (NullMonitor) OnLookup(uint64, bool)                     {}
func (NullMonitor) OnForward(uint64)                          {}
func (NullMonitor) OnForwardCB(uint64, time.Duration, error)  {}
func (NullMonitor) OnRespond(uint64)                          {}
func (NullMonitor) OnRespondCB(uint64, time.Duration, error)  {}
func (NullMonitor) OnBulkCreate(int64)                        {}
func (NullMonitor) OnBulkTransfer(int64, time.Duration, error) {}
func (NullMonitor) OnBulkFree()                               {}
func (NullMonitor) OnRPCHandlerStart(uint64)                  {}
func (NullMonitor) OnRPCHandlerEnd(uint64, time.Duration, error) {}
func (NullMonitor) OnRPCULTStart(uint64)                      {}
func (NullMonitor) OnRPCULTEnd(uint64)                        {}
func (NullMonitor) OnWait(time.Duration)                      {}
func (NullMonitor) OnSleep(time.Duration)                     {}
func (NullMonitor) OnPrefinalize()                            {}
func (NullMonitor) OnFinalize()                               {}
func (NullMonitor) OnFatal(string)                            {}
func (NullMonitor) OnUser(string, map[string]any)             {}

// Safe wraps a Monitor so that a panicking callback is recovered and
// discarded rather than crashing the progress loop or a handler ULT.
func Safe(m Monitor) Monitor { return &safeMonitor{m: m} }

type safeMonitor struct{ m Monitor }

func (s *safeMonitor) guard() { recover() }

func (s *safeMonitor) OnRegister(name string, id uint64) {
	defer s.guard()
	s.m.OnRegister(name, id)
}
func (s *safeMonitor) OnDeregister(id uint64) {
	defer s.guard()
	s.m.OnDeregister(id)
}
func (s *safeMonitor) OnLookup(id uint64, found bool) {
	defer s.guard()
	s.m.OnLookup(id, found)
}
func (s *safeMonitor) OnForward(id uint64) {
	defer s.guard()
	s.m.OnForward(id)
}
func (s *safeMonitor) OnForwardCB(id uint64, d time.Duration, err error) {
	defer s.guard()
	s.m.OnForwardCB(id, d, err)
}
func (s *safeMonitor) OnRespond(id uint64) {
	defer s.guard()
	s.m.OnRespond(id)
}
func (s *safeMonitor) OnRespondCB(id uint64, d time.Duration, err error) {
	defer s.guard()
	s.m.OnRespondCB(id, d, err)
}
func (s *safeMonitor) OnBulkCreate(size int64) {
	defer s.guard()
	s.m.OnBulkCreate(size)
}
func (s *safeMonitor) OnBulkTransfer(size int64, d time.Duration, err error) {
	defer s.guard()
	s.m.OnBulkTransfer(size, d, err)
}
func (s *safeMonitor) OnBulkFree() {
	defer s.guard()
	s.m.OnBulkFree()
}
func (s *safeMonitor) OnRPCHandlerStart(id uint64) {
	defer s.guard()
	s.m.OnRPCHandlerStart(id)
}
func (s *safeMonitor) OnRPCHandlerEnd(id uint64, d time.Duration, err error) {
	defer s.guard()
	s.m.OnRPCHandlerEnd(id, d, err)
}
func (s *safeMonitor) OnRPCULTStart(id uint64) {
	defer s.guard()
	s.m.OnRPCULTStart(id)
}
func (s *safeMonitor) OnRPCULTEnd(id uint64) {
	defer s.guard()
	s.m.OnRPCULTEnd(id)
}
func (s *safeMonitor) OnWait(d time.Duration) {
	defer s.guard()
	s.m.OnWait(d)
}
func (s *safeMonitor) OnSleep(d time.Duration) {
	defer s.guard()
	s.m.OnSleep(d)
}
func (s *safeMonitor) OnPrefinalize() {
	defer s.guard()
	s.m.OnPrefinalize()
}
func (s *safeMonitor) OnFinalize() {
	defer s.guard()
	s.m.OnFinalize()
}
func (s *safeMonitor) OnFatal(reason string) {
	defer s.guard()
	s.m.OnFatal(reason)
}
func (s *safeMonitor) OnUser(name string, fields map[string]any) {
	defer s.guard()
	s.m.OnUser(name, fields)
}

// Snapshot is a point-in-time set of runtime gauges, returned by
// Instance.Stats() for health-check endpoints (SPEC_FULL §3 addition).
// Stats fills in PendingOps only.
type Snapshot struct {
	PendingOps   int64
	HandlesInUse int64
	TimersArmed  int64
}
