// Package hk is Margo's timer wheel: a min-heap of named, deadline-ordered
// callbacks the progress loop consults each iteration to clamp its blocking
// timeout to the earliest pending deadline.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/mochi-hpc/margo-go/cmn/cos"
	"github.com/mochi-hpc/margo-go/cmn/mono"
	"github.com/mochi-hpc/margo-go/cmn/nlog"
)

// NameSuffix is appended by callers that want a unique registration name
// derived from a handle or request id, matching the teacher's
// "name + hk.NameSuffix" call-site idiom.
const NameSuffix = ".margo"

// CB is a timer callback. A non-nil error is logged by the housekeeper
// when the callback runs; it does not stop the housekeeper.
type CB func() error

// Dispatcher runs fn on the named pool instead of inline on the
// housekeeper's own firing goroutine, matching the spec's "fired timers
// schedule their callback on their requested pool". A Housekeeper with no
// dispatcher installed (the zero value, and every Housekeeper that never
// calls SetDispatcher) just runs callbacks inline, which is what a
// standalone timer wheel with no substrate to dispatch onto should do.
type Dispatcher func(pool string, fn func())

type timer struct {
	name     string
	deadline int64 // mono.NanoTime units
	pool     string
	cb       CB
	index    int // heap index, -1 once removed
}

type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Housekeeper is one timer wheel. Margo keeps a process-wide DefaultHK plus
// a private instance per Instance (request timeouts aren't shared across
// Instances in a multi-instance test harness).
type Housekeeper struct {
	mu       sync.Mutex
	heap     timerHeap
	byName   map[string]*timer
	stop     *cos.StopCh
	wakeCh   chan struct{}
	started  bool
	dispatch Dispatcher
}

func New() *Housekeeper {
	return &Housekeeper{
		byName: make(map[string]*timer),
		stop:   cos.NewStopCh(),
		wakeCh: make(chan struct{}, 1),
	}
}

// DefaultHK is the process-wide housekeeper, analogous to the teacher's
// hk.DefaultHK, used for timers that don't need per-Instance isolation.
var DefaultHK = New()

// SetDispatcher installs the function fired timers use to run their
// callback on a pool instead of inline. An Instance wires this to its
// Argobots substrate during Init; a bare Housekeeper with no dispatcher
// just fires callbacks directly.
func (h *Housekeeper) SetDispatcher(d Dispatcher) {
	h.mu.Lock()
	h.dispatch = d
	h.mu.Unlock()
}

// Reg arms a named timer firing after d, whose callback runs on pool (the
// handler pool if ""). Re-registering an existing name replaces it
// (matching the teacher's Reg/Unreg-then-Reg call-site idiom).
func (h *Housekeeper) Reg(name string, d time.Duration, pool string, cb CB) {
	h.mu.Lock()
	if old, ok := h.byName[name]; ok {
		h.removeLocked(old)
	}
	t := &timer{name: name, deadline: mono.NanoTime() + d.Nanoseconds(), pool: pool, cb: cb}
	heap.Push(&h.heap, t)
	h.byName[name] = t
	h.mu.Unlock()
	h.wake()
	h.ensureRunning()
}

// Unreg cancels a named timer before it fires. It is a no-op if the timer
// already fired or was never registered -- cancel-before-fire is atomic
// with respect to fireDue's own firing check.
func (h *Housekeeper) Unreg(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.byName[name]; ok {
		h.removeLocked(t)
	}
}

func (h *Housekeeper) removeLocked(t *timer) {
	if t.index >= 0 {
		heap.Remove(&h.heap, t.index)
	}
	delete(h.byName, t.name)
}

// NextDeadline returns the nanosecond mono.NanoTime of the earliest armed
// timer, and ok=false if none are armed. The progress loop uses this to
// clamp its blocking-wait timeout (spec's timer-wheel/progress-loop
// integration).
func (h *Housekeeper) NextDeadline() (deadline int64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.heap) == 0 {
		return 0, false
	}
	return h.heap[0].deadline, true
}

// fireDue pops every timer whose deadline has passed and dispatches each
// one's callback onto its requested pool (spec's "each fired timer
// schedules its callback on its requested pool"), returning how many
// fired. With no dispatcher installed, callbacks just run inline.
func (h *Housekeeper) fireDue() int {
	now := mono.NanoTime()
	var due []*timer
	h.mu.Lock()
	for len(h.heap) > 0 && h.heap[0].deadline <= now {
		t := heap.Pop(&h.heap).(*timer)
		delete(h.byName, t.name)
		due = append(due, t)
	}
	dispatch := h.dispatch
	h.mu.Unlock()
	for _, t := range due {
		t := t
		fire := func() {
			if err := t.cb(); err != nil {
				nlog.Warningf("housekeeper: timer %q: %v", t.name, err)
			}
		}
		if dispatch != nil {
			dispatch(t.pool, fire)
		} else {
			fire()
		}
	}
	return len(due)
}

func (h *Housekeeper) wake() {
	select {
	case h.wakeCh <- struct{}{}:
	default:
	}
}

// ensureRunning lazily starts the background firing goroutine on first use,
// so a Housekeeper that never has a timer registered costs nothing.
func (h *Housekeeper) ensureRunning() {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()
	go h.run()
}

func (h *Housekeeper) run() {
	for {
		deadline, ok := h.NextDeadline()
		var timer *time.Timer
		if ok {
			d := time.Duration(deadline-mono.NanoTime()) * time.Nanosecond
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
		}
		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C
		}
		select {
		case <-h.stop.Listen():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-h.wakeCh:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
		h.fireDue()
	}
}

// Stop halts the background goroutine. Idempotent.
func (h *Housekeeper) Stop() { h.stop.Close() }
