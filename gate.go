/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package margo

import "sync"

// finalizeGate implements the finalize state machine's request phase: a
// single mutex protects an in-flight-operations counter and a closed flag,
// exactly the spec's "in-flight-operations counter is protected by its own
// mutex". enter is rejected once closed; drained closes exactly once, the
// instant the last in-flight operation leaves after close was requested.
type finalizeGate struct {
	mu      sync.Mutex
	n       int64
	closed  bool
	once    sync.Once
	drained chan struct{}
}

func (g *finalizeGate) init() { g.drained = make(chan struct{}) }

// enter registers one in-flight operation, returning false if the gate is
// already closed (finalize has been requested) -- the caller must not
// proceed and must not call leave.
func (g *finalizeGate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.n++
	return true
}

// leave retires one in-flight operation previously admitted by enter.
func (g *finalizeGate) leave() {
	g.mu.Lock()
	g.n--
	done := g.closed && g.n == 0
	g.mu.Unlock()
	if done {
		g.once.Do(func() { close(g.drained) })
	}
}

// requestClose marks the gate closed: no further enter calls succeed. If
// no operations are in flight, drained closes immediately.
func (g *finalizeGate) requestClose() {
	g.mu.Lock()
	g.closed = true
	done := g.n == 0
	g.mu.Unlock()
	if done {
		g.once.Do(func() { close(g.drained) })
	}
}

func (g *finalizeGate) count() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}
