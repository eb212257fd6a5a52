// Package cos provides small low-level types and utilities shared by every
// Margo package: the error-kind vocabulary from the spec's error-handling
// design, a bounded deduplicating error accumulator, and a close-once stop
// channel.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	"os"
	"sync"
	ratomic "sync/atomic"

	"github.com/mochi-hpc/margo-go/cmn/nlog"
	pkgerrors "github.com/pkg/errors"
)

// ErrKind enumerates the error kinds named by the error-handling design:
// these are not language types, they are the vocabulary Margo propagates
// verbatim to callers, either as a return value or via the response
// envelope's error field.
type ErrKind int

const (
	KindOther ErrKind = iota
	KindInvalidArgument
	KindNoEntry
	KindNoMatch
	KindTimeout
	KindCancelled
	KindPermission
	KindNoDevice
)

func (k ErrKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid-argument"
	case KindNoEntry:
		return "no-entry"
	case KindNoMatch:
		return "no-match"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindPermission:
		return "permission"
	case KindNoDevice:
		return "no-device"
	default:
		return "other"
	}
}

// Err is the one error type every Margo package returns. It carries a Kind
// so callers can branch on the spec's error-handling design rather than on
// string matching, and an optional cause for stack-traced diagnostics.
type Err struct {
	kind  ErrKind
	msg   string
	cause error
}

func NewErr(kind ErrKind, format string, a ...any) *Err {
	return &Err{kind: kind, msg: fmt.Sprintf(format, a...)}
}

func WrapErr(kind ErrKind, cause error, format string, a ...any) *Err {
	return &Err{kind: kind, msg: fmt.Sprintf(format, a...), cause: pkgerrors.WithStack(cause)}
}

func (e *Err) Kind() ErrKind { return e.kind }
func (e *Err) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}
func (e *Err) Unwrap() error { return e.cause }

// KindOf extracts the Kind from err, defaulting to KindOther for anything
// that isn't a *Err (including context.DeadlineExceeded / Canceled, which
// are translated explicitly at the few call sites that observe them).
func KindOf(err error) ErrKind {
	if err == nil {
		return KindOther
	}
	var e *Err
	if errors.As(err, &e) {
		return e.kind
	}
	return KindOther
}

// Errs is a bounded, deduplicating error accumulator: used by the
// deregister-race test harness (collects forward failures without growing
// unbounded under concurrency; duplicates collapse).
type Errs struct {
	errs []error
	cnt  int64
	mu   sync.Mutex
}

const maxErrs = 8

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			e.mu.Unlock()
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
	e.mu.Unlock()
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

// First returns the first error added, or nil if none.
func (e *Errs) First() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	return e.errs[0]
}

func (e *Errs) Error() string {
	cnt := e.Cnt()
	if cnt == 0 {
		return ""
	}
	e.mu.Lock()
	first := e.errs[0]
	n := len(e.errs)
	e.mu.Unlock()
	if n > 1 {
		return fmt.Sprintf("%v (and %d more error(s))", first, n-1)
	}
	return first.Error()
}

//
// fatal / abnormal termination -- used by the progress loop (spec §7
// "Fatal conditions": a non-success, non-timeout return from blocking
// progress aborts the process with a diagnostic)
//

const fatalPrefix = "FATAL ERROR: "

func Exitf(f string, a ...any) {
	msg := fmt.Sprintf(fatalPrefix+f, a...)
	nlog.ErrorDepth(1, msg)
	nlog.Flush(true)
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// StopCh is a close-once "stop" signal shared by the progress loop, the
// housekeeper, and the Argobots substrate's execution streams.
type StopCh struct {
	ch   chan struct{}
	once sync.Once
}

func NewStopCh() *StopCh { return &StopCh{ch: make(chan struct{})} }

func (s *StopCh) Close()                  { s.once.Do(func() { close(s.ch) }) }
func (s *StopCh) Listen() <-chan struct{} { return s.ch }
func (s *StopCh) IsStopped() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func Plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
