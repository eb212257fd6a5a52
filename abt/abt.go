// Package abt is Margo's Argobots substrate: pools and execution streams
// (ES) standing in for Argobots' ULT scheduler, the foundation the progress
// loop and every RPC handler ULT runs on.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package abt

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mochi-hpc/margo-go/cmn/cos"
	"github.com/mochi-hpc/margo-go/cmn/debug"
	"github.com/mochi-hpc/margo-go/cmn/nlog"
)

// PoolKind mirrors the Argobots scheduler kinds a pool can be created with.
type PoolKind int

const (
	FIFO PoolKind = iota
	FIFOWait
	PriorityWait
	RandWS // random work-stealing
	External
)

func (k PoolKind) String() string {
	switch k {
	case FIFOWait:
		return "fifo_wait"
	case PriorityWait:
		return "prio_wait"
	case RandWS:
		return "randws"
	case External:
		return "external"
	default:
		return "fifo"
	}
}

// AccessClass mirrors the Argobots pool access-class enum: who may push and
// pop work items.
type AccessClass int

const (
	Private AccessClass = iota
	SPSC
	MPSC
	SPMC
	MPMC
)

func (a AccessClass) String() string {
	switch a {
	case SPSC:
		return "spsc"
	case MPSC:
		return "mpsc"
	case SPMC:
		return "spmc"
	case MPMC:
		return "mpmc"
	default:
		return "private"
	}
}

// PrimaryName is the reserved name of the pool and execution stream created
// at substrate init: neither may be removed (spec's "__primary__ invariant").
const PrimaryName = "__primary__"

// Substrate owns the name->Pool and name->ES maps behind one mutex, exactly
// the "single mutex protects the Argobots substrate" invariant.
type Substrate struct {
	mu    sync.Mutex
	pools map[string]*Pool
	ess   map[string]*ES

	progressPool string // pool currently hosting the progress ULT
	defaultPool  string // pool new RPC handler ULTs are submitted to

	stop *cos.StopCh
}

// NewSubstrate creates the substrate with its mandatory __primary__ pool
// (MPMC FIFO) and __primary__ ES (one goroutine draining it).
func NewSubstrate() *Substrate {
	s := &Substrate{
		pools: make(map[string]*Pool),
		ess:   make(map[string]*ES),
		stop:  cos.NewStopCh(),
	}
	primary := newPool(PrimaryName, FIFO, MPMC)
	s.pools[PrimaryName] = primary
	es := newES(PrimaryName, []*Pool{primary}, s.stop)
	s.ess[PrimaryName] = es
	s.progressPool = PrimaryName
	s.defaultPool = PrimaryName
	es.start()
	return s
}

// AddPool creates and registers a new pool. Names must be unique and valid
// identifiers; an empty name is auto-generated ("pool_N").
func (s *Substrate) AddPool(name string, kind PoolKind, access AccessClass) (*Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		name = cos.GenName("pool")
	} else if !cos.IsValidIdent(name) {
		return nil, cos.NewErr(cos.KindInvalidArgument, "invalid pool name %q", name)
	}
	if _, ok := s.pools[name]; ok {
		return nil, cos.NewErr(cos.KindInvalidArgument, "duplicate pool name %q", name)
	}
	p := newPool(name, kind, access)
	if kind == RandWS {
		// siblings is resolved lazily against the substrate's current pool
		// map rather than snapshotted here, so a RandWS pool added after p
		// still becomes a steal target.
		p.siblings = func() []*Pool {
			s.mu.Lock()
			defer s.mu.Unlock()
			out := make([]*Pool, 0, len(s.pools))
			for _, op := range s.pools {
				if op != p && op.kind == RandWS {
					out = append(out, op)
				}
			}
			return out
		}
	}
	s.pools[name] = p
	return p, nil
}

// RemovePool deletes a pool so long as it's not __primary__, the progress
// pool or the default handler pool, and no ES still references it.
func (s *Substrate) RemovePool(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == PrimaryName {
		return cos.NewErr(cos.KindInvalidArgument, "cannot remove %s pool", PrimaryName)
	}
	if name == s.progressPool || name == s.defaultPool {
		return cos.NewErr(cos.KindInvalidArgument, "cannot remove pool %q: it is the progress or default handler pool", name)
	}
	p, ok := s.pools[name]
	if !ok {
		return cos.NewErr(cos.KindNoEntry, "no such pool %q", name)
	}
	for esName, es := range s.ess {
		for _, mp := range es.pools {
			if mp == p {
				return cos.NewErr(cos.KindInvalidArgument, "pool %q still referenced by execution stream %q", name, esName)
			}
		}
	}
	p.close()
	delete(s.pools, name)
	return nil
}

// AddES creates an execution stream scheduling the named pools, in list
// order (the teacher's "scheduler list" idiom).
func (s *Substrate) AddES(name string, poolNames []string) (*ES, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		name = cos.GenName("es")
	} else if !cos.IsValidIdent(name) {
		return nil, cos.NewErr(cos.KindInvalidArgument, "invalid execution stream name %q", name)
	}
	if _, ok := s.ess[name]; ok {
		return nil, cos.NewErr(cos.KindInvalidArgument, "duplicate execution stream name %q", name)
	}
	pools := make([]*Pool, 0, len(poolNames))
	for _, pn := range poolNames {
		p, ok := s.pools[pn]
		if !ok {
			return nil, cos.NewErr(cos.KindNoEntry, "execution stream %q: no such pool %q", name, pn)
		}
		pools = append(pools, p)
	}
	es := newES(name, pools, s.stop)
	s.ess[name] = es
	es.start()
	return es, nil
}

// RemoveES stops and deletes an execution stream so long as it's not
// __primary__.
func (s *Substrate) RemoveES(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == PrimaryName {
		return cos.NewErr(cos.KindInvalidArgument, "cannot remove %s execution stream", PrimaryName)
	}
	es, ok := s.ess[name]
	if !ok {
		return cos.NewErr(cos.KindNoEntry, "no such execution stream %q", name)
	}
	es.stopSelf()
	delete(s.ess, name)
	return nil
}

// Pool returns the named pool, or nil.
func (s *Substrate) Pool(name string) *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pools[name]
}

// SetProgressPool migrates the progress ULT's target pool (spec's progress
// migration operation): the currently-running progress loop observes the
// change on its next iteration via ProgressPool().
func (s *Substrate) SetProgressPool(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[name]; !ok {
		return cos.NewErr(cos.KindNoEntry, "no such pool %q", name)
	}
	s.progressPool = name
	return nil
}

func (s *Substrate) ProgressPool() *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pools[s.progressPool]
}

// ProgressPoolName returns the name of the pool currently targeted to host
// the progress ULT, so a running progress loop can detect a migration.
func (s *Substrate) ProgressPoolName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressPool
}

func (s *Substrate) DefaultPool() *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pools[s.defaultPool]
}

func (s *Substrate) SetDefaultPool(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[name]; !ok {
		return cos.NewErr(cos.KindNoEntry, "no such pool %q", name)
	}
	s.defaultPool = name
	return nil
}

// Shutdown stops every execution stream. Idempotent.
func (s *Substrate) Shutdown() {
	s.stop.Close()
	s.mu.Lock()
	ess := make([]*ES, 0, len(s.ess))
	for _, es := range s.ess {
		ess = append(ess, es)
	}
	s.mu.Unlock()
	for _, es := range ess {
		es.wait()
	}
}

// ULT is a unit of work submitted to a pool: a function plus the context it
// should observe for cancellation, matching the request lifecycle's
// "RPC handler ULT" and "progress ULT" concepts.
type ULT func(ctx context.Context)

// Pool is a queue of ULTs plus a kind-specific dequeue order.
type Pool struct {
	name   string
	kind   PoolKind
	access AccessClass

	items chan ULT
	pq    *priorityQueue
	mu    sync.Mutex // guards pq only; items channel is self-synchronizing
	once  sync.Once

	// RandWS only: steal gates how many concurrent poppers may probe
	// sibling pools at once, and siblings lists the pools eligible to
	// steal from.
	steal    *semaphore.Weighted
	siblings func() []*Pool
}

const poolCapacity = 4096

// stealWeight bounds how many goroutines may concurrently probe a RandWS
// pool's siblings for work, so a burst of idle ES's can't all hammer the
// same sibling's channel at once.
const stealWeight = 8

func newPool(name string, kind PoolKind, access AccessClass) *Pool {
	p := &Pool{name: name, kind: kind, access: access}
	if kind == PriorityWait {
		p.pq = newPriorityQueue()
	} else {
		p.items = make(chan ULT, poolCapacity)
	}
	if kind == RandWS {
		p.steal = semaphore.NewWeighted(stealWeight)
	}
	return p
}

func (p *Pool) Name() string { return p.name }

// Size reports the number of ULTs currently queued (not counting any
// presently executing), the progress loop's "progress pool size" signal.
func (p *Pool) Size() int {
	if p.kind == PriorityWait {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.pq.h.Len()
	}
	return len(p.items)
}

// Submit enqueues a ULT for execution by whichever ES schedules this pool.
func (p *Pool) Submit(u ULT) error {
	return p.SubmitPriority(u, 0)
}

// SubmitPriority enqueues with a priority (only meaningful for
// PriorityWait pools; ignored otherwise).
func (p *Pool) SubmitPriority(u ULT, prio int) error {
	if p.kind == PriorityWait {
		p.mu.Lock()
		p.pq.push(u, prio)
		p.mu.Unlock()
		return nil
	}
	select {
	case p.items <- u:
		return nil
	default:
		return cos.NewErr(cos.KindOther, "pool %q: submit queue full", p.name)
	}
}

// pop waits (respecting ctx) until a ULT is available. ok is false if the
// pool closed or ctx ended, and for a RandWS pool also after a millisecond
// with nothing to run.
func (p *Pool) pop(ctx context.Context) (ULT, bool) {
	switch p.kind {
	case PriorityWait:
		return p.popPriority(ctx)
	case RandWS:
		return p.popRandWS(ctx)
	}
	select {
	case u, ok := <-p.items:
		return u, ok
	case <-ctx.Done():
		return nil, false
	}
}

// popRandWS tries its own queue first; on a miss, it probes a randomly
// rotated order of sibling RandWS pools for a waiting ULT, then waits up to
// a millisecond on its own queue and otherwise reports a miss, so the
// caller polls again and re-probes the siblings. The steal semaphore bounds
// how many ES's may be probing siblings at once.
func (p *Pool) popRandWS(ctx context.Context) (ULT, bool) {
	select {
	case u, ok := <-p.items:
		return u, ok
	default:
	}

	if p.siblings != nil && p.steal.TryAcquire(1) {
		sibs := p.siblings()
		if len(sibs) > 0 {
			start := rand.Intn(len(sibs))
			for i := 0; i < len(sibs); i++ {
				sib := sibs[(start+i)%len(sibs)]
				select {
				case u, ok := <-sib.items:
					if ok {
						p.steal.Release(1)
						return u, true
					}
				default:
				}
			}
		}
		p.steal.Release(1)
	}

	select {
	case u, ok := <-p.items:
		return u, ok
	case <-ctx.Done():
		return nil, false
	case <-time.After(time.Millisecond):
		return nil, false
	}
}

func (p *Pool) popPriority(ctx context.Context) (ULT, bool) {
	for {
		p.mu.Lock()
		u, ok := p.pq.pop()
		p.mu.Unlock()
		if ok {
			return u, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(time.Millisecond):
			// priority pools are low-traffic control pools in practice
			// (finalize, config changes); poll rather than add a second
			// signaling channel per item.
		}
	}
}

func (p *Pool) close() {
	p.once.Do(func() {
		if p.items != nil {
			close(p.items)
		}
	})
}

// ES is an execution stream: one goroutine draining a scheduler list of
// pools, round-robin, matching spec's ES scheduler-list model. With more
// than one pool it waits at most a millisecond on each before moving on.
type ES struct {
	name  string
	pools []*Pool
	stop  *cos.StopCh
	wg    sync.WaitGroup
}

func newES(name string, pools []*Pool, stop *cos.StopCh) *ES {
	return &ES{name: name, pools: pools, stop: stop}
}

func (es *ES) start() {
	es.wg.Add(1)
	go es.run()
}

func (es *ES) run() {
	defer es.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-es.stop.Listen()
		cancel()
	}()
	idx := 0
	for {
		select {
		case <-es.stop.Listen():
			return
		default:
		}
		if len(es.pools) == 0 {
			return
		}
		p := es.pools[idx%len(es.pools)]
		idx++
		pctx, pcancel := ctx, context.CancelFunc(func() {})
		if len(es.pools) > 1 {
			pctx, pcancel = context.WithTimeout(ctx, time.Millisecond)
		}
		u, ok := p.pop(pctx)
		pcancel()
		if !ok {
			select {
			case <-es.stop.Listen():
				return
			default:
				continue
			}
		}
		es.runULT(ctx, u)
	}
}

func (es *ES) runULT(ctx context.Context, u ULT) {
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("execution stream %q: ULT panic: %v", es.name, r)
			debug.Assert(false, "ULT panic", r)
		}
	}()
	u(ctx)
}

func (es *ES) stopSelf() {
	// per-ES stop isn't separately tracked from the substrate-wide StopCh
	// in this reference implementation; removal simply stops scheduling
	// new pools onto it by detaching it from the substrate map. The
	// goroutine returns at its next loop check once its current pop
	// returns, or earlier if the whole substrate shuts down.
	es.pools = nil
}

func (es *ES) wait() { es.wg.Wait() }

func (es *ES) String() string { return fmt.Sprintf("ES[%s]", es.name) }
