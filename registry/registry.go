// Package registry is Margo's RPC identifier space: a 48-bit hash of the
// RPC's string name muxed with a 16-bit provider id into one 64-bit
// identifier, plus the registration table that identifier looks up.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package registry

import (
	"context"
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/mochi-hpc/margo-go/cmn/cos"
)

// Handler is the user-supplied RPC handler ULT body. ctx carries the
// current RPC id (see CurrentRPCID) and is cancelled if the owning
// Instance finalizes mid-handler; the origin's request timeout does not
// cancel it.
type Handler func(ctx context.Context, input []byte) (output []byte, err error)

// NameHash returns the 48-bit hash half of the identifier, matching the
// spec's "48-bit hash of the RPC's string name".
func NameHash(name string) uint64 {
	return xxhash.Checksum64([]byte(name)) >> 16
}

// Mux combines a name hash and a 16-bit provider id into one 64-bit RPC
// identifier: hash<<16 | provider.
func Mux(hash uint64, provider uint16) uint64 {
	return (hash << 16) | uint64(provider)
}

// Demux splits an identifier back into its hash and provider components.
func Demux(id uint64) (hash uint64, provider uint16) {
	return id >> 16, uint16(id & 0xffff)
}

type entry struct {
	name     string
	provider uint16
	pool     string // target pool for the handler ULT; "" means the default
	handler  Handler
	auto     bool // installed on demand by RegisterOnce, not by a real Register
}

// Registry is the per-Instance table of registered RPCs, keyed by the muxed
// 64-bit identifier. On-demand registration races (two forwards resolving
// the same unregistered name concurrently) are serialized with one
// sync.Once per (name, provider) pair, so only the first actually inserts.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint64]*entry
	onces   sync.Map // key: uint64 id -> *sync.Once
}

func New() *Registry {
	return &Registry{entries: make(map[uint64]*entry)}
}

// Register binds name (under provider, 0 meaning no provider) to h, which
// runs in pool (the default pool if ""), returning the muxed identifier.
// Re-registering the same (name, provider) is an error unless the existing
// entry was only an on-demand placeholder installed by RegisterOnce -- the
// spec's identifier space has exactly one real handler per id, but an
// auto-installed sentinel doesn't count as one.
func (r *Registry) Register(name string, provider uint16, pool string, h Handler) (uint64, error) {
	id := Mux(NameHash(name), provider)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[id]; ok && !existing.auto {
		return 0, cos.NewErr(cos.KindInvalidArgument, "rpc %q already registered for provider %d", name, provider)
	}
	r.entries[id] = &entry{name: name, provider: provider, pool: pool, handler: h}
	return id, nil
}

// RegisterOnce registers lazily and idempotently: concurrent callers
// racing to register the same (name, provider) all block on one
// registration; only the first's factory runs. The installed entry is
// marked auto so a later real Register call for the same pair can still
// replace it.
func (r *Registry) RegisterOnce(name string, provider uint16, pool string, factory func() Handler) uint64 {
	id := Mux(NameHash(name), provider)
	onceIface, _ := r.onces.LoadOrStore(id, &sync.Once{})
	once := onceIface.(*sync.Once)
	once.Do(func() {
		r.mu.Lock()
		if _, ok := r.entries[id]; !ok {
			r.entries[id] = &entry{name: name, provider: provider, pool: pool, handler: factory(), auto: true}
		}
		r.mu.Unlock()
	})
	return id
}

// Deregister removes an entry. It's safe to call concurrently with Lookup;
// a lookup racing a deregister sees either the entry or KindNoMatch, never
// a torn read (spec's deregister-race testable property).
func (r *Registry) Deregister(id uint64) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Lookup resolves an identifier to its handler and target pool. A hash that
// matches no registered name, or a provider that doesn't exist for an
// otherwise-known name, both surface as KindNoMatch -- the spec's "forward
// to unregistered provider" scenario.
func (r *Registry) Lookup(id uint64) (Handler, string, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, "", cos.NewErr(cos.KindNoMatch, "no rpc registered for id %#x", id)
	}
	return e.handler, e.pool, nil
}

// Name returns the registered name for id, for diagnostics/monitoring.
func (r *Registry) Name(id uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.name, true
}

type currentRPCKey struct{}

// WithCurrentRPCID stamps ctx with the RPC id a handler is executing under,
// the Go substitute for the C runtime's thread-local "current RPC id" --
// goroutines have no thread-local storage, so the breadcrumb rides the
// context instead.
func WithCurrentRPCID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, currentRPCKey{}, id)
}

// CurrentRPCID retrieves the breadcrumb WithCurrentRPCID stamped, 0 if none.
func CurrentRPCID(ctx context.Context) uint64 {
	id, _ := ctx.Value(currentRPCKey{}).(uint64)
	return id
}
