/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import "sync"

// HandleCache is a free-list plus in-use hash, guarded by one mutex,
// matching margo-handle-cache.c: a bounded number of idle handles are kept
// around rather than torn down, and Get reuses an in-use handle for the
// same address instead of dialing again.
type HandleCache struct {
	mu      sync.Mutex
	inUse   map[Addr]*Handle
	free    []*Handle
	maxFree int
}

// NewHandleCache creates a cache that keeps up to maxFree idle handles
// before closing the oldest on eviction.
func NewHandleCache(maxFree int) *HandleCache {
	if maxFree < 0 {
		maxFree = 0
	}
	return &HandleCache{inUse: make(map[Addr]*Handle), maxFree: maxFree}
}

// Get returns the cached Handle for addr, creating one via connect if this
// is the first reference. Every Get must be balanced by a Put.
func (c *HandleCache) Get(addr Addr, connect func() (*Handle, error)) (*Handle, error) {
	c.mu.Lock()
	if h, ok := c.inUse[addr]; ok {
		h.ref()
		c.mu.Unlock()
		return h, nil
	}
	// check the free list for a handle to this address before dialing
	for i, h := range c.free {
		if h.Addr == addr {
			c.free = append(c.free[:i], c.free[i+1:]...)
			h.ref()
			c.inUse[addr] = h
			c.mu.Unlock()
			return h, nil
		}
	}
	c.mu.Unlock()

	h, err := connect()
	if err != nil {
		return nil, err
	}
	h.ref()
	c.mu.Lock()
	c.inUse[addr] = h
	c.mu.Unlock()
	return h, nil
}

// Put releases a reference obtained from Get. When the refcount reaches
// zero the handle moves to the free list, evicting the oldest free handle
// if that would exceed maxFree.
func (c *HandleCache) Put(h *Handle, closeFn func(*Handle)) {
	if !h.unref() {
		return
	}
	c.mu.Lock()
	delete(c.inUse, h.Addr)
	var evicted *Handle
	if c.maxFree == 0 {
		evicted = h
	} else {
		c.free = append(c.free, h)
		if len(c.free) > c.maxFree {
			evicted = c.free[0]
			c.free = c.free[1:]
		}
	}
	c.mu.Unlock()
	if evicted != nil && closeFn != nil {
		closeFn(evicted)
	}
}

// Len reports the number of in-use plus free handles, for diagnostics.
func (c *HandleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inUse) + len(c.free)
}
