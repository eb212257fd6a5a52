/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package margo

import (
	"context"
	"sync"

	"github.com/mochi-hpc/margo-go/cmn/cos"
)

// Request is the eventual a Forward call returns: exactly one completion
// (transport callback or timeout, whichever observes it first) resolves
// it, and every later attempt is a no-op (spec's "exactly one eventual per
// request" invariant).
type Request struct {
	done chan struct{}
	once sync.Once
	resp []byte
	err  error
}

func newRequest() *Request {
	return &Request{done: make(chan struct{})}
}

// complete resolves the request. Only the first call has any effect.
func (r *Request) complete(resp []byte, err error) {
	r.once.Do(func() {
		r.resp, r.err = resp, err
		close(r.done)
	})
}

// Wait blocks until the request completes or ctx is cancelled.
func (r *Request) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, cos.NewErr(cos.KindCancelled, "request: wait cancelled")
	}
}

// Done reports whether the request has already resolved, without blocking.
func (r *Request) Done() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
