/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package margo

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mochi-hpc/margo-go/cmn/cos"
	"github.com/mochi-hpc/margo-go/cmn/mono"
	"github.com/mochi-hpc/margo-go/memsys"
	"github.com/mochi-hpc/margo-go/transport"
)

// Bulk moves origin.Data into target.Data in parallel chunks of chunkSize
// bytes (memsys.DefaultBufSize if <= 0), fanning sub-transfers out over the
// transport and collecting the first error -- a failure in any one chunk
// surfaces that one error and aborts the rest via the shared context,
// never drops a failure silently (spec §8's bulk testable property).
func (inst *Instance) Bulk(ctx context.Context, origin, target transport.Bulk, chunkSize int) error {
	if !inst.gate.enter() {
		return cos.NewErr(cos.KindCancelled, "bulk: instance is finalizing")
	}
	defer inst.gate.leave()

	if chunkSize <= 0 {
		chunkSize = memsys.DefaultBufSize
	}
	total := int64(len(origin.Data))
	if total > int64(len(target.Data)) {
		total = int64(len(target.Data))
	}
	inst.mon.OnBulkCreate(total)
	defer inst.mon.OnBulkFree()

	start := mono.NanoTime()
	g, gctx := errgroup.WithContext(ctx)
	for off := int64(0); off < total; off += int64(chunkSize) {
		off := off
		length := int64(chunkSize)
		if off+length > total {
			length = total - off
		}
		g.Go(func() error { return inst.bulkChunk(gctx, origin, target, off, length) })
	}
	err := g.Wait()
	inst.mon.OnBulkTransfer(total, time.Duration(mono.NanoTime()-start), err)
	return err
}

// bulkChunk stages origin's [offset:offset+length) window through a pooled
// slab before handing it to the transport, rather than letting the
// transport read the full origin buffer directly -- the slab is the local
// registered buffer a real one-sided transfer would stage through, and
// pooling it avoids an allocation per chunk.
func (inst *Instance) bulkChunk(ctx context.Context, origin, target transport.Bulk, offset, length int64) error {
	staged := inst.mmsa.AllocSlab(int(length))
	copy(staged, origin.Data[offset:offset+length])

	done := make(chan error, 1)
	if err := inst.tr.BulkTransfer(transport.Bulk{Data: staged, Access: origin.Access}, target, offset, length, func(err error) {
		done <- err
	}); err != nil {
		inst.mmsa.FreeSlab(staged)
		return err
	}
	select {
	case err := <-done:
		inst.mmsa.FreeSlab(staged)
		return err
	case <-ctx.Done():
		// the transfer's own goroutine still owns staged until it completes;
		// free it only once that happens, never while it may still be read.
		go func() {
			<-done
			inst.mmsa.FreeSlab(staged)
		}()
		return ctx.Err()
	}
}
