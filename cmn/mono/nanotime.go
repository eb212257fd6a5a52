//go:build !mono

// Package mono provides low-level monotonic time used for log timestamps,
// housekeeper deadlines, and the progress loop's spindown accounting.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

// base anchors NanoTime's readings; time.Since reads its monotonic part.
var base = time.Now()

// NanoTime returns a monotonic clock reading in nanoseconds. The linkname'd
// runtime.nanotime variant (nanotime_linkname.go, build tag "mono") avoids
// the allocation time.Now() does on some platforms; this is the portable
// fallback used by default builds.
func NanoTime() int64 { return int64(time.Since(base)) }
