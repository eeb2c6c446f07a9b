// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package parallel provides the fork-join primitives used within a
// rank. Each parallel region runs a fixed number of workers; every
// worker is identified by a thread id in [0, p), which callers use
// to index per-thread state such as spill buffers and accumulators.
package parallel

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/grailbio/base/traverse"
)

// DefaultChunk is the dynamic scheduling chunk size used when
// callers do not specify one.
const DefaultChunk = 4

// Threads returns the maximum number of threads that a parallel
// region may use in this process.
func Threads() int {
	return runtime.GOMAXPROCS(0)
}

// Region runs fn once for each of p workers, concurrently, and
// returns when all have completed. The first error is returned.
func Region(p int, fn func(tid int) error) error {
	if p <= 0 {
		p = 1
	}
	return traverse.Each(p, fn)
}

// Static runs fn(tid, i) for every i in [0, n) using p workers.
// Worker tid is assigned the contiguous block
// [tid*n/p, (tid+1)*n/p).
func Static(ctx context.Context, p, n int, fn func(tid, i int) error) error {
	if p <= 0 {
		p = 1
	}
	if p > n {
		p = n
	}
	if p == 0 {
		return nil
	}
	return Region(p, func(tid int) error {
		start, end := tid*n/p, (tid+1)*n/p
		for i := start; i < end; i++ {
			if (i-start)%1024 == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			if err := fn(tid, i); err != nil {
				return err
			}
		}
		return nil
	})
}

// Dynamic runs fn(tid, i) for every i in [0, n) using p workers.
// Workers repeatedly claim the next chunk of indices, so that
// irregular per-index costs are balanced across workers.
func Dynamic(ctx context.Context, p, n, chunk int, fn func(tid, i int) error) error {
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	if p <= 0 {
		p = 1
	}
	if chunks := (n + chunk - 1) / chunk; p > chunks {
		p = chunks
	}
	if p == 0 {
		return nil
	}
	var next int64
	return Region(p, func(tid int) error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			start := int(atomic.AddInt64(&next, int64(chunk))) - chunk
			if start >= n {
				return nil
			}
			end := start + chunk
			if end > n {
				end = n
			}
			for i := start; i < end; i++ {
				if err := fn(tid, i); err != nil {
					return err
				}
			}
		}
	})
}
