// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigreduce

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigreduce/parallel"
	"golang.org/x/exp/constraints"
)

// A DistRange is the arithmetic sequence start, start+inc, ... of
// values less than end. Rank p visits the elements
// start+p*inc, start+(p+size)*inc, ...; within a rank, elements are
// assigned to threads in dynamically claimed chunks.
type DistRange[T constraints.Integer] struct {
	c               *Cluster
	start, end, inc T
	verbose         bool
	chunk           int
}

// NewDistRange returns the range [start, end) with step inc, which
// must be positive. NewDistRange panics if the range has more than
// math.MaxInt elements.
func NewDistRange[T constraints.Integer](c *Cluster, start, end, inc T) *DistRange[T] {
	if inc <= 0 {
		panic("bigreduce.NewDistRange: inc <= 0")
	}
	r := &DistRange[T]{c: c, start: start, end: end, inc: inc, chunk: parallel.DefaultChunk}
	if r.len64() > math.MaxInt {
		panic("bigreduce.NewDistRange: range too long")
	}
	return r
}

// Verbose turns on progress reporting: while iterating, the rank
// logs the fraction of its elements visited, in 10% increments.
func (r *DistRange[T]) Verbose() *DistRange[T] {
	r.verbose = true
	return r
}

// Chunk sets the number of consecutive local elements claimed by a
// thread at a time.
func (r *DistRange[T]) Chunk(n int) *DistRange[T] {
	if n <= 0 {
		panic("bigreduce.DistRange.Chunk: n <= 0")
	}
	r.chunk = n
	return r
}

// Cluster returns the range's cluster.
func (r *DistRange[T]) Cluster() *Cluster { return r.c }

// Len returns the total number of elements in the range.
func (r *DistRange[T]) Len() int { return int(r.len64()) }

// widen returns the two's complement bits of x as a uint64.
// Differences of widened values are exact modulo 2^64.
func widen[T constraints.Integer](x T) uint64 { return uint64(int64(x)) }

func (r *DistRange[T]) len64() uint64 {
	if r.end <= r.start {
		return 0
	}
	span := widen(r.end) - widen(r.start)
	return (span-1)/widen(r.inc) + 1
}

// at returns the range's i'th element.
func (r *DistRange[T]) at(i int) T {
	return T(widen(r.start) + uint64(i)*widen(r.inc))
}

// localLen returns the number of elements visited by the calling rank.
func (r *DistRange[T]) localLen() int {
	n, size, rank := r.Len(), r.c.Size(), r.c.Rank()
	if n <= rank {
		return 0
	}
	return (n-rank-1)/size + 1
}

// IsLocal tells whether element t is visited by the calling rank.
func (r *DistRange[T]) IsLocal(t T) bool {
	if t < r.start || t >= r.end {
		return false
	}
	i := (widen(t) - widen(r.start)) / widen(r.inc)
	return i%uint64(r.c.Size()) == uint64(r.c.Rank())
}

// ForEach calls fn, in parallel, for every element visited by the
// calling rank.
func (r *DistRange[T]) ForEach(ctx context.Context, fn func(tid int, t T) error) error {
	size, rank := r.c.Size(), r.c.Rank()
	n := r.localLen()
	var (
		prog *progress
		done int64
	)
	if r.verbose {
		prog = newProgress(r.c)
	}
	err := parallel.Dynamic(ctx, r.c.Threads(), n, r.chunk, func(tid, j int) error {
		t := r.at(rank + j*size)
		if err := fn(tid, t); err != nil {
			return err
		}
		if prog != nil {
			d := atomic.AddInt64(&done, 1)
			if tid == 0 {
				prog.update(float64(d) / float64(n))
			}
		}
		return nil
	})
	if err == nil && prog != nil {
		prog.update(1)
	}
	return err
}

// Iterate implements Iterable; each element is presented as both key
// and value.
func (r *DistRange[T]) Iterate(ctx context.Context, fn func(tid int, key, val T) error) error {
	return r.ForEach(ctx, func(tid int, t T) error { return fn(tid, t, t) })
}

// Progress reports iteration progress in 10% increments.
type progress struct {
	c    *Cluster
	next float64
}

func newProgress(c *Cluster) *progress {
	return &progress{c: c, next: 0.1}
}

// Update is called by a single thread.
func (p *progress) update(frac float64) {
	for p.next <= frac+1e-9 && p.next <= 1+1e-9 {
		log.Printf("%s: %.0f%%", p.c, p.next*100)
		p.next += 0.1
	}
}
