// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigreduce

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigreduce/codec"
	"github.com/grailbio/bigreduce/internal/concurrent"
	"github.com/grailbio/bigreduce/stats"
)

// A DistVector is a dense array of n values distributed round-robin
// across the ranks of a cluster: key k is owned by rank k mod size
// and stored there at local index k div size.
type DistVector[V any] struct {
	c      *Cluster
	n      int
	local  *concurrent.Vector[V]
	remote staging[int, V]
}

// NewDistVector returns a distributed vector of size n with every
// value set to init. NewDistVector is called by every rank.
func NewDistVector[V any](c *Cluster, n int, init V) *DistVector[V] {
	v := &DistVector[V]{
		c:      c,
		local:  concurrent.NewVector[V](c.Threads()),
		remote: newStaging[int, V](c),
	}
	v.Resize(n, init)
	return v
}

// Cluster returns the vector's cluster.
func (v *DistVector[V]) Cluster() *Cluster { return v.c }

// Size returns the vector's global size.
func (v *DistVector[V]) Size() int { return v.n }

// Resize changes the vector's global size to n. Newly added keys are
// set to init. Resize must be called by every rank.
func (v *DistVector[V]) Resize(n int, init V) {
	size, rank := v.c.Size(), v.c.Rank()
	local := 0
	if n > rank {
		local = (n - rank + size - 1) / size
	}
	v.local.Resize(local, init)
	v.n = n
}

// Owner returns the rank that owns key.
func (v *DistVector[V]) Owner(key int) int { return key % v.c.Size() }

// IsLocal tells whether key is owned by the calling rank.
func (v *DistVector[V]) IsLocal(key int) bool { return v.Owner(key) == v.c.Rank() }

// Get returns the value of key, which must be owned by the calling
// rank. Get reports false if the key is not local.
func (v *DistVector[V]) Get(key int) (V, bool) {
	if !v.IsLocal(key) {
		var zero V
		return zero, false
	}
	return v.local.Get(key / v.c.Size()), true
}

// AsyncSet combines val into key's value with reducer r. Updates to
// keys owned by other ranks are staged, pre-combined with r, until
// the next Sync; until then the stored value is undefined. AsyncSet
// may be called concurrently by distinct threads tid.
func (v *DistVector[V]) AsyncSet(tid, key int, val V, r Reducer[V]) {
	if key < 0 || key >= v.n {
		log.Panicf("bigreduce.DistVector: key %d out of range [0, %d)", key, v.n)
	}
	size := v.c.Size()
	owner := key % size
	if owner == v.c.Rank() {
		v.local.AsyncSet(tid, key/size, val, r.fn)
	} else {
		v.remote[owner].AsyncSet(tid, key/size, val, r.fn)
	}
}

// Sync is a collective operation that commits every update issued by
// any rank since the previous Sync, combining with r. Sync must not
// be called concurrently with AsyncSet.
func (v *DistVector[V]) Sync(ctx context.Context, r Reducer[V]) error {
	err := v.remote.shuffle(ctx, v.c, r, func(tid, key int, val V) {
		v.local.AsyncSet(tid, key, val, r.fn)
	})
	if err != nil {
		return err
	}
	if n := v.local.Sync(r.fn); n > 0 {
		v.c.stats.Int(stats.Spills).Add(int64(n))
	}
	return nil
}

// ForEach calls fn for each key owned by the calling rank, in
// parallel. Keys are presented by their global index.
func (v *DistVector[V]) ForEach(ctx context.Context, fn func(tid, key int, val V) error) error {
	size, rank := v.c.Size(), v.c.Rank()
	return v.local.ForEach(func(tid, i int, val V) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(tid, i*size+rank, val)
	})
}

// Iterate implements Iterable.
func (v *DistVector[V]) Iterate(ctx context.Context, fn func(tid, key int, val V) error) error {
	return v.ForEach(ctx, fn)
}

// ForEachSerial calls fn for each key owned by the calling rank, in
// key order, from the calling goroutine.
func (v *DistVector[V]) ForEachSerial(fn func(key int, val V) error) error {
	size, rank := v.c.Size(), v.c.Rank()
	return v.local.ForEachSerial(func(i int, val V) error {
		return fn(i*size+rank, val)
	})
}

// Update calls fn with a pointer to the value of every key owned by
// the calling rank, in parallel.
func (v *DistVector[V]) Update(fn func(key int, val *V)) {
	size, rank := v.c.Size(), v.c.Rank()
	v.local.Update(func(i int, val *V) { fn(i*size+rank, val) })
}

// TopK is a collective operation that returns the (at most) k values
// of the vector that sort first under less, in sorted order. Every
// rank returns the same list. Values that compare equal are ordered
// by rank, and then by key within a rank.
//
// Each rank selects its local top k values; the lists are then merged
// pairwise along a hypercube into rank 0, and the result is
// broadcast. A negative k is an error of kind errors.Invalid on every
// rank.
func (v *DistVector[V]) TopK(ctx context.Context, k int, less func(a, b V) bool) ([]V, error) {
	if k < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("topk: negative k %d", k))
	}
	top := v.local.TopK(k, less)
	p, err := codec.Encode(top)
	if err != nil {
		return nil, err
	}
	p, err = v.c.comm.Reduce(ctx, p, func(acc, in []byte) ([]byte, error) {
		var a, b []V
		if err := codec.Decode(acc, &a); err != nil {
			return nil, err
		}
		if err := codec.Decode(in, &b); err != nil {
			return nil, err
		}
		return codec.Encode(mergeTop(a, b, k, less))
	})
	if err != nil {
		return nil, err
	}
	if p, err = v.c.comm.Broadcast(ctx, p, 0); err != nil {
		return nil, err
	}
	var global []V
	if err := codec.Decode(p, &global); err != nil {
		return nil, err
	}
	return global, nil
}

// mergeTop merges the sorted lists a and b, returning at most k
// values. Values from a are preferred on ties.
func mergeTop[V any](a, b []V, k int, less func(a, b V) bool) []V {
	out := make([]V, 0, k)
	for len(out) < k && (len(a) > 0 || len(b) > 0) {
		if len(b) > 0 && (len(a) == 0 || less(b[0], a[0])) {
			out = append(out, b[0])
			b = b[1:]
		} else {
			out = append(out, a[0])
			a = a[1:]
		}
	}
	return out
}

// Width implements Mergeable.
func (v *DistVector[V]) Width() int { return v.n }

// Merge implements Mergeable. Keys not owned by the caller are
// ignored.
func (v *DistVector[V]) Merge(key int, val V, r Reducer[V]) {
	if v.IsLocal(key) {
		v.local.Set(key/v.c.Size(), val, r.fn)
	}
}

// Sub subtracts b from a elementwise. The vectors must have the same
// size and belong to the same cluster; otherwise Sub returns an error
// of kind errors.Invalid. Sub involves no communication.
func Sub[V Number](a, b *DistVector[V]) error {
	if a.c != b.c {
		return errors.E(errors.Invalid, "bigreduce.Sub: vectors belong to different clusters")
	}
	if a.n != b.n {
		return errors.E(errors.Invalid, fmt.Sprintf("bigreduce.Sub: size mismatch: %d != %d", a.n, b.n))
	}
	a.local.Update(func(i int, val *V) {
		*val -= b.local.Get(i)
	})
	return nil
}
