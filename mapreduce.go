// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigreduce

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigreduce/codec"
	"github.com/grailbio/bigreduce/comm"
	"github.com/grailbio/bigreduce/parallel"
	"github.com/grailbio/bigreduce/stats"
	"golang.org/x/exp/constraints"
)

// Iterable is a source of key-value pairs partitioned across ranks
// and threads. DistRange, DistVector and DistHashMap are Iterables.
type Iterable[K, V any] interface {
	// Cluster returns the cluster over which the source is
	// partitioned.
	Cluster() *Cluster
	// Iterate calls fn for every pair in the calling rank's
	// partition. Calls are made concurrently, each by a thread
	// tid in [0, Cluster().Threads()).
	Iterate(ctx context.Context, fn func(tid int, key K, val V) error) error
}

// Shardable is a destination that accepts buffered updates from any
// rank and commits them collectively. DistVector and DistHashMap are
// Shardable.
type Shardable[K comparable, V any] interface {
	AsyncSet(tid int, key K, val V, r Reducer[V])
	Sync(ctx context.Context, r Reducer[V]) error
}

// Mergeable is a dense destination of fixed width, into which a
// globally reduced value for each key is merged on every rank.
// DistVector is Mergeable, as are slices wrapped by Slice.
type Mergeable[V any] interface {
	// Width returns the number of keys in the destination.
	Width() int
	// Merge combines val into the value of key with r. Merge may be
	// called concurrently for distinct keys.
	Merge(key int, val V, r Reducer[V])
}

type sliceDest[V any] []V

func (s sliceDest[V]) Width() int { return len(s) }

func (s sliceDest[V]) Merge(key int, val V, r Reducer[V]) {
	s[key] = r.fn(s[key], val)
}

// Slice returns a Mergeable destination that merges into the
// elements of s.
func Slice[V any](s []V) Mergeable[V] {
	return sliceDest[V](s)
}

// MapReduce applies mapper to every pair of src. Pairs emitted by the
// mapper are routed to dst with AsyncSet and committed by a final
// Sync, so that every emitted value is combined, with r, into the
// value of its key in dst. MapReduce is a collective operation.
func MapReduce[K1, V1 any, K2 comparable, V2 any](
	ctx context.Context,
	src Iterable[K1, V1],
	mapper func(key K1, val V1, emit func(K2, V2)),
	r Reducer[V2],
	dst Shardable[K2, V2],
) error {
	c := src.Cluster()
	counts := make([]int64, c.Threads())
	emits := make([]func(K2, V2), c.Threads())
	for tid := range emits {
		emits[tid] = func(key K2, val V2) {
			counts[tid]++
			dst.AsyncSet(tid, key, val, r)
		}
	}
	err := src.Iterate(ctx, func(tid int, key K1, val V1) error {
		mapper(key, val, emits[tid])
		return nil
	})
	c.stats.Int(stats.Emits).Add(sum(counts))
	if err := c.Agree(ctx, err); err != nil {
		return err
	}
	return dst.Sync(ctx, r)
}

// MapReduceDense applies mapper to every pair of src, reducing the
// emitted values into the dense destination dst. Emitted keys must be
// in [0, dst.Width()).
//
// Each thread first combines its emitted values into a private dense
// accumulator; the accumulators of a rank are then merged along a
// binary tree. Across ranks, reducers with a native operator (Sum,
// Prod, Min, Max) over builtin numeric types use the communicator's
// all-reduce; other reducers merge accumulators pairwise along a
// hypercube into rank 0, which broadcasts the result. Finally, every
// key that received a value is merged into dst, on every rank.
// MapReduceDense is a collective operation.
func MapReduceDense[K, V1, V2 any](
	ctx context.Context,
	src Iterable[K, V1],
	mapper func(key K, val V1, emit func(int, V2)),
	r Reducer[V2],
	dst Mergeable[V2],
) error {
	c := src.Cluster()
	width := dst.Width()
	accs := make([]dense[V2], c.Threads())
	counts := make([]int64, c.Threads())
	var (
		once   sync.Once
		keyErr error
	)
	emits := make([]func(int, V2), c.Threads())
	for tid := range emits {
		emits[tid] = func(key int, val V2) {
			if key < 0 || key >= width {
				once.Do(func() {
					keyErr = errors.E(errors.Invalid, fmt.Sprintf("emitted key %d out of range [0, %d)", key, width))
				})
				return
			}
			counts[tid]++
			acc := &accs[tid]
			if acc.Vals == nil {
				*acc = newDense[V2](width)
			}
			acc.add(key, val, r)
		}
	}
	err := src.Iterate(ctx, func(tid int, key K, val V1) error {
		mapper(key, val, emits[tid])
		return nil
	})
	if err == nil {
		err = keyErr
	}
	c.stats.Int(stats.Emits).Add(sum(counts))
	if err := c.Agree(ctx, err); err != nil {
		return err
	}
	acc := mergeThreads(accs, r)
	if acc.Vals == nil {
		acc = newDense[V2](width)
	}
	if ok, err := allreduceNative(ctx, c, acc, r.Op()); err != nil {
		return err
	} else if !ok {
		if acc, err = allreduceDense(ctx, c, acc, r); err != nil {
			return err
		}
	}
	return parallel.Static(ctx, c.Threads(), width, func(_, key int) error {
		if acc.Set[key] {
			dst.Merge(key, acc.Vals[key], r)
		}
		return nil
	})
}

// MapReduceRange reduces the values emitted by mapper over the
// elements of rng into a dense array of nkeys values, which is
// returned on every rank. The array is initialized to init, which
// should be the identity of r. The reducer must have a native
// operator (Sum, Prod, Min or Max); otherwise MapReduceRange returns
// an error of kind errors.Invalid without communicating.
func MapReduceRange[T constraints.Integer, V Number](
	ctx context.Context,
	rng *DistRange[T],
	mapper func(t T, emit func(int, V)),
	r Reducer[V],
	nkeys int,
	init V,
) ([]V, error) {
	if r.Op() == comm.OpNone {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("reducer %s has no native operator", r))
	}
	out := make([]V, nkeys)
	for i := range out {
		out[i] = init
	}
	err := MapReduceDense[T, T, V](ctx, rng, func(t, _ T, emit func(int, V)) {
		mapper(t, emit)
	}, r, Slice(out))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// A dense accumulator. Set marks the keys that hold a value.
type dense[V any] struct {
	Vals []V
	Set  []bool
}

func newDense[V any](width int) dense[V] {
	return dense[V]{Vals: make([]V, width), Set: make([]bool, width)}
}

func (d *dense[V]) add(key int, val V, r Reducer[V]) {
	if d.Set[key] {
		d.Vals[key] = r.fn(d.Vals[key], val)
	} else {
		d.Vals[key] = val
		d.Set[key] = true
	}
}

func (d *dense[V]) merge(e dense[V], r Reducer[V]) {
	for key, ok := range e.Set {
		if ok {
			d.add(key, e.Vals[key], r)
		}
	}
}

// mergeThreads merges per-thread accumulators along a binary tree:
// at step s, accumulator i absorbs accumulator i+s for every i that
// is a multiple of 2s. Accumulators of threads that emitted nothing
// are nil.
func mergeThreads[V any](accs []dense[V], r Reducer[V]) dense[V] {
	for step := 1; step < len(accs); step <<= 1 {
		npairs := (len(accs) - step + 2*step - 1) / (2 * step)
		_ = parallel.Region(npairs, func(j int) error {
			i := j * 2 * step
			if i+step >= len(accs) || accs[i+step].Vals == nil {
				return nil
			}
			if accs[i].Vals == nil {
				accs[i], accs[i+step] = accs[i+step], dense[V]{}
				return nil
			}
			accs[i].merge(accs[i+step], r)
			accs[i+step] = dense[V]{}
			return nil
		})
	}
	return accs[0]
}

// allreduceDense reduces accumulators across ranks with r: they are
// merged pairwise along a hypercube into rank 0, and the result is
// broadcast.
func allreduceDense[V any](ctx context.Context, c *Cluster, acc dense[V], r Reducer[V]) (dense[V], error) {
	if c.Size() == 1 {
		return acc, nil
	}
	p, err := codec.Encode(acc)
	if err != nil {
		return dense[V]{}, err
	}
	p, err = c.comm.Allreduce(ctx, p, func(a, b []byte) ([]byte, error) {
		var x, y dense[V]
		if err := codec.Decode(a, &x); err != nil {
			return nil, err
		}
		if err := codec.Decode(b, &y); err != nil {
			return nil, err
		}
		if len(x.Set) != len(y.Set) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("dense widths differ: %d != %d", len(x.Set), len(y.Set)))
		}
		x.merge(y, r)
		return codec.Encode(x)
	})
	if err != nil {
		return dense[V]{}, err
	}
	var out dense[V]
	if err := codec.Decode(p, &out); err != nil {
		return dense[V]{}, err
	}
	if len(out.Set) != len(acc.Set) {
		return dense[V]{}, errors.E(errors.Invalid, fmt.Sprintf("dense widths differ: %d != %d", len(out.Set), len(acc.Set)))
	}
	return out, nil
}

// allreduceNative reduces acc across ranks with the native operator
// op, if op is valid and acc holds a builtin numeric type. It reports
// whether the reduction was performed.
func allreduceNative[V any](ctx context.Context, c *Cluster, acc dense[V], op comm.Op) (bool, error) {
	if op == comm.OpNone {
		return false, nil
	}
	var err error
	switch vals := any(acc.Vals).(type) {
	case []int:
		err = allreduceFill(ctx, c, vals, acc.Set, op)
	case []int8:
		err = allreduceFill(ctx, c, vals, acc.Set, op)
	case []int16:
		err = allreduceFill(ctx, c, vals, acc.Set, op)
	case []int32:
		err = allreduceFill(ctx, c, vals, acc.Set, op)
	case []int64:
		err = allreduceFill(ctx, c, vals, acc.Set, op)
	case []uint:
		err = allreduceFill(ctx, c, vals, acc.Set, op)
	case []uint8:
		err = allreduceFill(ctx, c, vals, acc.Set, op)
	case []uint16:
		err = allreduceFill(ctx, c, vals, acc.Set, op)
	case []uint32:
		err = allreduceFill(ctx, c, vals, acc.Set, op)
	case []uint64:
		err = allreduceFill(ctx, c, vals, acc.Set, op)
	case []float32:
		err = allreduceFill(ctx, c, vals, acc.Set, op)
	case []float64:
		err = allreduceFill(ctx, c, vals, acc.Set, op)
	default:
		return false, nil
	}
	return true, err
}

// allreduceFill fills keys that hold no value with the identity of op
// and then all-reduces vals. Afterwards every key holds a value.
func allreduceFill[V Number](ctx context.Context, c *Cluster, vals []V, set []bool, op comm.Op) error {
	id := identity[V](op)
	for key, ok := range set {
		if !ok {
			vals[key] = id
			set[key] = true
		}
	}
	return comm.Allreduce(ctx, c.comm, vals, op)
}

func sum(counts []int64) int64 {
	var n int64
	for _, c := range counts {
		n += c
	}
	return n
}
