// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package concurrent

import (
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigreduce/parallel"
	"golang.org/x/exp/slices"
)

type vectorSegment[V any] struct {
	mu   sync.Mutex
	data []V
}

// A Vector is a dense array of values indexed by [0, Len()). Keys
// are assigned to segments by interleaving: key k lives in segment
// k&(S-1) at offset k>>log2(S), so that sequential access patterns
// spread across locks.
type Vector[V any] struct {
	n       int
	shift   uint
	mask    int
	threads int
	segs    []vectorSegment[V]
	spill   []map[int]V
}

// NewVector returns an empty vector to be used by the given number
// of threads.
func NewVector[V any](threads int) *Vector[V] {
	if threads <= 0 {
		threads = 1
	}
	nseg, shift := segmentCount(threads)
	return &Vector[V]{
		shift:   shift,
		mask:    nseg - 1,
		threads: threads,
		segs:    make([]vectorSegment[V], nseg),
		spill:   make([]map[int]V, threads),
	}
}

// Threads returns the number of thread ids the vector accepts.
func (v *Vector[V]) Threads() int { return v.threads }

// Len returns the number of live keys in the vector.
func (v *Vector[V]) Len() int { return v.n }

// Resize sets the vector's size to n. Keys that are newly brought
// into range are set to init; existing keys retain their values.
// Resize must not be called concurrently with other operations.
func (v *Vector[V]) Resize(n int, init V) {
	per := (n + v.mask) >> v.shift
	for i := range v.segs {
		seg := &v.segs[i]
		old := len(seg.data)
		switch {
		case per < old:
			seg.data = seg.data[:per]
		case per > old:
			seg.data = append(seg.data, make([]V, per-old)...)
		}
	}
	// Keys between the old and new sizes may lie in over-allocated
	// slots of any segment, so these are initialized by key.
	for k := v.n; k < n; k++ {
		v.segs[k&v.mask].data[k>>v.shift] = init
	}
	v.n = n
}

func (v *Vector[V]) segment(key int) *vectorSegment[V] {
	if key < 0 || key >= v.n {
		log.Panicf("concurrent.Vector: key %d out of range [0, %d)", key, v.n)
	}
	return &v.segs[key&v.mask]
}

// Get returns the value stored at key. Updates still held in spill
// buffers are not reflected until Sync.
func (v *Vector[V]) Get(key int) V {
	seg := v.segment(key)
	seg.mu.Lock()
	val := seg.data[key>>v.shift]
	seg.mu.Unlock()
	return val
}

// Set combines val into the value stored at key, blocking until the
// key's segment is available.
func (v *Vector[V]) Set(key int, val V, combine Combine[V]) {
	seg := v.segment(key)
	seg.mu.Lock()
	p := &seg.data[key>>v.shift]
	*p = combine(*p, val)
	seg.mu.Unlock()
}

// AsyncSet combines val into the value stored at key if the key's
// segment is immediately available. Otherwise the update is combined
// into the spill buffer of thread tid, to be applied by the next
// Sync. AsyncSet reports whether the update was spilled.
func (v *Vector[V]) AsyncSet(tid, key int, val V, combine Combine[V]) (spilled bool) {
	seg := v.segment(key)
	if seg.mu.TryLock() {
		p := &seg.data[key>>v.shift]
		*p = combine(*p, val)
		seg.mu.Unlock()
		return false
	}
	checkTid(tid, v.threads)
	m := v.spill[tid]
	if m == nil {
		m = make(map[int]V)
		v.spill[tid] = m
	}
	if old, ok := m[key]; ok {
		m[key] = combine(old, val)
	} else {
		m[key] = val
	}
	return true
}

// Sync applies and clears every thread's spill buffer. It returns the
// number of spilled entries that were applied. Sync must not be
// called concurrently with AsyncSet.
func (v *Vector[V]) Sync(combine Combine[V]) int {
	counts := make([]int, len(v.spill))
	_ = parallel.Region(len(v.spill), func(tid int) error {
		for key, val := range v.spill[tid] {
			v.Set(key, val, combine)
		}
		counts[tid] = len(v.spill[tid])
		v.spill[tid] = nil
		return nil
	})
	var n int
	for _, c := range counts {
		n += c
	}
	return n
}

// ForEach calls fn for every live key in parallel. Each thread is
// assigned a contiguous run of segments; fn receives the thread id
// of its caller. ForEach should be called only after Sync.
func (v *Vector[V]) ForEach(fn func(tid, key int, val V) error) error {
	p := v.threads
	if p > len(v.segs) {
		p = len(v.segs)
	}
	return parallel.Region(p, func(tid int) error {
		for s := tid * len(v.segs) / p; s < (tid+1)*len(v.segs)/p; s++ {
			for off, val := range v.segs[s].data {
				key := off<<v.shift | s
				if key >= v.n {
					break
				}
				if err := fn(tid, key, val); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Update calls fn with a pointer to every live value, in parallel.
func (v *Vector[V]) Update(fn func(key int, val *V)) {
	p := v.threads
	if p > len(v.segs) {
		p = len(v.segs)
	}
	_ = parallel.Region(p, func(tid int) error {
		for s := tid * len(v.segs) / p; s < (tid+1)*len(v.segs)/p; s++ {
			data := v.segs[s].data
			for off := range data {
				key := off<<v.shift | s
				if key >= v.n {
					break
				}
				fn(key, &data[off])
			}
		}
		return nil
	})
}

// ForEachSerial calls fn for every live key, in key order.
func (v *Vector[V]) ForEachSerial(fn func(key int, val V) error) error {
	for key := 0; key < v.n; key++ {
		if err := fn(key, v.segs[key&v.mask].data[key>>v.shift]); err != nil {
			return err
		}
	}
	return nil
}

// TopK returns the (at most) k values that sort first under less, in
// sorted order. Values that compare equal are ordered by key.
func (v *Vector[V]) TopK(k int, less func(a, b V) bool) []V {
	vals := make([]V, 0, v.n)
	_ = v.ForEachSerial(func(_ int, val V) error {
		vals = append(vals, val)
		return nil
	})
	return TopK(vals, k, less)
}

// TopK returns the (at most) k elements of vals that sort first
// under less, in sorted order. Ties are broken by position in vals.
// TopK does not modify vals.
func TopK[V any](vals []V, k int, less func(a, b V) bool) []V {
	if k > len(vals) {
		k = len(vals)
	}
	if k <= 0 {
		return nil
	}
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}
	before := func(i, j int) bool {
		switch {
		case less(vals[i], vals[j]):
			return true
		case less(vals[j], vals[i]):
			return false
		}
		return i < j
	}
	if k < len(idx) {
		selectFirst(idx, k, before)
	}
	idx = idx[:k]
	slices.SortFunc(idx, func(i, j int) int {
		switch {
		case before(i, j):
			return -1
		case before(j, i):
			return 1
		}
		return 0
	})
	top := make([]V, k)
	for i, j := range idx {
		top[i] = vals[j]
	}
	return top
}

// selectFirst reorders idx so that idx[:k] holds the k first
// elements under the strict total order before, in unspecified
// order. It requires 0 < k < len(idx).
func selectFirst(idx []int, k int, before func(i, j int) bool) {
	lo, hi := 0, len(idx)-1
	for lo < hi {
		p := partition(idx, lo, hi, before)
		switch {
		case p == k:
			return
		case p < k:
			lo = p + 1
		default:
			hi = p - 1
		}
	}
}

func partition(idx []int, lo, hi int, before func(i, j int) bool) int {
	// Median-of-three pivot, placed at hi.
	mid := lo + (hi-lo)/2
	if before(idx[mid], idx[lo]) {
		idx[mid], idx[lo] = idx[lo], idx[mid]
	}
	if before(idx[hi], idx[lo]) {
		idx[hi], idx[lo] = idx[lo], idx[hi]
	}
	if before(idx[mid], idx[hi]) {
		idx[mid], idx[hi] = idx[hi], idx[mid]
	}
	pivot, i := idx[hi], lo
	for j := lo; j < hi; j++ {
		if before(idx[j], pivot) {
			idx[i], idx[j] = idx[j], idx[i]
			i++
		}
	}
	idx[i], idx[hi] = idx[hi], idx[i]
	return i
}
