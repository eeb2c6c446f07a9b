// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package concurrent

import (
	"sync"

	"github.com/grailbio/bigreduce/internal/keyhash"
	"github.com/grailbio/bigreduce/parallel"
)

type mapSegment[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

// A Map is a hash map striped over segments by key hash.
type Map[K comparable, V any] struct {
	mask    uint32
	threads int
	segs    []mapSegment[K, V]
	spill   []map[K]V
}

// NewMap returns an empty map to be used by the given number of
// threads.
func NewMap[K comparable, V any](threads int) *Map[K, V] {
	if threads <= 0 {
		threads = 1
	}
	nseg, _ := segmentCount(threads)
	m := &Map[K, V]{
		mask:    uint32(nseg - 1),
		threads: threads,
		segs:    make([]mapSegment[K, V], nseg),
		spill:   make([]map[K]V, threads),
	}
	for i := range m.segs {
		m.segs[i].m = make(map[K]V)
	}
	return m
}

func (m *Map[K, V]) segment(key K) *mapSegment[K, V] {
	return &m.segs[keyhash.Hash(key, keyhash.SegmentSeed)&m.mask]
}

// Reserve hints that the map will hold about n keys.
func (m *Map[K, V]) Reserve(n int) {
	per := n/len(m.segs) + 1
	for i := range m.segs {
		seg := &m.segs[i]
		if len(seg.m) > 0 {
			continue
		}
		seg.m = make(map[K]V, per)
	}
}

// Set combines val into the value for key, inserting it if the key is
// absent.
func (m *Map[K, V]) Set(key K, val V, combine Combine[V]) {
	seg := m.segment(key)
	seg.mu.Lock()
	seg.put(key, val, combine)
	seg.mu.Unlock()
}

func (s *mapSegment[K, V]) put(key K, val V, combine Combine[V]) {
	if old, ok := s.m[key]; ok {
		s.m[key] = combine(old, val)
	} else {
		s.m[key] = val
	}
}

// AsyncSet is like Set, but spills the update into thread tid's spill
// buffer if the key's segment is busy. It reports whether the update
// was spilled.
func (m *Map[K, V]) AsyncSet(tid int, key K, val V, combine Combine[V]) (spilled bool) {
	seg := m.segment(key)
	if seg.mu.TryLock() {
		seg.put(key, val, combine)
		seg.mu.Unlock()
		return false
	}
	checkTid(tid, m.threads)
	sp := m.spill[tid]
	if sp == nil {
		sp = make(map[K]V)
		m.spill[tid] = sp
	}
	if old, ok := sp[key]; ok {
		sp[key] = combine(old, val)
	} else {
		sp[key] = val
	}
	return true
}

// Sync applies and clears every thread's spill buffer, returning the
// number of spilled entries applied.
func (m *Map[K, V]) Sync(combine Combine[V]) int {
	counts := make([]int, len(m.spill))
	_ = parallel.Region(len(m.spill), func(tid int) error {
		for key, val := range m.spill[tid] {
			m.Set(key, val, combine)
		}
		counts[tid] = len(m.spill[tid])
		m.spill[tid] = nil
		return nil
	})
	var n int
	for _, c := range counts {
		n += c
	}
	return n
}

// Get returns the value for key, and whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	seg := m.segment(key)
	seg.mu.Lock()
	val, ok := seg.m[key]
	seg.mu.Unlock()
	return val, ok
}

// Len returns the number of keys in the map, excluding updates still
// held in spill buffers.
func (m *Map[K, V]) Len() int {
	var n int
	for i := range m.segs {
		seg := &m.segs[i]
		seg.mu.Lock()
		n += len(seg.m)
		seg.mu.Unlock()
	}
	return n
}

// ForEach calls fn for each entry in parallel, one thread per
// contiguous run of segments.
func (m *Map[K, V]) ForEach(fn func(tid int, key K, val V) error) error {
	p := m.threads
	if p > len(m.segs) {
		p = len(m.segs)
	}
	return parallel.Region(p, func(tid int) error {
		for s := tid * len(m.segs) / p; s < (tid+1)*len(m.segs)/p; s++ {
			for key, val := range m.segs[s].m {
				if err := fn(tid, key, val); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ForEachSerial calls fn for each entry from the calling goroutine.
// Iteration order is unspecified.
func (m *Map[K, V]) ForEachSerial(fn func(key K, val V) error) error {
	for i := range m.segs {
		for key, val := range m.segs[i].m {
			if err := fn(key, val); err != nil {
				return err
			}
		}
	}
	return nil
}

// Drain removes every entry from the map, presenting each to fn.
// Spill buffers are not consulted; callers should Sync first.
func (m *Map[K, V]) Drain(fn func(key K, val V)) {
	for i := range m.segs {
		seg := &m.segs[i]
		seg.mu.Lock()
		for key, val := range seg.m {
			fn(key, val)
		}
		seg.m = make(map[K]V)
		seg.mu.Unlock()
	}
}
