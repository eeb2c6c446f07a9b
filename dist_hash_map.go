// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigreduce

import (
	"context"

	"github.com/grailbio/bigreduce/comm"
	"github.com/grailbio/bigreduce/internal/concurrent"
	"github.com/grailbio/bigreduce/internal/keyhash"
	"github.com/grailbio/bigreduce/stats"
)

// A DistHashMap is a hash map partitioned across the ranks of a
// cluster: key k is owned by rank murmur3(k) mod size. Within a rank,
// keys are striped across segments by an independently seeded hash.
type DistHashMap[K comparable, V any] struct {
	c      *Cluster
	local  *concurrent.Map[K, V]
	remote staging[K, V]
}

// NewDistHashMap returns an empty distributed hash map. It is called
// by every rank.
func NewDistHashMap[K comparable, V any](c *Cluster) *DistHashMap[K, V] {
	return &DistHashMap[K, V]{
		c:      c,
		local:  concurrent.NewMap[K, V](c.Threads()),
		remote: newStaging[K, V](c),
	}
}

// Cluster returns the map's cluster.
func (m *DistHashMap[K, V]) Cluster() *Cluster { return m.c }

// Owner returns the rank that owns key.
func (m *DistHashMap[K, V]) Owner(key K) int {
	return int(keyhash.Hash(key, keyhash.OwnerSeed) % uint32(m.c.Size()))
}

// IsLocal tells whether key is owned by the calling rank.
func (m *DistHashMap[K, V]) IsLocal(key K) bool { return m.Owner(key) == m.c.Rank() }

// Reserve hints that the calling rank will own about n keys.
func (m *DistHashMap[K, V]) Reserve(n int) { m.local.Reserve(n) }

// AsyncSet combines val into key's value with reducer r, inserting
// the key if it is absent. Updates to keys owned by other ranks are
// staged until the next Sync.
func (m *DistHashMap[K, V]) AsyncSet(tid int, key K, val V, r Reducer[V]) {
	if owner := m.Owner(key); owner == m.c.Rank() {
		m.local.AsyncSet(tid, key, val, r.fn)
	} else {
		m.remote[owner].AsyncSet(tid, key, val, r.fn)
	}
}

// Sync is a collective operation that commits every update issued by
// any rank since the previous Sync, combining with r.
func (m *DistHashMap[K, V]) Sync(ctx context.Context, r Reducer[V]) error {
	err := m.remote.shuffle(ctx, m.c, r, func(tid int, key K, val V) {
		m.local.AsyncSet(tid, key, val, r.fn)
	})
	if err != nil {
		return err
	}
	if n := m.local.Sync(r.fn); n > 0 {
		m.c.stats.Int(stats.Spills).Add(int64(n))
	}
	return nil
}

// Get returns the value of a key owned by the calling rank, and
// whether it is present.
func (m *DistHashMap[K, V]) Get(key K) (V, bool) {
	return m.local.Get(key)
}

// Len returns the number of keys owned by the calling rank.
func (m *DistHashMap[K, V]) Len() int { return m.local.Len() }

// Size is a collective operation that returns the total number of
// keys in the map.
func (m *DistHashMap[K, V]) Size(ctx context.Context) (int, error) {
	n := []int{m.local.Len()}
	if err := comm.Allreduce(ctx, m.c.comm, n, comm.OpSum); err != nil {
		return 0, err
	}
	return n[0], nil
}

// ForEach calls fn for each key owned by the calling rank, in
// parallel.
func (m *DistHashMap[K, V]) ForEach(ctx context.Context, fn func(tid int, key K, val V) error) error {
	return m.local.ForEach(func(tid int, key K, val V) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(tid, key, val)
	})
}

// Iterate implements Iterable.
func (m *DistHashMap[K, V]) Iterate(ctx context.Context, fn func(tid int, key K, val V) error) error {
	return m.ForEach(ctx, fn)
}

// ForEachSerial calls fn for each key owned by the calling rank from
// the calling goroutine, in unspecified order.
func (m *DistHashMap[K, V]) ForEachSerial(fn func(key K, val V) error) error {
	return m.local.ForEachSerial(fn)
}
