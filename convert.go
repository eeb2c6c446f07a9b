// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigreduce

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigreduce/codec"
)

// Distribute returns a DistVector holding the values of vals, which
// must be identical on every rank. Each rank stores only the keys it
// owns; no communication is needed.
func Distribute[V any](c *Cluster, vals []V) *DistVector[V] {
	var zero V
	v := NewDistVector[V](c, len(vals), zero)
	v.Update(func(key int, val *V) { *val = vals[key] })
	return v
}

// Collect is a collective operation that returns the full contents of
// v on every rank.
func Collect[V any](ctx context.Context, v *DistVector[V]) ([]V, error) {
	local := make([]V, 0, v.local.Len())
	_ = v.local.ForEachSerial(func(_ int, val V) error {
		local = append(local, val)
		return nil
	})
	shards, err := Gather(ctx, v.c, local)
	if err != nil {
		return nil, err
	}
	size := v.c.Size()
	out := make([]V, v.n)
	for key := range out {
		shard := shards[key%size]
		if key/size >= len(shard) {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("rank %d is missing key %d", key%size, key))
		}
		out[key] = shard[key/size]
	}
	return out, nil
}

// DistributeMap returns a DistHashMap holding the entries of m, which
// must be identical on every rank. Each rank stores only the keys it
// owns.
func DistributeMap[K comparable, V any](c *Cluster, m map[K]V) *DistHashMap[K, V] {
	d := NewDistHashMap[K, V](c)
	overwrite := Overwrite[V]()
	for key, val := range m {
		if d.IsLocal(key) {
			d.local.Set(key, val, overwrite.fn)
		}
	}
	return d
}

// CollectMap is a collective operation that returns the full
// contents of m on every rank.
func CollectMap[K comparable, V any](ctx context.Context, m *DistHashMap[K, V]) (map[K]V, error) {
	var local batch[K, V]
	_ = m.local.ForEachSerial(func(key K, val V) error {
		local.Keys = append(local.Keys, key)
		local.Vals = append(local.Vals, val)
		return nil
	})
	p, err := codec.Encode(local)
	if err != nil {
		return nil, err
	}
	ps, err := m.c.comm.Allgather(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make(map[K]V)
	for rank, p := range ps {
		var b batch[K, V]
		if err := codec.Decode(p, &b); err != nil {
			return nil, errors.E(err, fmt.Sprintf("collect: decode entries from rank %d", rank))
		}
		for i, key := range b.Keys {
			out[key] = b.Vals[i]
		}
	}
	return out, nil
}
