// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigreduce

import (
	"context"
	"fmt"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigreduce/codec"
	"github.com/grailbio/bigreduce/internal/concurrent"
	"github.com/grailbio/bigreduce/parallel"
	"github.com/grailbio/bigreduce/stats"
)

// A batch is a set of updates addressed to a single rank.
type batch[K comparable, V any] struct {
	Keys []K
	Vals []V
}

// Staging holds, for each peer rank, the updates addressed to it
// since the last sync, keyed by the peer's local key. The entry for
// the caller's own rank is nil.
type staging[K comparable, V any] []*concurrent.Map[K, V]

func newStaging[K comparable, V any](c *Cluster) staging[K, V] {
	s := make(staging[K, V], c.Size())
	for rank := range s {
		if rank != c.Rank() {
			s[rank] = concurrent.NewMap[K, V](c.Threads())
		}
	}
	return s
}

// Shuffle drains the staged updates, ships them to their owners with
// a randomized pairwise exchange, and applies the updates received
// from peers with apply. Each call to apply is made by thread tid.
func (s staging[K, V]) shuffle(ctx context.Context, c *Cluster, r Reducer[V], apply func(tid int, key K, val V)) error {
	out := make([][]byte, c.Size())
	var staged int
	for rank, m := range s {
		if m == nil {
			continue
		}
		if n := m.Sync(r.fn); n > 0 {
			c.stats.Int(stats.Spills).Add(int64(n))
		}
		var b batch[K, V]
		m.Drain(func(key K, val V) {
			b.Keys = append(b.Keys, key)
			b.Vals = append(b.Vals, val)
		})
		if len(b.Keys) == 0 {
			continue
		}
		staged += len(b.Keys)
		p, err := codec.Encode(b)
		if err != nil {
			return errors.E(err, fmt.Sprintf("encode updates for rank %d", rank))
		}
		out[rank] = p
	}
	in, err := c.comm.Exchange(ctx, out)
	if err != nil {
		return err
	}
	var received, nbytes int
	for rank, p := range in {
		if rank == c.Rank() || len(p) == 0 {
			continue
		}
		nbytes += len(p)
		var b batch[K, V]
		if err := codec.Decode(p, &b); err != nil {
			return errors.E(err, fmt.Sprintf("decode updates from rank %d", rank))
		}
		if len(b.Keys) != len(b.Vals) {
			return errors.E(errors.Integrity, fmt.Sprintf("rank %d sent %d keys and %d values", rank, len(b.Keys), len(b.Vals)))
		}
		received += len(b.Keys)
		err := parallel.Static(ctx, c.Threads(), len(b.Keys), func(tid, i int) error {
			apply(tid, b.Keys[i], b.Vals[i])
			return nil
		})
		if err != nil {
			return err
		}
	}
	c.stats.Int(stats.Syncs).Add(1)
	log.Debug.Printf("%s: sync: shipped %d updates, received %d updates (%s)", c, staged, received, data.Size(nbytes))
	return nil
}
