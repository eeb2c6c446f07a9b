// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigreduce

import (
	"context"
	"fmt"

	"github.com/grailbio/bigreduce/comm"
	"github.com/grailbio/bigreduce/parallel"
	"github.com/grailbio/bigreduce/stats"
)

// A Cluster is a rank's view of the group of ranks that run a
// program. It is passed to every collection and collective
// operation.
type Cluster struct {
	comm    *comm.Comm
	threads int
	stats   *stats.Map
}

// NewCluster returns a cluster for the rank served by transport t.
// Parallel regions on this rank use the provided number of threads;
// if threads is not positive, parallel.Threads() is used. Counters
// are maintained in the provided stats map, which may be nil.
func NewCluster(t comm.Transport, threads int, m *stats.Map) *Cluster {
	if threads <= 0 {
		threads = parallel.Threads()
	}
	if m == nil {
		m = stats.NewMap()
	}
	return &Cluster{
		comm:    comm.New(t, m),
		threads: threads,
		stats:   m,
	}
}

// Rank returns the caller's rank, in [0, Size()).
func (c *Cluster) Rank() int { return c.comm.Rank() }

// Size returns the number of ranks in the cluster.
func (c *Cluster) Size() int { return c.comm.Size() }

// Threads returns the number of threads used by parallel regions.
func (c *Cluster) Threads() int { return c.threads }

// Comm returns the cluster's communicator.
func (c *Cluster) Comm() *comm.Comm { return c.comm }

// Stats returns the cluster's counters.
func (c *Cluster) Stats() *stats.Map { return c.stats }

// Barrier returns once every rank has entered it.
func (c *Cluster) Barrier(ctx context.Context) error {
	return c.comm.Barrier(ctx)
}

// Agree is a collective operation that returns a non-nil error on
// every rank if err is non-nil on any rank. Ranks use Agree to fail
// together before entering an exchange that a failed peer would
// never join.
func (c *Cluster) Agree(ctx context.Context, err error) error {
	return c.comm.Agree(ctx, err)
}

func (c *Cluster) String() string {
	return fmt.Sprintf("rank %d/%d", c.Rank(), c.Size())
}
