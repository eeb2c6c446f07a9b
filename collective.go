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

// Gather is a collective operation that returns, on every rank, the
// values provided by all ranks, indexed by rank.
func Gather[V any](ctx context.Context, c *Cluster, v V) ([]V, error) {
	p, err := codec.Encode(v)
	if err != nil {
		return nil, err
	}
	ps, err := c.comm.Allgather(ctx, p)
	if err != nil {
		return nil, err
	}
	vs := make([]V, len(ps))
	for i := range ps {
		if err := codec.Decode(ps[i], &vs[i]); err != nil {
			return nil, errors.E(err, fmt.Sprintf("gather: decode value from rank %d", i))
		}
	}
	return vs, nil
}

// Broadcast is a collective operation that sets *v on every rank to
// the value of *v on the root rank.
func Broadcast[V any](ctx context.Context, c *Cluster, v *V, root int) error {
	var p []byte
	if c.Rank() == root {
		var err error
		if p, err = codec.Encode(*v); err != nil {
			return err
		}
	}
	p, err := c.comm.Broadcast(ctx, p, root)
	if err != nil {
		return err
	}
	if c.Rank() == root {
		return nil
	}
	var w V
	if err := codec.Decode(p, &w); err != nil {
		return errors.E(err, "broadcast: decode")
	}
	*v = w
	return nil
}
