// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Exchange performs an all-to-all exchange of payloads: out[i] is
// shipped to rank i, and the returned slice holds, at index j, the
// payload that rank j addressed to the caller. The caller's own
// entry is passed through without copying.
//
// Rank 0 draws a random permutation of the ranks and broadcasts it,
// so that all ranks agree on a schedule. In round i (1 <= i < size),
// the rank at position pos in the permutation sends to the rank at
// position pos+i and receives from the rank at position pos-i. Each
// round pairs every rank with a distinct partner, which spreads
// traffic over the network rather than concentrating it on a few
// ranks at a time.
func (c *Comm) Exchange(ctx context.Context, out [][]byte) ([][]byte, error) {
	c.colls.Add(1)
	if len(out) != c.size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("comm.Exchange: %d payloads for %d ranks", len(out), c.size))
	}
	in := make([][]byte, c.size)
	in[c.rank] = out[c.rank]
	if c.size == 1 {
		return in, nil
	}
	perm, err := c.schedule(ctx)
	if err != nil {
		return nil, err
	}
	pos := -1
	for i, r := range perm {
		if r == c.rank {
			pos = i
		}
	}
	if pos < 0 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("comm.Exchange: rank %d missing from schedule", c.rank))
	}
	var nout, nin int
	for i := 1; i < c.size; i++ {
		dst := perm[(pos+i)%c.size]
		src := perm[(pos-i+c.size)%c.size]
		err := sendRecv(ctx,
			func(ctx context.Context) error {
				return c.Writer(dst, tagExchange).Write(ctx, out[dst])
			},
			func(ctx context.Context) (err error) {
				in[src], err = c.Reader(src, tagExchange).Read(ctx)
				return
			})
		if err != nil {
			return nil, err
		}
		nout += len(out[dst])
		nin += len(in[src])
	}
	log.Debug.Printf("%s: exchange: sent %s, received %s", c, data.Size(nout), data.Size(nin))
	return in, nil
}

// Schedule returns the permutation of ranks drawn by rank 0.
func (c *Comm) schedule(ctx context.Context) ([]int, error) {
	var p []byte
	if c.rank == 0 {
		perm := rand.Perm(c.size)
		p = make([]byte, 4*c.size)
		for i, r := range perm {
			binary.LittleEndian.PutUint32(p[4*i:], uint32(r))
		}
	}
	p, err := c.Broadcast(ctx, p, 0)
	if err != nil {
		return nil, err
	}
	if len(p) != 4*c.size {
		return nil, errors.E(errors.Integrity, "comm.Exchange: malformed schedule")
	}
	perm := make([]int, c.size)
	for i := range perm {
		perm[i] = int(binary.LittleEndian.Uint32(p[4*i:]))
	}
	return perm, nil
}
