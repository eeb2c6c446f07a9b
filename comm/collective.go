// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
	"golang.org/x/sync/errgroup"
)

// Broadcast distributes root's payload p to every rank along a
// binomial tree, returning it on every rank. The value of p is
// ignored on ranks other than root.
func (c *Comm) Broadcast(ctx context.Context, p []byte, root int) ([]byte, error) {
	c.colls.Add(1)
	if c.size == 1 {
		return p, nil
	}
	vr := (c.rank - root + c.size) % c.size
	mask := 1
	for mask < c.size {
		if vr&mask != 0 {
			src := (vr - mask + root) % c.size
			var err error
			if p, err = c.Reader(src, tagBroadcast).Read(ctx); err != nil {
				return nil, err
			}
			break
		}
		mask <<= 1
	}
	for mask >>= 1; mask > 0; mask >>= 1 {
		if vr+mask < c.size {
			dst := (vr + mask + root) % c.size
			if err := c.Writer(dst, tagBroadcast).Write(ctx, p); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// Allgather collects every rank's payload on every rank: the
// returned slice holds rank i's payload at index i. Payloads may
// differ in size. Sizes are gathered first; payloads are then
// gathered in chunks of at most ChunkSize bytes until the largest
// payload is complete.
func (c *Comm) Allgather(ctx context.Context, p []byte) ([][]byte, error) {
	c.colls.Add(1)
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(p)))
	hdrs, err := c.ring(ctx, tagAllgather, hdr[:])
	if err != nil {
		return nil, err
	}
	out := make([][]byte, c.size)
	var max int
	for i, h := range hdrs {
		if len(h) != 8 {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("comm: bad size from rank %d", i))
		}
		n := int(binary.LittleEndian.Uint64(h))
		out[i] = make([]byte, 0, n)
		if n > max {
			max = n
		}
	}
	for off := 0; off < max; off += ChunkSize {
		lo, hi := off, off+ChunkSize
		if lo > len(p) {
			lo = len(p)
		}
		if hi > len(p) {
			hi = len(p)
		}
		blocks, err := c.ring(ctx, tagAllgather, p[lo:hi])
		if err != nil {
			return nil, err
		}
		for i, b := range blocks {
			out[i] = append(out[i], b...)
		}
	}
	return out, nil
}

// Ring performs a ring all-gather of one block per rank, in
// size-1 steps. At step s each rank forwards the block originating
// at rank-s to its right neighbor while receiving the block
// originating at rank-s-1 from its left neighbor.
func (c *Comm) ring(ctx context.Context, tag Tag, block []byte) ([][]byte, error) {
	blocks := make([][]byte, c.size)
	blocks[c.rank] = block
	right, left := (c.rank+1)%c.size, (c.rank-1+c.size)%c.size
	for s := 0; s < c.size-1; s++ {
		send := blocks[(c.rank-s+c.size)%c.size]
		var p []byte
		err := sendRecv(ctx,
			func(ctx context.Context) error { return c.send(ctx, right, tag, send) },
			func(ctx context.Context) (err error) {
				p, err = c.recv(ctx, left, tag)
				return
			})
		if err != nil {
			return nil, err
		}
		blocks[(c.rank-s-1+c.size)%c.size] = p
	}
	return blocks, nil
}

// Barrier returns once every rank has entered it.
func (c *Comm) Barrier(ctx context.Context) error {
	c.colls.Add(1)
	_, err := c.ring(ctx, tagBarrier, nil)
	return err
}

// Agree reports a collective outcome: every rank contributes its
// local error (or nil), and Agree returns a non-nil error on every
// rank if any rank failed. A rank's own error takes precedence;
// otherwise the lowest failing rank's error is reported. Agree lets
// ranks abandon a collective operation together instead of leaving
// peers blocked in it.
func (c *Comm) Agree(ctx context.Context, err error) error {
	c.colls.Add(1)
	var msg []byte
	if err != nil {
		msg = []byte(err.Error())
		if len(msg) == 0 {
			msg = []byte("unknown error")
		}
	}
	msgs, gerr := c.ring(ctx, tagAgree, msg)
	if gerr != nil {
		return gerr
	}
	if err != nil {
		return err
	}
	for rank, m := range msgs {
		if len(m) > 0 {
			return errors.E(fmt.Sprintf("rank %d: %s", rank, m))
		}
	}
	return nil
}

// SendRecv runs send and recv concurrently. If either fails, the
// other is canceled.
func sendRecv(ctx context.Context, send, recv func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return send(ctx) })
	g.Go(func() error { return recv(ctx) })
	return g.Wait()
}
