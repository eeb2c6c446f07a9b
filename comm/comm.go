// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm implements collective communication among a fixed
// group of ranks. A Transport provides point-to-point messaging;
// Comm layers chunked streams and collectives (broadcast,
// all-gather, a randomized pairwise exchange, tree reduction and
// all-reduce) on top of it.
//
// Collectives must be invoked by every rank of the group, in the
// same order, from one goroutine per rank.
package comm

import (
	"context"
	"fmt"

	"github.com/grailbio/bigreduce/stats"
)

// A Tag distinguishes independent message streams between the same
// pair of ranks. Messages with the same source and tag are received
// in the order they were sent.
type Tag uint8

const (
	tagBarrier Tag = iota
	tagBroadcast
	tagAllgather
	tagExchange
	tagReduce
	tagAgree

	// TagUser is the first tag available to users of Comm.Writer and
	// Comm.Reader.
	TagUser Tag = 32
)

// Transport is the point-to-point messaging layer over a fixed set of
// ranks, numbered [0, Size()).
type Transport interface {
	// Rank returns the rank of the caller.
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int
	// Send delivers p to rank dst under the provided tag. Send is
	// synchronous: it returns once the destination has received the
	// message. The caller must not modify p until Send returns.
	Send(ctx context.Context, dst int, tag Tag, p []byte) error
	// Recv returns the next message sent by rank src under the
	// provided tag. The returned slice must not be modified.
	Recv(ctx context.Context, src int, tag Tag) ([]byte, error)
}

// Comm is a communicator: it performs collective operations among
// the ranks of a Transport.
type Comm struct {
	t          Transport
	rank, size int

	bytesSent, bytesRecv, msgs, colls *stats.Int
}

// New returns a communicator on the provided transport. Traffic is
// counted in the provided stats map, which may be nil.
func New(t Transport, m *stats.Map) *Comm {
	return &Comm{
		t:         t,
		rank:      t.Rank(),
		size:      t.Size(),
		bytesSent: m.Int(stats.BytesSent),
		bytesRecv: m.Int(stats.BytesReceived),
		msgs:      m.Int(stats.MessagesSent),
		colls:     m.Int(stats.Collectives),
	}
}

// Rank returns the caller's rank.
func (c *Comm) Rank() int { return c.rank }

// Size returns the number of ranks.
func (c *Comm) Size() int { return c.size }

func (c *Comm) String() string {
	return fmt.Sprintf("rank %d/%d", c.rank, c.size)
}

func (c *Comm) send(ctx context.Context, dst int, tag Tag, p []byte) error {
	if err := c.t.Send(ctx, dst, tag, p); err != nil {
		return err
	}
	c.bytesSent.Add(int64(len(p)))
	c.msgs.Add(1)
	return nil
}

func (c *Comm) recv(ctx context.Context, src int, tag Tag) ([]byte, error) {
	p, err := c.t.Recv(ctx, src, tag)
	if err != nil {
		return nil, err
	}
	c.bytesRecv.Add(int64(len(p)))
	return p, nil
}
