// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// localTransport connects ranks that live in the same process.
type localTransport struct {
	rank  int
	boxes []*Mailbox
}

// NewLocal returns a group of n transports, one per rank, that
// exchange messages in memory. Messages are not copied: a received
// slice aliases the sender's buffer.
func NewLocal(n int) []Transport {
	boxes := make([]*Mailbox, n)
	for i := range boxes {
		boxes[i] = NewMailbox()
	}
	ts := make([]Transport, n)
	for i := range ts {
		ts[i] = &localTransport{rank: i, boxes: boxes}
	}
	return ts
}

func (t *localTransport) Rank() int { return t.rank }
func (t *localTransport) Size() int { return len(t.boxes) }

func (t *localTransport) Send(ctx context.Context, dst int, tag Tag, p []byte) error {
	if dst < 0 || dst >= len(t.boxes) {
		return errors.E(errors.Invalid, fmt.Sprintf("comm: send to nonexistent rank %d", dst))
	}
	return t.boxes[dst].Put(ctx, t.rank, tag, p)
}

func (t *localTransport) Recv(ctx context.Context, src int, tag Tag) ([]byte, error) {
	if src < 0 || src >= len(t.boxes) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("comm: receive from nonexistent rank %d", src))
	}
	return t.boxes[t.rank].Take(ctx, src, tag)
}
