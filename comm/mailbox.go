// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"sync"
)

type mailKey struct {
	src int
	tag Tag
}

type envelope struct {
	p     []byte
	taken chan struct{}
}

// A Mailbox holds the messages delivered to a single rank, queued by
// source and tag. Transports deliver into a Mailbox with Put and
// consume from it with Take.
type Mailbox struct {
	mu     sync.Mutex
	waitc  chan struct{}
	queues map[mailKey][]*envelope
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{queues: make(map[mailKey][]*envelope)}
}

// Put enqueues a message from rank src and waits until it has been
// taken by the receiver, or until the context is done. A message
// whose Put returns an error is never delivered.
func (b *Mailbox) Put(ctx context.Context, src int, tag Tag, p []byte) error {
	e := &envelope{p: p, taken: make(chan struct{})}
	b.mu.Lock()
	key := mailKey{src, tag}
	b.queues[key] = append(b.queues[key], e)
	b.broadcast()
	b.mu.Unlock()
	select {
	case <-e.taken:
		return nil
	case <-ctx.Done():
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-e.taken:
		// Taken concurrently with cancellation.
		return nil
	default:
	}
	q := b.queues[key]
	for i := range q {
		if q[i] != e {
			continue
		}
		q = append(q[:i:i], q[i+1:]...)
		break
	}
	if len(q) == 0 {
		delete(b.queues, key)
	} else {
		b.queues[key] = q
	}
	return ctx.Err()
}

// Take dequeues the next message from rank src with the provided
// tag, waiting for one to arrive if necessary.
func (b *Mailbox) Take(ctx context.Context, src int, tag Tag) ([]byte, error) {
	key := mailKey{src, tag}
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queues[key]) == 0 {
		if err := b.wait(ctx); err != nil {
			return nil, err
		}
	}
	q := b.queues[key]
	e := q[0]
	q[0] = nil
	if len(q) == 1 {
		delete(b.queues, key)
	} else {
		b.queues[key] = q[1:]
	}
	close(e.taken)
	return e.p, nil
}

// Broadcast wakes all waiters. It must be called with b.mu held.
func (b *Mailbox) broadcast() {
	if b.waitc != nil {
		close(b.waitc)
		b.waitc = nil
	}
}

// Wait releases b.mu until the next broadcast or until the context
// is done, and then reacquires it.
func (b *Mailbox) wait(ctx context.Context) error {
	if b.waitc == nil {
		b.waitc = make(chan struct{})
	}
	waitc := b.waitc
	b.mu.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.mu.Lock()
	return err
}
