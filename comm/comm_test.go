// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigreduce/stats"
	"golang.org/x/sync/errgroup"
)

var sizes = []int{1, 2, 3, 4, 5, 8}

// run runs fn as an SPMD program over n ranks connected by a local
// transport.
func run(t *testing.T, n int, fn func(ctx context.Context, c *Comm) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, tr := range NewLocal(n) {
		c := New(tr, stats.NewMap())
		g.Go(func() error { return fn(ctx, c) })
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("n=%d: %v", n, err)
	}
}

func withChunkSize(n int) func() {
	save := ChunkSize
	ChunkSize = n
	return func() { ChunkSize = save }
}

func TestStream(t *testing.T) {
	defer withChunkSize(7)()
	fz := fuzz.New()
	payloads := make([][]byte, 20)
	for i := range payloads {
		fz.NumElements(0, 100)
		fz.Fuzz(&payloads[i])
	}
	run(t, 2, func(ctx context.Context, c *Comm) error {
		for _, p := range payloads {
			if c.Rank() == 0 {
				if err := c.Writer(1, TagUser).Write(ctx, p); err != nil {
					return err
				}
				continue
			}
			q, err := c.Reader(0, TagUser).Read(ctx)
			if err != nil {
				return err
			}
			if !bytes.Equal(p, q) {
				return fmt.Errorf("got %v, want %v", q, p)
			}
		}
		return nil
	})
}

func TestStreamBadHeader(t *testing.T) {
	for _, test := range []struct {
		name   string
		size   uint64
		chunks [][]byte
	}{
		{"huge", math.MaxUint64, nil},
		{"empty chunk", 1 << 40, [][]byte{{}}},
		{"overrun", 2, [][]byte{{1, 2, 3}}},
	} {
		t.Run(test.name, func(t *testing.T) {
			run(t, 2, func(ctx context.Context, c *Comm) error {
				if c.Rank() == 0 {
					var hdr [8]byte
					binary.LittleEndian.PutUint64(hdr[:], test.size)
					if err := c.send(ctx, 1, TagUser, hdr[:]); err != nil {
						return err
					}
					for _, chunk := range test.chunks {
						if err := c.send(ctx, 1, TagUser, chunk); err != nil {
							return err
						}
					}
					return nil
				}
				_, err := c.Reader(0, TagUser).Read(ctx)
				if !errors.Is(errors.Integrity, err) {
					return fmt.Errorf("got %v, want integrity error", err)
				}
				return nil
			})
		})
	}
}

func TestBroadcast(t *testing.T) {
	defer withChunkSize(5)()
	for _, n := range sizes {
		for root := 0; root < n; root++ {
			want := []byte(fmt.Sprintf("hello from root %d", root))
			run(t, n, func(ctx context.Context, c *Comm) error {
				var p []byte
				if c.Rank() == root {
					p = want
				}
				got, err := c.Broadcast(ctx, p, root)
				if err != nil {
					return err
				}
				if !bytes.Equal(got, want) {
					return fmt.Errorf("rank %d: got %q, want %q", c.Rank(), got, want)
				}
				return nil
			})
		}
	}
}

func TestAllgather(t *testing.T) {
	defer withChunkSize(3)()
	for _, n := range sizes {
		// Rank i contributes i*5 bytes of value i, so that payloads
		// differ in size and some are empty.
		want := make([][]byte, n)
		for i := range want {
			want[i] = bytes.Repeat([]byte{byte(i)}, i*5)
		}
		run(t, n, func(ctx context.Context, c *Comm) error {
			got, err := c.Allgather(ctx, want[c.Rank()])
			if err != nil {
				return err
			}
			for i := range want {
				if !bytes.Equal(got[i], want[i]) {
					return fmt.Errorf("rank %d: payload %d: got %v, want %v", c.Rank(), i, got[i], want[i])
				}
			}
			return nil
		})
	}
}

func TestExchange(t *testing.T) {
	defer withChunkSize(4)()
	for _, n := range sizes {
		run(t, n, func(ctx context.Context, c *Comm) error {
			out := make([][]byte, n)
			for dst := range out {
				out[dst] = []byte(fmt.Sprintf("%d->%d", c.Rank(), dst))
			}
			for iter := 0; iter < 3; iter++ {
				in, err := c.Exchange(ctx, out)
				if err != nil {
					return err
				}
				for src, p := range in {
					if got, want := string(p), fmt.Sprintf("%d->%d", src, c.Rank()); got != want {
						return fmt.Errorf("got %q, want %q", got, want)
					}
				}
			}
			return nil
		})
	}
}

func TestExchangeInvalid(t *testing.T) {
	run(t, 2, func(ctx context.Context, c *Comm) error {
		_, err := c.Exchange(ctx, make([][]byte, 3))
		if !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("got %v, want invalid", err)
		}
		return nil
	})
}

func TestReduce(t *testing.T) {
	for _, n := range sizes {
		run(t, n, func(ctx context.Context, c *Comm) error {
			p := []byte{byte(c.Rank())}
			got, err := c.Allreduce(ctx, p, func(acc, in []byte) ([]byte, error) {
				return append(append([]byte(nil), acc...), in...), nil
			})
			if err != nil {
				return err
			}
			if got, want := len(got), n; got != want {
				return fmt.Errorf("got %v, want %v", got, want)
			}
			seen := make(map[byte]bool)
			for _, b := range got {
				seen[b] = true
			}
			if len(seen) != n {
				return fmt.Errorf("rank %d: got %v", c.Rank(), got)
			}
			return nil
		})
	}
}

func TestAllreduceOps(t *testing.T) {
	for _, n := range sizes {
		run(t, n, func(ctx context.Context, c *Comm) error {
			r := float64(c.Rank() + 1)
			for _, tc := range []struct {
				op   Op
				want float64
			}{
				{OpSum, float64(n*(n+1)) / 2},
				{OpMin, 1},
				{OpMax, float64(n)},
			} {
				v := []float64{r, r}
				if err := Allreduce(ctx, c, v, tc.op); err != nil {
					return err
				}
				if got, want := v, []float64{tc.want, tc.want}; !reflect.DeepEqual(got, want) {
					return fmt.Errorf("%v: got %v, want %v", tc.op, got, want)
				}
			}
			v := []int64{int64(c.Rank() + 1)}
			if err := Allreduce(ctx, c, v, OpProd); err != nil {
				return err
			}
			want := int64(1)
			for i := 2; i <= n; i++ {
				want *= int64(i)
			}
			if got := v[0]; got != want {
				return fmt.Errorf("prod: got %v, want %v", got, want)
			}
			return nil
		})
	}
}

func TestOpByName(t *testing.T) {
	for _, name := range []string{"sum", "prod", "min", "max"} {
		op, err := OpByName(name)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := op.String(), name; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if _, err := OpByName("overwrite"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestAgree(t *testing.T) {
	run(t, 4, func(ctx context.Context, c *Comm) error {
		if err := c.Agree(ctx, nil); err != nil {
			return err
		}
		var local error
		if c.Rank() == 2 {
			local = errors.New("no such file")
		}
		err := c.Agree(ctx, local)
		if err == nil {
			return fmt.Errorf("rank %d: expected error", c.Rank())
		}
		if c.Rank() != 2 && !strings.Contains(err.Error(), "rank 2: no such file") {
			return fmt.Errorf("rank %d: unexpected error %v", c.Rank(), err)
		}
		return c.Barrier(ctx)
	})
}

func TestMailboxCancel(t *testing.T) {
	b := NewMailbox()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Take(ctx, 0, TagUser); err != context.Canceled {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
	if err := b.Put(ctx, 0, TagUser, nil); err != context.Canceled {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
}

func TestMailboxCanceledPutNotDelivered(t *testing.T) {
	b := NewMailbox()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() { errc <- b.Put(ctx, 0, TagUser, []byte("stale")) }()
	// Wait for the message to be queued before cancelling.
	for {
		b.mu.Lock()
		n := len(b.queues[mailKey{0, TagUser}])
		b.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errc; err != context.Canceled {
		t.Fatalf("got %v, want %v", err, context.Canceled)
	}
	go func() { errc <- b.Put(context.Background(), 0, TagUser, []byte("fresh")) }()
	p, err := b.Take(context.Background(), 0, TagUser)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(p), "fresh"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if got := len(b.queues); got != 0 {
		t.Errorf("got %d queues, want 0", got)
	}
}

func TestStats(t *testing.T) {
	trs := NewLocal(2)
	m0, m1 := stats.NewMap(), stats.NewMap()
	c0, c1 := New(trs[0], m0), New(trs[1], m1)
	ctx := context.Background()
	var g errgroup.Group
	g.Go(func() error { return c0.Writer(1, TagUser).Write(ctx, make([]byte, 100)) })
	g.Go(func() error {
		_, err := c1.Reader(0, TagUser).Read(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got, want := m0.Snapshot()[stats.BytesSent], int64(108); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := m1.Snapshot()[stats.BytesReceived], int64(108); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
