// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/bigreduce"
	"github.com/grailbio/bigreduce/stats"
)

// Results collects values reported by ranks. Test machines run in
// the same process as the driver.
var results sync.Map

func report(key string, c *bigreduce.Cluster, v interface{}) {
	results.Store(fmt.Sprintf("%s/%d", key, c.Rank()), v)
}

func lookup(key string, rank int) interface{} {
	v, _ := results.Load(fmt.Sprintf("%s/%d", key, rank))
	return v
}

var (
	sumSquares = bigreduce.Func(func(ctx context.Context, c *bigreduce.Cluster, key string, n int) error {
		rng := bigreduce.NewDistRange(c, 1, n+1, 1)
		out, err := bigreduce.MapReduceRange(ctx, rng, func(t int, emit func(int, int)) {
			emit(0, t*t)
		}, bigreduce.Sum[int](), 1, 0)
		if err != nil {
			return err
		}
		report(key, c, out[0])
		return nil
	})
	failOne = bigreduce.Func(func(ctx context.Context, c *bigreduce.Cluster, failing int) error {
		if c.Rank() == failing {
			return errors.E(errors.NotExist, "no such input")
		}
		// The remaining ranks wait for the failed one, which never
		// arrives; they must be canceled.
		return c.Barrier(ctx)
	})
	panicOne = bigreduce.Func(func(ctx context.Context, c *bigreduce.Cluster) error {
		if c.Rank() == 0 {
			panic("rank 0 is broken")
		}
		return c.Barrier(ctx)
	})
	wordCount = bigreduce.Func(func(ctx context.Context, c *bigreduce.Cluster, key string, words []string) error {
		counts := bigreduce.NewDistHashMap[string, int](c)
		err := bigreduce.MapReduce[int, string, string, int](ctx, bigreduce.Distribute(c, words),
			func(_ int, w string, emit func(string, int)) { emit(w, 1) },
			bigreduce.Sum[int](), counts)
		if err != nil {
			return err
		}
		m, err := bigreduce.CollectMap(ctx, counts)
		if err != nil {
			return err
		}
		report(key, c, m)
		return nil
	})
)

func executors(t *testing.T) map[string][]Option {
	t.Helper()
	execs := map[string][]Option{
		"Local": {Local(3), Threads(2)},
	}
	if !testing.Short() {
		execs["Bigmachine.Test"] = []Option{Bigmachine(testsystem.New()), Ranks(3), Threads(2)}
	}
	return execs
}

func testSession(t *testing.T, run func(t *testing.T, sess *Session)) {
	t.Helper()
	for name, opts := range executors(t) {
		t.Run(name, func(t *testing.T) {
			sess, err := StartErr(opts...)
			if err != nil {
				t.Fatal(err)
			}
			defer sess.Shutdown()
			run(t, sess)
		})
	}
}

func TestSessionRun(t *testing.T) {
	testSession(t, func(t *testing.T, sess *Session) {
		if got, want := sess.Ranks(), 3; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		key := t.Name()
		ctx := context.Background()
		// Programs may be run repeatedly in a session.
		for i := 0; i < 2; i++ {
			if err := sess.Run(ctx, sumSquares, key, 1000); err != nil {
				t.Fatal(err)
			}
			for rank := 0; rank < sess.Ranks(); rank++ {
				if got, want := lookup(key, rank), 333833500; got != want {
					t.Errorf("rank %d: got %v, want %v", rank, got, want)
				}
			}
		}
		vals := sess.Stats()
		if got, want := vals[stats.Emits], int64(2000); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if vals[stats.BytesSent] == 0 || vals[stats.BytesSent] != vals[stats.BytesReceived] {
			t.Errorf("bad byte counts: %v", vals)
		}
	})
}

func TestSessionWordCount(t *testing.T) {
	words := strings.Fields("the quick brown fox jumps over the lazy dog the end")
	testSession(t, func(t *testing.T, sess *Session) {
		key := t.Name()
		if err := sess.Run(context.Background(), wordCount, key, words); err != nil {
			t.Fatal(err)
		}
		for rank := 0; rank < sess.Ranks(); rank++ {
			m, ok := lookup(key, rank).(map[string]int)
			if !ok {
				t.Fatalf("rank %d: no result", rank)
			}
			if got, want := m["the"], 3; got != want {
				t.Errorf("rank %d: got %v, want %v", rank, got, want)
			}
			if got, want := len(m), 9; got != want {
				t.Errorf("rank %d: got %v, want %v", rank, got, want)
			}
		}
	})
}

func TestSessionError(t *testing.T) {
	testSession(t, func(t *testing.T, sess *Session) {
		ctx := context.Background()
		err := sess.Run(ctx, failOne, 1)
		if !errors.Is(errors.NotExist, err) {
			t.Fatalf("got %v, want not exist", err)
		}
		// The session remains usable.
		if err := sess.Run(ctx, sumSquares, t.Name(), 10); err != nil {
			t.Fatal(err)
		}
	})
}

func TestSessionInvalidArgs(t *testing.T) {
	sess := Start(Local(2))
	defer sess.Shutdown()
	err := sess.Run(context.Background(), sumSquares, "x")
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestSessionPanic(t *testing.T) {
	sess := Start(Local(2))
	defer sess.Shutdown()
	err := sess.Run(context.Background(), panicOne)
	if err == nil || errors.Recover(err).Severity != errors.Fatal {
		t.Fatalf("got %v, want fatal", err)
	}
	if !strings.Contains(err.Error(), "rank 0 is broken") {
		t.Errorf("error %v does not mention panic", err)
	}
}

func TestSessionStatus(t *testing.T) {
	var st status.Status
	sess := Start(Local(2), Status(&st))
	defer sess.Shutdown()
	if sess.Status() != &st {
		t.Fatal("status not configured")
	}
	if err := sess.Run(context.Background(), sumSquares, t.Name(), 10); err != nil {
		t.Fatal(err)
	}
	if got := len(st.Groups()); got != 1 {
		t.Errorf("got %v groups, want 1", got)
	}
}

func TestOptions(t *testing.T) {
	for _, fn := range []func(){
		func() { Local(0) },
		func() { Ranks(-1) },
		func() { Threads(0) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			fn()
		}()
	}
	sess := Start()
	defer sess.Shutdown()
	if got, want := sess.Ranks(), DefaultRanks; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
