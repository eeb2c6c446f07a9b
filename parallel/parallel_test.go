// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestSchedules(t *testing.T) {
	ctx := context.Background()
	for _, n := range []int{0, 1, 7, 1000, 1001} {
		for _, p := range []int{1, 3, 8} {
			for name, run := range map[string]func(func(tid, i int) error) error{
				"static":  func(fn func(tid, i int) error) error { return Static(ctx, p, n, fn) },
				"dynamic": func(fn func(tid, i int) error) error { return Dynamic(ctx, p, n, 0, fn) },
			} {
				seen := make([]int32, n)
				var maxTid int32
				err := run(func(tid, i int) error {
					atomic.AddInt32(&seen[i], 1)
					for {
						m := atomic.LoadInt32(&maxTid)
						if int32(tid) <= m || atomic.CompareAndSwapInt32(&maxTid, m, int32(tid)) {
							break
						}
					}
					return nil
				})
				if err != nil {
					t.Fatal(err)
				}
				for i, c := range seen {
					if c != 1 {
						t.Errorf("%s n=%d p=%d: index %d visited %d times", name, n, p, i, c)
					}
				}
				if int(maxTid) >= p {
					t.Errorf("%s: thread id %d out of range [0, %d)", name, maxTid, p)
				}
			}
		}
	}
}

func TestDynamicError(t *testing.T) {
	errBad := errors.New("bad index")
	err := Dynamic(context.Background(), 4, 100, 1, func(tid, i int) error {
		if i == 50 {
			return errBad
		}
		return nil
	})
	if got, want := err, errBad; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Dynamic(ctx, 2, 100, 1, func(tid, i int) error { return nil })
	if got, want := err, context.Canceled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
