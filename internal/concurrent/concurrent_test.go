// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package concurrent

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/grailbio/bigreduce/parallel"
)

func sum(acc, in int) int { return acc + in }

func TestSegmentCount(t *testing.T) {
	for _, c := range []struct{ threads, n int }{
		{1, 16}, {4, 16}, {5, 32}, {8, 32}, {9, 64}, {64, 256},
	} {
		n, shift := segmentCount(c.threads)
		if got, want := n, c.n; got != want {
			t.Errorf("threads %d: got %v, want %v", c.threads, got, want)
		}
		if got, want := 1<<shift, n; got != want {
			t.Errorf("threads %d: got %v, want %v", c.threads, got, want)
		}
	}
}

func TestVectorSumOfSquares(t *testing.T) {
	const N = 1000
	want := N * (N + 1) * (2*N + 1) / 6
	v := NewVector[int](4)
	v.Resize(1, 0)
	for i := 1; i <= N; i++ {
		v.Set(0, i*i, sum)
	}
	if got := v.Get(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	v = NewVector[int](4)
	v.Resize(1, 0)
	err := parallel.Dynamic(context.Background(), 4, N, 1, func(tid, i int) error {
		v.AsyncSet(tid, 0, (i+1)*(i+1), sum)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	v.Sync(sum)
	if got := v.Get(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestVectorContention(t *testing.T) {
	const (
		threads = 8
		K       = 37
		writes  = 1000 * 100
	)
	v := NewVector[int](threads)
	v.Resize(K, 0)
	err := parallel.Static(context.Background(), threads, writes, func(tid, i int) error {
		v.AsyncSet(tid, i%K, 1, sum)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	v.Sync(sum)
	_ = v.ForEachSerial(func(key, val int) error {
		want := writes / K
		if key < writes%K {
			want++
		}
		if val != want {
			t.Errorf("key %d: got %v, want %v", key, val, want)
		}
		return nil
	})
	if got, want := v.Sync(sum), 0; got != want {
		t.Errorf("second sync drained %d entries", got)
	}
}

func TestVectorResize(t *testing.T) {
	v := NewVector[string](2)
	v.Resize(3, "a")
	v.Set(1, "b", func(_, in string) string { return in })
	v.Resize(100, "c")
	var got []string
	_ = v.ForEachSerial(func(_ int, val string) error {
		got = append(got, val)
		return nil
	})
	if len(got) != 100 {
		t.Fatalf("got %d values, want 100", len(got))
	}
	if got, want := got[:4], []string{"a", "b", "a", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	v.Resize(2, "d")
	if got, want := v.Len(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestVectorForEach(t *testing.T) {
	const N = 1003
	v := NewVector[int](3)
	v.Resize(N, 0)
	v.Update(func(key int, val *int) { *val = key })
	seen := make([]int, N)
	err := v.ForEach(func(tid, key, val int) error {
		if tid < 0 || tid >= 3 {
			return fmt.Errorf("bad tid %d", tid)
		}
		if key != val {
			return fmt.Errorf("key %d has value %d", key, val)
		}
		seen[key]++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for key, n := range seen {
		if n != 1 {
			t.Errorf("key %d visited %d times", key, n)
		}
	}
}

func TestTopK(t *testing.T) {
	v := NewVector[int](2)
	v.Resize(10, 0)
	v.Update(func(k int, val *int) { *val = -k*k + 5*k })
	greater := func(a, b int) bool { return a > b }
	if got, want := v.TopK(3, greater), []int{6, 6, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(v.TopK(100, greater)), 10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := v.TopK(0, greater); len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}

	r := rand.New(rand.NewSource(0))
	for iter := 0; iter < 50; iter++ {
		vals := make([]int, r.Intn(500))
		for i := range vals {
			vals[i] = r.Intn(50)
		}
		k := r.Intn(len(vals) + 2)
		sorted := append([]int(nil), vals...)
		sort.Sort(sort.Reverse(sort.IntSlice(sorted)))
		if k < len(sorted) {
			sorted = sorted[:k]
		}
		got := TopK(vals, k, greater)
		if len(got) == 0 && len(sorted) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, sorted) {
			t.Fatalf("k=%d: got %v, want %v", k, got, sorted)
		}
	}
}

type pair struct{ key, val int }

func TestTopKTies(t *testing.T) {
	vals := []pair{{0, 1}, {1, 3}, {2, 3}, {3, 1}, {4, 3}}
	got := TopK(vals, 3, func(a, b pair) bool { return a.val > b.val })
	if want := []pair{{1, 3}, {2, 3}, {4, 3}}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMap(t *testing.T) {
	const (
		threads = 4
		N       = 10000
	)
	m := NewMap[string, int](threads)
	m.Reserve(100)
	err := parallel.Dynamic(context.Background(), threads, N, 0, func(tid, i int) error {
		m.AsyncSet(tid, fmt.Sprint(i%100), i, sum)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Sync(sum)
	if got, want := m.Len(), 100; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var total int
	_ = m.ForEachSerial(func(_ string, val int) error {
		total += val
		return nil
	})
	if got, want := total, N*(N-1)/2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	val, ok := m.Get("7")
	if !ok {
		t.Fatal("missing key 7")
	}
	if got, want := val, 7*100+100*(99*100/2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var drained int
	m.Drain(func(string, int) { drained++ })
	if got, want := drained, 100; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := m.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
