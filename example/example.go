// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package example contains small bigreduce programs that illustrate
// the collections and map-reduce operations. They are run by the
// bigreduce command.
package example

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigreduce"
)

// A WordCount is the number of occurrences of a word.
type WordCount struct {
	Word  string
	Count int
}

// WordCounts counts the whitespace-separated words of the file at
// path and returns the counts of the n most frequent words, in
// decreasing order of count. Ties are broken by word.
func WordCounts(ctx context.Context, c *bigreduce.Cluster, path string, n int) ([]WordCount, error) {
	lines, err := bigreduce.LoadFile(ctx, c, path)
	if err != nil {
		return nil, err
	}
	counts := bigreduce.NewDistHashMap[string, int](c)
	err = bigreduce.MapReduce[int, string, string, int](ctx, lines,
		func(_ int, line string, emit func(string, int)) {
			for _, word := range strings.Fields(line) {
				emit(word, 1)
			}
		},
		bigreduce.Sum[int](), counts)
	if err != nil {
		return nil, err
	}
	// Select each rank's top n words, then the global top n.
	nwords, err := counts.Size(ctx)
	if err != nil {
		return nil, err
	}
	ranked := bigreduce.NewDistVector(c, nwords, WordCount{})
	var local []WordCount
	_ = counts.ForEachSerial(func(word string, count int) error {
		local = append(local, WordCount{word, count})
		return nil
	})
	// Every rank holds a disjoint set of words; they are numbered
	// consecutively by rank.
	sizes, err := bigreduce.Gather(ctx, c, len(local))
	if err != nil {
		return nil, err
	}
	offset := 0
	for rank := 0; rank < c.Rank(); rank++ {
		offset += sizes[rank]
	}
	for i, wc := range local {
		ranked.AsyncSet(0, offset+i, wc, bigreduce.Overwrite[WordCount]())
	}
	if err := ranked.Sync(ctx, bigreduce.Overwrite[WordCount]()); err != nil {
		return nil, err
	}
	return ranked.TopK(ctx, n, func(a, b WordCount) bool {
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Word < b.Word
	})
}

// WordCountFunc counts the words of a file and logs the n most
// frequent words on rank 0. If out is not empty, rank 0 also writes
// the counts to out, one "word\tcount" line per word.
var WordCountFunc = bigreduce.Func(func(ctx context.Context, c *bigreduce.Cluster, path string, n int, out string) error {
	top, err := WordCounts(ctx, c, path, n)
	if err != nil {
		return err
	}
	if c.Rank() != 0 {
		return nil
	}
	for _, wc := range top {
		log.Printf("%s\t%d", wc.Word, wc.Count)
	}
	if out == "" {
		return nil
	}
	return writeCounts(ctx, out, top)
})

func writeCounts(ctx context.Context, path string, counts []WordCount) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(f.Writer(ctx))
	for _, wc := range counts {
		fmt.Fprintf(w, "%s\t%d\n", wc.Word, wc.Count)
	}
	return w.Flush()
}

// Pi estimates pi by sampling n points uniformly in the unit square
// and counting those that fall within the unit circle.
func Pi(ctx context.Context, c *bigreduce.Cluster, n int, seed int64) (float64, error) {
	r := bigreduce.NewRandom(c, seed)
	inside := make([]int, c.Threads())
	err := bigreduce.NewDistRange(c, 0, n, 1).Chunk(1024).ForEach(ctx, func(tid, _ int) error {
		x, y := r.Uniform(tid, -1, 1), r.Uniform(tid, -1, 1)
		if x*x+y*y <= 1 {
			inside[tid]++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var local int
	for _, k := range inside {
		local += k
	}
	counts, err := bigreduce.Gather(ctx, c, local)
	if err != nil {
		return 0, err
	}
	var total int
	for _, k := range counts {
		total += k
	}
	return 4 * float64(total) / float64(n), nil
}

// PiFunc estimates pi from n samples and logs the estimate on rank 0.
var PiFunc = bigreduce.Func(func(ctx context.Context, c *bigreduce.Cluster, n int, seed int64) error {
	pi, err := Pi(ctx, c, n, seed)
	if err != nil {
		return err
	}
	if c.Rank() == 0 {
		log.Printf("pi is approximately %.6f (%d samples)", pi, n)
	}
	return nil
})

// SumSquares reduces the squares of the integers in [1, n] with the
// named reducer.
func SumSquares(ctx context.Context, c *bigreduce.Cluster, n int64, reducer string) (int64, error) {
	r, err := bigreduce.ReducerByName[int64](reducer)
	if err != nil {
		return 0, err
	}
	var init int64
	switch reducer {
	case "prod":
		init = 1
	case "min":
		init = math.MaxInt64
	case "max":
		init = math.MinInt64
	}
	out, err := bigreduce.MapReduceRange(ctx, bigreduce.NewDistRange(c, 1, n+1, 1).Verbose(),
		func(t int64, emit func(int, int64)) { emit(0, t*t) }, r, 1, init)
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// SumSquaresFunc logs the reduction of the squares of [1, n] on rank 0.
var SumSquaresFunc = bigreduce.Func(func(ctx context.Context, c *bigreduce.Cluster, n int64, reducer string) error {
	v, err := SumSquares(ctx, c, n, reducer)
	if err != nil {
		return err
	}
	if c.Rank() == 0 {
		log.Printf("%s of squares of [1, %d] = %d", reducer, n, v)
	}
	return nil
})

// TopK returns the k largest numbers in the file at path, which
// contains one number per line. Blank lines are skipped.
func TopK(ctx context.Context, c *bigreduce.Cluster, path string, k int) ([]float64, error) {
	lines, err := bigreduce.LoadFile(ctx, c, path)
	if err != nil {
		return nil, err
	}
	type entry struct {
		Val float64
		Ok  bool
	}
	entries := bigreduce.NewDistVector(c, lines.Size(), entry{})
	overwrite := bigreduce.Overwrite[entry]()
	err = lines.ForEach(ctx, func(tid, key int, line string) error {
		line = strings.TrimSpace(line)
		if line == "" {
			return nil
		}
		x, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("%s:%d: %v", path, key+1, err))
		}
		entries.AsyncSet(tid, key, entry{x, true}, overwrite)
		return nil
	})
	if err = c.Agree(ctx, err); err != nil {
		return nil, err
	}
	if err := entries.Sync(ctx, overwrite); err != nil {
		return nil, err
	}
	top, err := entries.TopK(ctx, k, func(a, b entry) bool {
		if a.Ok != b.Ok {
			return a.Ok
		}
		return a.Val > b.Val
	})
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(top))
	for _, e := range top {
		if e.Ok {
			out = append(out, e.Val)
		}
	}
	return out, nil
}

// TopKFunc logs the k largest numbers of a file on rank 0.
var TopKFunc = bigreduce.Func(func(ctx context.Context, c *bigreduce.Cluster, path string, k int) error {
	top, err := TopK(ctx, c, path, k)
	if err != nil {
		return err
	}
	if c.Rank() == 0 {
		strs := make([]string, len(top))
		for i, v := range top {
			strs[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		log.Printf("top %d: %s", k, strings.Join(strs, " "))
	}
	return nil
})

// Funcs names the example programs.
var Funcs = map[string]*bigreduce.FuncValue{
	"wordcount":  WordCountFunc,
	"pi":         PiFunc,
	"sumsquares": SumSquaresFunc,
	"topk":       TopKFunc,
}

// Names returns the names of the example programs, sorted.
func Names() []string {
	names := make([]string, 0, len(Funcs))
	for name := range Funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
