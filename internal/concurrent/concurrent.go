// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package concurrent implements the per-rank containers that back
// the distributed collections: a segment-striped array and a
// segment-striped hash map. Both use one mutex per segment. Writers
// that find a segment busy may instead record their update in a
// per-thread spill buffer; Sync drains every spill buffer exactly
// once, after which readers observe fully combined values.
//
// Callers identify themselves by thread id (tid), which must be in
// [0, threads) for the threads value provided at construction. At
// most one goroutine may use a given tid at a time.
package concurrent

import (
	"math/bits"

	"github.com/grailbio/base/log"
)

// Combine merges an incoming value into an accumulated value and
// returns the result. Combine functions must be associative and
// commutative.
type Combine[V any] func(acc, in V) V

// segmentCount returns the number of segments for the given thread
// count (the smallest power of two at least 4*max(4, threads)) and
// its base-2 logarithm.
func segmentCount(threads int) (n int, shift uint) {
	if threads < 4 {
		threads = 4
	}
	shift = uint(bits.Len(uint(4*threads - 1)))
	return 1 << shift, shift
}

func checkTid(tid, threads int) {
	if tid < 0 || tid >= threads {
		log.Panicf("concurrent: thread id %d out of range [0, %d)", tid, threads)
	}
}
