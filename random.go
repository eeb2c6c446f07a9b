// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigreduce

import (
	"math/rand"
)

// Random provides independent pseudo-random streams for each thread
// of each rank. Thread tid of a rank must only use stream tid.
type Random struct {
	rs []*rand.Rand
}

// NewRandom returns a Random whose streams are derived from seed and
// the caller's rank. Ranks and threads draw from distinct streams.
func NewRandom(c *Cluster, seed int64) *Random {
	r := &Random{rs: make([]*rand.Rand, c.Threads())}
	for tid := range r.rs {
		s := seed*1000003 + int64(c.Rank())*7919 + int64(tid)
		r.rs[tid] = rand.New(rand.NewSource(s))
	}
	return r
}

// Uniform returns a uniform value in [lo, hi) from stream tid.
func (r *Random) Uniform(tid int, lo, hi float64) float64 {
	return lo + (hi-lo)*r.rs[tid].Float64()
}

// UniformInt returns a uniform integer in [lo, hi] from stream tid.
func (r *Random) UniformInt(tid int, lo, hi int) int {
	return lo + r.rs[tid].Intn(hi-lo+1)
}

// Normal returns a normally distributed value with mean mu and
// standard deviation sigma from stream tid.
func (r *Random) Normal(tid int, mu, sigma float64) float64 {
	return mu + sigma*r.rs[tid].NormFloat64()
}
