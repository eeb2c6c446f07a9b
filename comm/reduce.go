// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigreduce/codec"
	"golang.org/x/exp/constraints"
)

// Reduce combines every rank's payload into rank 0 along a
// hypercube: at the round with step 2^r, a rank whose step bit is
// clear receives its partner rank+step's accumulated payload (if that
// partner exists) and merges it into its own; a rank whose step bit
// is set sends its accumulated payload to rank-step and leaves the
// reduction. After ceil(log2(size)) rounds rank 0 holds the result.
// Reduce returns the result on rank 0 and nil elsewhere.
func (c *Comm) Reduce(ctx context.Context, p []byte, merge func(acc, in []byte) ([]byte, error)) ([]byte, error) {
	c.colls.Add(1)
	for step := 1; step < c.size; step <<= 1 {
		if c.rank&step != 0 {
			return nil, c.Writer(c.rank-step, tagReduce).Write(ctx, p)
		}
		if c.rank+step >= c.size {
			continue
		}
		in, err := c.Reader(c.rank+step, tagReduce).Read(ctx)
		if err != nil {
			return nil, err
		}
		if p, err = merge(p, in); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Allreduce is Reduce followed by a broadcast of the result from
// rank 0, so that every rank returns the combined payload.
func (c *Comm) Allreduce(ctx context.Context, p []byte, merge func(acc, in []byte) ([]byte, error)) ([]byte, error) {
	p, err := c.Reduce(ctx, p, merge)
	if err != nil {
		return nil, err
	}
	return c.Broadcast(ctx, p, 0)
}

// Number is the set of element types supported by native reduction
// operators.
type Number interface {
	constraints.Integer | constraints.Float
}

// Op is a native reduction operator.
type Op int

const (
	// OpNone indicates the absence of a native operator.
	OpNone Op = iota
	OpSum
	OpProd
	OpMin
	OpMax
)

var opNames = map[Op]string{
	OpSum:  "sum",
	OpProd: "prod",
	OpMin:  "min",
	OpMax:  "max",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// OpByName returns the native operator with the given name. It
// returns an error of kind errors.Invalid for names without a native
// operator.
func OpByName(name string) (Op, error) {
	for op, opname := range opNames {
		if opname == name {
			return op, nil
		}
	}
	return OpNone, errors.E(errors.Invalid, fmt.Sprintf("no native reduction operator for %q", name))
}

// Apply combines in into acc elementwise using op.
func Apply[T Number](op Op, acc, in []T) {
	switch op {
	case OpSum:
		for i := range acc {
			acc[i] += in[i]
		}
	case OpProd:
		for i := range acc {
			acc[i] *= in[i]
		}
	case OpMin:
		for i := range acc {
			if in[i] < acc[i] {
				acc[i] = in[i]
			}
		}
	case OpMax:
		for i := range acc {
			if in[i] > acc[i] {
				acc[i] = in[i]
			}
		}
	default:
		panic(fmt.Sprintf("comm.Apply: invalid operator %v", op))
	}
}

// Allreduce combines the vectors v of all ranks elementwise with op,
// leaving the result in v on every rank. All ranks must provide
// vectors of the same length.
func Allreduce[T Number](ctx context.Context, c *Comm, v []T, op Op) error {
	if _, ok := opNames[op]; !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("comm.Allreduce: invalid operator %v", op))
	}
	if c.size == 1 {
		return nil
	}
	p, err := codec.Encode(v)
	if err != nil {
		return err
	}
	p, err = c.Allreduce(ctx, p, func(acc, in []byte) ([]byte, error) {
		var a, b []T
		if err := codec.Decode(acc, &a); err != nil {
			return nil, err
		}
		if err := codec.Decode(in, &b); err != nil {
			return nil, err
		}
		if len(a) != len(b) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("comm.Allreduce: mismatched lengths %d and %d", len(a), len(b)))
		}
		Apply(op, a, b)
		return codec.Encode(a)
	})
	if err != nil {
		return err
	}
	var out []T
	if err := codec.Decode(p, &out); err != nil {
		return err
	}
	if len(out) != len(v) {
		return errors.E(errors.Invalid, fmt.Sprintf("comm.Allreduce: result length %d, want %d", len(out), len(v)))
	}
	copy(v, out)
	return nil
}
