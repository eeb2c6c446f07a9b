// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigreduce

import (
	"fmt"
	"math"
	"reflect"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigreduce/comm"
	"golang.org/x/exp/constraints"
)

// Number is the set of types supported by arithmetic reducers.
type Number = comm.Number

// A Reducer combines values emitted for the same key. A reducer's
// function must be associative and commutative: bigreduce applies it
// in an order that depends on thread and rank counts.
type Reducer[V any] struct {
	name string
	op   comm.Op
	fn   func(acc, in V) V
}

// NewReducer returns a reducer that combines values with fn. The
// name is used only for diagnostics.
func NewReducer[V any](name string, fn func(acc, in V) V) Reducer[V] {
	return Reducer[V]{name: name, fn: fn}
}

// Name returns the reducer's name.
func (r Reducer[V]) Name() string { return r.name }

// Op returns the native reduction operator implemented by the
// reducer, or comm.OpNone.
func (r Reducer[V]) Op() comm.Op { return r.op }

// Combine returns the combination of acc and in.
func (r Reducer[V]) Combine(acc, in V) V { return r.fn(acc, in) }

func (r Reducer[V]) String() string {
	if r.name == "" {
		return "reducer"
	}
	return r.name
}

// Sum returns a reducer that adds values.
func Sum[V Number]() Reducer[V] {
	return Reducer[V]{"sum", comm.OpSum, func(acc, in V) V { return acc + in }}
}

// Prod returns a reducer that multiplies values.
func Prod[V Number]() Reducer[V] {
	return Reducer[V]{"prod", comm.OpProd, func(acc, in V) V { return acc * in }}
}

// Min returns a reducer that retains the smallest value.
func Min[V constraints.Ordered]() Reducer[V] {
	return Reducer[V]{"min", comm.OpMin, func(acc, in V) V {
		if in < acc {
			return in
		}
		return acc
	}}
}

// Max returns a reducer that retains the largest value.
func Max[V constraints.Ordered]() Reducer[V] {
	return Reducer[V]{"max", comm.OpMax, func(acc, in V) V {
		if in > acc {
			return in
		}
		return acc
	}}
}

// Overwrite returns a reducer that replaces the accumulated value
// with the incoming one. When several values are emitted for the same
// key, which one survives is unspecified.
func Overwrite[V any]() Reducer[V] {
	return Reducer[V]{name: "overwrite", fn: func(_, in V) V { return in }}
}

// Keep returns a reducer that retains the accumulated value.
func Keep[V any]() Reducer[V] {
	return Reducer[V]{name: "keep", fn: func(acc, _ V) V { return acc }}
}

// ReducerByName returns the named reducer: one of "sum", "prod",
// "min", "max", "overwrite" or "keep". Unknown names result in an
// error of kind errors.Invalid. Since every rank resolves the same
// name, resolution fails identically on all ranks, before any
// collective operation is entered.
func ReducerByName[V Number](name string) (Reducer[V], error) {
	switch name {
	case "sum":
		return Sum[V](), nil
	case "prod":
		return Prod[V](), nil
	case "min":
		return Min[V](), nil
	case "max":
		return Max[V](), nil
	case "overwrite":
		return Overwrite[V](), nil
	case "keep":
		return Keep[V](), nil
	}
	return Reducer[V]{}, errors.E(errors.Invalid, fmt.Sprintf("unknown reducer %q", name))
}

// identity returns the identity element of a native operator, used
// to fill dense entries that received no values.
func identity[V Number](op comm.Op) V {
	var v V
	switch op {
	case comm.OpProd:
		return 1
	case comm.OpMin:
		return extreme[V](true)
	case comm.OpMax:
		return extreme[V](false)
	}
	return v
}

// extreme returns the largest (or smallest) value of V.
func extreme[V Number](largest bool) V {
	var v V
	rv := reflect.ValueOf(&v).Elem()
	bits := uint(rv.Type().Bits())
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if largest {
			rv.SetInt(1<<(bits-1) - 1)
		} else {
			rv.SetInt(-1 << (bits - 1))
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if largest {
			rv.SetUint(^uint64(0) >> (64 - bits))
		}
	case reflect.Float32, reflect.Float64:
		if largest {
			rv.SetFloat(math.Inf(1))
		} else {
			rv.SetFloat(math.Inf(-1))
		}
	}
	return v
}
