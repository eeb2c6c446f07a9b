// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigreduce

import (
	"context"
	"encoding/gob"
	"fmt"
	"reflect"
	"runtime"
	"sync/atomic"

	"github.com/grailbio/base/errors"
)

func init() {
	gob.Register([]interface{}{})
}

var (
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfCluster = reflect.TypeOf((*Cluster)(nil))
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
)

var (
	// Funcs is the global registry of programs. Ranks in other
	// processes look up programs by their index in this registry, so
	// registration order must be deterministic; this is guaranteed
	// when programs are registered during package initialization.
	funcs []*FuncValue
	// FuncsBusy is used to detect data races in registration.
	funcsBusy int32
)

// A FuncValue is an SPMD program, as returned by Func.
type FuncValue struct {
	fn       reflect.Value
	args     []reflect.Type
	index    int
	location string
}

// Func registers fn as a program that may be run on every rank of a
// cluster. The function's first two arguments must be a
// context.Context and a *Cluster; it may take any number of further
// arguments, which must be gob-encodable, and must return a single
// error. Func panics if fn has the wrong shape.
//
//	var SumSquares = bigreduce.Func(func(ctx context.Context, c *bigreduce.Cluster, n int) error {
//		...
//	})
//
// Funcs should be registered as global variables, so that every
// process of a program registers the same Funcs in the same order.
func Func(fn interface{}) *FuncValue {
	fv := reflect.ValueOf(fn)
	ftype := fv.Type()
	if ftype.Kind() != reflect.Func {
		panic(fmt.Sprintf("bigreduce.Func: argument to func is a %T, not a func", fn))
	}
	if ftype.NumIn() < 2 || ftype.In(0) != typeOfContext || ftype.In(1) != typeOfCluster {
		panic("bigreduce.Func: func must take a context.Context and a *bigreduce.Cluster as its first arguments")
	}
	if ftype.NumOut() != 1 || ftype.Out(0) != typeOfError {
		panic("bigreduce.Func: func must return a single error")
	}
	if ftype.IsVariadic() {
		panic("bigreduce.Func: variadic funcs are not supported")
	}
	v := &FuncValue{fn: fv}
	if _, file, line, ok := runtime.Caller(1); ok {
		v.location = fmt.Sprintf("%s:%d", file, line)
	}
	for i := 2; i < ftype.NumIn(); i++ {
		typ := ftype.In(i)
		v.args = append(v.args, typ)
		if typ.Kind() != reflect.Interface {
			gob.Register(reflect.Zero(typ).Interface())
		}
	}
	if atomic.AddInt32(&funcsBusy, 1) != 1 {
		panic("bigreduce.Func: data race")
	}
	v.index = len(funcs)
	funcs = append(funcs, v)
	if atomic.AddInt32(&funcsBusy, -1) != 0 {
		panic("bigreduce.Func: data race")
	}
	return v
}

// NumIn returns the number of program arguments taken by f, not
// counting the context and the cluster.
func (f *FuncValue) NumIn() int { return len(f.args) }

// In returns the type of f's i'th program argument.
func (f *FuncValue) In(i int) reflect.Type { return f.args[i] }

// Index returns f's index in the program registry.
func (f *FuncValue) Index() int { return f.index }

func (f *FuncValue) String() string {
	if f.location == "" {
		return fmt.Sprintf("func[%d]", f.index)
	}
	return fmt.Sprintf("func[%d] (%s)", f.index, f.location)
}

// Invocation returns an invocation of f with the provided arguments.
// It returns an error of kind errors.Invalid if the arguments do not
// match f's signature.
func (f *FuncValue) Invocation(args ...interface{}) (Invocation, error) {
	if err := f.typecheck(args); err != nil {
		return Invocation{}, err
	}
	return Invocation{Func: uint64(f.index), Args: args}, nil
}

func (f *FuncValue) typecheck(args []interface{}) error {
	if len(args) != len(f.args) {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: wrong number of arguments: function takes %d arguments, got %d", f, len(f.args), len(args)))
	}
	for i, arg := range args {
		expect := f.args[i]
		if arg == nil {
			switch expect.Kind() {
			case reflect.Interface, reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
				continue
			}
			return errors.E(errors.Invalid, fmt.Sprintf("%s: nil argument %d for type %s", f, i, expect))
		}
		have := reflect.TypeOf(arg)
		switch expect.Kind() {
		case reflect.Interface:
			if !have.Implements(expect) {
				return errors.E(errors.Invalid, fmt.Sprintf("%s: wrong type for argument %d: type %s does not implement interface %s", f, i, have, expect))
			}
		default:
			if have != expect {
				return errors.E(errors.Invalid, fmt.Sprintf("%s: wrong type for argument %d: expected %s, got %s", f, i, expect, have))
			}
		}
	}
	return nil
}

// Invocation is a program together with its arguments. Invocations
// may be transmitted to other processes of the same binary.
type Invocation struct {
	Func uint64
	Args []interface{}
}

// Run runs the invocation's program on the rank represented by c.
// Panics in the program are returned as errors of severity errors.Fatal.
func (inv Invocation) Run(ctx context.Context, c *Cluster) (err error) {
	if inv.Func >= uint64(len(funcs)) {
		return errors.E(errors.Invalid, fmt.Sprintf("invocation of unknown func %d; funcs must be registered deterministically", inv.Func))
	}
	f := funcs[inv.Func]
	if err := f.typecheck(inv.Args); err != nil {
		return err
	}
	argv := make([]reflect.Value, 2+len(inv.Args))
	argv[0] = reflect.ValueOf(ctx)
	argv[1] = reflect.ValueOf(c)
	for i, arg := range inv.Args {
		if arg == nil {
			argv[2+i] = reflect.Zero(f.args[i])
		} else {
			argv[2+i] = reflect.ValueOf(arg)
		}
	}
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("%s: %s: panic: %v", c, f, e))
		}
	}()
	out := f.fn.Call(argv)
	if e := out[0].Interface(); e != nil {
		return e.(error)
	}
	return nil
}
