// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package keyhash computes seeded 32-bit hashes of map keys. Keys of
// builtin integer, float and string types are hashed directly; other
// comparable keys are hashed through a canonical byte encoding
// derived from their structure, so that equal keys hash identically
// in every process running the same binary.
//
// Float keys that compare equal hash identically: -0 and +0 share a
// hash. NaN keys are not supported, as they are never equal to
// themselves.
package keyhash

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"

	"github.com/spaolacci/murmur3"
)

// Seeds used to derive independent hashes for the same key. Owner
// hashing picks the rank that owns a key; segment hashing picks the
// lock stripe within that rank. Using different seeds keeps the
// owner partitioning from reducing the entropy available for
// segment selection.
const (
	OwnerSeed   uint32 = 0x9acb0442
	SegmentSeed uint32 = 0x5cb2e1f7
)

// Hash returns the hash of key k under the provided seed.
func Hash[K comparable](k K, seed uint32) uint32 {
	switch v := any(k).(type) {
	case string:
		return murmur3.Sum32WithSeed([]byte(v), seed)
	case int:
		return hash64(uint64(v), seed)
	case int8:
		return hash32(uint32(v), seed)
	case int16:
		return hash32(uint32(v), seed)
	case int32:
		return hash32(uint32(v), seed)
	case int64:
		return hash64(uint64(v), seed)
	case uint:
		return hash64(uint64(v), seed)
	case uint8:
		return hash32(uint32(v), seed)
	case uint16:
		return hash32(uint32(v), seed)
	case uint32:
		return hash32(v, seed)
	case uint64:
		return hash64(v, seed)
	case uintptr:
		return hash64(uint64(v), seed)
	case float32:
		return hash32(float32bits(v), seed)
	case float64:
		return hash64(float64bits(v), seed)
	case bool:
		if v {
			return hash32(1, seed)
		}
		return hash32(0, seed)
	}
	return murmur3.Sum32WithSeed(appendValue(nil, reflect.ValueOf(&k).Elem()), seed)
}

// float32bits returns the bits of v, with -0 mapped to +0.
func float32bits(v float32) uint32 {
	if v == 0 {
		v = 0
	}
	return math.Float32bits(v)
}

// float64bits returns the bits of v, with -0 mapped to +0.
func float64bits(v float64) uint64 {
	if v == 0 {
		v = 0
	}
	return math.Float64bits(v)
}

// appendValue appends the canonical encoding of v to b. Struct fields
// and array elements are encoded in order; strings carry their
// length so that adjacent fields cannot run together. Interface
// values are prefixed by the name of their dynamic type.
func appendValue(b []byte, v reflect.Value) []byte {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return append(b, 1)
		}
		return append(b, 0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return binary.LittleEndian.AppendUint64(b, uint64(v.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return binary.LittleEndian.AppendUint64(b, v.Uint())
	case reflect.Float32, reflect.Float64:
		return binary.LittleEndian.AppendUint64(b, float64bits(v.Float()))
	case reflect.Complex64, reflect.Complex128:
		c := v.Complex()
		b = binary.LittleEndian.AppendUint64(b, float64bits(real(c)))
		return binary.LittleEndian.AppendUint64(b, float64bits(imag(c)))
	case reflect.String:
		b = binary.LittleEndian.AppendUint64(b, uint64(v.Len()))
		return append(b, v.String()...)
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			b = appendValue(b, v.Index(i))
		}
		return b
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			b = appendValue(b, v.Field(i))
		}
		return b
	case reflect.Interface:
		if v.IsNil() {
			return append(b, 0)
		}
		e := v.Elem()
		name := e.Type().PkgPath() + "." + e.Type().String()
		b = append(b, 1)
		b = binary.LittleEndian.AppendUint64(b, uint64(len(name)))
		b = append(b, name...)
		return appendValue(b, e)
	}
	panic(fmt.Sprintf("keyhash: cannot hash key of type %s: %s values are not portable across processes", v.Type(), v.Kind()))
}

func hash32(x, seed uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], x)
	return murmur3.Sum32WithSeed(b[:], seed)
}

func hash64(x uint64, seed uint32) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	return murmur3.Sum32WithSeed(b[:], seed)
}
