// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package codec

import (
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

type testStruct struct {
	A int
	B string
	C map[string][]int64
}

func TestCodec(t *testing.T) {
	const N = 100
	fz := fuzz.New()
	fz.NilChance(0)
	fz.NumElements(N, N)
	var (
		in0 []string
		in1 []testStruct
		in2 map[int]float64
	)
	fz.Fuzz(&in0)
	fz.Fuzz(&in1)
	fz.Fuzz(&in2)
	for _, v := range []interface{}{in0, in1, in2} {
		p, err := Encode(v)
		if err != nil {
			t.Fatal(err)
		}
		out := reflect.New(reflect.TypeOf(v))
		if err := Decode(p, out.Interface()); err != nil {
			t.Fatal(err)
		}
		if got, want := out.Elem().Interface(), v; !reflect.DeepEqual(got, want) {
			t.Errorf("%T: round trip mismatch", v)
		}
	}
}

func TestCodecCompressed(t *testing.T) {
	save := CompressThreshold
	CompressThreshold = 16
	defer func() { CompressThreshold = save }()

	in := make([]int, 10000)
	for i := range in {
		in[i] = i % 7
	}
	p, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	if p[0]&flagCompressed == 0 {
		t.Fatal("expected compressed payload")
	}
	var out []int
	if err := Decode(p, &out); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Error("compressed round trip mismatch")
	}
}

func TestCodecCorruption(t *testing.T) {
	p, err := Encode([]string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	p[len(p)/2] ^= 0xff
	var out []string
	if err := Decode(p, &out); !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity error", err)
	}
	if err := Decode(p[:3], &out); !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity error", err)
	}
}

func TestCodecUnencodable(t *testing.T) {
	_, err := Encode(func() {})
	if err == nil {
		t.Fatal("expected error")
	}
}
