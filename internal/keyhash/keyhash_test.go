// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package keyhash

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"testing"

	"github.com/spaolacci/murmur3"
)

type point struct{ X, Y int }

type label struct {
	Name string
	N    uint8
	W    float64
}

type unrelated struct{ S string }

func TestHashStable(t *testing.T) {
	if got, want := Hash("hello", OwnerSeed), Hash("hello", OwnerSeed); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if Hash("hello", OwnerSeed) == Hash("hello", SegmentSeed) {
		t.Error("seeds produced identical hashes")
	}
	if got, want := Hash(point{1, 2}, OwnerSeed), Hash(point{1, 2}, OwnerSeed); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestHashBalance makes sure that keys spread evenly across a small
// number of owners even after they have been partitioned once.
func TestHashBalance(t *testing.T) {
	const (
		N      = 100000
		owners = 4
		segs   = 16
	)
	counts := make([]int, segs)
	for i := 0; i < N; i++ {
		key := fmt.Sprint("key", i)
		if Hash(key, OwnerSeed)%owners != 0 {
			continue
		}
		counts[Hash(key, SegmentSeed)%segs]++
	}
	expect := N / owners / segs
	for i, n := range counts {
		if n < expect/2 || n > expect*2 {
			t.Errorf("segment %d: got %d keys, expected about %d", i, n, expect)
		}
	}
}

func TestHashCanonical(t *testing.T) {
	var b []byte
	b = binary.LittleEndian.AppendUint64(b, 1)
	b = binary.LittleEndian.AppendUint64(b, 2)
	if got, want := Hash(point{1, 2}, OwnerSeed), murmur3.Sum32WithSeed(b, OwnerSeed); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestHashGobIndependent makes sure that struct hashes do not depend
// on the types a process has previously encoded with gob.
func TestHashGobIndependent(t *testing.T) {
	before := Hash(label{"x", 3, 1.5}, OwnerSeed)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(unrelated{"x"}); err != nil {
		t.Fatal(err)
	}
	if err := gob.NewEncoder(&buf).Encode(label{"y", 4, 2}); err != nil {
		t.Fatal(err)
	}
	if got, want := Hash(label{"x", 3, 1.5}, OwnerSeed), before; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHashFields(t *testing.T) {
	// Length prefixes keep adjacent strings from running together.
	type pair struct{ A, B string }
	if Hash(pair{"ab", "c"}, OwnerSeed) == Hash(pair{"a", "bc"}, OwnerSeed) {
		t.Error("distinct keys produced identical hashes")
	}
	type boxed struct{ V interface{} }
	if Hash(boxed{int32(1)}, OwnerSeed) == Hash(boxed{int64(1)}, OwnerSeed) {
		t.Error("dynamic types not distinguished")
	}
	if got, want := Hash([2]int{1, 2}, OwnerSeed), Hash(point{1, 2}, OwnerSeed); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHashNegativeZero(t *testing.T) {
	negz := math.Copysign(0, -1)
	if got, want := Hash(negz, OwnerSeed), Hash(0.0, OwnerSeed); got != want {
		t.Errorf("float64: got %v, want %v", got, want)
	}
	if got, want := Hash(float32(negz), OwnerSeed), Hash(float32(0), OwnerSeed); got != want {
		t.Errorf("float32: got %v, want %v", got, want)
	}
	if got, want := Hash(label{"z", 0, negz}, OwnerSeed), Hash(label{"z", 0, 0}, OwnerSeed); got != want {
		t.Errorf("struct: got %v, want %v", got, want)
	}
}

func TestHashUnsupported(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	type ref struct{ P *int }
	Hash(ref{new(int)}, OwnerSeed)
}
