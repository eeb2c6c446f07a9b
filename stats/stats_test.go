// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"sync"
	"testing"
)

func TestStats(t *testing.T) {
	m := NewMap()
	var (
		sent = m.Int(BytesSent)
		_    = m.Int(Syncs)
	)
	if got, want := sent.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Int(BytesSent).Add(100)
		}()
	}
	wg.Wait()
	snap := m.Snapshot()
	if got, want := len(snap), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	total := make(Values)
	total.Merge(snap)
	total.Merge(snap)
	if got, want := total[BytesSent], int64(2000); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := total[Syncs], int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNilMap(t *testing.T) {
	var m *Map
	m.Int(Spills).Add(1)
	if got, want := m.Int(Spills).Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(m.Snapshot()), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestValuesString(t *testing.T) {
	v := Values{Syncs: 3, MessagesSent: 7}
	if got, want := v.String(), "msgs_sent:7 syncs:3"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
