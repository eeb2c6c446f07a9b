// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats maintains per-rank counters for communication and
// container activity. Counters live in a Map; a Map can be
// snapshotted into Values, and Values from several ranks can be
// summed to describe a whole job.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/data"
)

// Names of the counters maintained by the runtime.
const (
	BytesSent     = "bytes_sent"
	BytesReceived = "bytes_recv"
	MessagesSent  = "msgs_sent"
	Collectives   = "collectives"
	Syncs         = "syncs"
	Spills        = "spills"
	Emits         = "emits"
)

// Values is a snapshot of counter values, keyed by counter name.
type Values map[string]int64

// Merge adds each counter in w to v.
func (v Values) Merge(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// String returns a compact rendering of v, sorted by counter name.
// Byte counters are rendered as sizes.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		if strings.HasPrefix(key, "bytes_") {
			keys[i] = fmt.Sprintf("%s:%s", key, data.Size(v[key]))
		} else {
			keys[i] = fmt.Sprintf("%s:%d", key, v[key])
		}
	}
	return strings.Join(keys, " ")
}

// A Map is a named set of counters.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name, creating it
// if needed. A nil Map returns a nil counter, on which all
// operations are no-ops.
func (m *Map) Int(name string) *Int {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	if !ok {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// Snapshot returns the current value of every counter in m.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	if m == nil {
		return vals
	}
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] = v.Get()
	}
	m.mu.Unlock()
	return vals
}

// An Int is an atomic counter. The nil Int discards updates.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v != nil {
		atomic.AddInt64(&v.val, delta)
	}
}

// Get returns the counter's current value.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
