// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats counts the decisions that task graph phases make:
// pruned registers, control edges, memory groups, and in-place
// rewrites. Each compilation owns a Map; the compiler folds Map
// snapshots into running Values.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// A Counter identifies one kind of phase decision.
type Counter int

const (
	// RegstsPruned counts registers removed by the prune phase.
	RegstsPruned Counter = iota
	// CtrlEdges counts control edges added by ordering phases.
	CtrlEdges
	// MemSharedGroups counts memory groups formed in reduce
	// structures.
	MemSharedGroups
	// InplaceAccepted counts in-place rewrites that were applied.
	InplaceAccepted
	// InplaceRejected counts in-place candidates that were vetoed.
	InplaceRejected

	numCounters
)

var counterNames = [numCounters]string{
	RegstsPruned:    "regsts_pruned",
	CtrlEdges:       "ctrl_edges",
	MemSharedGroups: "mem_shared_groups",
	InplaceAccepted: "inplace_accepted",
	InplaceRejected: "inplace_rejected",
}

// String returns the counter's report name.
func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return fmt.Sprintf("counter(%d)", int(c))
	}
	return counterNames[c]
}

// ParseCounter returns the counter with the provided report name.
func ParseCounter(name string) (Counter, bool) {
	for c, n := range counterNames {
		if n == name {
			return Counter(c), true
		}
	}
	return 0, false
}

// Values is a snapshot of counter values.
type Values map[Counter]int64

// Copy returns a copy of the values v.
func (v Values) Copy() Values {
	w := make(Values, len(v))
	for k, n := range v {
		w[k] = n
	}
	return w
}

// Add adds every value in w to v.
func (v Values) Add(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// String returns the values as "name:value" pairs sorted by name.
func (v Values) String() string {
	pairs := make([]string, 0, len(v))
	for c, n := range v {
		pairs = append(pairs, fmt.Sprintf("%s:%d", c, n))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, " ")
}

// A Map holds one value for every Counter. Its methods are safe for
// concurrent use. A nil Map discards updates and reads as zero.
type Map struct {
	vals [numCounters]int64
}

// NewMap returns a Map with every counter at zero.
func NewMap() *Map {
	return new(Map)
}

// Add increments counter c by delta.
func (m *Map) Add(c Counter, delta int64) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.vals[c], delta)
}

// Get returns the current value of counter c.
func (m *Map) Get(c Counter) int64 {
	if m == nil {
		return 0
	}
	return atomic.LoadInt64(&m.vals[c])
}

// Snapshot returns the current value of every counter, including
// those that were never incremented.
func (m *Map) Snapshot() Values {
	vals := make(Values, numCounters)
	for c := Counter(0); c < numCounters; c++ {
		vals[c] = m.Get(c)
	}
	return vals
}
