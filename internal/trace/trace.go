// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace records compile events in the Chrome tracing format.
// Traces can be visualized with chrome://tracing.
package trace

import (
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"
)

// T is a trace: a set of events.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// Encode writes the trace as JSON to w.
func (t *T) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(t)
}

// Decode reads a JSON trace from r.
func (t *T) Decode(r io.Reader) error {
	dec := json.NewDecoder(r)
	return dec.Decode(t)
}

// A Tracer collects the events of a single compilation. Each
// compilation is rendered as its own "process"; its events are
// complete ("X") events with timestamps relative to the start of
// the tracer. A nil Tracer discards all events.
type Tracer struct {
	pid   int
	start time.Time

	mu     sync.Mutex
	events []Event
}

// New returns a tracer whose events belong to process pid. The
// process is labeled with name.
func New(pid int, name string) *Tracer {
	t := &Tracer{pid: pid, start: time.Now()}
	t.events = append(t.events, Event{
		Pid:  pid,
		Ph:   "M",
		Name: "process_name",
		Args: map[string]interface{}{"name": name},
	})
	return t
}

// Span starts a span with the provided name and category. The span
// is recorded when the returned function is called.
func (t *Tracer) Span(name, cat string, args map[string]interface{}) (done func()) {
	if t == nil {
		return func() {}
	}
	begin := time.Now()
	return func() {
		end := time.Now()
		t.mu.Lock()
		t.events = append(t.events, Event{
			Pid:  t.pid,
			Ts:   begin.Sub(t.start).Nanoseconds() / 1e3,
			Dur:  end.Sub(begin).Nanoseconds() / 1e3,
			Ph:   "X",
			Name: name,
			Cat:  cat,
			Args: args,
		})
		t.mu.Unlock()
	}
}

// Trace returns the events recorded so far, ordered by timestamp.
func (t *Tracer) Trace() *T {
	if t == nil {
		return &T{}
	}
	t.mu.Lock()
	events := append([]Event(nil), t.events...)
	t.mu.Unlock()
	sort.SliceStable(events, func(i, j int) bool { return events[i].Ts < events[j].Ts })
	return &T{Events: events}
}
