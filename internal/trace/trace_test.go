// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package trace

import (
	"bytes"
	"testing"
)

func TestTracer(t *testing.T) {
	tr := New(3, "compile")
	outer := tr.Span("compile", "job", map[string]interface{}{"job": 1})
	inner := tr.Span("phase", "taskgraph", nil)
	inner()
	outer()
	trace := tr.Trace()
	if got, want := len(trace.Events), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := trace.Events[0].Ph, "M"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, e := range trace.Events[1:] {
		if got, want := e.Ph, "X"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := e.Pid, 3; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	var b bytes.Buffer
	if err := trace.Encode(&b); err != nil {
		t.Fatal(err)
	}
	var decoded T
	if err := decoded.Decode(&b); err != nil {
		t.Fatal(err)
	}
	if got, want := len(decoded.Events), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNilTracer(t *testing.T) {
	var tr *Tracer
	tr.Span("compile", "", nil)()
	if got, want := len(tr.Trace().Events), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
