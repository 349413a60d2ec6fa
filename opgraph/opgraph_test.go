// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package opgraph

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/blobtype"
	"github.com/grailbio/bigplan/operator"
	"github.com/grailbio/bigplan/plantest"
	"github.com/grailbio/testutil/assert"
)

func chain() *plantest.JobBuilder {
	b := plantest.NewJob(1)
	b.Op("a", operator.Input).Shape(4, 8)
	b.Op("b", operator.Relu, "a/out")
	b.Op("c", operator.Transpose, "b/out").Perm(1, 0)
	return b
}

func TestGraph(t *testing.T) {
	g, err := New(chain().Job())
	assert.NoError(t, err)
	var names []string
	for _, n := range g.Nodes() {
		names = append(names, n.Name())
	}
	if got, want := strings.Join(names, ","), "a,b,c"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	d, ok := g.BlobDesc(bigplan.LBI{Op: "c", Bn: "out"})
	if !ok {
		t.Fatal("c/out not inferred")
	}
	if got, want := d, blobtype.New(blobtype.Float32, 8, 4); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	a, c := g.Node("a"), g.Node("c")
	if !g.Reachable(a, c) || g.Reachable(c, a) || g.Reachable(a, a) {
		t.Error("bad reachability")
	}
	if got, want := len(g.Consumers(bigplan.LBI{Op: "a", Bn: "out"})), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTopologicalOrder(t *testing.T) {
	// Ops are listed out of dependency order.
	b := plantest.NewJob(1)
	b.Op("c", operator.Relu, "b/out")
	b.Op("b", operator.Relu, "a/out")
	b.Op("a", operator.Input).Shape(2)
	b.Op("d", operator.Input).Shape(2).After("c")
	g, err := New(b.Job())
	assert.NoError(t, err)
	var names []string
	for _, n := range g.Nodes() {
		names = append(names, n.Name())
	}
	if got, want := strings.Join(names, ","), "a,b,c,d"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !g.Reachable(g.Node("a"), g.Node("d")) {
		t.Error("control edges must contribute to reachability")
	}
}

func TestReachableLongChain(t *testing.T) {
	// Long enough that ancestor sets span several words.
	const n = 150
	b := plantest.NewJob(1)
	b.Op("x0", operator.Input).Shape(2)
	b.Op("side", operator.Input).Shape(2)
	for i := 1; i < n; i++ {
		b.Op(fmt.Sprintf("x%d", i), operator.Relu, fmt.Sprintf("x%d/out", i-1))
	}
	g, err := New(b.Job())
	assert.NoError(t, err)
	first, last := g.Node("x0"), g.Node(fmt.Sprintf("x%d", n-1))
	if !g.Reachable(first, last) {
		t.Errorf("%s does not reach %s", first.Name(), last.Name())
	}
	if g.Reachable(last, first) {
		t.Errorf("%s reaches %s", last.Name(), first.Name())
	}
	for i := 0; i < n; i += 37 {
		x := g.Node(fmt.Sprintf("x%d", i))
		if g.Reachable(g.Node("side"), x) || g.Reachable(x, g.Node("side")) {
			t.Errorf("side is connected to %s", x.Name())
		}
	}
}

func TestInvariantViolations(t *testing.T) {
	for _, c := range []struct {
		name  string
		build func(b *plantest.JobBuilder)
	}{
		{"undefined blob", func(b *plantest.JobBuilder) {
			b.Op("a", operator.Relu, "nope/out")
		}},
		{"duplicate op", func(b *plantest.JobBuilder) {
			b.Op("a", operator.Input).Shape(1)
			b.Op("a", operator.Input).Shape(1)
		}},
		{"undefined placement", func(b *plantest.JobBuilder) {
			b.Op("a", operator.Input).Shape(1).On("elsewhere")
		}},
		{"cycle", func(b *plantest.JobBuilder) {
			b.Op("a", operator.Relu, "b/out")
			b.Op("b", operator.Relu, "a/out")
		}},
		{"control cycle", func(b *plantest.JobBuilder) {
			b.Op("a", operator.Input).Shape(1).After("b")
			b.Op("b", operator.Relu, "a/out")
		}},
		{"inconsistent shapes", func(b *plantest.JobBuilder) {
			b.Op("a", operator.Input).Shape(2, 3)
			b.Op("b", operator.Input).Shape(2, 3)
			b.Op("c", operator.Matmul, "a/out", "b/out")
		}},
	} {
		b := plantest.NewJob(1)
		c.build(b)
		_, err := New(b.Job())
		if !bigplan.IsInvariantViolation(err) {
			t.Errorf("%s: expected invariant violation, got %v", c.name, err)
		}
	}
}

func TestUserErrors(t *testing.T) {
	b := plantest.NewJob(1)
	b.Op("a", "conv9d")
	_, err := New(b.Job())
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("unknown type: got %v", err)
	}
	b = plantest.NewJob(1)
	b.Op("a", operator.Input).Shape(2)
	b.Op("r", operator.ReduceAdd, "a/out")
	_, err = New(b.Job())
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("internal op: got %v", err)
	}
}

func TestConsumersReachable(t *testing.T) {
	// x feeds both p and q; q consumes p's output, so p reaches q,
	// but nothing orders q before p.
	b := plantest.NewJob(1)
	b.Op("x", operator.Input).Shape(8)
	b.Op("p", operator.Relu, "x/out")
	b.Op("q", operator.Add, "x/out", "p/out")
	b.Op("r", operator.Sigmoid, "x/out")
	g, err := New(b.Job())
	assert.NoError(t, err)
	ok := g.IsLbiAllConsumersReachableToOpName()
	x := bigplan.LBI{Op: "x", Bn: "out"}
	if ok(x, "q") {
		t.Error("r does not reach q")
	}
	if ok(x, "p") {
		t.Error("q does not reach p")
	}
	if ok(x, "nope") {
		t.Error("unknown ops are never safe")
	}
	p := bigplan.LBI{Op: "p", Bn: "out"}
	if !ok(p, "q") {
		t.Error("q is the only consumer of p/out")
	}
}

func TestDot(t *testing.T) {
	g, err := New(chain().Job())
	assert.NoError(t, err)
	var buf bytes.Buffer
	assert.NoError(t, g.Dot(&buf))
	for _, want := range []string{"digraph opgraph", `"a" -> "b"`, `"b" -> "c"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("dot output missing %q:\n%s", want, buf.String())
		}
	}
}
