// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph

import (
	"fmt"
	"strings"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/blobtype"
	"github.com/grailbio/bigplan/logical"
	"github.com/grailbio/bigplan/opgraph"
	"github.com/grailbio/bigplan/operator"
	"github.com/grailbio/bigplan/plantest"
	"github.com/grailbio/bigplan/stats"
	"github.com/grailbio/testutil/assert"
)

func construct(t *testing.T, job *bigplan.Job) *Graph {
	t.Helper()
	ops, err := opgraph.New(job)
	assert.NoError(t, err)
	lg, err := logical.New(ops, job.Conf.Train)
	assert.NoError(t, err)
	g, err := New(lg, job.Conf)
	assert.NoError(t, err)
	return g
}

func compile(t *testing.T, job *bigplan.Job) *Graph {
	t.Helper()
	g := construct(t, job)
	assert.NoError(t, g.RunAll())
	return g
}

func task(t *testing.T, g *Graph, name string, rank int) *Task {
	t.Helper()
	tasks := g.Instances(name)
	if rank >= len(tasks) {
		t.Fatalf("no task %s:%d", name, rank)
	}
	return tasks[rank]
}

func meaningful(g *Graph) []*Task {
	var tasks []*Task
	for _, t := range g.Tasks() {
		if !t.IsMeaningless() {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

func trainingJob(placement string) *plantest.JobBuilder {
	b := plantest.NewJob(1).Train("l/out").Pieces(4).
		Placement("dp", bigplan.DataParallel, 0, 0, 0, 1)
	b.Op("x", operator.Input).Shape(4, 3).On(placement)
	b.Op("w", operator.Variable).Shape(3, 2).Trainable().On(placement)
	b.Op("y", operator.Matmul, "x/out", "w/out").On(placement)
	b.Op("l", operator.Loss, "y/out").On(placement)
	b.Op("g", operator.Gradient, "l/out", "w/out").On(placement)
	b.Op("u", operator.SGDUpdate, "w/out", "g/out").On(placement)
	return b
}

func TestChain(t *testing.T) {
	b := plantest.NewJob(1)
	b.Op("a", operator.Input).Shape(4, 8)
	b.Op("b", operator.Relu, "a/out")
	b.Op("c", operator.Relu, "b/out")
	g := compile(t, b.Job())
	if got, want := len(meaningful(g)), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	regsts := g.Regsts()
	if got, want := len(regsts), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for _, r := range regsts {
		if r.Kind != DataRegst {
			t.Errorf("unexpected control register %s", r)
		}
	}
	a, bt, c := task(t, g, "a", 0), task(t, g, "b", 0), task(t, g, "c", 0)
	if !a.HasDirectEdgeTo(bt) || !bt.HasDirectEdgeTo(c) {
		t.Error("missing data edges")
	}
	if got, want := c.ChainID, a.ChainID; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := g.Counters().Get(stats.CtrlEdges), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for i, task := range []*Task{a, bt, c} {
		if got, want := task.Order, i; got != want {
			t.Errorf("%s: got %v, want %v", task, got, want)
		}
	}
	d, _ := a.ProducedRegst("out").Desc()
	if got, want := d, blobtype.New(blobtype.Float32, 4, 8); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCrossMachineCopy(t *testing.T) {
	b := plantest.NewJob(1).
		Placement("m1", bigplan.DataParallel, 1, 0).
		Placement("m2", bigplan.DataParallel, 2, 0)
	b.Op("a", operator.Input).Shape(4).On("m1")
	b.Op("b", operator.Relu, "a/out").On("m2")
	g := compile(t, b.Job())
	a, bt := task(t, g, "a", 0), task(t, g, "b", 0)
	in, ok := bt.ConsumedRegst("in")
	if !ok {
		t.Fatal("b has no input")
	}
	cp := in.Producer
	if got, want := cp.Type, Copy; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := cp.Machine, int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := cp.Area, CopyArea; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !a.HasDirectEdgeTo(cp) {
		t.Error("a does not feed the copy task")
	}
	if cp.ChainID == bt.ChainID {
		t.Error("copy task shares the compute chain")
	}
}

// checkChainsOrdered returns an error if two tasks of the same chain
// are unordered.
func checkChainsOrdered(g *Graph) error {
	chains := make(map[int64][]*Task)
	for _, t := range meaningful(g) {
		chains[t.ChainID] = append(chains[t.ChainID], t)
	}
	for _, tasks := range chains {
		for i, t := range tasks {
			for _, u := range tasks[i+1:] {
				if !g.Reachable(t, u) && !g.Reachable(u, t) {
					return fmt.Errorf("%s and %s are unordered", t, u)
				}
			}
		}
	}
	return nil
}

func TestIndependentChains(t *testing.T) {
	b := plantest.NewJob(1)
	b.Op("x1", operator.Input).Shape(4)
	b.Op("x2", operator.Relu, "x1/out")
	b.Op("y1", operator.Input).Shape(4)
	b.Op("y2", operator.Relu, "y1/out")
	g := compile(t, b.Job())
	x2, y1 := task(t, g, "x2", 0), task(t, g, "y1", 0)
	ctrl := x2.ProducedRegst(CtrlName)
	if ctrl == nil || !ctrl.HasConsumer(y1) {
		t.Fatal("expected control edge from x2 to y1")
	}
	assert.NoError(t, checkChainsOrdered(g))
	if got, want := g.Counters().Get(stats.CtrlEdges), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// Removing the control edge leaves the chains unordered.
	y1.unbind(ctrl)
	ctrl.consumers = nil
	if err := checkChainsOrdered(g); err == nil {
		t.Error("expected unordered tasks")
	}
}

func TestPhaseOrder(t *testing.T) {
	b := plantest.NewJob(1)
	b.Op("a", operator.Input).Shape(4)
	g := construct(t, b.Job())
	if err := g.Run(Consume); !bigplan.IsInvariantViolation(err) {
		t.Errorf("expected invariant violation, got %v", err)
	}
	assert.NoError(t, g.Run(Produce))
	if err := g.Run(Produce); !bigplan.IsInvariantViolation(err) {
		t.Errorf("expected invariant violation, got %v", err)
	}
	if got, want := g.Next(), Consume; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	assert.NoError(t, g.RunAll())
	if got, want := g.Next(), NumPhases; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := g.Run(TimeShape); !bigplan.IsInvariantViolation(err) {
		t.Errorf("expected invariant violation, got %v", err)
	}
}

func regstIDs(g *Graph) string {
	var ids []string
	for _, r := range g.Regsts() {
		ids = append(ids, fmt.Sprint(r.ID))
	}
	return strings.Join(ids, ",")
}

func TestPrune(t *testing.T) {
	b := plantest.NewJob(1)
	b.Op("tick", operator.Tick)
	b.Op("i", operator.Identity, "tick/out")
	b.Op("j", operator.Identity, "i/out")
	b.Op("a", operator.Input).Shape(4)
	b.Op("r", operator.Relu, "a/out")
	g := construct(t, b.Job())
	for g.Next() < Prune {
		assert.NoError(t, g.Run(g.Next()))
	}
	var (
		tick = task(t, g, "tick", 0)
		i    = task(t, g, "i", 0)
		j    = task(t, g, "j", 0)
		a    = task(t, g, "a", 0)
		r    = task(t, g, "r", 0)
	)
	// Detach the only readers of an empty register and of a register
	// that carries data.
	iOut, aOut := i.ProducedRegst("out"), a.ProducedRegst("out")
	if iOut == nil || aOut == nil {
		t.Fatal("missing registers")
	}
	if !iOut.Empty() || aOut.Empty() {
		t.Fatalf("%s should be empty and %s should not", iOut, aOut)
	}
	j.unbind(iOut)
	iOut.consumers = nil
	r.unbind(aOut)
	aOut.consumers = nil

	assert.NoError(t, g.Run(Prune))
	if got, want := g.Counters().Get(stats.RegstsPruned), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if i.ProducedRegst("out") != nil {
		t.Errorf("%s was not pruned", iOut)
	}
	if a.ProducedRegst("out") == nil {
		t.Errorf("%s carries data and should survive", aOut)
	}
	tickOut := tick.ProducedRegst("out")
	if tickOut == nil || !tickOut.HasConsumer(i) {
		t.Error("consumed empty register tick/out was pruned")
	}
	assert.NoError(t, g.RunAll())
	before := regstIDs(g)
	g.RemoveEmptyRegsts()
	if got, want := regstIDs(g), before; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := g.Counters().Get(stats.RegstsPruned), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEmptyBlobChain(t *testing.T) {
	b := plantest.NewJob(1)
	b.Op("tick", operator.Tick)
	b.Op("i", operator.Identity, "tick/out")
	b.Op("a", operator.Input).Shape(0, 4)
	b.Op("b", operator.Relu, "a/out")
	b.Op("c", operator.Relu, "b/out")
	g := compile(t, b.Job())
	if got, want := len(meaningful(g)), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := g.Counters().Get(stats.RegstsPruned), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, edge := range [][2]string{{"a", "b"}, {"b", "c"}, {"tick", "i"}} {
		src, dst := task(t, g, edge[0], 0), task(t, g, edge[1], 0)
		r, ok := dst.ConsumedRegst("in")
		if !ok || r.Producer != src {
			t.Errorf("%s does not read the output of %s", dst, src)
			continue
		}
		if !r.Empty() {
			t.Errorf("%s should be empty", r)
		}
	}
	c := task(t, g, "c", 0)
	if got, want := fmt.Sprint(c.TimeShape), "[1]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestModelUpdateOrdering(t *testing.T) {
	g := compile(t, trainingJob(bigplan.DefaultPlacement).Job())
	u := task(t, g, "u", 0)
	if got, want := u.Type, MdUpdt; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	model, ok := u.ConsumedRegst("model")
	if !ok {
		t.Fatal("update has no model")
	}
	if !model.Pinned {
		t.Error("model register must be pinned")
	}
	for _, c := range model.Consumers() {
		if c != u && !g.Reachable(c, u) {
			t.Errorf("%s is not ordered before the update", c)
		}
	}
	for _, c := range []struct {
		name  string
		shape []int64
	}{
		{"x", []int64{4}},
		{"w", []int64{1}},
		{"y", []int64{4}},
		{"g", []int64{4}},
		{"u", []int64{1}},
	} {
		if got, want := task(t, g, c.name, 0).TimeShape, c.shape; !blobtype.Shape(got).Equal(want) {
			t.Errorf("%s: got %v, want %v", c.name, got, want)
		}
	}
	if got, want := task(t, g, "x", 0).ProducedRegst("out").MaxRegstNum, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := model.MaxRegstNum, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUpdateOrderingCtrlEdge(t *testing.T) {
	// The reader r of w is not otherwise ordered before the update.
	b := trainingJob(bigplan.DefaultPlacement)
	b.Op("r", operator.Relu, "w/out")
	b.Op("s", operator.Sigmoid, "r/out")
	g := construct(t, b.Job())
	for g.Next() <= MdUpdtOrdering {
		assert.NoError(t, g.Run(g.Next()))
	}
	r, u := task(t, g, "r", 0), task(t, g, "u", 0)
	if !r.HasDirectEdgeTo(u) {
		t.Error("expected control edge from reader to update")
	}
	assert.NoError(t, g.RunAll())
	if !g.Reachable(r, u) {
		t.Error("reader not ordered before update")
	}
}

func TestDataParallelReduce(t *testing.T) {
	job := trainingJob("dp").MemSharing().Job()
	g := compile(t, job)
	var counts [maxTaskType]int
	for _, t := range meaningful(g) {
		counts[t.Type]++
	}
	for typ, want := range map[TaskType]int{
		ReduceScatter: 2,
		ReduceAdd:     2,
		ReduceGather:  2,
		MdUpdt:        2,
		Copy:          4,
	} {
		if got := counts[typ]; got != want {
			t.Errorf("%s: got %v, want %v", typ, got, want)
		}
	}
	for rank := 0; rank < 2; rank++ {
		scatter := task(t, g, "g-"+operator.ReduceScatter, rank).ProducedRegst("out")
		add := task(t, g, "g-"+operator.ReduceAdd, rank).ProducedRegst("out")
		gather := task(t, g, "g-"+operator.ReduceGather, rank).ProducedRegst("out")
		if scatter.MemSharedID < 0 || scatter.MemSharedID != add.MemSharedID || add.MemSharedID != gather.MemSharedID {
			t.Errorf("rank %d: registers not shared: %d %d %d", rank, scatter.MemSharedID, add.MemSharedID, gather.MemSharedID)
		}
		if got, want := add.MemSharedOffset, int64(rank*3*4); got != want {
			t.Errorf("rank %d: got %v, want %v", rank, got, want)
		}
		d, _ := add.Desc()
		if got, want := d, blobtype.New(blobtype.Float32, 3); !got.Equal(want) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if got, want := g.Counters().Get(stats.MemSharedGroups), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMemSharingDisabled(t *testing.T) {
	g := compile(t, trainingJob("dp").Job())
	for _, r := range g.Regsts() {
		if r.MemSharedID >= 0 {
			t.Errorf("%s shares memory", r)
		}
	}
}

// checkInplaceSafety returns an error if an accepted in-place
// rewrite could race with another consumer of its source.
func checkInplaceSafety(g *Graph) error {
	byID := make(map[int64]*Regst)
	for _, r := range g.Regsts() {
		byID[r.ID] = r
	}
	for _, out := range g.Regsts() {
		if out.InplaceSource < 0 {
			continue
		}
		in := byID[out.InplaceSource]
		if in == nil {
			return fmt.Errorf("%s overwrites missing register %d", out, out.InplaceSource)
		}
		for _, c := range in.consumers {
			if c != out.Producer && !g.Reachable(c, out.Producer) {
				return fmt.Errorf("%s overwrites %s before %s reads it", out.Producer, in, c)
			}
		}
	}
	return nil
}

func TestInplaceChain(t *testing.T) {
	b := plantest.NewJob(1).Inplace()
	b.Op("x", operator.Input).Shape(8)
	b.Op("a", operator.Relu, "x/out")
	b.Op("b", operator.Relu, "a/out")
	b.Op("c", operator.Softmax, "b/out")
	g := compile(t, b.Job())
	x := task(t, g, "x", 0).ProducedRegst("out")
	a := task(t, g, "a", 0).ProducedRegst("out")
	bo := task(t, g, "b", 0).ProducedRegst("out")
	if got, want := a.InplaceSource, x.ID; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := bo.InplaceSource, a.ID; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if x.MemSharedID < 0 || a.MemSharedID != x.MemSharedID || bo.MemSharedID != x.MemSharedID {
		t.Errorf("chain does not share one group: %d %d %d", x.MemSharedID, a.MemSharedID, bo.MemSharedID)
	}
	assert.NoError(t, checkInplaceSafety(g))
}

func TestInplaceRejected(t *testing.T) {
	b := plantest.NewJob(1).Inplace()
	b.Op("x", operator.Input).Shape(8)
	b.Op("p", operator.Relu, "x/out")
	b.Op("q", operator.Sigmoid, "x/out")
	b.Op("z", operator.Add, "p/out", "q/out")
	b.Op("s", operator.Softmax, "z/out")
	g := compile(t, b.Job())
	for _, name := range []string{"p", "q"} {
		if r := task(t, g, name, 0).ProducedRegst("out"); r.InplaceSource >= 0 {
			t.Errorf("%s: unexpected in-place rewrite", name)
		}
	}
	z := task(t, g, "z", 0).ProducedRegst("out")
	if got, want := z.InplaceSource, task(t, g, "p", 0).ProducedRegst("out").ID; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := g.Counters().Get(stats.InplaceAccepted), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := g.Counters().Get(stats.InplaceRejected), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	assert.NoError(t, checkInplaceSafety(g))
}

func TestInplacePinned(t *testing.T) {
	b := plantest.NewJob(1).Inplace()
	b.Op("w", operator.Variable).Shape(8)
	b.Op("r", operator.Relu, "w/out")
	b.Op("s", operator.Softmax, "r/out")
	g := compile(t, b.Job())
	if r := task(t, g, "r", 0).ProducedRegst("out"); r.InplaceSource >= 0 {
		t.Error("variables must not be overwritten in place")
	}
}

func TestDeterminism(t *testing.T) {
	job := trainingJob("dp").MemSharing().Inplace().Job()
	var outputs []string
	for i := 0; i < 3; i++ {
		var b strings.Builder
		assert.NoError(t, compile(t, job.Clone()).WriteGraph(&b))
		outputs = append(outputs, b.String())
	}
	for _, out := range outputs[1:] {
		if out != outputs[0] {
			t.Errorf("nondeterministic task graph:\n%s\n%s", outputs[0], out)
		}
	}
}

// randomJob returns a random job of unary and binary ops over
// blobs of one shape, spread over two machines.
func randomJob(fz *fuzz.Fuzzer, nops int) *bigplan.Job {
	b := plantest.NewJob(1).Placement("m1", bigplan.DataParallel, 1, 0)
	var inplace bool
	fz.Fuzz(&inplace)
	if inplace {
		b.Inplace()
	}
	placements := []string{bigplan.DefaultPlacement, "m1"}
	types := []string{operator.Relu, operator.Sigmoid, operator.Identity, operator.Add, operator.Softmax}
	pick := func(n int) int {
		var v uint16
		fz.Fuzz(&v)
		return int(v) % n
	}
	names := []string{"op0"}
	b.Op("op0", operator.Input).Shape(4, 4)
	for i := 1; i < nops; i++ {
		name := fmt.Sprintf("op%d", i)
		typ := types[pick(len(types))]
		in := []string{names[pick(len(names))] + "/out"}
		if typ == operator.Add {
			in = append(in, names[pick(len(names))]+"/out")
		}
		b.Op(name, typ, in...).On(placements[pick(len(placements))])
		names = append(names, name)
	}
	return b.Job()
}

func TestRandomGraphs(t *testing.T) {
	fz := fuzz.NewWithSeed(12345)
	for iter := 0; iter < 50; iter++ {
		job := randomJob(fz, 2+iter%15)
		g := compile(t, job)
		producers := make(map[int64]int)
		for _, task := range g.Tasks() {
			for _, r := range task.Produced() {
				producers[r.ID]++
				if r.Producer != task {
					t.Errorf("%s: producer is %s, want %s", r, r.Producer, task)
				}
			}
		}
		for id, n := range producers {
			if n != 1 {
				t.Errorf("register %d has %d producers", id, n)
			}
		}
		for _, task := range g.Tasks() {
			for name, regsts := range task.Consumed() {
				for _, r := range regsts {
					if r.Producer.ProducedRegst(r.Name) != r {
						t.Errorf("%s consumes pruned register %s as %s", task, r, name)
					}
					if !r.HasConsumer(task) {
						t.Errorf("%s does not list consumer %s", r, task)
					}
				}
			}
		}
		if err := checkInplaceSafety(g); err != nil {
			t.Error(err)
		}
		if err := checkChainsOrdered(g); err != nil {
			t.Error(err)
		}
		before := regstIDs(g)
		g.RemoveEmptyRegsts()
		if got, want := regstIDs(g), before; got != want {
			t.Errorf("pruning is not idempotent: got %v, want %v", got, want)
		}
	}
}
