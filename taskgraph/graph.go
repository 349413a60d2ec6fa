// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package taskgraph implements the physical task graph of a job: one
// task per instance of each logical node, plus the copy and boxing
// tasks that move blobs between devices, connected through register
// descriptors.
//
// A Graph is constructed from a logical graph and then transformed by
// a fixed sequence of phases (see Phase). Each phase relies on the
// invariants established by the previous ones, so phases must be run
// exactly once and in order; Run enforces this.
package taskgraph

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/bits-and-blooms/bitset"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/logical"
	"github.com/grailbio/bigplan/operator"
	"github.com/grailbio/bigplan/stats"
)

type copyKey struct {
	src             int64
	bn              string
	machine, device int64
}

// Graph is the task graph of a job.
type Graph struct {
	conf    bigplan.JobConf
	logical *logical.Graph

	tasks []*Task
	// instances holds the tasks of each logical node, by node id and
	// rank.
	instances [][]*Task
	copies    map[copyKey]*Task
	chains    map[chainKey]int64

	next          Phase
	nextRegstID   int64
	nextMemShared int64

	counters *stats.Map
}

// New constructs the task graph of the provided logical graph. The
// returned graph has tasks and construction edges but no registers;
// these are established by running the graph's phases.
func New(lg *logical.Graph, conf bigplan.JobConf) (*Graph, error) {
	g := &Graph{
		conf:      conf,
		logical:   lg,
		instances: make([][]*Task, len(lg.Nodes())),
		copies:    make(map[copyKey]*Task),
		chains:    make(map[chainKey]int64),
		counters:  stats.NewMap(),
	}
	for _, n := range lg.Nodes() {
		typ, err := nodeTaskType(n)
		if err != nil {
			return nil, err
		}
		tasks := make([]*Task, n.ParallelNum())
		for rank := range tasks {
			machine, device := n.Device(rank)
			tasks[rank] = g.newTask(typ, n, rank, machine, device, ComputeArea)
		}
		g.instances[n.ID] = tasks
	}
	for _, n := range lg.Nodes() {
		for _, e := range n.In {
			if err := g.connect(e); err != nil {
				return nil, err
			}
		}
		for _, p := range n.CtrlIn {
			g.connectCtrl(p, n)
		}
	}
	log.Debug.Printf("taskgraph: job %d: %d tasks from %d logical nodes", conf.JobID, len(g.tasks), len(lg.Nodes()))
	return g, nil
}

func nodeTaskType(n *logical.Node) (TaskType, error) {
	switch n.Conf.Type {
	case operator.ReduceScatter:
		return ReduceScatter, nil
	case operator.ReduceAdd:
		return ReduceAdd, nil
	case operator.ReduceGather:
		return ReduceGather, nil
	}
	if n.Op.Internal {
		return 0, bigplan.Invariantf("op %s: no task type for internal operator %s", n.Name(), n.Conf.Type)
	}
	if n.Op.ModelUpdate {
		return MdUpdt, nil
	}
	return Normal, nil
}

func (g *Graph) newTask(typ TaskType, n *logical.Node, rank int, machine, device int64, area Area) *Task {
	t := &Task{
		ID:       int64(len(g.tasks)),
		Type:     typ,
		Node:     n,
		Rank:     rank,
		Machine:  machine,
		Device:   device,
		Area:     area,
		Order:    -1,
		produced: make(map[string]*Regst),
		consumed: make(map[string][]*Regst),
	}
	key := chainKey{machine, device, area}
	if area == CopyArea {
		key.device = -1
	}
	id, ok := g.chains[key]
	if !ok {
		id = int64(len(g.chains))
		g.chains[key] = id
	}
	t.ChainID = id
	g.tasks = append(g.tasks, t)
	return t
}

func (g *Graph) addEdge(src *Task, srcBn string, dst *Task, dstBn string) {
	e := &edge{src: src, dst: dst, srcBn: srcBn, dstBn: dstBn}
	src.out = append(src.out, e)
	dst.in = append(dst.in, e)
}

// transfer returns the task and register name from which a task on
// the provided machine and device reads register bn of src. Registers
// on other devices are read through a copy task, shared among all
// readers on the device.
func (g *Graph) transfer(src *Task, bn string, lbi bigplan.LBI, machine, device int64) (*Task, string) {
	if src.Machine == machine && src.Device == device {
		return src, bn
	}
	key := copyKey{src.ID, bn, machine, device}
	if c := g.copies[key]; c != nil {
		return c, "out"
	}
	c := g.newTask(Copy, src.Node, src.Rank, machine, device, CopyArea)
	c.LBI = lbi
	g.addEdge(src, bn, c, "in")
	g.copies[key] = c
	return c, "out"
}

func (g *Graph) connect(e *logical.Edge) error {
	srcs, dsts := g.instances[e.Src.ID], g.instances[e.Dst.ID]
	bn := e.LBI.Bn
	switch e.Kind {
	case logical.OneToOne:
		if len(srcs) != len(dsts) {
			return bigplan.Invariantf("one-to-one edge %s from %s to %s has mismatched parallelism", e.LBI, e.Src, e.Dst)
		}
		for rank, dst := range dsts {
			src, srcBn := g.transfer(srcs[rank], bn, e.LBI, dst.Machine, dst.Device)
			g.addEdge(src, srcBn, dst, e.Dst.InputBns[e.Input])
		}
	case logical.AllToAll:
		for _, dst := range dsts {
			for rank, s := range srcs {
				src, srcBn := g.transfer(s, bn, e.LBI, dst.Machine, dst.Device)
				g.addEdge(src, srcBn, dst, fmt.Sprintf("in_%d", rank))
			}
		}
	case logical.Boxing:
		full, ok := e.Src.FullDesc(bn)
		if !ok {
			return bigplan.Invariantf("op %s consumes undefined blob %s", e.Dst.Name(), e.LBI)
		}
		inDist := e.Src.OutputDist(bn)
		for rank, dst := range dsts {
			box := g.newTask(Boxing, e.Src, rank, dst.Machine, dst.Device, ComputeArea)
			box.LBI = e.LBI
			box.box = &boxing{in: inDist, out: e.Dst.InDists[e.Input], full: full, n: len(dsts)}
			if inDist.Kind == logical.Broadcast {
				src, srcBn := g.transfer(srcs[rank%len(srcs)], bn, e.LBI, dst.Machine, dst.Device)
				g.addEdge(src, srcBn, box, "in_0")
			} else {
				for i, s := range srcs {
					src, srcBn := g.transfer(s, bn, e.LBI, dst.Machine, dst.Device)
					g.addEdge(src, srcBn, box, fmt.Sprintf("in_%d", i))
				}
			}
			g.addEdge(box, "out", dst, e.Dst.InputBns[e.Input])
		}
	default:
		return bigplan.Invariantf("edge %s: unknown edge kind %d", e.LBI, e.Kind)
	}
	return nil
}

func (g *Graph) connectCtrl(src, dst *logical.Node) {
	srcs, dsts := g.instances[src.ID], g.instances[dst.ID]
	for rank, d := range dsts {
		if len(srcs) == len(dsts) {
			g.addEdge(srcs[rank], CtrlName, d, CtrlName)
			continue
		}
		for _, s := range srcs {
			g.addEdge(s, CtrlName, d, CtrlName)
		}
	}
}

// Conf returns the job configuration of the graph.
func (g *Graph) Conf() bigplan.JobConf { return g.conf }

// Logical returns the logical graph from which the task graph was
// constructed.
func (g *Graph) Logical() *logical.Graph { return g.logical }

// Tasks returns the graph's tasks in construction order, which is
// also id order.
func (g *Graph) Tasks() []*Task { return g.tasks }

// Task returns the task with the provided id.
func (g *Graph) Task(id int64) (*Task, bool) {
	if id < 0 || id >= int64(len(g.tasks)) {
		return nil, false
	}
	return g.tasks[id], true
}

// Instances returns the tasks of the named logical node, by rank.
func (g *Graph) Instances(name string) []*Task {
	n := g.logical.Node(name)
	if n == nil {
		return nil
	}
	return g.instances[n.ID]
}

// Regsts returns every register of the graph, sorted by id.
func (g *Graph) Regsts() []*Regst {
	var regsts []*Regst
	for _, t := range g.tasks {
		for _, r := range t.produced {
			regsts = append(regsts, r)
		}
	}
	sort.Slice(regsts, func(i, j int) bool { return regsts[i].ID < regsts[j].ID })
	return regsts
}

// Counters returns the graph's phase counters.
func (g *Graph) Counters() *stats.Map { return g.counters }

func (g *Graph) newRegst(t *Task, name string, kind RegstKind) *Regst {
	r := newRegst(g.nextRegstID, name, kind, t)
	g.nextRegstID++
	t.produced[name] = r
	return r
}

// addCtrlEdge orders src before dst through src's control register.
func (g *Graph) addCtrlEdge(src, dst *Task) {
	r := src.produced[CtrlName]
	if r == nil {
		r = g.newRegst(src, CtrlName, CtrlRegst)
	}
	dst.consume(CtrlName, r)
	g.counters.Add(stats.CtrlEdges, 1)
}

// topoOrder returns the non-meaningless tasks of the graph in
// topological order over register dependencies, breaking ties by
// task id. If delayed is set, model update tasks are deferred until
// no other task is ready. topoOrder returns an invariant violation if
// the graph has a cycle.
func (g *Graph) topoOrder(delayed bool) ([]*Task, error) {
	indegree := make([]int, len(g.tasks))
	var ready, readyUpdt []*Task
	var total int
	for _, t := range g.tasks {
		if t.IsMeaningless() {
			continue
		}
		total++
		indegree[t.ID] = len(t.Predecessors())
		if indegree[t.ID] == 0 {
			ready = append(ready, t)
		}
	}
	if delayed {
		ready, readyUpdt = splitUpdates(ready)
	}
	order := make([]*Task, 0, total)
	for len(ready) > 0 || len(readyUpdt) > 0 {
		var t *Task
		if len(ready) > 0 {
			t, ready = ready[0], ready[1:]
		} else {
			t, readyUpdt = readyUpdt[0], readyUpdt[1:]
		}
		order = append(order, t)
		for _, s := range t.Successors() {
			indegree[s.ID]--
			if indegree[s.ID] > 0 {
				continue
			}
			if delayed && s.Type == MdUpdt {
				readyUpdt = insertTask(readyUpdt, s)
			} else {
				ready = insertTask(ready, s)
			}
		}
	}
	if len(order) != total {
		var cyclic []string
		for _, t := range g.tasks {
			if indegree[t.ID] > 0 {
				cyclic = append(cyclic, fmt.Sprint(t.ID))
			}
		}
		return nil, bigplan.Invariantf("task graph of job %d has a cycle through tasks %s", g.conf.JobID, strings.Join(cyclic, ", "))
	}
	return order, nil
}

func splitUpdates(tasks []*Task) (others, updates []*Task) {
	for _, t := range tasks {
		if t.Type == MdUpdt {
			updates = append(updates, t)
		} else {
			others = append(others, t)
		}
	}
	return
}

// ancestors returns, for each task id, the set of task ids from
// which the task is reachable.
func (g *Graph) ancestors() ([]*bitset.BitSet, error) {
	order, err := g.topoOrder(false)
	if err != nil {
		return nil, err
	}
	anc := make([]*bitset.BitSet, len(g.tasks))
	for _, t := range g.tasks {
		anc[t.ID] = bitset.New(uint(len(g.tasks)))
	}
	for _, t := range order {
		for _, p := range t.Predecessors() {
			anc[t.ID].InPlaceUnion(anc[p.ID])
			anc[t.ID].Set(uint(p.ID))
		}
	}
	return anc, nil
}

// Reachable tells whether there is a non-empty path of register
// dependencies from task from to task to.
func (g *Graph) Reachable(from, to *Task) bool {
	seen := make(map[*Task]bool)
	stack := from.Successors()
	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if t == to {
			return true
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		stack = append(stack, t.Successors()...)
	}
	return false
}

// WriteGraph writes a tabular description of the graph's
// meaningful tasks and their produced registers to w.
func (g *Graph) WriteGraph(w io.Writer) error {
	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 1, ' ', 0)
	fmt.Fprintln(&tw, "task\ttype\tmachine:device\tchain\tregst\tconsumers")
	for _, t := range g.tasks {
		if t.IsMeaningless() {
			continue
		}
		regsts := t.Produced()
		if len(regsts) == 0 {
			fmt.Fprintf(&tw, "%s\t%s\t%d:%d\t%d\t\t\n", t.Name(), t.Type, t.Machine, t.Device, t.ChainID)
		}
		for _, r := range regsts {
			ids := make([]string, len(r.consumers))
			for i, c := range r.consumers {
				ids[i] = fmt.Sprint(c.ID)
			}
			fmt.Fprintf(&tw, "%s\t%s\t%d:%d\t%d\t%d:%s\t%s\n", t.Name(), t.Type, t.Machine, t.Device, t.ChainID, r.ID, r.Name, strings.Join(ids, ","))
		}
	}
	return tw.Flush()
}
