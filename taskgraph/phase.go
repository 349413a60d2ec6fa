// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph

import (
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/blobtype"
	"github.com/grailbio/bigplan/logical"
	"github.com/grailbio/bigplan/stats"
)

// Phase is a transformation of the task graph. Phases are run in
// the order in which they are defined.
type Phase int

const (
	// Produce creates the registers produced by each task and binds
	// them to the task's outgoing edges.
	Produce Phase = iota
	// Consume binds each task's incoming edges to the registers of
	// their producers.
	Consume
	// Pin pins the registers whose buffers an op requires to stay
	// stable.
	Pin
	// Build builds kernel configurations and infers register blob
	// descriptors, visiting model updates after all other tasks.
	Build
	// MdUpdtOrdering orders each model update after every other
	// reader of the model it updates. It applies to training jobs
	// only.
	MdUpdtOrdering
	// Prune removes registers that have no consumers and carry no
	// data.
	Prune
	// Ordering chains the tasks that share a chain id with control
	// edges, fixing their relative order.
	Ordering
	// MemSharing assigns the registers of each reduce structure
	// instance to a single memory group.
	MemSharing
	// Inplace lets ops write their outputs over their inputs where
	// this is provably safe.
	Inplace
	// TimeShape infers the time shape of each task and sizes
	// register buffers.
	TimeShape

	// NumPhases is the number of phases.
	NumPhases
)

var phases = [...]string{
	Produce:        "produce",
	Consume:        "consume",
	Pin:            "pin",
	Build:          "build",
	MdUpdtOrdering: "mdupdt_ordering",
	Prune:          "prune",
	Ordering:       "ordering",
	MemSharing:     "mem_sharing",
	Inplace:        "inplace",
	TimeShape:      "time_shape",
	NumPhases:      "done",
}

// String returns the phase's name.
func (p Phase) String() string {
	if p < 0 || p > NumPhases {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phases[p]
}

// Next returns the next phase to be run on the graph, or NumPhases
// if all phases have been run.
func (g *Graph) Next() Phase { return g.next }

// Run runs phase p on the graph. Phases must be run in order;
// running a phase out of order is an invariant violation.
func (g *Graph) Run(p Phase) error {
	if p != g.next {
		return bigplan.Invariantf("job %d: phase %s run out of order: next phase is %s", g.conf.JobID, p, g.next)
	}
	var err error
	switch p {
	case Produce:
		err = g.produce()
	case Consume:
		err = g.consume()
	case Pin:
		g.pin()
	case Build:
		err = g.build()
	case MdUpdtOrdering:
		if g.conf.Train {
			err = g.orderModelUpdates()
		}
	case Prune:
		g.RemoveEmptyRegsts()
	case Ordering:
		err = g.addOrderingCtrlEdgeInSameChain()
	case MemSharing:
		if g.conf.EnableMemSharing {
			err = g.enableMemSharingInReduceStruct()
		}
	case Inplace:
		if g.conf.EnableInplace {
			err = g.enableInplaceMemSharing()
		}
	case TimeShape:
		err = g.inferTimeShapeIfMeaningful()
	}
	if err != nil {
		return errors.E(err, fmt.Sprintf("job %d: phase %s", g.conf.JobID, p))
	}
	g.next++
	return nil
}

// RunAll runs all remaining phases in order.
func (g *Graph) RunAll() error {
	for g.next < NumPhases {
		if err := g.Run(g.next); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) produce() error {
	for _, t := range g.tasks {
		for _, e := range t.out {
			r := t.produced[e.srcBn]
			if r == nil {
				kind := DataRegst
				if e.srcBn == CtrlName {
					kind = CtrlRegst
				}
				r = g.newRegst(t, e.srcBn, kind)
				if kind == DataRegst && t.Type == Normal && t.Node.Op.PinOutputs {
					r.Pinned = true
				}
			}
		}
	}
	return nil
}

func (g *Graph) consume() error {
	for _, t := range g.tasks {
		for _, e := range t.in {
			r := e.src.produced[e.srcBn]
			if r == nil {
				return bigplan.Invariantf("%s consumes missing register %s of %s", t, e.srcBn, e.src)
			}
			t.consume(e.dstBn, r)
		}
	}
	return nil
}

func (g *Graph) pin() {
	for _, t := range g.tasks {
		if t.Type != Normal && t.Type != MdUpdt {
			continue
		}
		for _, bn := range t.Node.Op.Pins {
			for _, r := range t.consumed[bn] {
				r.Pinned = true
			}
		}
	}
}

func (g *Graph) build() error {
	order, err := g.topoOrder(true)
	if err != nil {
		return err
	}
	for _, t := range order {
		var err error
		switch t.Type {
		case Normal, MdUpdt:
			err = g.buildNormal(t)
		case Copy:
			err = g.buildCopy(t)
		case Boxing:
			err = g.buildBoxing(t)
		case ReduceScatter, ReduceAdd, ReduceGather:
			err = g.buildReduce(t)
		default:
			err = bigplan.Invariantf("%s: unknown task type %s", t, t.Type)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// inputDesc returns the descriptor of the single blob consumed by t
// under name bn.
func inputDesc(t *Task, bn string) (blobtype.Desc, error) {
	r, ok := t.ConsumedRegst(bn)
	if !ok {
		return blobtype.Desc{}, bigplan.Invariantf("%s: expected exactly one register for input %s, got %d", t, bn, len(t.consumed[bn]))
	}
	d, ok := r.Desc()
	if !ok {
		return blobtype.Desc{}, bigplan.Invariantf("%s: %s consumed before its blob was built", t, r)
	}
	return d, nil
}

// indexedInputs returns the descriptors of the blobs t consumes
// under names in_0, in_1, ...
func indexedInputs(t *Task) ([]blobtype.Desc, error) {
	var descs []blobtype.Desc
	for i := 0; ; i++ {
		bn := fmt.Sprintf("in_%d", i)
		if _, ok := t.consumed[bn]; !ok {
			break
		}
		d, err := inputDesc(t, bn)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	if len(descs) == 0 {
		return nil, bigplan.Invariantf("%s has no inputs", t)
	}
	return descs, nil
}

func (g *Graph) setOutput(t *Task, bn string, lbi bigplan.LBI, desc blobtype.Desc) {
	if r := t.produced[bn]; r != nil {
		r.SetBlob(lbi, desc)
	}
	t.Kernel.Outputs = append(t.Kernel.Outputs, BlobConf{bn, desc})
}

func (g *Graph) buildNormal(t *Task) error {
	n := t.Node
	t.Kernel = &KernelConf{Op: n.Name(), Type: n.Conf.Type, Rank: t.Rank, ParallelNum: n.ParallelNum()}
	in := make([]blobtype.Desc, len(n.InputBns))
	for i, bn := range n.InputBns {
		d, err := inputDesc(t, bn)
		if err != nil {
			return err
		}
		if want := n.InputDesc(i, t.Rank); !d.Equal(want) {
			return bigplan.Invariantf("%s: input %s is %s, want %s", t, bn, d, want)
		}
		in[i] = d
		t.Kernel.Inputs = append(t.Kernel.Inputs, BlobConf{bn, d})
	}
	out, err := n.Op.InferBlobDescs(n.Conf, in)
	if err != nil {
		return errors.E(err, t.String())
	}
	for i, bn := range n.OutputBns {
		want, _ := n.OutputDesc(bn, t.Rank)
		if !out[i].Equal(want) {
			return bigplan.Invariantf("%s: inferred %s for output %s, want %s", t, out[i], bn, want)
		}
		g.setOutput(t, bn, bigplan.LBI{Op: n.Name(), Bn: bn}, out[i])
	}
	return nil
}

func (g *Graph) buildCopy(t *Task) error {
	t.Kernel = &KernelConf{Op: t.LBI.String(), Type: Copy.String(), Rank: t.Rank, ParallelNum: t.Node.ParallelNum()}
	d, err := inputDesc(t, "in")
	if err != nil {
		return err
	}
	t.Kernel.Inputs = []BlobConf{{"in", d}}
	g.setOutput(t, "out", t.LBI, d)
	return nil
}

func (g *Graph) buildBoxing(t *Task) error {
	box := t.box
	t.Kernel = &KernelConf{Op: t.LBI.String(), Type: Boxing.String(), Rank: t.Rank, ParallelNum: box.n}
	in, err := indexedInputs(t)
	if err != nil {
		return err
	}
	for i, d := range in {
		t.Kernel.Inputs = append(t.Kernel.Inputs, BlobConf{fmt.Sprintf("in_%d", i), d})
	}
	combined := in[0]
	switch box.in.Kind {
	case logical.Split:
		var ok bool
		if combined, ok = blobtype.Concat(box.in.Axis, in...); !ok {
			return bigplan.Invariantf("%s: cannot concatenate %v on axis %d", t, in, box.in.Axis)
		}
	case logical.PartialSum:
		for _, d := range in[1:] {
			if !d.Equal(combined) {
				return bigplan.Invariantf("%s: cannot sum %s and %s", t, combined, d)
			}
		}
	}
	if !combined.Equal(box.full) {
		return bigplan.Invariantf("%s: assembled %s, want %s", t, combined, box.full)
	}
	g.setOutput(t, "out", t.LBI, box.out.Desc(combined, t.Rank, box.n))
	return nil
}

func (g *Graph) buildReduce(t *Task) error {
	n := t.Node
	t.Kernel = &KernelConf{Op: n.Name(), Type: n.Conf.Type, Rank: t.Rank, ParallelNum: n.ParallelNum()}
	var (
		in  []blobtype.Desc
		err error
	)
	if t.Type == ReduceScatter {
		var d blobtype.Desc
		d, err = inputDesc(t, n.InputBns[0])
		in = []blobtype.Desc{d}
	} else {
		in, err = indexedInputs(t)
	}
	if err != nil {
		return err
	}
	for i, d := range in {
		t.Kernel.Inputs = append(t.Kernel.Inputs, BlobConf{fmt.Sprintf("in_%d", i), d})
	}
	want, _ := n.OutputDesc(n.OutputBns[0], t.Rank)
	var out blobtype.Desc
	switch t.Type {
	case ReduceScatter:
		out = in[0]
	case ReduceAdd:
		for _, d := range in[1:] {
			if !d.Equal(in[0]) {
				return bigplan.Invariantf("%s: cannot sum %s and %s", t, in[0], d)
			}
		}
		begin, end := blobtype.SplitRange(in[0].ElemCount(), t.Rank, len(in))
		out = blobtype.New(in[0].DType, end-begin)
	case ReduceGather:
		var elems int64
		for _, d := range in {
			elems += d.ElemCount()
		}
		if elems != want.ElemCount() || in[0].DType != want.DType {
			return bigplan.Invariantf("%s: cannot gather %v into %s", t, in, want)
		}
		out = want
	}
	if !out.Equal(want) {
		return bigplan.Invariantf("%s: inferred %s, want %s", t, out, want)
	}
	g.setOutput(t, n.OutputBns[0], bigplan.LBI{Op: n.Name(), Bn: n.OutputBns[0]}, out)
	return nil
}

// orderModelUpdates adds a control edge to every model update task
// from each other reader of the model it updates, unless the reader
// already reaches the update.
func (g *Graph) orderModelUpdates() error {
	for _, u := range g.tasks {
		if u.Type != MdUpdt {
			continue
		}
		for _, bn := range u.Node.Op.Pins {
			for _, model := range u.consumed[bn] {
				for _, c := range model.Consumers() {
					if c == u || g.Reachable(c, u) {
						continue
					}
					if g.Reachable(u, c) {
						return bigplan.Invariantf("%s reads %s after it is updated by %s", c, model, u)
					}
					log.Debug.Printf("taskgraph: ordering %s before update %s", c, u)
					g.addCtrlEdge(c, u)
				}
			}
		}
	}
	return nil
}

// RemoveEmptyRegsts removes every register that has no consumers
// and carries no data. Registers that are still read, even empty
// ones, are kept. RemoveEmptyRegsts is idempotent.
func (g *Graph) RemoveEmptyRegsts() {
	for _, t := range g.tasks {
		for _, r := range t.Produced() {
			if len(r.consumers) > 0 || (r.Kind == DataRegst && !r.Empty()) {
				continue
			}
			delete(t.produced, r.Name)
			g.counters.Add(stats.RegstsPruned, 1)
		}
	}
}

// addOrderingCtrlEdgeInSameChain links consecutive tasks of each
// chain, in the graph's total order, with control edges. It also
// assigns each task its order.
func (g *Graph) addOrderingCtrlEdgeInSameChain() error {
	order, err := g.topoOrder(true)
	if err != nil {
		return err
	}
	last := make(map[int64]*Task)
	for i, t := range order {
		t.Order = i
		if prev := last[t.ChainID]; prev != nil && !prev.HasDirectEdgeTo(t) {
			g.addCtrlEdge(prev, t)
		}
		last[t.ChainID] = t
	}
	return nil
}

// enableMemSharingInReduceStruct assigns the registers of each
// reduce structure instance on a device to one memory group: the
// scattered and gathered blobs share the buffer, and each reduce_add
// output aliases its chunk of it.
func (g *Graph) enableMemSharingInReduceStruct() error {
	type instance struct{ reduce, rank int }
	groups := make(map[instance][]*Task)
	var keys []instance
	for _, t := range g.tasks {
		switch t.Type {
		case ReduceScatter, ReduceAdd, ReduceGather:
		default:
			continue
		}
		key := instance{t.Node.ReduceID, t.Rank}
		if groups[key] == nil {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], t)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].reduce != keys[j].reduce {
			return keys[i].reduce < keys[j].reduce
		}
		return keys[i].rank < keys[j].rank
	})
	for _, key := range keys {
		tasks := groups[key]
		if len(tasks) != 3 {
			return bigplan.Invariantf("reduce structure %d rank %d has %d tasks, want 3", key.reduce, key.rank, len(tasks))
		}
		var regsts []*Regst
		for _, t := range tasks {
			if t.Machine != tasks[0].Machine || t.Device != tasks[0].Device {
				return bigplan.Invariantf("reduce structure %d rank %d spans devices", key.reduce, key.rank)
			}
			r := t.produced[t.Node.OutputBns[0]]
			if r == nil || r.Pinned {
				regsts = nil
				break
			}
			regsts = append(regsts, r)
		}
		if regsts == nil {
			continue
		}
		id := g.nextMemShared
		g.nextMemShared++
		for _, r := range regsts {
			r.MemSharedID = id
			r.reduce = true
			r.MemSharedOffset = 0
			if r.Producer.Type == ReduceAdd {
				d, _ := r.Desc()
				n := r.Producer.Node.ParallelNum()
				full, _ := tasks[0].produced[tasks[0].Node.OutputBns[0]].Desc()
				begin, _ := blobtype.SplitRange(full.ElemCount(), key.rank, n)
				r.MemSharedOffset = begin * d.DType.Size()
			}
		}
		g.counters.Add(stats.MemSharedGroups, 1)
	}
	return nil
}

// enableInplaceMemSharing lets ops that are capable of it write
// their outputs over their inputs. A rewrite is accepted only if
// every other consumer of the input provably completes before the
// rewriting task, both in the operator graph and in the task graph.
func (g *Graph) enableInplaceMemSharing() error {
	anc, err := g.ancestors()
	if err != nil {
		return err
	}
	order, err := g.topoOrder(true)
	if err != nil {
		return err
	}
	reachable := g.logical.OpGraph().IsLbiAllConsumersReachableToOpName()
	for _, t := range order {
		if t.Type != Normal || len(t.Node.Op.Inplace) == 0 {
			continue
		}
		outs := make([]string, 0, len(t.Node.Op.Inplace))
		for bn := range t.Node.Op.Inplace {
			outs = append(outs, bn)
		}
		sort.Strings(outs)
		for _, outBn := range outs {
			inBn := t.Node.Op.Inplace[outBn]
			out := t.produced[outBn]
			in, ok := t.ConsumedRegst(inBn)
			if out == nil || !ok {
				continue
			}
			if reason := g.inplaceVeto(t, inBn, in, out, anc, reachable); reason != "" {
				log.Debug.Printf("taskgraph: %s: in-place %s over %s rejected: %s", t, out, in, reason)
				g.counters.Add(stats.InplaceRejected, 1)
				continue
			}
			if in.MemSharedID < 0 {
				in.MemSharedID = g.nextMemShared
				in.MemSharedOffset = 0
				g.nextMemShared++
			}
			out.MemSharedID = in.MemSharedID
			out.MemSharedOffset = in.MemSharedOffset
			out.InplaceSource = in.ID
			in.inplaceTaken = true
			g.counters.Add(stats.InplaceAccepted, 1)
		}
	}
	return nil
}

// inplaceVeto returns the reason why t may not write out over in, or
// the empty string if the rewrite is safe.
func (g *Graph) inplaceVeto(t *Task, inBn string, in, out *Regst, anc []*bitset.BitSet, reachable func(bigplan.LBI, string) bool) string {
	inDesc, ok1 := in.Desc()
	outDesc, ok2 := out.Desc()
	switch {
	case !ok1 || !ok2:
		return "multi-blob register"
	case inDesc.ByteSize() != outDesc.ByteSize() || inDesc.DType != outDesc.DType:
		return "size or type mismatch"
	case in.Producer.Machine != t.Machine || in.Producer.Device != t.Device:
		return "input produced on another device"
	case in.Pinned || out.Pinned:
		return "pinned register"
	case in.reduce || out.reduce || out.MemSharedID >= 0:
		return "register already shares memory"
	case in.inplaceTaken:
		return "input already overwritten in place"
	}
	if opNode := t.Node.OpNode; opNode != nil {
		for i, bn := range opNode.InputBns {
			if bn == inBn && !reachable(opNode.Inputs[i], opNode.Name()) {
				return "operator graph consumers of " + opNode.Inputs[i].String() + " do not precede " + opNode.Name()
			}
		}
	}
	for _, c := range in.consumers {
		if c != t && !anc[t.ID].Test(uint(c.ID)) {
			return fmt.Sprintf("consumer %s is not ordered before the rewrite", c)
		}
	}
	return ""
}

// inferTimeShapeIfMeaningful infers time shapes in delayed
// topological order. Sources fire once per piece, model state and
// model updates once per step; other tasks fire as often as the
// producers of their non-pinned inputs. Tasks that consume no data
// have no time shape.
func (g *Graph) inferTimeShapeIfMeaningful() error {
	order, err := g.topoOrder(true)
	if err != nil {
		return err
	}
	pieces := g.conf.NumPieces()
	for _, t := range order {
		switch {
		case t.isSource():
			t.TimeShape = []int64{pieces}
		case t.isModelState(), t.Type == MdUpdt:
			t.TimeShape = []int64{1}
		default:
			var (
				shape     []int64
				shapeFrom *Task
				pinned    bool
			)
			for _, name := range t.ConsumedNames() {
				for _, r := range t.consumed[name] {
					if r.Kind != DataRegst {
						continue
					}
					if r.Pinned {
						pinned = true
						continue
					}
					p := r.Producer
					if p.TimeShape == nil {
						continue
					}
					if shape == nil {
						shape, shapeFrom = p.TimeShape, p
					} else if !blobtype.Shape(shape).Equal(p.TimeShape) {
						return bigplan.Invariantf("%s: inconsistent time shapes %v (from %s) and %v (from %s)", t, shape, shapeFrom, p.TimeShape, p)
					}
				}
			}
			if shape == nil && pinned {
				shape = []int64{1}
			}
			t.TimeShape = nil
			if shape != nil {
				t.TimeShape = append([]int64(nil), shape...)
			}
		}
		fires := blobtype.Shape(t.TimeShape).ElemCount()
		for _, r := range t.produced {
			r.MinRegstNum, r.MaxRegstNum = 1, 1
			if t.TimeShape != nil && fires > 1 && !r.Pinned {
				r.MaxRegstNum = 2
			}
		}
	}
	return nil
}
