// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package logical expands an operator graph into its parallel form.
// Each op becomes a logical node with one instance per device of its
// placement; each blob is given a distribution (broadcast, split, or
// partial sum) among those instances. Edges record how instances of
// a producer connect to instances of a consumer: one to one when the
// distributions agree, or through boxing when a blob must be
// redistributed.
//
// In training jobs, gradients flowing into data-parallel model
// updates are routed through a reduce structure: a reduce_scatter,
// reduce_add, reduce_gather triple that sums the gradient across
// instances one chunk per instance.
package logical

import (
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/blobtype"
	"github.com/grailbio/bigplan/opgraph"
	"github.com/grailbio/bigplan/operator"
)

// EdgeKind describes how the instances of an edge's endpoints are
// connected.
type EdgeKind int

const (
	// OneToOne edges connect instance i of the producer to instance
	// i of the consumer.
	OneToOne EdgeKind = iota
	// Boxing edges redistribute a blob: every consumer instance
	// assembles its part from the producer instances.
	Boxing
	// AllToAll edges connect every producer instance to every
	// consumer instance inside of a reduce structure.
	AllToAll
)

var edgeKinds = [...]string{
	OneToOne: "one2one",
	Boxing:   "boxing",
	AllToAll: "all2all",
}

func (k EdgeKind) String() string {
	return edgeKinds[k]
}

// An Edge carries a blob from a producer node to one input of a
// consumer node.
type Edge struct {
	Src, Dst *Node
	// LBI is the blob carried by the edge.
	LBI bigplan.LBI
	// Input is the index of the consumer's input fed by the edge.
	Input int
	Kind  EdgeKind
}

// A Node is a logical op expanded to its parallel instances.
type Node struct {
	// ID numbers nodes in construction order, which is topological.
	ID   int
	Conf *bigplan.OpConf
	Op   *operator.Operator
	// OpNode is the operator graph node the node expands. It is nil
	// for nodes inserted by the compiler.
	OpNode    *opgraph.Node
	Placement *bigplan.Placement

	InputBns, OutputBns []string
	// Inputs are the blobs consumed by the node. They differ from
	// the op's configuration when an input is routed through a reduce
	// structure.
	Inputs []bigplan.LBI
	// InDists are the distributions the node consumes its inputs
	// with; OutDists are the distributions of its outputs.
	InDists, OutDists []Dist

	// ReduceID identifies the reduce structure of reduce nodes; it
	// is -1 for other nodes.
	ReduceID int

	// In holds one edge per input, in input order.
	In, Out         []*Edge
	CtrlIn, CtrlOut []*Node

	full []blobtype.Desc
}

// Name returns the node's name.
func (n *Node) Name() string { return n.Conf.Name }

// ParallelNum returns the number of instances of the node.
func (n *Node) ParallelNum() int { return n.Placement.ParallelNum() }

// Device returns the machine and device of instance rank.
func (n *Node) Device(rank int) (machine, device int64) {
	return n.Placement.Device(rank)
}

// FullDesc returns the logical descriptor of output bn.
func (n *Node) FullDesc(bn string) (blobtype.Desc, bool) {
	i := n.output(bn)
	if i < 0 {
		return blobtype.Desc{}, false
	}
	return n.full[i], true
}

// OutputDesc returns the descriptor of the part of output bn held by
// instance rank.
func (n *Node) OutputDesc(bn string, rank int) (blobtype.Desc, bool) {
	i := n.output(bn)
	if i < 0 {
		return blobtype.Desc{}, false
	}
	return n.OutDists[i].Desc(n.full[i], rank, n.ParallelNum()), true
}

// OutputDist returns the distribution of output bn.
func (n *Node) OutputDist(bn string) Dist {
	if i := n.output(bn); i >= 0 {
		return n.OutDists[i]
	}
	return broadcast
}

// InputDesc returns the descriptor of the part of input i consumed
// by instance rank.
func (n *Node) InputDesc(i, rank int) blobtype.Desc {
	e := n.In[i]
	full, ok := e.Src.FullDesc(e.LBI.Bn)
	if !ok {
		log.Panicf("logical: node %s has no output %s", e.Src.Name(), e.LBI.Bn)
	}
	return n.InDists[i].Desc(full, rank, n.ParallelNum())
}

func (n *Node) output(bn string) int {
	for i, obn := range n.OutputBns {
		if obn == bn {
			return i
		}
	}
	return -1
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)x%d", n.Name(), n.Conf.Type, n.ParallelNum())
}

// Graph is the logical graph of a job.
type Graph struct {
	ops     *opgraph.Graph
	nodes   []*Node
	byName  map[string]*Node
	reduces int
}

// New expands the provided operator graph. Gradients are routed
// through reduce structures only when train is set.
func New(ops *opgraph.Graph, train bool) (*Graph, error) {
	g := &Graph{
		ops:    ops,
		byName: make(map[string]*Node),
	}
	for _, opNode := range ops.Nodes() {
		n := &Node{
			Conf:      opNode.Conf,
			Op:        opNode.Op,
			OpNode:    opNode,
			Placement: opNode.Placement,
			InputBns:  opNode.InputBns,
			OutputBns: opNode.OutputBns,
			Inputs:    append([]bigplan.LBI(nil), opNode.Inputs...),
			ReduceID:  -1,
		}
		for _, lbi := range opNode.OutputLBIs() {
			desc, _ := ops.BlobDesc(lbi)
			n.full = append(n.full, desc)
		}
		in := make([]Dist, len(n.Inputs))
		for i, lbi := range n.Inputs {
			src := g.byName[lbi.Op]
			if src == nil {
				return nil, bigplan.Invariantf("op %s: producer of %s has not been expanded", n.Name(), lbi)
			}
			in[i] = src.OutputDist(lbi.Bn)
		}
		g.distribute(n, in)
		if train && n.Op.ModelUpdate {
			if err := g.routeReduce(n); err != nil {
				return nil, err
			}
		}
		g.add(n)
		for i, lbi := range n.Inputs {
			g.connect(g.byName[lbi.Op], n, lbi, i)
		}
		for _, p := range opNode.CtrlIn {
			src := g.byName[p.Name()]
			n.CtrlIn = append(n.CtrlIn, src)
			src.CtrlOut = append(src.CtrlOut, n)
		}
	}
	return g, nil
}

// distribute assigns distributions to the node, normalizing them
// so that every split is feasible.
func (g *Graph) distribute(n *Node, in []Dist) {
	parallel := n.ParallelNum()
	if parallel == 1 {
		n.InDists, n.OutDists = broadcasts(len(in)), broadcasts(len(n.OutputBns))
		return
	}
	want, out := distribute(n.Conf, n.Op, n.Placement.EffectivePolicy(), in)
	ok := len(want) == len(in) && len(out) == len(n.OutputBns)
	for i := 0; ok && i < len(want); i++ {
		src := g.byName[n.Inputs[i].Op]
		full, _ := src.FullDesc(n.Inputs[i].Bn)
		ok = want[i].valid(full, parallel)
	}
	for i := 0; ok && i < len(out); i++ {
		ok = out[i].valid(n.full[i], parallel)
	}
	if !ok {
		want, out = broadcasts(len(in)), broadcasts(len(n.OutputBns))
	}
	n.InDists, n.OutDists = want, out
}

// routeReduce routes the partial-sum inputs of a data-parallel model
// update through reduce structures, rewriting the update's inputs to
// consume the gathered sums.
func (g *Graph) routeReduce(u *Node) error {
	parallel := u.ParallelNum()
	if parallel == 1 || u.Placement.EffectivePolicy() != bigplan.DataParallel {
		return nil
	}
	for i, lbi := range u.Inputs {
		src := g.byName[lbi.Op]
		if src.OutputDist(lbi.Bn).Kind != PartialSum || u.InDists[i].Kind != Broadcast {
			continue
		}
		if !src.Placement.SameDevices(u.Placement) {
			continue
		}
		full, _ := src.FullDesc(lbi.Bn)
		if full.ElemCount() < int64(parallel) {
			continue
		}
		id := g.reduces
		g.reduces++
		flat := blobtype.New(full.DType, full.ElemCount())
		scatter := g.reduceNode(operator.ReduceScatter, id, u, lbi.Op, lbi, full, partialSum)
		add := g.reduceNode(operator.ReduceAdd, id, u, lbi.Op, scatter.out(), flat, SplitOn(0))
		gather := g.reduceNode(operator.ReduceGather, id, u, lbi.Op, add.out(), full, broadcast)
		g.connect(src, scatter, lbi, 0)
		g.connect(scatter, add, scatter.out(), 0).Kind = AllToAll
		g.connect(add, gather, add.out(), 0).Kind = AllToAll
		u.Inputs[i] = gather.out()
		log.Debug.Printf("logical: routing %s to %s through reduce structure %d", lbi, u.Name(), id)
	}
	return nil
}

func (g *Graph) reduceNode(typ string, id int, u *Node, base string, in bigplan.LBI, full blobtype.Desc, dist Dist) *Node {
	op, err := operator.Lookup(typ)
	if err != nil {
		log.Panicf("logical: %v", err)
	}
	name := fmt.Sprintf("%s-%s", base, typ)
	if g.byName[name] != nil {
		name = fmt.Sprintf("%s-%s%d", base, typ, id)
	}
	conf := &bigplan.OpConf{
		Name:      name,
		Type:      typ,
		In:        []string{in.String()},
		Placement: u.Conf.Placement,
	}
	n := &Node{
		Conf:      conf,
		Op:        op,
		Placement: u.Placement,
		InputBns:  op.InputBns(conf),
		OutputBns: op.OutputBns(conf),
		Inputs:    []bigplan.LBI{in},
		InDists:   []Dist{partialSum},
		OutDists:  []Dist{dist},
		ReduceID:  id,
		full:      []blobtype.Desc{full},
	}
	if typ != operator.ReduceScatter {
		n.InDists[0] = g.byName[in.Op].OutDists[0]
	}
	g.add(n)
	return n
}

func (n *Node) out() bigplan.LBI {
	return bigplan.LBI{Op: n.Name(), Bn: n.OutputBns[0]}
}

func (g *Graph) add(n *Node) {
	n.ID = len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.byName[n.Name()] = n
}

func (g *Graph) connect(src, dst *Node, lbi bigplan.LBI, input int) *Edge {
	e := &Edge{Src: src, Dst: dst, LBI: lbi, Input: input, Kind: Boxing}
	if src.ParallelNum() == dst.ParallelNum() && src.OutputDist(lbi.Bn) == dst.InDists[input] {
		e.Kind = OneToOne
	}
	src.Out = append(src.Out, e)
	dst.In = append(dst.In, e)
	return e
}

// OpGraph returns the operator graph from which the logical graph was
// expanded.
func (g *Graph) OpGraph() *opgraph.Graph { return g.ops }

// Nodes returns the graph's nodes in topological order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Node returns the named node, or nil.
func (g *Graph) Node(name string) *Node { return g.byName[name] }

// NumReduceStructs returns the number of reduce structures in the
// graph.
func (g *Graph) NumReduceStructs() int { return g.reduces }
