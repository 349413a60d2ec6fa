// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package opgraph builds the logical operator graph of a job: a DAG
// with one node per op and one edge per consumed logical blob.
// Building the graph validates the job and infers the descriptors
// of every blob.
//
// A Graph is owned by a single compilation. The compiler builds it
// once per job, and discards and rebuilds it whenever the job is
// rewritten.
package opgraph

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/blobtype"
	"github.com/grailbio/bigplan/operator"
)

// A Node is a single op in the graph.
type Node struct {
	// Conf is the op's configuration.
	Conf *bigplan.OpConf
	// Op is the op's operator definition.
	Op *operator.Operator
	// Placement is the placement the op runs on.
	Placement *bigplan.Placement

	// Inputs are the blobs consumed by the op, indexed as InputBns.
	Inputs    []bigplan.LBI
	InputBns  []string
	OutputBns []string

	// In and Out are the op's data producers and consumers;
	// CtrlIn and CtrlOut are its control dependencies. Each
	// neighbor appears at most once, in deterministic order.
	In, Out, CtrlIn, CtrlOut []*Node

	index int
	descs []blobtype.Desc
	// ancestors is the set of nodes from which this node is
	// reachable, indexed by topological index.
	ancestors *bitset.BitSet
}

// Name returns the op's name.
func (n *Node) Name() string { return n.Conf.Name }

// Index returns the node's position in the graph's topological
// order.
func (n *Node) Index() int { return n.index }

// OutputDesc returns the descriptor of output bn.
func (n *Node) OutputDesc(bn string) (blobtype.Desc, bool) {
	for i, obn := range n.OutputBns {
		if obn == bn {
			return n.descs[i], true
		}
	}
	return blobtype.Desc{}, false
}

// OutputLBIs returns the blobs produced by the node.
func (n *Node) OutputLBIs() []bigplan.LBI {
	lbis := make([]bigplan.LBI, len(n.OutputBns))
	for i, bn := range n.OutputBns {
		lbis[i] = bigplan.LBI{Op: n.Name(), Bn: bn}
	}
	return lbis
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.Name(), n.Conf.Type)
}

// Graph is the operator graph of a job.
type Graph struct {
	job       *bigplan.Job
	nodes     []*Node
	byName    map[string]*Node
	producers map[bigplan.LBI]*Node
	consumers map[bigplan.LBI][]*Node
}

// New builds the operator graph of the provided job. New returns an
// invariant violation if the job refers to undefined blobs, ops or
// placements, if it contains duplicate op names or cycles, or if
// blob descriptors cannot be inferred consistently.
func New(job *bigplan.Job) (*Graph, error) {
	g := &Graph{
		job:       job,
		byName:    make(map[string]*Node, len(job.Ops)),
		producers: make(map[bigplan.LBI]*Node),
		consumers: make(map[bigplan.LBI][]*Node),
	}
	nodes := make([]*Node, len(job.Ops))
	for i := range job.Ops {
		conf := &job.Ops[i]
		if conf.Name == "" || strings.ContainsRune(conf.Name, '/') {
			return nil, bigplan.Invalidf("op %d: invalid op name %q", i, conf.Name)
		}
		if _, ok := g.byName[conf.Name]; ok {
			return nil, bigplan.Invariantf("duplicate op name %s", conf.Name)
		}
		op, err := operator.For(conf)
		if err != nil {
			return nil, err
		}
		if op.Internal {
			return nil, bigplan.Invalidf("op %s: operator %s is reserved for the compiler", conf.Name, op.Type)
		}
		placement := job.Placement(conf.Placement)
		if placement == nil {
			return nil, bigplan.Invariantf("op %s: undefined placement %q", conf.Name, conf.Placement)
		}
		if placement.ParallelNum() == 0 {
			return nil, bigplan.Invalidf("placement %s has no devices", placement.Name)
		}
		n := &Node{
			Conf:      conf,
			Op:        op,
			Placement: placement,
			InputBns:  op.InputBns(conf),
			OutputBns: op.OutputBns(conf),
		}
		if n.Inputs, err = conf.Inputs(); err != nil {
			return nil, err
		}
		if len(n.Inputs) != len(n.InputBns) {
			return nil, bigplan.Invalidf("op %s (%s): expected %d inputs, got %d", conf.Name, op.Type, len(n.InputBns), len(n.Inputs))
		}
		for _, lbi := range n.OutputLBIs() {
			g.producers[lbi] = n
		}
		g.byName[conf.Name] = n
		nodes[i] = n
	}
	for _, n := range nodes {
		for _, lbi := range n.Inputs {
			p, ok := g.producers[lbi]
			if !ok {
				return nil, bigplan.Invariantf("op %s consumes undefined blob %s", n.Name(), lbi)
			}
			g.consumers[lbi] = appendUnique(g.consumers[lbi], n)
			n.In = appendUnique(n.In, p)
			p.Out = appendUnique(p.Out, n)
		}
		for _, name := range n.Conf.CtrlIn {
			p, ok := g.byName[name]
			if !ok {
				return nil, bigplan.Invariantf("op %s has control input on undefined op %s", n.Name(), name)
			}
			n.CtrlIn = appendUnique(n.CtrlIn, p)
			p.CtrlOut = appendUnique(p.CtrlOut, n)
		}
	}
	if err := g.topoSort(nodes); err != nil {
		return nil, err
	}
	if err := g.inferBlobDescs(); err != nil {
		return nil, err
	}
	g.computeReachability()
	return g, nil
}

// topoSort orders the nodes topologically, breaking ties by the
// order in which ops appear in the job.
func (g *Graph) topoSort(nodes []*Node) error {
	order := make(map[*Node]int, len(nodes))
	indegree := make(map[*Node]int, len(nodes))
	for i, n := range nodes {
		order[n] = i
		indegree[n] = len(n.In) + len(n.CtrlIn)
	}
	var ready []*Node
	for _, n := range nodes {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	g.nodes = make([]*Node, 0, len(nodes))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return order[ready[i]] < order[ready[j]] })
		n := ready[0]
		ready = ready[1:]
		n.index = len(g.nodes)
		g.nodes = append(g.nodes, n)
		for _, succs := range [][]*Node{n.Out, n.CtrlOut} {
			for _, s := range succs {
				indegree[s]--
				if indegree[s] == 0 {
					ready = append(ready, s)
				}
			}
		}
	}
	if len(g.nodes) != len(nodes) {
		var cyclic []string
		for _, n := range nodes {
			if indegree[n] > 0 {
				cyclic = append(cyclic, n.Name())
			}
		}
		return bigplan.Invariantf("operator graph has a cycle through ops %s", strings.Join(cyclic, ", "))
	}
	return nil
}

func (g *Graph) inferBlobDescs() error {
	for _, n := range g.nodes {
		in := make([]blobtype.Desc, len(n.Inputs))
		for i, lbi := range n.Inputs {
			d, ok := g.BlobDesc(lbi)
			if !ok {
				return bigplan.Invariantf("op %s: blob %s was not inferred before use", n.Name(), lbi)
			}
			in[i] = d
		}
		descs, err := n.Op.InferBlobDescs(n.Conf, in)
		if err != nil {
			return errors.E(err, fmt.Sprintf("infer blob descs of op %s", n.Name()))
		}
		n.descs = descs
	}
	return nil
}

func (g *Graph) computeReachability() {
	for _, n := range g.nodes {
		n.ancestors = bitset.New(uint(len(g.nodes)))
		for _, preds := range [][]*Node{n.In, n.CtrlIn} {
			for _, p := range preds {
				n.ancestors.InPlaceUnion(p.ancestors)
				n.ancestors.Set(uint(p.index))
			}
		}
	}
}

// Job returns the job from which the graph was built.
func (g *Graph) Job() *bigplan.Job { return g.job }

// Nodes returns the graph's nodes in topological order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Node returns the node of the named op, or nil.
func (g *Graph) Node(name string) *Node { return g.byName[name] }

// Producer returns the node producing the provided blob.
func (g *Graph) Producer(lbi bigplan.LBI) (*Node, bool) {
	n, ok := g.producers[lbi]
	return n, ok
}

// Consumers returns the nodes consuming the provided blob.
func (g *Graph) Consumers(lbi bigplan.LBI) []*Node {
	return g.consumers[lbi]
}

// BlobDesc returns the inferred descriptor of the provided blob.
func (g *Graph) BlobDesc(lbi bigplan.LBI) (blobtype.Desc, bool) {
	n, ok := g.producers[lbi]
	if !ok || n.descs == nil {
		return blobtype.Desc{}, false
	}
	return n.OutputDesc(lbi.Bn)
}

// Reachable tells whether there is a non-empty path of data or
// control edges from node from to node to.
func (g *Graph) Reachable(from, to *Node) bool {
	return to.ancestors.Test(uint(from.index))
}

// IsLbiAllConsumersReachableToOpName returns a predicate that tells
// whether every consumer of a blob, other than the named op itself,
// reaches the named op. The predicate is false for unknown ops.
func (g *Graph) IsLbiAllConsumersReachableToOpName() func(lbi bigplan.LBI, opName string) bool {
	return func(lbi bigplan.LBI, opName string) bool {
		op := g.byName[opName]
		if op == nil {
			return false
		}
		for _, c := range g.consumers[lbi] {
			if c != op && !g.Reachable(c, op) {
				return false
			}
		}
		return true
	}
}

// Dot writes a Graphviz rendering of the graph to w.
func (g *Graph) Dot(w io.Writer) error {
	var b strings.Builder
	b.WriteString("digraph opgraph {\n")
	for _, n := range g.nodes {
		fmt.Fprintf(&b, "\t%q [label=\"%s\\n%s\\n%s\"];\n", n.Name(), n.Name(), n.Conf.Type, n.Placement.Name)
	}
	for _, n := range g.nodes {
		for i, lbi := range n.Inputs {
			fmt.Fprintf(&b, "\t%q -> %q [label=\"%s:%s\"];\n", lbi.Op, n.Name(), lbi.Bn, n.InputBns[i])
		}
		for _, p := range n.CtrlIn {
			fmt.Fprintf(&b, "\t%q -> %q [style=dashed];\n", p.Name(), n.Name())
		}
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func appendUnique(nodes []*Node, n *Node) []*Node {
	for _, m := range nodes {
		if m == n {
			return nodes
		}
	}
	return append(nodes, n)
}
