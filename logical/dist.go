// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package logical

import (
	"fmt"

	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/blobtype"
	"github.com/grailbio/bigplan/operator"
)

// DistKind is the kind of a blob's distribution among the parallel
// instances of an op.
type DistKind int

const (
	// Broadcast blobs are replicated: every instance holds the whole
	// blob.
	Broadcast DistKind = iota
	// Split blobs are partitioned along an axis; instance i holds the
	// i'th part.
	Split
	// PartialSum blobs have the whole shape on every instance; the
	// logical value is the sum over all instances.
	PartialSum
)

// Dist is the distribution of a blob among the instances of an op.
type Dist struct {
	Kind DistKind
	// Axis is the split axis of Split distributions.
	Axis int
}

// SplitOn returns the distribution that splits a blob on axis.
func SplitOn(axis int) Dist {
	return Dist{Kind: Split, Axis: axis}
}

var (
	broadcast  = Dist{Kind: Broadcast}
	partialSum = Dist{Kind: PartialSum}
)

func (d Dist) String() string {
	switch d.Kind {
	case Broadcast:
		return "B"
	case Split:
		return fmt.Sprintf("S(%d)", d.Axis)
	case PartialSum:
		return "P"
	default:
		return "?"
	}
}

// Desc returns the descriptor of the part of a blob with descriptor
// full held by instance rank of n.
func (d Dist) Desc(full blobtype.Desc, rank, n int) blobtype.Desc {
	if d.Kind != Split {
		return full.Clone()
	}
	part, ok := full.Split(d.Axis, rank, n)
	if !ok {
		panic(fmt.Sprintf("logical: cannot split %s on axis %d", full, d.Axis))
	}
	return part
}

// valid tells whether a blob with descriptor desc can be
// distributed with d among n instances without empty parts.
func (d Dist) valid(desc blobtype.Desc, n int) bool {
	if d.Kind != Split {
		return true
	}
	return d.Axis >= 0 && d.Axis < len(desc.Shape) && desc.Shape[d.Axis] >= int64(n)
}

func broadcasts(n int) []Dist {
	dists := make([]Dist, n)
	for i := range dists {
		dists[i] = broadcast
	}
	return dists
}

// distribute computes the distributions an op wants for its inputs
// and the resulting distributions of its outputs, given the
// distributions of the blobs it consumes. Ops without a specific
// rule consume and produce whole blobs.
func distribute(conf *bigplan.OpConf, op *operator.Operator, policy bigplan.Policy, in []Dist) (want, out []Dist) {
	nout := len(op.OutputBns(conf))
	switch {
	case op.Source:
		if policy == bigplan.DataParallel && conf.Type == operator.Input {
			return nil, []Dist{SplitOn(0)}
		}
		return nil, broadcasts(nout)
	case op.Variable:
		if policy == bigplan.ModelParallel {
			return nil, []Dist{SplitOn(0)}
		}
		return nil, broadcasts(nout)
	}
	switch conf.Type {
	case operator.Identity, operator.Scale:
		return []Dist{in[0]}, []Dist{in[0]}
	case operator.Relu, operator.Sigmoid:
		if in[0].Kind == PartialSum {
			return []Dist{broadcast}, []Dist{broadcast}
		}
		return []Dist{in[0]}, []Dist{in[0]}
	case operator.Softmax:
		if in[0].Kind == PartialSum || (in[0].Kind == Split && in[0].Axis != 0) {
			return []Dist{broadcast}, []Dist{broadcast}
		}
		return []Dist{in[0]}, []Dist{in[0]}
	case operator.Add:
		want = make([]Dist, len(in))
		for i := range want {
			want[i] = in[0]
		}
		return want, []Dist{in[0]}
	case operator.Matmul:
		a, b := in[0], in[1]
		switch {
		case a == SplitOn(0):
			return []Dist{a, broadcast}, []Dist{a}
		case b == SplitOn(0):
			return []Dist{SplitOn(1), b}, []Dist{partialSum}
		case b == SplitOn(1):
			return []Dist{broadcast, b}, []Dist{b}
		}
	case operator.Transpose:
		if in[0].Kind != Split {
			return []Dist{in[0]}, []Dist{in[0]}
		}
		for i, p := range conf.Perm {
			if p == in[0].Axis {
				return []Dist{in[0]}, []Dist{SplitOn(i)}
			}
		}
	case operator.ReduceSum:
		if in[0].Kind != Split {
			return []Dist{in[0]}, []Dist{in[0]}
		}
		axis := in[0].Axis
		for _, a := range conf.Axes {
			if a == in[0].Axis {
				return []Dist{in[0]}, []Dist{partialSum}
			}
			if a < in[0].Axis {
				axis--
			}
		}
		return []Dist{in[0]}, []Dist{SplitOn(axis)}
	case operator.Loss:
		if in[0].Kind == Broadcast {
			return []Dist{broadcast}, []Dist{broadcast}
		}
		return []Dist{in[0]}, []Dist{partialSum}
	case operator.Gradient:
		loss, x := in[0], in[1]
		switch {
		case x.Kind == Split:
			return []Dist{loss, x}, []Dist{x}
		case loss.Kind != Broadcast:
			return []Dist{loss, x}, []Dist{partialSum}
		default:
			return []Dist{loss, x}, []Dist{broadcast}
		}
	case operator.SGDUpdate:
		return []Dist{in[0], in[0]}, nil
	case operator.Fused:
		return distributeFused(conf, policy, in)
	}
	return broadcasts(len(in)), broadcasts(nout)
}

// distributeFused propagates distributions through a fused op's
// subgraph. Blobs cannot be redistributed inside of a fused op, so
// any disagreement makes the whole op consume and produce whole
// blobs.
func distributeFused(conf *bigplan.OpConf, policy bigplan.Policy, in []Dist) (want, out []Dist) {
	fallback := func() ([]Dist, []Dist) {
		return broadcasts(len(conf.In)), broadcasts(len(conf.Exports))
	}
	dists := make(map[string]Dist)
	external := make(map[string]int)
	for i, lbi := range conf.In {
		dists[lbi] = in[i]
		external[lbi] = i
	}
	want = append([]Dist(nil), in...)
	wanted := make([]bool, len(in))
	for i := range conf.Subgraph {
		sub := &conf.Subgraph[i]
		op, err := operator.For(sub)
		if err != nil {
			return fallback()
		}
		subIn := make([]Dist, len(sub.In))
		for j, lbi := range sub.In {
			d, ok := dists[lbi]
			if !ok {
				return fallback()
			}
			subIn[j] = d
		}
		subWant, subOut := distribute(sub, op, policy, subIn)
		for j, lbi := range sub.In {
			if subWant[j] == subIn[j] {
				continue
			}
			k, ok := external[lbi]
			if !ok || wanted[k] {
				return fallback()
			}
			want[k] = subWant[j]
			dists[lbi] = subWant[j]
		}
		for j, lbi := range sub.In {
			if k, ok := external[lbi]; ok && subWant[j] == want[k] {
				wanted[k] = true
			}
		}
		for j, bn := range op.OutputBns(sub) {
			dists[bigplan.LBI{Op: sub.Name, Bn: bn}.String()] = subOut[j]
		}
	}
	out = make([]Dist, len(conf.Exports))
	for i, lbi := range conf.Exports {
		d, ok := dists[lbi]
		if !ok {
			return fallback()
		}
		out[i] = d
	}
	return want, out
}
