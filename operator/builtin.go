// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package operator

import (
	"fmt"

	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/blobtype"
)

// Builtin operator types.
const (
	Input         = "input"
	Variable      = "variable"
	Tick          = "tick"
	Identity      = "identity"
	Relu          = "relu"
	Sigmoid       = "sigmoid"
	Scale         = "scale"
	Softmax       = "softmax"
	Add           = "add"
	Matmul        = "matmul"
	Transpose     = "transpose"
	ReduceSum     = "reduce_sum"
	Loss          = "loss"
	Gradient      = "gradient"
	SGDUpdate     = "sgd_update"
	Fused         = "fused"
	ReduceScatter = "reduce_scatter"
	ReduceAdd     = "reduce_add"
	ReduceGather  = "reduce_gather"
)

func init() {
	Register(&Operator{
		Type:   Input,
		Inputs: noBlobs,
		Infer:  inferSource,
		Source: true,
	})
	Register(&Operator{
		Type:       Variable,
		Inputs:     noBlobs,
		Infer:      inferSource,
		PinOutputs: true,
		Variable:   true,
	})
	Register(&Operator{
		Type:   Tick,
		Inputs: noBlobs,
		Infer: func(*bigplan.OpConf, []blobtype.Desc) ([]blobtype.Desc, error) {
			return []blobtype.Desc{blobtype.New(blobtype.None)}, nil
		},
		Source: true,
	})
	for _, typ := range []string{Identity, Relu, Sigmoid, Scale} {
		Register(&Operator{
			Type:        typ,
			Infer:       inferUnary,
			Inplace:     map[string]string{"out": "in"},
			Clusterable: true,
		})
	}
	Register(&Operator{
		Type:        Softmax,
		Infer:       inferUnary,
		Clusterable: true,
	})
	Register(&Operator{
		Type:        Add,
		Inputs:      indexedBlobs("in"),
		Infer:       inferAdd,
		Inplace:     map[string]string{"out": "in_0"},
		Clusterable: true,
	})
	Register(&Operator{
		Type:        Matmul,
		Inputs:      fixedBlobs("a", "b"),
		Infer:       inferMatmul,
		Clusterable: true,
	})
	Register(&Operator{
		Type:        Transpose,
		Infer:       inferTranspose,
		Clusterable: true,
	})
	Register(&Operator{
		Type:        ReduceSum,
		Infer:       inferReduceSum,
		Clusterable: true,
	})
	Register(&Operator{
		Type: Loss,
		Infer: func(conf *bigplan.OpConf, in []blobtype.Desc) ([]blobtype.Desc, error) {
			return []blobtype.Desc{blobtype.New(in[0].DType, 1)}, nil
		},
	})
	Register(&Operator{
		Type:   Gradient,
		Inputs: fixedBlobs("loss", "x"),
		Infer: func(conf *bigplan.OpConf, in []blobtype.Desc) ([]blobtype.Desc, error) {
			return []blobtype.Desc{in[1].Clone()}, nil
		},
	})
	Register(&Operator{
		Type:        SGDUpdate,
		Inputs:      fixedBlobs("model", "diff"),
		Outputs:     noBlobs,
		Infer:       inferUpdate,
		Pins:        []string{"model"},
		ModelUpdate: true,
	})
	Register(&Operator{
		Type:    Fused,
		Inputs:  indexedBlobs("in"),
		Outputs: fusedOutputs,
		Infer:   inferFused,
	})
	for _, typ := range []string{ReduceScatter, ReduceAdd, ReduceGather} {
		Register(&Operator{
			Type:     typ,
			Inputs:   indexedBlobs("in"),
			Infer:    inferReduce,
			Internal: true,
		})
	}
}

func noBlobs(*bigplan.OpConf) []string { return nil }

func fixedBlobs(bns ...string) func(*bigplan.OpConf) []string {
	return func(*bigplan.OpConf) []string { return bns }
}

// indexedBlobs names the blobs prefix_0, prefix_1, ..., one for
// each input of the op.
func indexedBlobs(prefix string) func(*bigplan.OpConf) []string {
	return func(conf *bigplan.OpConf) []string {
		bns := make([]string, len(conf.In))
		for i := range bns {
			bns[i] = fmt.Sprintf("%s_%d", prefix, i)
		}
		return bns
	}
}

func fusedOutputs(conf *bigplan.OpConf) []string {
	bns := make([]string, len(conf.Exports))
	for i := range bns {
		bns[i] = fmt.Sprintf("out_%d", i)
	}
	return bns
}

func inferSource(conf *bigplan.OpConf, _ []blobtype.Desc) ([]blobtype.Desc, error) {
	dtype, ok := blobtype.ParseDType(conf.DType)
	if !ok {
		return nil, bigplan.Invalidf("op %s: invalid dtype %q", conf.Name, conf.DType)
	}
	for _, d := range conf.Shape {
		if d < 0 {
			return nil, bigplan.Invalidf("op %s: negative dimension in shape %v", conf.Name, conf.Shape)
		}
	}
	return []blobtype.Desc{blobtype.New(dtype, conf.Shape...)}, nil
}

func inferUnary(_ *bigplan.OpConf, in []blobtype.Desc) ([]blobtype.Desc, error) {
	return []blobtype.Desc{in[0].Clone()}, nil
}

func inferAdd(conf *bigplan.OpConf, in []blobtype.Desc) ([]blobtype.Desc, error) {
	if len(in) == 0 {
		return nil, bigplan.Invalidf("op %s: add requires at least one input", conf.Name)
	}
	for i := 1; i < len(in); i++ {
		if !in[i].Equal(in[0]) {
			return nil, bigplan.Invariantf("op %s: input %d is %s, want %s", conf.Name, i, in[i], in[0])
		}
	}
	return []blobtype.Desc{in[0].Clone()}, nil
}

func inferMatmul(conf *bigplan.OpConf, in []blobtype.Desc) ([]blobtype.Desc, error) {
	a, b := in[0], in[1]
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, bigplan.Invariantf("op %s: matmul of %s and %s: operands must have rank 2", conf.Name, a, b)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, bigplan.Invariantf("op %s: matmul of %s and %s: inner dimensions differ", conf.Name, a, b)
	}
	if a.DType != b.DType {
		return nil, bigplan.Invariantf("op %s: matmul of %s and %s: types differ", conf.Name, a, b)
	}
	return []blobtype.Desc{blobtype.New(a.DType, a.Shape[0], b.Shape[1])}, nil
}

func inferTranspose(conf *bigplan.OpConf, in []blobtype.Desc) ([]blobtype.Desc, error) {
	x := in[0]
	if len(conf.Perm) != len(x.Shape) {
		return nil, bigplan.Invariantf("op %s: permutation %v does not match rank of %s", conf.Name, conf.Perm, x)
	}
	seen := make([]bool, len(conf.Perm))
	out := x.Clone()
	for i, p := range conf.Perm {
		if p < 0 || p >= len(seen) || seen[p] {
			return nil, bigplan.Invalidf("op %s: invalid permutation %v", conf.Name, conf.Perm)
		}
		seen[p] = true
		out.Shape[i] = x.Shape[p]
	}
	return []blobtype.Desc{out}, nil
}

func inferReduceSum(conf *bigplan.OpConf, in []blobtype.Desc) ([]blobtype.Desc, error) {
	x := in[0]
	reduced := make([]bool, len(x.Shape))
	for _, axis := range conf.Axes {
		if axis < 0 || axis >= len(x.Shape) {
			return nil, bigplan.Invariantf("op %s: axis %d out of range for %s", conf.Name, axis, x)
		}
		reduced[axis] = true
	}
	out := blobtype.Desc{DType: x.DType, Shape: blobtype.Shape{}}
	for i, d := range x.Shape {
		if !reduced[i] {
			out.Shape = append(out.Shape, d)
		}
	}
	return []blobtype.Desc{out}, nil
}

func inferUpdate(conf *bigplan.OpConf, in []blobtype.Desc) ([]blobtype.Desc, error) {
	if !in[0].Equal(in[1]) {
		return nil, bigplan.Invariantf("op %s: model is %s but diff is %s", conf.Name, in[0], in[1])
	}
	return nil, nil
}

func inferReduce(conf *bigplan.OpConf, in []blobtype.Desc) ([]blobtype.Desc, error) {
	return inferAdd(conf, in)
}

// inferFused infers the exported blobs of a fused op by inferring
// its subgraph in order. Subgraph ops refer to the fused op's inputs
// by their original names.
func inferFused(conf *bigplan.OpConf, in []blobtype.Desc) ([]blobtype.Desc, error) {
	descs := make(map[string]blobtype.Desc)
	for i, lbi := range conf.In {
		descs[lbi] = in[i]
	}
	for i := range conf.Subgraph {
		sub := &conf.Subgraph[i]
		op, err := For(sub)
		if err != nil {
			return nil, err
		}
		subIn := make([]blobtype.Desc, len(sub.In))
		for j, lbi := range sub.In {
			d, ok := descs[lbi]
			if !ok {
				return nil, bigplan.Invariantf("op %s: subgraph op %s consumes undefined blob %s", conf.Name, sub.Name, lbi)
			}
			subIn[j] = d
		}
		out, err := op.InferBlobDescs(sub, subIn)
		if err != nil {
			return nil, err
		}
		for j, bn := range op.OutputBns(sub) {
			descs[bigplan.LBI{Op: sub.Name, Bn: bn}.String()] = out[j]
		}
	}
	out := make([]blobtype.Desc, len(conf.Exports))
	for i, lbi := range conf.Exports {
		d, ok := descs[lbi]
		if !ok {
			return nil, bigplan.Invariantf("op %s: exported blob %s is not produced by the subgraph", conf.Name, lbi)
		}
		out[i] = d
	}
	return out, nil
}
