// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package operator defines the metadata of bigplan operators: the
// names of their input and output blobs, shape inference, and the
// traits the compiler needs when scheduling them (in-place
// capability, pinned buffers, model updates). Numeric kernels are
// not part of bigplan; operators here describe only the contract the
// compiler relies on.
package operator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/blobtype"
)

// Operator is the definition of an op type.
type Operator struct {
	// Type is the name under which the operator is registered.
	Type string

	// Inputs returns the input blob names of an op; there is one
	// name for each entry of the op's In list. If Inputs is nil, the
	// op has a single input "in".
	Inputs func(conf *bigplan.OpConf) []string
	// Outputs returns the output blob names of an op. If Outputs is
	// nil, the op has a single output "out".
	Outputs func(conf *bigplan.OpConf) []string
	// Infer computes the descriptors of the op's outputs from the
	// descriptors of its inputs.
	Infer func(conf *bigplan.OpConf, in []blobtype.Desc) ([]blobtype.Desc, error)

	// Inplace maps an output blob name to the input blob name whose
	// buffer the output may overwrite.
	Inplace map[string]string
	// Pins lists input blob names whose buffers must stay stable
	// while the op is in flight.
	Pins []string
	// PinOutputs indicates that the op's outputs are long-lived state
	// and must never share or move their buffers.
	PinOutputs bool

	// Source ops consume no data and fire once per piece.
	Source bool
	// Variable ops hold model state and fire once per step.
	Variable bool
	// ModelUpdate ops update model state once per step. They must be
	// scheduled after every other reader of the state they update.
	ModelUpdate bool
	// Clusterable ops may be fused by the JIT pass.
	Clusterable bool
	// Internal ops are inserted by the compiler and may not appear
	// in user jobs.
	Internal bool
}

// InputBns returns the input blob names of the op.
func (o *Operator) InputBns(conf *bigplan.OpConf) []string {
	if o.Inputs == nil {
		return []string{"in"}
	}
	return o.Inputs(conf)
}

// OutputBns returns the output blob names of the op.
func (o *Operator) OutputBns(conf *bigplan.OpConf) []string {
	if o.Outputs == nil {
		return []string{"out"}
	}
	return o.Outputs(conf)
}

// InplaceInput returns the input blob name whose buffer output bn
// may overwrite.
func (o *Operator) InplaceInput(bn string) (string, bool) {
	in, ok := o.Inplace[bn]
	return in, ok
}

// PinsInput tells whether the op requires input bn to be pinned.
func (o *Operator) PinsInput(bn string) bool {
	for _, p := range o.Pins {
		if p == bn {
			return true
		}
	}
	return false
}

// InferBlobDescs validates the op's inputs against the operator
// definition and infers its output descriptors. Errors caused by the
// op's configuration are user errors; errors caused by inconsistent
// input descriptors are invariant violations.
func (o *Operator) InferBlobDescs(conf *bigplan.OpConf, in []blobtype.Desc) ([]blobtype.Desc, error) {
	if bns := o.InputBns(conf); len(bns) != len(in) {
		return nil, bigplan.Invalidf("op %s (%s): expected %d inputs, got %d", conf.Name, o.Type, len(bns), len(in))
	}
	out, err := o.Infer(conf, in)
	if err != nil {
		return nil, err
	}
	if bns := o.OutputBns(conf); len(bns) != len(out) {
		return nil, bigplan.Invariantf("op %s (%s): inferred %d outputs, want %d", conf.Name, o.Type, len(out), len(bns))
	}
	return out, nil
}

var (
	mu        sync.Mutex
	operators = map[string]*Operator{} // protected by mu
)

// Register registers an operator definition. Register panics if an
// operator with the same type is already registered.
func Register(op *Operator) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := operators[op.Type]; ok {
		log.Panicf("operator %s is already registered", op.Type)
	}
	if op.Infer == nil {
		log.Panicf("operator %s: no inference function", op.Type)
	}
	operators[op.Type] = op
}

// Lookup returns the operator registered under the provided type.
func Lookup(typ string) (*Operator, error) {
	mu.Lock()
	op := operators[typ]
	mu.Unlock()
	if op == nil {
		return nil, bigplan.Invalidf("unknown operator type %q", typ)
	}
	return op, nil
}

// Types returns the sorted list of registered operator types.
func Types() []string {
	mu.Lock()
	defer mu.Unlock()
	types := make([]string, 0, len(operators))
	for typ := range operators {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// For returns the operator for the op's configuration.
func For(conf *bigplan.OpConf) (*Operator, error) {
	op, err := Lookup(conf.Type)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("op %s", conf.Name))
	}
	return op, nil
}
