// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package plantest provides utilities for testing code that
// constructs and compiles bigplan jobs. The utilities here are
// strictly intended for unit testing.
package plantest

import (
	"github.com/grailbio/bigplan"
)

// A JobBuilder assembles a job op by op. Placements default to
// the single-device placement bigplan.DefaultPlacement.
type JobBuilder struct {
	conf       bigplan.JobConf
	placements []bigplan.Placement
	ops        []*OpBuilder
}

// NewJob returns a builder for a job with the provided id.
func NewJob(id int64) *JobBuilder {
	return &JobBuilder{conf: bigplan.JobConf{JobID: id}}
}

// Train marks the job as a training job with the provided loss blob.
func (b *JobBuilder) Train(loss string) *JobBuilder {
	b.conf.Train = true
	b.conf.Loss = loss
	return b
}

// Inplace enables in-place memory sharing.
func (b *JobBuilder) Inplace() *JobBuilder {
	b.conf.EnableInplace = true
	return b
}

// MemSharing enables memory sharing in reduce structures.
func (b *JobBuilder) MemSharing() *JobBuilder {
	b.conf.EnableMemSharing = true
	return b
}

// Pieces sets the number of pieces per step.
func (b *JobBuilder) Pieces(n int64) *JobBuilder {
	b.conf.PiecesPerStep = n
	return b
}

// Placement defines a placement with the provided name and
// policy. Devices are given as alternating machine and device
// numbers: Placement("p", bigplan.DataParallel, 0, 0, 0, 1, 1, 0)
// places ranks 0 and 1 on machine 0 and rank 2 on machine 1.
func (b *JobBuilder) Placement(name string, policy bigplan.Policy, machineDevices ...int64) *JobBuilder {
	if len(machineDevices)%2 != 0 {
		panic("plantest: odd number of machine and device numbers")
	}
	p := bigplan.Placement{Name: name, Policy: policy}
	for i := 0; i < len(machineDevices); i += 2 {
		machine, device := machineDevices[i], machineDevices[i+1]
		if n := len(p.Devices); n > 0 && p.Devices[n-1].Machine == machine {
			p.Devices[n-1].Devices = append(p.Devices[n-1].Devices, device)
			continue
		}
		p.Devices = append(p.Devices, bigplan.MachineDevices{Machine: machine, Devices: []int64{device}})
	}
	b.placements = append(b.placements, p)
	return b
}

// Op adds an op with the provided name and type, consuming the
// provided blobs.
func (b *JobBuilder) Op(name, typ string, in ...string) *OpBuilder {
	op := &OpBuilder{job: b, conf: bigplan.OpConf{Name: name, Type: typ, In: in}}
	b.ops = append(b.ops, op)
	return op
}

// Job returns the assembled job. Each call returns a fresh copy.
func (b *JobBuilder) Job() *bigplan.Job {
	job := &bigplan.Job{Conf: b.conf}
	for _, p := range b.placements {
		job.Placements = append(job.Placements, p.Clone())
	}
	if job.Placement(bigplan.DefaultPlacement) == nil {
		job.Placements = append(job.Placements, bigplan.Placement{
			Name:    bigplan.DefaultPlacement,
			Devices: []bigplan.MachineDevices{{Machine: 0, Devices: []int64{0}}},
		})
	}
	for _, op := range b.ops {
		conf := op.conf.Clone()
		if conf.Placement == "" {
			conf.Placement = bigplan.DefaultPlacement
		}
		job.Ops = append(job.Ops, conf)
	}
	return job
}

// An OpBuilder configures a single op of a job.
type OpBuilder struct {
	job  *JobBuilder
	conf bigplan.OpConf
}

// Shape sets the op's output shape.
func (o *OpBuilder) Shape(dims ...int64) *OpBuilder {
	o.conf.Shape = dims
	return o
}

// DType sets the op's output type.
func (o *OpBuilder) DType(dtype string) *OpBuilder {
	o.conf.DType = dtype
	return o
}

// On places the op.
func (o *OpBuilder) On(placement string) *OpBuilder {
	o.conf.Placement = placement
	return o
}

// After adds control dependencies on the named ops.
func (o *OpBuilder) After(ops ...string) *OpBuilder {
	o.conf.CtrlIn = append(o.conf.CtrlIn, ops...)
	return o
}

// Trainable marks a variable as trainable.
func (o *OpBuilder) Trainable() *OpBuilder {
	o.conf.Trainable = true
	return o
}

// Perm sets the permutation of a transpose op.
func (o *OpBuilder) Perm(perm ...int) *OpBuilder {
	o.conf.Perm = perm
	return o
}

// Axes sets the reduced axes of a reduction op.
func (o *OpBuilder) Axes(axes ...int) *OpBuilder {
	o.conf.Axes = axes
	return o
}

// Out returns the name of the op's output blob bn.
func (o *OpBuilder) Out(bn string) string {
	return bigplan.LBI{Op: o.conf.Name, Bn: bn}.String()
}
