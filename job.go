// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigplan

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
)

// DefaultPlacement is the name of the placement used by ops that
// do not name one. ReadJob supplies a single-device placement with
// this name if the job does not define it.
const DefaultPlacement = "default"

// An LBI is a logical blob id: it names the output blob Bn of op Op.
// LBIs are written as "op/bn".
type LBI struct {
	Op, Bn string
}

// ParseLBI parses a logical blob id in its "op/bn" form.
func ParseLBI(s string) (LBI, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 || i == len(s)-1 {
		return LBI{}, errors.E(errors.Invalid, fmt.Sprintf("invalid logical blob name %q", s))
	}
	return LBI{s[:i], s[i+1:]}, nil
}

// String returns the canonical "op/bn" form of the blob id.
func (l LBI) String() string {
	return l.Op + "/" + l.Bn
}

// Less orders LBIs lexicographically by op and then by blob name.
func (l LBI) Less(m LBI) bool {
	if l.Op != m.Op {
		return l.Op < m.Op
	}
	return l.Bn < m.Bn
}

// OpConf is the configuration of a single logical operator.
type OpConf struct {
	// Name uniquely names the op within its job.
	Name string `json:"name"`
	// Type names the operator definition (see package operator).
	Type string `json:"type"`
	// In lists the logical blobs consumed by the op, in the order of
	// the operator's input blob names.
	In []string `json:"in,omitempty"`
	// CtrlIn names ops that must complete before this op runs,
	// without any data flowing between them.
	CtrlIn []string `json:"ctrl_in,omitempty"`
	// Placement names the placement group the op runs on.
	Placement string `json:"placement,omitempty"`

	// Shape and DType describe the output blob of source ops.
	Shape []int64 `json:"shape,omitempty"`
	DType string  `json:"dtype,omitempty"`
	// Perm is the axis permutation of transpose ops.
	Perm []int `json:"perm,omitempty"`
	// Axes lists the reduced axes of reduction ops.
	Axes []int `json:"axes,omitempty"`
	// Scale is the multiplier of scale ops.
	Scale float64 `json:"scale,omitempty"`
	// Trainable marks variables that are updated in training jobs.
	Trainable bool `json:"trainable,omitempty"`
	// LearningRate configures update ops.
	LearningRate float64 `json:"learning_rate,omitempty"`

	// Subgraph holds the ops fused into a single op by the JIT pass;
	// Exports lists the subgraph blobs that are visible outside of
	// it. Export i is the fused op's output "out_i".
	Subgraph []OpConf `json:"subgraph,omitempty"`
	Exports  []string `json:"exports,omitempty"`
}

// Inputs returns the parsed logical blob ids of the op's inputs.
func (c *OpConf) Inputs() ([]LBI, error) {
	lbis := make([]LBI, len(c.In))
	for i, s := range c.In {
		var err error
		if lbis[i], err = ParseLBI(s); err != nil {
			return nil, errors.E(err, fmt.Sprintf("op %s input %d", c.Name, i))
		}
	}
	return lbis, nil
}

// Clone returns a deep copy of the op configuration.
func (c OpConf) Clone() OpConf {
	d := c
	d.In = append([]string(nil), c.In...)
	d.CtrlIn = append([]string(nil), c.CtrlIn...)
	d.Shape = append([]int64(nil), c.Shape...)
	d.Perm = append([]int(nil), c.Perm...)
	d.Axes = append([]int(nil), c.Axes...)
	d.Exports = append([]string(nil), c.Exports...)
	if c.Subgraph != nil {
		d.Subgraph = make([]OpConf, len(c.Subgraph))
		for i := range c.Subgraph {
			d.Subgraph[i] = c.Subgraph[i].Clone()
		}
	}
	return d
}

// JobConf is the job-level configuration consumed by the compiler.
type JobConf struct {
	// JobID identifies the job in the plan's job configuration map.
	JobID int64 `json:"job_id"`
	// Name is a descriptive job name.
	Name string `json:"name,omitempty"`
	// Train indicates that the job runs training iterations: its
	// trainable variables are updated once per step.
	Train bool `json:"train,omitempty"`
	// Loss names the blob whose gradient drives training.
	Loss string `json:"loss,omitempty"`
	// EnableInplace permits operators to write their outputs over
	// their inputs when this is provably safe.
	EnableInplace bool `json:"enable_inplace,omitempty"`
	// EnableMemSharing permits registers of a reduce structure to
	// share a single buffer.
	EnableMemSharing bool `json:"enable_mem_sharing,omitempty"`
	// PiecesPerStep is the number of data pieces processed per outer
	// step. Zero is taken to be 1.
	PiecesPerStep int64 `json:"pieces_per_step,omitempty"`
}

// NumPieces returns the effective number of pieces per step.
func (c JobConf) NumPieces() int64 {
	if c.PiecesPerStep <= 0 {
		return 1
	}
	return c.PiecesPerStep
}

// Job is the logical description of a distributed computation.
type Job struct {
	Conf       JobConf     `json:"conf"`
	Placements []Placement `json:"placements,omitempty"`
	Ops        []OpConf    `json:"ops"`
}

// ReadJob decodes a JSON job description from r. ReadJob performs
// only syntactic validation; semantic validation happens when the
// job is compiled.
func ReadJob(r io.Reader) (*Job, error) {
	job := new(Job)
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(job); err != nil {
		return nil, errors.E(errors.Invalid, "decode job", err)
	}
	if job.Placement(DefaultPlacement) == nil {
		job.Placements = append(job.Placements, Placement{
			Name:    DefaultPlacement,
			Devices: []MachineDevices{{Machine: 0, Devices: []int64{0}}},
		})
	}
	for i := range job.Ops {
		if job.Ops[i].Placement == "" {
			job.Ops[i].Placement = DefaultPlacement
		}
	}
	return job, nil
}

// Write encodes the job as indented JSON into w.
func (j *Job) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(j)
}

// String returns the JSON representation of the job.
func (j *Job) String() string {
	var b strings.Builder
	if err := j.Write(&b); err != nil {
		return fmt.Sprintf("job %d: %v", j.Conf.JobID, err)
	}
	return b.String()
}

// Op returns the op with the provided name, or nil.
func (j *Job) Op(name string) *OpConf {
	for i := range j.Ops {
		if j.Ops[i].Name == name {
			return &j.Ops[i]
		}
	}
	return nil
}

// Placement returns the placement with the provided name, or nil.
func (j *Job) Placement(name string) *Placement {
	for i := range j.Placements {
		if j.Placements[i].Name == name {
			return &j.Placements[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := &Job{Conf: j.Conf}
	c.Placements = make([]Placement, len(j.Placements))
	for i := range j.Placements {
		c.Placements[i] = j.Placements[i].Clone()
	}
	c.Ops = make([]OpConf, len(j.Ops))
	for i := range j.Ops {
		c.Ops[i] = j.Ops[i].Clone()
	}
	return c
}
