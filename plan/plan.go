// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package plan implements the compiled output of a job: a list of
// task descriptors, the configuration of the jobs they belong to,
// and an optional network topology among the machines that run them.
//
// Plans are plain data. They are serialized as JSON and may be
// rendered as text or served over HTTP for inspection.
package plan

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/blobtype"
	"github.com/grailbio/bigplan/taskgraph"
	"github.com/spaolacci/murmur3"
)

// BlobProto describes one blob held by a register.
type BlobProto struct {
	LBI  string        `json:"lbi"`
	Desc blobtype.Desc `json:"desc"`
}

// RegstDescProto describes a register: a buffer slot produced by one
// task and consumed by a set of tasks.
type RegstDescProto struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Producer int64  `json:"producer"`
	// Consumers holds the ids of the consuming tasks, in increasing
	// order.
	Consumers       []int64     `json:"consumers,omitempty"`
	Pinned          bool        `json:"pinned,omitempty"`
	MemSharedID     int64       `json:"mem_shared_id"`
	MemSharedOffset int64       `json:"mem_shared_offset,omitempty"`
	InplaceSource   int64       `json:"inplace_source"`
	MinRegstNum     int         `json:"min_regst_num"`
	MaxRegstNum     int         `json:"max_regst_num"`
	Blobs           []BlobProto `json:"blobs,omitempty"`
}

// ByteSize returns the total size of the register's blobs.
func (r *RegstDescProto) ByteSize() int64 {
	var n int64
	for _, b := range r.Blobs {
		n += b.Desc.ByteSize()
	}
	return n
}

// KernelProto is the configuration of the kernel run by a task.
type KernelProto struct {
	Op          string               `json:"op"`
	Type        string               `json:"type"`
	Rank        int                  `json:"rank"`
	ParallelNum int                  `json:"parallel_num"`
	Inputs      []taskgraph.BlobConf `json:"inputs,omitempty"`
	Outputs     []taskgraph.BlobConf `json:"outputs,omitempty"`
}

// TaskProto describes a task of the plan.
type TaskProto struct {
	ID        int64    `json:"id"`
	JobID     int64    `json:"job_id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Machine   int64    `json:"machine"`
	Device    int64    `json:"device"`
	ChainID   int64    `json:"chain_id"`
	Order     int      `json:"order"`
	OpNames   []string `json:"op_names"`
	TimeShape []int64  `json:"time_shape,omitempty"`
	// Produced holds the registers produced by the task, sorted by
	// name.
	Produced []RegstDescProto `json:"produced,omitempty"`
	// Consumed maps each input name to the ids of the registers
	// consumed under it.
	Consumed map[string][]int64 `json:"consumed,omitempty"`
	Kernel   *KernelProto       `json:"kernel,omitempty"`
}

// NetTopo maps each machine to the machines with which it exchanges
// data. The relation is symmetric and has no self edges.
type NetTopo struct {
	Peers map[int64][]int64 `json:"peers"`
}

// Plan is a compiled job.
type Plan struct {
	Tasks    []TaskProto               `json:"tasks"`
	JobConfs map[int64]bigplan.JobConf `json:"job_confs"`
	NetTopo  *NetTopo                  `json:"net_topo,omitempty"`
}

// New serializes the task graph g into a plan. Meaningless tasks are
// skipped; the others appear in construction order. All of g's
// phases must have been run.
func New(g *taskgraph.Graph) (*Plan, error) {
	if next := g.Next(); next != taskgraph.NumPhases {
		return nil, bigplan.Invariantf("job %d: serializing task graph before phase %s", g.Conf().JobID, next)
	}
	conf := g.Conf()
	p := &Plan{JobConfs: map[int64]bigplan.JobConf{conf.JobID: conf}}
	for _, t := range g.Tasks() {
		if t.IsMeaningless() {
			continue
		}
		p.Tasks = append(p.Tasks, taskProto(conf.JobID, t))
	}
	return p, nil
}

func taskProto(jobID int64, t *taskgraph.Task) TaskProto {
	proto := TaskProto{
		ID:        t.ID,
		JobID:     jobID,
		Name:      t.Name(),
		Type:      t.Type.String(),
		Machine:   t.Machine,
		Device:    t.Device,
		ChainID:   t.ChainID,
		Order:     t.Order,
		OpNames:   t.OpNames(),
		TimeShape: append([]int64(nil), t.TimeShape...),
	}
	for _, r := range t.Produced() {
		proto.Produced = append(proto.Produced, regstProto(r))
	}
	for name, regsts := range t.Consumed() {
		if proto.Consumed == nil {
			proto.Consumed = make(map[string][]int64)
		}
		for _, r := range regsts {
			proto.Consumed[name] = append(proto.Consumed[name], r.ID)
		}
	}
	if k := t.Kernel; k != nil {
		proto.Kernel = &KernelProto{
			Op:          k.Op,
			Type:        k.Type,
			Rank:        k.Rank,
			ParallelNum: k.ParallelNum,
			Inputs:      append([]taskgraph.BlobConf(nil), k.Inputs...),
			Outputs:     append([]taskgraph.BlobConf(nil), k.Outputs...),
		}
	}
	return proto
}

func regstProto(r *taskgraph.Regst) RegstDescProto {
	proto := RegstDescProto{
		ID:              r.ID,
		Name:            r.Name,
		Kind:            r.Kind.String(),
		Producer:        r.Producer.ID,
		Pinned:          r.Pinned,
		MemSharedID:     r.MemSharedID,
		MemSharedOffset: r.MemSharedOffset,
		InplaceSource:   r.InplaceSource,
		MinRegstNum:     r.MinRegstNum,
		MaxRegstNum:     r.MaxRegstNum,
	}
	for _, c := range r.Consumers() {
		proto.Consumers = append(proto.Consumers, c.ID)
	}
	for _, b := range r.Blobs() {
		proto.Blobs = append(proto.Blobs, BlobProto{b.LBI.String(), b.Desc.Clone()})
	}
	return proto
}

// Merge appends the tasks and job configurations of q to p. Job
// configurations are attached once per job id: merging a plan for a
// job already present in p is an error.
func (p *Plan) Merge(q *Plan) error {
	ids := make([]int64, 0, len(q.JobConfs))
	for id := range q.JobConfs {
		if _, ok := p.JobConfs[id]; ok {
			return errors.E(errors.Invalid, fmt.Sprintf("job %d is already planned", id))
		}
		ids = append(ids, id)
	}
	if p.JobConfs == nil {
		p.JobConfs = make(map[int64]bigplan.JobConf)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p.JobConfs[id] = q.JobConfs[id]
	}
	p.Tasks = append(p.Tasks, q.Tasks...)
	p.NetTopo = nil
	return nil
}

// NumRegsts returns the number of registers in the plan.
func (p *Plan) NumRegsts() int {
	var n int
	for i := range p.Tasks {
		n += len(p.Tasks[i].Produced)
	}
	return n
}

// Write encodes the plan as indented JSON into w.
func (p *Plan) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

// Read decodes a JSON plan from r.
func Read(r io.Reader) (*Plan, error) {
	p := new(Plan)
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, errors.E(errors.Invalid, "decode plan", err)
	}
	return p, nil
}

// Fingerprint returns a hash of the plan's canonical JSON encoding.
// Compiling the same job with the same configuration yields the
// same fingerprint.
func (p *Plan) Fingerprint() uint64 {
	h := murmur3.New64()
	// Maps are encoded with sorted keys, so the encoding is canonical.
	if err := json.NewEncoder(h).Encode(p); err != nil {
		panic(fmt.Sprintf("plan: encode: %v", err))
	}
	return h.Sum64()
}
