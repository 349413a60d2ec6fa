// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph

import (
	"fmt"
	"sort"

	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/blobtype"
	"github.com/grailbio/bigplan/logical"
)

// TaskType is the type of a task.
type TaskType int

const (
	// Normal tasks run one instance of an op.
	Normal TaskType = iota
	// MdUpdt tasks run one instance of a model update op.
	MdUpdt
	// Copy tasks move a register to another machine or device. They
	// run on the receiving side.
	Copy
	// Boxing tasks assemble a consumer's part of a redistributed blob
	// from the parts held by producer instances.
	Boxing
	// ReduceScatter, ReduceAdd, and ReduceGather tasks form reduce
	// structures.
	ReduceScatter
	ReduceAdd
	ReduceGather

	maxTaskType
)

var taskTypes = [...]string{
	Normal:        "normal",
	MdUpdt:        "mdupdt",
	Copy:          "copy",
	Boxing:        "boxing",
	ReduceScatter: "reduce_scatter",
	ReduceAdd:     "reduce_add",
	ReduceGather:  "reduce_gather",
}

// String returns the task type's name.
func (t TaskType) String() string {
	if t < 0 || t >= maxTaskType {
		return fmt.Sprintf("TaskType(%d)", int(t))
	}
	return taskTypes[t]
}

// ParseTaskType returns the task type with the provided name.
func ParseTaskType(s string) (TaskType, bool) {
	for i, name := range taskTypes {
		if name == s {
			return TaskType(i), true
		}
	}
	return 0, false
}

// Area is the stream area of a task. Tasks are chained per
// machine, device, and area.
type Area int

const (
	// ComputeArea holds tasks that run on a device.
	ComputeArea Area = iota
	// CopyArea holds a machine's copy tasks.
	CopyArea
)

type chainKey struct {
	machine, device int64
	area            Area
}

// A BlobConf names one blob of a kernel.
type BlobConf struct {
	Bn   string        `json:"bn"`
	Desc blobtype.Desc `json:"desc"`
}

// KernelConf is the configuration of the kernel run by a task. It
// is produced by the build phase.
type KernelConf struct {
	// Op names the op run by the kernel; copy and boxing kernels
	// are named by the blob they carry.
	Op   string
	Type string
	// Rank and ParallelNum locate the kernel among the instances of
	// its op.
	Rank, ParallelNum int
	Inputs, Outputs   []BlobConf
}

// A Task is one instance of a logical node bound to a device.
type Task struct {
	ID   int64
	Type TaskType
	// Node is the logical node the task instantiates. Copy and boxing
	// tasks are attributed to the node producing the blob they carry.
	Node *logical.Node
	// Rank is the instance rank of the task within its node, or of
	// its consumer for boxing tasks.
	Rank            int
	Machine, Device int64
	Area            Area
	ChainID         int64
	// LBI is the blob carried by copy and boxing tasks.
	LBI bigplan.LBI
	// Order is the task's position in the graph's total order. It is
	// set by the ordering phase; meaningless tasks have order -1.
	Order int
	// TimeShape is the number of times the task fires per step, by
	// level. It is nil for tasks without a meaningful time shape.
	TimeShape []int64
	// Kernel is the task's kernel configuration, set by the build
	// phase.
	Kernel *KernelConf

	produced map[string]*Regst
	consumed map[string][]*Regst
	in, out  []*edge
	box      *boxing
}

// boxing describes the redistribution performed by a boxing task.
type boxing struct {
	in, out logical.Dist
	full    blobtype.Desc
	n       int
}

// edge is a construction-time edge: the producer's register named
// src is consumed by the consumer under name dst.
type edge struct {
	src, dst     *Task
	srcBn, dstBn string
}

// Name returns a human-readable name for the task, formatted as
//
//	{op}@{parallel}:{rank}
//	{type}({blob})@{machine}:{device}
func (t *Task) Name() string {
	switch t.Type {
	case Copy, Boxing:
		return fmt.Sprintf("%s(%s)@%d:%d", t.Type, t.LBI, t.Machine, t.Device)
	default:
		return fmt.Sprintf("%s@%d:%d", t.Node.Name(), t.Node.ParallelNum(), t.Rank)
	}
}

// OpNames returns the names of the ops run by the task.
func (t *Task) OpNames() []string {
	switch t.Type {
	case Copy, Boxing:
		return []string{t.LBI.String()}
	}
	if len(t.Node.Conf.Subgraph) > 0 {
		names := make([]string, len(t.Node.Conf.Subgraph))
		for i := range t.Node.Conf.Subgraph {
			names[i] = t.Node.Conf.Subgraph[i].Name
		}
		return names
	}
	return []string{t.Node.Name()}
}

func (t *Task) String() string {
	return fmt.Sprintf("task %d %s", t.ID, t.Name())
}

// IsMeaningless tells whether the task neither produces nor
// consumes any register. Meaningless tasks do no runtime work.
func (t *Task) IsMeaningless() bool {
	return len(t.produced) == 0 && len(t.consumed) == 0
}

// Produced returns the task's produced registers sorted by name.
func (t *Task) Produced() []*Regst {
	names := make([]string, 0, len(t.produced))
	for name := range t.produced {
		names = append(names, name)
	}
	sort.Strings(names)
	regsts := make([]*Regst, len(names))
	for i, name := range names {
		regsts[i] = t.produced[name]
	}
	return regsts
}

// ProducedRegst returns the task's produced register with the
// provided name, or nil.
func (t *Task) ProducedRegst(name string) *Regst {
	return t.produced[name]
}

// Consumed returns the task's consumed registers keyed by the name
// under which they are consumed.
func (t *Task) Consumed() map[string][]*Regst {
	m := make(map[string][]*Regst, len(t.consumed))
	for name, regsts := range t.consumed {
		m[name] = append([]*Regst(nil), regsts...)
	}
	return m
}

// ConsumedNames returns the sorted names of the task's consumed
// registers.
func (t *Task) ConsumedNames() []string {
	names := make([]string, 0, len(t.consumed))
	for name := range t.consumed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConsumedRegst returns the single register consumed under the
// provided name.
func (t *Task) ConsumedRegst(name string) (*Regst, bool) {
	regsts := t.consumed[name]
	if len(regsts) != 1 {
		return nil, false
	}
	return regsts[0], true
}

// Successors returns the tasks consuming any of t's registers,
// sorted by id.
func (t *Task) Successors() []*Task {
	var succs []*Task
	for _, r := range t.produced {
		for _, c := range r.consumers {
			succs = insertTask(succs, c)
		}
	}
	return succs
}

// Predecessors returns the producers of t's consumed registers,
// sorted by id.
func (t *Task) Predecessors() []*Task {
	var preds []*Task
	for _, regsts := range t.consumed {
		for _, r := range regsts {
			preds = insertTask(preds, r.Producer)
		}
	}
	return preds
}

// HasDirectEdgeTo tells whether u consumes one of t's registers.
func (t *Task) HasDirectEdgeTo(u *Task) bool {
	for _, r := range t.produced {
		if r.HasConsumer(u) {
			return true
		}
	}
	return false
}

func (t *Task) isModelState() bool {
	return t.Node != nil && t.Node.Op.Variable && t.Type == Normal
}

func (t *Task) isSource() bool {
	return t.Node != nil && t.Node.Op.Source && t.Type == Normal
}

func (t *Task) consume(name string, r *Regst) {
	for _, s := range t.consumed[name] {
		if s == r {
			return
		}
	}
	t.consumed[name] = append(t.consumed[name], r)
	r.addConsumer(t)
}

func (t *Task) unbind(r *Regst) {
	for name, regsts := range t.consumed {
		kept := regsts[:0]
		for _, s := range regsts {
			if s != r {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(t.consumed, name)
		} else {
			t.consumed[name] = kept
		}
	}
}

// insertTask inserts t into the id-sorted list tasks, unless it is
// already present.
func insertTask(tasks []*Task, t *Task) []*Task {
	i := sort.Search(len(tasks), func(i int) bool { return tasks[i].ID >= t.ID })
	if i < len(tasks) && tasks[i] == t {
		return tasks
	}
	tasks = append(tasks, nil)
	copy(tasks[i+1:], tasks[i:])
	tasks[i] = t
	return tasks
}
