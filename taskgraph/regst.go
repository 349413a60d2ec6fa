// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph

import (
	"fmt"
	"sort"

	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/blobtype"
)

// RegstKind is the kind of a register.
type RegstKind int

const (
	// DataRegst registers carry blobs.
	DataRegst RegstKind = iota
	// CtrlRegst registers carry no data; they only order their
	// producer before their consumers.
	CtrlRegst
)

// String returns "data" or "ctrl".
func (k RegstKind) String() string {
	if k == CtrlRegst {
		return "ctrl"
	}
	return "data"
}

// CtrlName is the name under which control registers are produced
// and consumed.
const CtrlName = "ctrl"

// A Blob is a blob held in a register.
type Blob struct {
	LBI  bigplan.LBI
	Desc blobtype.Desc
}

// A Regst (register descriptor) is a buffer slot produced by exactly
// one task and consumed by any number of tasks.
type Regst struct {
	ID       int64
	Name     string
	Kind     RegstKind
	Producer *Task
	// Pinned registers have a fixed lifetime; they never share
	// memory.
	Pinned bool
	// MemSharedID is the memory group of the register, or -1. Registers
	// in the same group alias a single buffer at their offsets.
	MemSharedID     int64
	MemSharedOffset int64
	// InplaceSource is the id of the register whose buffer this
	// register overwrites, or -1.
	InplaceSource int64
	// MinRegstNum and MaxRegstNum bound the number of buffers
	// allocated for the register. They are set by the time shape
	// phase.
	MinRegstNum, MaxRegstNum int

	blobs     []Blob
	consumers []*Task
	// reduce is set for registers sharing memory within a reduce
	// structure; inplaceTaken is set for registers whose buffer an
	// in-place consumer overwrites.
	reduce, inplaceTaken bool
}

func newRegst(id int64, name string, kind RegstKind, producer *Task) *Regst {
	return &Regst{
		ID:            id,
		Name:          name,
		Kind:          kind,
		Producer:      producer,
		MemSharedID:   -1,
		InplaceSource: -1,
		MinRegstNum:   1,
		MaxRegstNum:   1,
	}
}

// Consumers returns the register's consumers sorted by task id.
func (r *Regst) Consumers() []*Task {
	return append([]*Task(nil), r.consumers...)
}

// HasConsumer tells whether t consumes r.
func (r *Regst) HasConsumer(t *Task) bool {
	i := sort.Search(len(r.consumers), func(i int) bool { return r.consumers[i].ID >= t.ID })
	return i < len(r.consumers) && r.consumers[i] == t
}

func (r *Regst) addConsumer(t *Task) {
	r.consumers = insertTask(r.consumers, t)
}

// Blobs returns the register's blobs sorted by logical blob id.
func (r *Regst) Blobs() []Blob {
	return append([]Blob(nil), r.blobs...)
}

// SetBlob sets the descriptor of a blob in the register.
func (r *Regst) SetBlob(lbi bigplan.LBI, desc blobtype.Desc) {
	i := sort.Search(len(r.blobs), func(i int) bool { return !r.blobs[i].LBI.Less(lbi) })
	if i < len(r.blobs) && r.blobs[i].LBI == lbi {
		r.blobs[i].Desc = desc
		return
	}
	r.blobs = append(r.blobs, Blob{})
	copy(r.blobs[i+1:], r.blobs[i:])
	r.blobs[i] = Blob{lbi, desc}
}

// Desc returns the descriptor of the register's only blob.
func (r *Regst) Desc() (blobtype.Desc, bool) {
	if len(r.blobs) != 1 {
		return blobtype.Desc{}, false
	}
	return r.blobs[0].Desc, true
}

// ByteSize returns the total size of the register's blobs.
func (r *Regst) ByteSize() int64 {
	var n int64
	for _, b := range r.blobs {
		n += b.Desc.ByteSize()
	}
	return n
}

// Empty tells whether the register carries no data.
func (r *Regst) Empty() bool {
	return r.ByteSize() == 0
}

func (r *Regst) String() string {
	return fmt.Sprintf("regst %d %s of %s", r.ID, r.Name, r.Producer.Name())
}
