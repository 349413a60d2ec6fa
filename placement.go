// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigplan

import (
	"fmt"
	"strings"
)

// Policy is the distribution policy of a placement: it determines
// how blobs are divided among the placement's parallel instances.
type Policy string

const (
	// DataParallel splits batches (axis 0 of source blobs) among
	// instances and replicates variables.
	DataParallel Policy = "data"
	// ModelParallel splits variables (on axis 0) among instances and
	// replicates everything else.
	ModelParallel Policy = "model"
)

// MachineDevices lists the devices used on one machine.
type MachineDevices struct {
	Machine int64   `json:"machine"`
	Devices []int64 `json:"devices"`
}

// A Placement is a named group of devices on which ops run. Each
// device runs one parallel instance of every op in the placement.
// Parallel ranks are assigned in the order in which devices are
// listed.
type Placement struct {
	Name       string           `json:"name"`
	DeviceType string           `json:"device_type,omitempty"`
	Devices    []MachineDevices `json:"devices"`
	Policy     Policy           `json:"policy,omitempty"`
}

// ParallelNum returns the number of parallel instances of the
// placement.
func (p *Placement) ParallelNum() int {
	var n int
	for _, m := range p.Devices {
		n += len(m.Devices)
	}
	return n
}

// Device returns the machine and device of the provided parallel
// rank.
func (p *Placement) Device(rank int) (machine, device int64) {
	for _, m := range p.Devices {
		if rank < len(m.Devices) {
			return m.Machine, m.Devices[rank]
		}
		rank -= len(m.Devices)
	}
	panic(fmt.Sprintf("placement %s: rank out of range", p.Name))
}

// EffectivePolicy returns the placement's policy, defaulting to
// DataParallel.
func (p *Placement) EffectivePolicy() Policy {
	if p.Policy == "" {
		return DataParallel
	}
	return p.Policy
}

// Machines returns the set of machines used by the placement, in
// listing order.
func (p *Placement) Machines() []int64 {
	machines := make([]int64, 0, len(p.Devices))
	seen := make(map[int64]bool)
	for _, m := range p.Devices {
		if !seen[m.Machine] {
			seen[m.Machine] = true
			machines = append(machines, m.Machine)
		}
	}
	return machines
}

// SameDevices tells whether placements p and q use the same
// devices in the same rank order.
func (p *Placement) SameDevices(q *Placement) bool {
	if p.ParallelNum() != q.ParallelNum() {
		return false
	}
	for rank := 0; rank < p.ParallelNum(); rank++ {
		pm, pd := p.Device(rank)
		qm, qd := q.Device(rank)
		if pm != qm || pd != qd {
			return false
		}
	}
	return true
}

// String returns a compact description of the placement, e.g.,
// "gpu:data[0:0,1;1:0]".
func (p *Placement) String() string {
	var b strings.Builder
	if p.DeviceType != "" {
		b.WriteString(p.DeviceType)
		b.WriteString(":")
	}
	b.WriteString(string(p.EffectivePolicy()))
	b.WriteString("[")
	for i, m := range p.Devices {
		if i > 0 {
			b.WriteString(";")
		}
		devs := make([]string, len(m.Devices))
		for j, d := range m.Devices {
			devs[j] = fmt.Sprint(d)
		}
		fmt.Fprintf(&b, "%d:%s", m.Machine, strings.Join(devs, ","))
	}
	b.WriteString("]")
	return b.String()
}

// Clone returns a deep copy of the placement.
func (p Placement) Clone() Placement {
	q := p
	q.Devices = make([]MachineDevices, len(p.Devices))
	for i, m := range p.Devices {
		q.Devices[i] = MachineDevices{m.Machine, append([]int64(nil), m.Devices...)}
	}
	return q
}
