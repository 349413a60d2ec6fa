// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package plan

import (
	"sort"

	"github.com/grailbio/bigplan"
)

type taskKey struct {
	job, id int64
}

// GenNetTopo derives the network topology of plan p: machines m1 and
// m2 are peers if a register produced on one is consumed on the
// other. GenNetTopo returns an invariant violation if a register
// names a producer or consumer that is not in the plan.
func GenNetTopo(p *Plan) (*NetTopo, error) {
	machines := make(map[taskKey]int64, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		machines[taskKey{t.JobID, t.ID}] = t.Machine
	}
	peers := make(map[int64]map[int64]bool)
	link := func(m1, m2 int64) {
		if peers[m1] == nil {
			peers[m1] = make(map[int64]bool)
		}
		peers[m1][m2] = true
	}
	for i := range p.Tasks {
		t := &p.Tasks[i]
		for j := range t.Produced {
			r := &t.Produced[j]
			src, ok := machines[taskKey{t.JobID, r.Producer}]
			if !ok {
				return nil, bigplan.Invariantf("job %d: regst %d: producer task %d not in plan", t.JobID, r.ID, r.Producer)
			}
			for _, c := range r.Consumers {
				dst, ok := machines[taskKey{t.JobID, c}]
				if !ok {
					return nil, bigplan.Invariantf("job %d: regst %d: consumer task %d not in plan", t.JobID, r.ID, c)
				}
				if src == dst {
					continue
				}
				link(src, dst)
				link(dst, src)
			}
		}
	}
	topo := &NetTopo{Peers: make(map[int64][]int64, len(peers))}
	for m, set := range peers {
		list := make([]int64, 0, len(set))
		for peer := range set {
			list = append(list, peer)
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		topo.Peers[m] = list
	}
	return topo, nil
}

// Machines returns the machines of the topology in increasing order.
func (n *NetTopo) Machines() []int64 {
	ms := make([]int64, 0, len(n.Peers))
	for m := range n.Peers {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i] < ms[j] })
	return ms
}
