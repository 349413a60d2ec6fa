// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package plan

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	humanize "github.com/dustin/go-humanize"
)

// WriteText writes a human-readable rendering of the plan to w: the
// job configurations, one row per produced register (or per task, if
// it produces none), and the network topology, if any.
func (p *Plan) WriteText(w io.Writer) error {
	ids := make([]int64, 0, len(p.JobConfs))
	for id := range p.JobConfs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		conf := p.JobConfs[id]
		fmt.Fprintf(w, "job %d %s: train=%v inplace=%v mem_sharing=%v pieces=%d\n",
			id, conf.Name, conf.Train, conf.EnableInplace, conf.EnableMemSharing, conf.NumPieces())
	}
	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 1, ' ', 0)
	fmt.Fprintln(&tw, "task\tname\ttype\tmachine:device\tchain\torder\ttime\tregst\tsize\tbuffers\tshared\tconsumers")
	for i := range p.Tasks {
		t := &p.Tasks[i]
		prefix := fmt.Sprintf("%d\t%s\t%s\t%d:%d\t%d\t%d\t%v",
			t.ID, t.Name, t.Type, t.Machine, t.Device, t.ChainID, t.Order, t.TimeShape)
		if len(t.Produced) == 0 {
			fmt.Fprintf(&tw, "%s\t\t\t\t\t\n", prefix)
			continue
		}
		for j := range t.Produced {
			r := &t.Produced[j]
			shared := "-"
			if r.MemSharedID >= 0 {
				shared = fmt.Sprintf("%d+%d", r.MemSharedID, r.MemSharedOffset)
			}
			if r.InplaceSource >= 0 {
				shared += fmt.Sprintf(" over %d", r.InplaceSource)
			}
			consumers := make([]string, len(r.Consumers))
			for k, c := range r.Consumers {
				consumers[k] = fmt.Sprint(c)
			}
			fmt.Fprintf(&tw, "%s\t%d:%s\t%s\t%d-%d\t%s\t%s\n",
				prefix, r.ID, r.Name, humanize.Bytes(uint64(r.ByteSize())),
				r.MinRegstNum, r.MaxRegstNum, shared, strings.Join(consumers, ","))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if p.NetTopo != nil {
		for _, m := range p.NetTopo.Machines() {
			peers := make([]string, len(p.NetTopo.Peers[m]))
			for i, peer := range p.NetTopo.Peers[m] {
				peers[i] = fmt.Sprint(peer)
			}
			if _, err := fmt.Fprintf(w, "machine %d peers %s\n", m, strings.Join(peers, ",")); err != nil {
				return err
			}
		}
	}
	return nil
}
