// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigplan

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
)

func TestParseLBI(t *testing.T) {
	for _, c := range []struct {
		s   string
		lbi LBI
	}{
		{"x/out", LBI{"x", "out"}},
		{"scope/x/out_0", LBI{"scope/x", "out_0"}},
	} {
		lbi, err := ParseLBI(c.s)
		if err != nil {
			t.Errorf("%s: %v", c.s, err)
			continue
		}
		if got, want := lbi, c.lbi; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := lbi.String(), c.s; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	for _, bad := range []string{"", "x", "/out", "x/"} {
		if _, err := ParseLBI(bad); !errors.Is(errors.Invalid, err) {
			t.Errorf("%q: expected invalid error, got %v", bad, err)
		}
	}
	if !(LBI{"a", "z"}).Less(LBI{"b", "a"}) || (LBI{"a", "z"}).Less(LBI{"a", "b"}) {
		t.Error("bad LBI order")
	}
}

func TestReadJob(t *testing.T) {
	const text = `{
		"conf": {"job_id": 3, "train": true, "loss": "l/out"},
		"ops": [
			{"name": "x", "type": "input", "shape": [2, 2]},
			{"name": "l", "type": "loss", "in": ["x/out"]}
		]
	}`
	job, err := ReadJob(strings.NewReader(text))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := job.Conf.JobID, int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	p := job.Placement(DefaultPlacement)
	if p == nil {
		t.Fatal("missing default placement")
	}
	if got, want := p.ParallelNum(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, op := range job.Ops {
		if got, want := op.Placement, DefaultPlacement; got != want {
			t.Errorf("%s: got %v, want %v", op.Name, got, want)
		}
	}
	var b bytes.Buffer
	if err := job.Write(&b); err != nil {
		t.Fatal(err)
	}
	again, err := ReadJob(&b)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(job, again) {
		t.Errorf("got %v, want %v", again, job)
	}

	_, err = ReadJob(strings.NewReader(`{"conf": {"job_id": 1}, "ops": [], "bogus": 1}`))
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestJobClone(t *testing.T) {
	job := &Job{
		Conf: JobConf{JobID: 1},
		Placements: []Placement{{
			Name:    "p",
			Devices: []MachineDevices{{Machine: 0, Devices: []int64{0, 1}}},
		}},
		Ops: []OpConf{
			{Name: "x", Type: "input", Shape: []int64{4}, Placement: "p"},
			{Name: "f", Type: "fused", In: []string{"x/out"}, Placement: "p",
				Subgraph: []OpConf{{Name: "r", Type: "relu", In: []string{"x/out"}}},
				Exports:  []string{"r/out"}},
		},
	}
	c := job.Clone()
	if !reflect.DeepEqual(job, c) {
		t.Fatalf("got %v, want %v", c, job)
	}
	c.Ops[0].Shape[0] = 8
	c.Ops[1].Subgraph[0].In[0] = "y/out"
	c.Placements[0].Devices[0].Devices[1] = 7
	if job.Ops[0].Shape[0] != 4 || job.Ops[1].Subgraph[0].In[0] != "x/out" || job.Placements[0].Devices[0].Devices[1] != 1 {
		t.Error("clone shares state with the original")
	}
	if job.Op("f") == nil || job.Op("g") != nil {
		t.Error("bad op lookup")
	}
}

func TestNumPieces(t *testing.T) {
	if got, want := (JobConf{}).NumPieces(), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := (JobConf{PiecesPerStep: 4}).NumPieces(), int64(4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPlacement(t *testing.T) {
	p := &Placement{
		Name:       "p",
		DeviceType: "gpu",
		Devices: []MachineDevices{
			{Machine: 0, Devices: []int64{0, 1}},
			{Machine: 1, Devices: []int64{0}},
		},
	}
	if got, want := p.ParallelNum(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for rank, want := range [][2]int64{{0, 0}, {0, 1}, {1, 0}} {
		m, d := p.Device(rank)
		if got := [2]int64{m, d}; got != want {
			t.Errorf("rank %d: got %v, want %v", rank, got, want)
		}
	}
	if got, want := p.EffectivePolicy(), DataParallel; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.Machines(), []int64{0, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.String(), "gpu:data[0:0,1;1:0]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	q := p.Clone()
	if !p.SameDevices(&q) {
		t.Error("clone uses different devices")
	}
	q.Devices[1].Machine = 2
	if p.SameDevices(&q) {
		t.Error("placements on different machines use the same devices")
	}
}

func TestErrors(t *testing.T) {
	err := Invariantf("bad graph %d", 1)
	if !IsInvariantViolation(err) {
		t.Errorf("expected invariant violation, got %v", err)
	}
	if IsInvariantViolation(Invalidf("bad job")) {
		t.Error("invalid input is not an invariant violation")
	}
	if !IsInvariantViolation(errors.E(err, "compile job 1")) {
		t.Error("wrapped invariant violation not recognized")
	}
	if IsInvariantViolation(fmt.Errorf("other")) {
		t.Error("unexpected invariant violation")
	}
}
