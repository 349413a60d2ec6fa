// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package completer

import (
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/operator"
	"github.com/grailbio/bigplan/opgraph"
	"github.com/grailbio/bigplan/plantest"
	"github.com/grailbio/testutil/assert"
)

func forwardJob() *plantest.JobBuilder {
	b := plantest.NewJob(1).Train("l/out").Placement("dp", bigplan.DataParallel, 0, 0, 0, 1)
	b.Op("x", operator.Input).Shape(4, 3).On("dp")
	b.Op("w", operator.Variable).Shape(3, 2).Trainable().On("dp")
	b.Op("c", operator.Variable).Shape(2)
	b.Op("y", operator.Matmul, "x/out", "w/out").On("dp")
	b.Op("l", operator.Loss, "y/out").On("dp")
	return b
}

func TestComplete(t *testing.T) {
	job := forwardJob().Job()
	assert.NoError(t, Default.Complete(job))
	if got, want := len(job.Ops), 7; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	grad := job.Op("w-grad")
	if grad == nil {
		t.Fatal("missing gradient")
	}
	if got, want := grad.In, []string{"l/out", "w/out"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := grad.Placement, "dp"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	update := job.Op("w-update")
	if update == nil {
		t.Fatal("missing update")
	}
	if got, want := update.In, []string{"w/out", "w-grad/out"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if job.Op("c-update") != nil {
		t.Error("non-trainable variable is updated")
	}
	// The completed job must be well-formed.
	_, err := opgraph.New(job)
	assert.NoError(t, err)
}

func TestCompleteIdempotent(t *testing.T) {
	job := forwardJob().Job()
	assert.NoError(t, Default.Complete(job))
	once := job.Clone()
	assert.NoError(t, Default.Complete(job))
	if !reflect.DeepEqual(job, once) {
		t.Errorf("got %v, want %v", job, once)
	}
}

func TestCompleteReusesGradient(t *testing.T) {
	b := forwardJob()
	b.Op("dw", operator.Gradient, "l/out", "w/out").On("dp")
	job := b.Job()
	assert.NoError(t, Default.Complete(job))
	if job.Op("w-grad") != nil {
		t.Error("gradient was duplicated")
	}
	if got, want := job.Op("w-update").In[1], "dw/out"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCompleteInference(t *testing.T) {
	job := forwardJob().Job()
	job.Conf.Train = false
	n := len(job.Ops)
	assert.NoError(t, Default.Complete(job))
	if got, want := len(job.Ops), n; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCompleteErrors(t *testing.T) {
	for _, c := range []struct {
		name string
		edit func(*bigplan.Job)
	}{
		{"no loss", func(job *bigplan.Job) { job.Conf.Loss = "" }},
		{"bad loss", func(job *bigplan.Job) { job.Conf.Loss = "l" }},
		{"undefined loss", func(job *bigplan.Job) { job.Conf.Loss = "m/out" }},
		{"name taken", func(job *bigplan.Job) {
			job.Ops = append(job.Ops, bigplan.OpConf{Name: "w-update", Type: operator.Relu, In: []string{"y/out"}})
		}},
	} {
		job := forwardJob().Job()
		c.edit(job)
		if err := Default.Complete(job); !errors.Is(errors.Invalid, err) {
			t.Errorf("%s: expected invalid error, got %v", c.name, err)
		}
	}
}
