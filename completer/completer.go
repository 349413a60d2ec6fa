// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package completer completes jobs before they are compiled. A
// training job describes only its forward computation; completing
// it adds the ops that compute the gradient of each trainable
// variable and apply it.
package completer

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/operator"
)

// DefaultLearningRate is the learning rate of the update ops added
// by Default.
const DefaultLearningRate = 0.01

// A Completer rewrites a job in place, adding the ops required to
// run it. Completion must be idempotent: completing a completed job
// leaves it unchanged.
type Completer interface {
	Complete(job *bigplan.Job) error
}

// Func adapts a function to the Completer interface.
type Func func(job *bigplan.Job) error

// Complete implements Completer.
func (f Func) Complete(job *bigplan.Job) error { return f(job) }

// Default is the default completer. For each trainable variable v of
// a training job, it adds the op "v-grad", computing the gradient of
// the job's loss with respect to v, and the op "v-update", applying
// it. Both are placed with the variable. Variables that are already
// updated by an op are left alone, and existing gradient ops are
// reused.
var Default Completer = Func(complete)

func complete(job *bigplan.Job) error {
	if !job.Conf.Train {
		return nil
	}
	if job.Conf.Loss == "" {
		return errors.E(errors.Invalid, fmt.Sprintf("training job %d has no loss", job.Conf.JobID))
	}
	loss, err := bigplan.ParseLBI(job.Conf.Loss)
	if err != nil {
		return errors.E(err, fmt.Sprintf("job %d loss", job.Conf.JobID))
	}
	if job.Op(loss.Op) == nil {
		return errors.E(errors.Invalid, fmt.Sprintf("job %d: loss op %s is not defined", job.Conf.JobID, loss.Op))
	}
	// Index the existing update and gradient ops by the variable they
	// apply to.
	var (
		updated   = make(map[string]bool)
		gradients = make(map[string]string)
	)
	for i := range job.Ops {
		op := &job.Ops[i]
		switch op.Type {
		case operator.SGDUpdate:
			if len(op.In) > 0 {
				updated[op.In[0]] = true
			}
		case operator.Gradient:
			if len(op.In) == 2 && op.In[0] == loss.String() {
				gradients[op.In[1]] = op.Name
			}
		}
	}
	var added []bigplan.OpConf
	for i := range job.Ops {
		v := &job.Ops[i]
		if v.Type != operator.Variable || !v.Trainable {
			continue
		}
		model := bigplan.LBI{Op: v.Name, Bn: "out"}.String()
		if updated[model] {
			continue
		}
		grad, ok := gradients[model]
		if !ok {
			grad = v.Name + "-grad"
			added = append(added, bigplan.OpConf{
				Name:      grad,
				Type:      operator.Gradient,
				In:        []string{loss.String(), model},
				Placement: v.Placement,
			})
		}
		added = append(added, bigplan.OpConf{
			Name:         v.Name + "-update",
			Type:         operator.SGDUpdate,
			In:           []string{model, bigplan.LBI{Op: grad, Bn: "out"}.String()},
			Placement:    v.Placement,
			LearningRate: DefaultLearningRate,
		})
	}
	for _, op := range added {
		if job.Op(op.Name) != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("job %d: cannot add op %s: name is taken", job.Conf.JobID, op.Name))
		}
		log.Debug.Printf("completer: job %d: adding %s op %s", job.Conf.JobID, op.Type, op.Name)
		job.Ops = append(job.Ops, op)
	}
	return nil
}
