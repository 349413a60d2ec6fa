// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package compiler compiles jobs into plans. Compilation proceeds in
// a fixed pipeline: the job is completed, optionally clustered by
// the JIT optimizer, expanded into its operator, logical, and task
// graphs, and finally serialized into a plan.
//
// A Compiler may be used concurrently; each call to Compile owns all
// of the graphs it builds.
package compiler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/completer"
	"github.com/grailbio/bigplan/internal/trace"
	"github.com/grailbio/bigplan/jit"
	"github.com/grailbio/bigplan/logical"
	"github.com/grailbio/bigplan/opgraph"
	"github.com/grailbio/bigplan/plan"
	"github.com/grailbio/bigplan/stats"
	"github.com/grailbio/bigplan/taskgraph"
)

// Compiler compiles jobs into plans.
type Compiler struct {
	completer completer.Completer
	optimizer jit.SubgraphOptimizer
	jit       bool
	jitOpts   jit.Options
	netTopo   bool
	sink      DiagnosticSink
	status    *status.Status
	eventer   eventlog.Eventer
	tracePath string

	ncompile int32

	mu        sync.Mutex
	maxTraces int
	traces    []*trace.Tracer
	totals    stats.Values
}

// defaultMaxTraces is the number of compilations whose traces a
// Compiler retains.
const defaultMaxTraces = 64

// An Option configures a Compiler.
type Option func(c *Compiler)

// WithJIT enables JIT clustering with the provided cluster size
// bounds. Zero bounds select the defaults.
func WithJIT(min, max int) Option {
	return func(c *Compiler) {
		c.jit = true
		c.jitOpts = jit.Options{MinClusterSize: min, MaxClusterSize: max}
	}
}

// WithCompleter configures the completer used for jobs that need
// completion. The default is completer.Default.
func WithCompleter(comp completer.Completer) Option {
	return func(c *Compiler) {
		c.completer = comp
	}
}

// WithOptimizer configures the subgraph optimizer used when JIT
// clustering is enabled. The default is jit.Clusterer.
func WithOptimizer(o jit.SubgraphOptimizer) Option {
	return func(c *Compiler) {
		c.optimizer = o
	}
}

// WithSink configures the sink that receives diagnostic snapshots.
func WithSink(sink DiagnosticSink) Option {
	return func(c *Compiler) {
		c.sink = sink
	}
}

// WithNetTopo configures whether compiled plans carry the network
// topology of their machines.
func WithNetTopo(netTopo bool) Option {
	return func(c *Compiler) {
		c.netTopo = netTopo
	}
}

// WithStatus configures the compiler with a status object to which
// compile progress is reported.
func WithStatus(status *status.Status) Option {
	return func(c *Compiler) {
		c.status = status
	}
}

// WithEventer configures the compiler with an Eventer that logs a
// compile event for each compiled job.
func WithEventer(e eventlog.Eventer) Option {
	return func(c *Compiler) {
		c.eventer = e
	}
}

// WithTracePath configures the path to which WriteTrace writes the
// compiler's trace.
func WithTracePath(path string) Option {
	return func(c *Compiler) {
		c.tracePath = path
	}
}

// New returns a new compiler configured by the provided options.
func New(opts ...Option) *Compiler {
	c := &Compiler{
		completer: completer.Default,
		optimizer: jit.Clusterer{},
		sink:      NopSink{},
		eventer:   eventlog.Nop{},
		totals:    make(stats.Values),
		maxTraces: defaultMaxTraces,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// compilation is the state of a single call to Compile.
type compilation struct {
	*Compiler
	job    *bigplan.Job
	id     string
	tracer *trace.Tracer
	group  *status.Group
}

// step starts a step of the compilation. The step is traced and
// reported to status until the returned function is called.
func (c *compilation) step(name, cat string) (done func()) {
	var task *status.Task
	if c.group != nil {
		task = c.group.Start(name)
	}
	end := c.tracer.Span(name, cat, map[string]interface{}{"job": c.job.Conf.JobID, "compile": c.id})
	log.Debug.Printf("compiler: job %d: %s", c.job.Conf.JobID, name)
	return func() {
		end()
		if task != nil {
			task.Done()
		}
	}
}

// Compile compiles job into a plan. If needJobComplete is set, the
// job is first completed by the compiler's completer. Compile does
// not modify job. Errors are either user errors (errors.Invalid) or
// invariant violations (see bigplan.IsInvariantViolation); in either
// case no plan is returned.
func (c *Compiler) Compile(ctx context.Context, job *bigplan.Job, needJobComplete bool) (*plan.Plan, error) {
	comp := &compilation{
		Compiler: c,
		job:      job.Clone(),
		id:       uuid.New().String(),
	}
	jobID := job.Conf.JobID
	comp.tracer = trace.New(int(atomic.AddInt32(&c.ncompile, 1)), fmt.Sprintf("job %d compile %s", jobID, comp.id))
	c.mu.Lock()
	c.traces = append(c.traces, comp.tracer)
	if n := len(c.traces) - c.maxTraces; n > 0 {
		c.traces = append(c.traces[:0], c.traces[n:]...)
	}
	c.mu.Unlock()
	if c.status != nil {
		comp.group = c.status.Groupf("compile job %d [%s]", jobID, comp.id)
	}
	done := comp.step("compile", "job")
	p, err := comp.compile(ctx, needJobComplete)
	done()
	if err != nil {
		log.Error.Printf("compiler: job %d: %v", jobID, err)
		if comp.group != nil {
			comp.group.Printf("failed: %v", err)
		}
		return nil, errors.E(err, fmt.Sprintf("compile job %d", jobID))
	}
	fingerprint := fmt.Sprintf("%016x", p.Fingerprint())
	c.eventer.Event("bigplan:compile",
		"jobID", jobID,
		"compileID", comp.id,
		"tasks", len(p.Tasks),
		"regsts", p.NumRegsts(),
		"fingerprint", fingerprint)
	if comp.group != nil {
		comp.group.Printf("%d tasks, %d registers; done", len(p.Tasks), p.NumRegsts())
	}
	return p, nil
}

func (c *compilation) compile(ctx context.Context, needJobComplete bool) (*plan.Plan, error) {
	job := c.job
	if needJobComplete {
		done := c.step("complete", "job")
		err := c.completer.Complete(job)
		done()
		if err != nil {
			return nil, err
		}
	}
	c.sink.WriteJob(ctx, fmt.Sprintf("optimized_job%d", job.Conf.JobID), job)

	done := c.step("opgraph", "job")
	ops, err := opgraph.New(job)
	done()
	if err != nil {
		return nil, err
	}
	c.sink.WriteDot(ctx, "optimized_dlnet_op_graph.dot", ops)

	if c.jit {
		log.Printf("compiler: job %d: compiling with JIT clustering", job.Conf.JobID)
		c.sink.WriteJob(ctx, fmt.Sprintf("job_without_jit%d", job.Conf.JobID), job)
		done := c.step("jit", "job")
		cg, err := c.optimizer.Optimize(ops, c.jitOpts)
		if err == nil {
			err = c.optimizer.RebuildJob(cg, job)
		}
		done()
		if err != nil {
			return nil, errors.E(err, "jit")
		}
		c.sink.WriteJob(ctx, fmt.Sprintf("job_with_jit%d", job.Conf.JobID), job)
		// The rebuilt job replaces the operator graph entirely.
		done = c.step("opgraph", "job")
		ops, err = opgraph.New(job)
		done()
		if err != nil {
			return nil, errors.E(err, "jit: rebuilt job")
		}
	}

	done = c.step("logical", "job")
	lg, err := logical.New(ops, job.Conf.Train)
	done()
	if err != nil {
		return nil, err
	}
	done = c.step("taskgraph", "taskgraph")
	tg, err := taskgraph.New(lg, job.Conf)
	done()
	if err != nil {
		return nil, err
	}
	for tg.Next() < taskgraph.NumPhases {
		phase := tg.Next()
		done := c.step(phase.String(), "taskgraph")
		err := tg.Run(phase)
		done()
		if err != nil {
			return nil, err
		}
	}
	counters := tg.Counters().Snapshot()
	c.mu.Lock()
	c.totals.Add(counters)
	c.mu.Unlock()

	done = c.step("plan", "plan")
	p, err := plan.New(tg)
	if err == nil && c.netTopo {
		p.NetTopo, err = plan.GenNetTopo(p)
	}
	done()
	if err != nil {
		return nil, err
	}
	log.Printf("compiler: job %d: %d tasks, %d registers (%s)", job.Conf.JobID, len(p.Tasks), p.NumRegsts(), counters)
	return p, nil
}

// Wait waits for the compiler's sink to finish any pending writes.
func (c *Compiler) Wait() {
	if w, ok := c.sink.(interface{ Wait() }); ok {
		w.Wait()
	}
}

// Stats returns the counters accumulated over all of the compiler's
// compilations.
func (c *Compiler) Stats() stats.Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals.Copy()
}

// Trace returns the trace of the compiler's most recent
// compilations.
func (c *Compiler) Trace() *trace.T {
	c.mu.Lock()
	tracers := append([]*trace.Tracer(nil), c.traces...)
	c.mu.Unlock()
	t := new(trace.T)
	for _, tr := range tracers {
		t.Events = append(t.Events, tr.Trace().Events...)
	}
	return t
}

// WriteTrace writes the compiler's trace to its trace path, if one
// is configured.
func (c *Compiler) WriteTrace(ctx context.Context) (err error) {
	if c.tracePath == "" {
		return nil
	}
	f, err := file.Create(ctx, c.tracePath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(ctx); err == nil {
			err = closeErr
		}
	}()
	return c.Trace().Encode(f.Writer(ctx))
}
