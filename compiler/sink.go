// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package compiler

import (
	"bytes"
	"context"
	"sync"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/opgraph"
)

// A DiagnosticSink receives snapshots of a job as it is compiled.
// Sinks must not fail compilation: write errors are reported by the
// sink itself.
type DiagnosticSink interface {
	// WriteJob records the job under the provided name.
	WriteJob(ctx context.Context, name string, job *bigplan.Job)
	// WriteDot records a dot rendering of the operator graph under the
	// provided name.
	WriteDot(ctx context.Context, name string, g *opgraph.Graph)
}

// NopSink is a DiagnosticSink that discards its input.
type NopSink struct{}

// WriteJob implements DiagnosticSink.
func (NopSink) WriteJob(context.Context, string, *bigplan.Job) {}

// WriteDot implements DiagnosticSink.
func (NopSink) WriteDot(context.Context, string, *opgraph.Graph) {}

// FileSink is a DiagnosticSink that writes each snapshot to a file
// in a directory. Dir may be any path supported by
// github.com/grailbio/base/file, including S3 paths. Snapshots are
// rendered synchronously and written asynchronously; failures are
// logged.
type FileSink struct {
	Dir string

	wg sync.WaitGroup
}

// WriteJob implements DiagnosticSink.
func (s *FileSink) WriteJob(ctx context.Context, name string, job *bigplan.Job) {
	var b bytes.Buffer
	if err := job.Write(&b); err != nil {
		log.Error.Printf("compiler: render %s: %v", name, err)
		return
	}
	s.write(ctx, name, b.Bytes())
}

// WriteDot implements DiagnosticSink.
func (s *FileSink) WriteDot(ctx context.Context, name string, g *opgraph.Graph) {
	var b bytes.Buffer
	if err := g.Dot(&b); err != nil {
		log.Error.Printf("compiler: render %s: %v", name, err)
		return
	}
	s.write(ctx, name, b.Bytes())
}

func (s *FileSink) write(ctx context.Context, name string, p []byte) {
	path := file.Join(s.Dir, name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := writeFile(ctx, path, p); err != nil {
			log.Error.Printf("compiler: write %s: %v", path, err)
		}
	}()
}

// Wait waits for all pending writes to complete.
func (s *FileSink) Wait() {
	s.wg.Wait()
}

func writeFile(ctx context.Context, path string, p []byte) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(ctx); err == nil {
			err = closeErr
		}
	}()
	_, err = f.Writer(ctx).Write(p)
	return err
}
