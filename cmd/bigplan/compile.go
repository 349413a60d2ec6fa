// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"io"
	"os"

	humanize "github.com/dustin/go-humanize"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigplan/compiler"
	"github.com/grailbio/bigplan/plan"
	"github.com/grailbio/bigplan/planconfig"
	"github.com/grailbio/bigplan/planflags"
	"golang.org/x/sync/errgroup"
)

// compile compiles each job named by args concurrently and merges
// the results, in argument order, into a single plan.
func compile(ctx context.Context, pf planflags.Flags, st *status.Status, args []string) (err error) {
	var (
		flags    = flag.NewFlagSet("compile", flag.ExitOnError)
		out      = flags.String("out", "", "path to which the plan is written; standard output if empty")
		complete = flags.Bool("complete", false, "complete training jobs before compiling them")
		profile  = flags.Bool("profile-compiler", false, "use the compiler configured by the bigplan profile")
	)
	flags.Usage = func() {
		flags.Output().Write([]byte("usage: bigplan compile [-out path] [-complete] [-profile-compiler] job.json...\n"))
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
	}
	var c *compiler.Compiler
	if *profile {
		c = planconfig.Compiler()
	} else {
		opts, _, err := pf.CompilerOptions(st)
		if err != nil {
			return err
		}
		c = compiler.New(opts...)
	}
	dump.Register("bigplan-trace", func(ctx context.Context, w io.Writer) error {
		return c.Trace().Encode(w)
	})

	paths := flags.Args()
	plans := make([]*plan.Plan, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i := range paths {
		i := i
		g.Go(func() error {
			job, err := readJob(gctx, paths[i])
			if err != nil {
				return err
			}
			plans[i], err = c.Compile(gctx, job, *complete)
			return err
		})
	}
	err = g.Wait()
	c.Wait()
	if err != nil {
		return err
	}
	p := new(plan.Plan)
	for _, q := range plans {
		if err := p.Merge(q); err != nil {
			return err
		}
	}
	if pf.NetTopo {
		if p.NetTopo, err = plan.GenNetTopo(p); err != nil {
			return err
		}
	}
	if err := c.WriteTrace(ctx); err != nil {
		log.Error.Printf("writing trace: %v", err)
	}
	var size int64
	for i := range p.Tasks {
		for j := range p.Tasks[i].Produced {
			size += p.Tasks[i].Produced[j].ByteSize()
		}
	}
	log.Printf("compiled %d jobs: %s tasks, %s registers, %s of register memory (%s)",
		len(paths), humanize.Comma(int64(len(p.Tasks))), humanize.Comma(int64(p.NumRegsts())),
		humanize.Bytes(uint64(size)), c.Stats())
	if *out == "" {
		return p.Write(os.Stdout)
	}
	f, err := file.Create(ctx, *out)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(ctx); err == nil {
			err = closeErr
		}
	}()
	return p.Write(f.Writer(ctx))
}
