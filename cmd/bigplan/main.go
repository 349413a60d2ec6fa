// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigplan compiles jobs into plans and inspects the results.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/plan"
	"github.com/grailbio/bigplan/planconfig"
	"github.com/grailbio/bigplan/planflags"
)

func init() {
	file.RegisterImplementation("s3", s3file.NewImplementation(
		s3file.NewDefaultProvider(session.Options{})))
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: bigplan [flags] command args...

Bigplan compiles jobs into execution plans. Jobs and plans may be
read from and written to local paths or S3 URLs.

Available commands are:

	compile [-out path] [-complete] [-profile-compiler] job.json...
		Compile the provided jobs into a single plan. With
		-profile-compiler, the compiler is configured by the bigplan
		profile instead of by flags.
	text plan.json
		Print a summary of a plan.
	topo plan.json
		Print the network topology of a plan.
	dot job.json
		Print the operator graph of a job in Graphviz format.
	serve plan.json
		Serve a plan's debug pages over HTTP.

Flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetPrefix("bigplan: ")
	var pf planflags.Flags
	planflags.RegisterFlags(flag.CommandLine, &pf, "")
	planconfig.RegisterFlags()
	flag.Usage = usage
	flag.Parse()
	must.Nil(config.ProcessFlags())
	if pf.JITHelp {
		fmt.Fprint(pf.Output(), planflags.JITHelpLong)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		flag.Usage()
	}
	var (
		ctx       = context.Background()
		cmd, args = flag.Arg(0), flag.Args()[1:]
		st        status.Status
		err       error
	)
	dump.Register("bigplan-status", func(ctx context.Context, w io.Writer) error {
		return st.Marshal(w)
	})
	switch cmd {
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		flag.Usage()
	case "compile":
		displayStatus(pf, &st)
		err = compile(ctx, pf, &st, args)
	case "text":
		err = text(ctx, args)
	case "topo":
		err = topo(ctx, args)
	case "dot":
		err = dot(ctx, args)
	case "serve":
		err = serve(ctx, pf, args)
	}
	must.Nil(err, cmd)
}

// displayStatus arranges for compile status to be displayed on the
// console or the debug web server, as configured by the flags.
func displayStatus(pf planflags.Flags, st *status.Status) {
	if pf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, st)
	}
	if len(pf.HTTPAddress.Address) > 0 {
		http.Handle("/debug/status", status.Handler(st))
		go func() {
			log.Printf("HTTP status at: %v", pf.HTTPAddress)
			if err := http.ListenAndServe(pf.HTTPAddress.Address, nil); err != nil {
				log.Error.Printf("failed to start HTTP at %v: %v", pf.HTTPAddress, err)
			}
		}()
	}
}

func readJob(ctx context.Context, path string) (job *bigplan.Job, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := f.Close(ctx); err == nil {
			err = closeErr
		}
	}()
	return bigplan.ReadJob(f.Reader(ctx))
}

func readPlan(ctx context.Context, path string) (p *plan.Plan, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := f.Close(ctx); err == nil {
			err = closeErr
		}
	}()
	return plan.Read(f.Reader(ctx))
}

func oneArg(cmd string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: bigplan %s path", cmd)
	}
	return args[0], nil
}
