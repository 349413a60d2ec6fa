// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigplan/opgraph"
	"github.com/grailbio/bigplan/plan"
	"github.com/grailbio/bigplan/planflags"
)

func text(ctx context.Context, args []string) error {
	path, err := oneArg("text", args)
	if err != nil {
		return err
	}
	p, err := readPlan(ctx, path)
	if err != nil {
		return err
	}
	return p.WriteText(os.Stdout)
}

// topo prints the plan's network topology, deriving it if the plan
// was compiled without one.
func topo(ctx context.Context, args []string) error {
	path, err := oneArg("topo", args)
	if err != nil {
		return err
	}
	p, err := readPlan(ctx, path)
	if err != nil {
		return err
	}
	nt := p.NetTopo
	if nt == nil {
		if nt, err = plan.GenNetTopo(p); err != nil {
			return err
		}
	}
	for _, m := range nt.Machines() {
		peers := make([]string, len(nt.Peers[m]))
		for i, peer := range nt.Peers[m] {
			peers[i] = fmt.Sprint(peer)
		}
		fmt.Printf("%d\t%s\n", m, strings.Join(peers, ","))
	}
	return nil
}

func dot(ctx context.Context, args []string) error {
	path, err := oneArg("dot", args)
	if err != nil {
		return err
	}
	job, err := readJob(ctx, path)
	if err != nil {
		return err
	}
	g, err := opgraph.New(job)
	if err != nil {
		return err
	}
	return g.Dot(os.Stdout)
}

func serve(ctx context.Context, pf planflags.Flags, args []string) error {
	path, err := oneArg("serve", args)
	if err != nil {
		return err
	}
	p, err := readPlan(ctx, path)
	if err != nil {
		return err
	}
	if len(pf.HTTPAddress.Address) == 0 {
		return fmt.Errorf("serve: no HTTP address")
	}
	p.HandleDebug(http.DefaultServeMux, "/debug/plan")
	log.Printf("serving plan %s at %v/debug/plan", path, pf.HTTPAddress)
	return http.ListenAndServe(pf.HTTPAddress.Address, nil)
}
