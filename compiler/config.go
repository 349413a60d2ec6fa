// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package compiler

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/bigplan/jit"
)

func init() {
	config.Register("bigplan", func(inst *config.Instance) {
		var (
			useJIT           bool
			minSize, maxSize int
			netTopo          bool
			dumpDir          string
			tracePath        string
		)
		inst.BoolVar(&useJIT, "jit", false, "cluster ops with the JIT optimizer")
		inst.IntVar(&minSize, "jit-min-cluster", jit.DefaultMinClusterSize, "minimum number of ops in a JIT cluster")
		inst.IntVar(&maxSize, "jit-max-cluster", jit.DefaultMaxClusterSize, "maximum number of ops in a JIT cluster")
		inst.BoolVar(&netTopo, "net-topo", false, "derive the network topology of compiled plans")
		inst.StringVar(&dumpDir, "dump-dir", "", "directory to which jobs are dumped as they are compiled")
		inst.StringVar(&tracePath, "trace", "", "path to which the compile trace is written")
		inst.Doc = "bigplan configures the bigplan compiler"
		inst.New = func() (interface{}, error) {
			var opts []Option
			if useJIT {
				opts = append(opts, WithJIT(minSize, maxSize))
			}
			if dumpDir != "" {
				opts = append(opts, WithSink(&FileSink{Dir: dumpDir}))
			}
			if tracePath != "" {
				opts = append(opts, WithTracePath(tracePath))
			}
			opts = append(opts, WithNetTopo(netTopo))
			return New(opts...), nil
		}
	})
}
