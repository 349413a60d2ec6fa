// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package planflags provides flag support for use by bigplan command
// line applications.
package planflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigplan/compiler"
	"github.com/grailbio/bigplan/jit"
)

// JITHelpShort is a short explanation of the allowed JIT flag values.
func JITHelpShort(prefix string) string {
	const format = `JIT clustering is specified as {off,on[:key=val,...]}, use -%s for more information.`
	return fmt.Sprintf(format, prefix+"jit-help")
}

// JITHelpLong is a complete explanation of the allowed JIT flag
// values.
const JITHelpLong = `JIT clustering is specified as follows:

off: ops are not clustered, the default.
on[:<options>]: clusterable ops are fused, where options is [key=value,]+
	min=<number> - clusters with fewer ops are dissolved (default 1)
	max=<number> - clusters hold at most this many ops (default 50)
`

// JITFlag is a flag that configures JIT clustering.
type JITFlag struct {
	Enabled   bool
	Options   jit.Options
	Specified bool
}

// String implements flag.Value.String.
func (f *JITFlag) String() string {
	if !f.Enabled {
		return "off"
	}
	var opts []string
	if f.Options.MinClusterSize > 0 {
		opts = append(opts, fmt.Sprintf("min=%d", f.Options.MinClusterSize))
	}
	if f.Options.MaxClusterSize > 0 {
		opts = append(opts, fmt.Sprintf("max=%d", f.Options.MaxClusterSize))
	}
	if len(opts) == 0 {
		return "on"
	}
	return "on:" + strings.Join(opts, ",")
}

// Set implements flag.Value.Set.
func (f *JITFlag) Set(v string) error {
	parts := strings.SplitN(v, ":", 2)
	var (
		enabled bool
		opts    jit.Options
	)
	switch parts[0] {
	case "off":
		if len(parts) > 1 {
			return fmt.Errorf("jit: off takes no options: %q", v)
		}
	case "on":
		enabled = true
	default:
		return fmt.Errorf("jit: unsupported value %q", parts[0])
	}
	if len(parts) > 1 {
		for _, opt := range strings.Split(parts[1], ",") {
			kv := strings.Split(opt, "=")
			if len(kv) != 2 {
				return fmt.Errorf("not in key=val format %q", opt)
			}
			n, err := strconv.Atoi(kv[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("not a positive int: %v", kv[1])
			}
			switch kv[0] {
			case "min":
				opts.MinClusterSize = n
			case "max":
				opts.MaxClusterSize = n
			default:
				return fmt.Errorf("unsupported option: %v", kv[0])
			}
		}
	}
	f.Enabled = enabled
	f.Options = opts
	f.Specified = true
	return nil
}

// Get implements flag.Getter.
func (f *JITFlag) Get() interface{} {
	return f.String()
}

// Flags represents all of the flags that can be used to configure
// a bigplan command.
type Flags struct {
	JIT           JITFlag
	JITHelp       bool
	NetTopo       bool
	DumpDir       string
	TracePath     string
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	fs            *flag.FlagSet
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (pf *Flags) Output() io.Writer {
	if pf.fs == nil {
		return os.Stderr
	}
	if wr := pf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	JIT           string
	NetTopo       bool
	HTTPAddress   string
	ConsoleStatus bool
}

// RegisterFlags registers the bigplan command line flags with the
// supplied flag set. The flag names will be prefixed with the
// supplied prefix.
func RegisterFlags(fs *flag.FlagSet, pf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, pf, prefix, Defaults{
		JIT:         "off",
		HTTPAddress: ":3334",
	})
}

// RegisterFlagsWithDefaults registers the bigplan command line flags
// with the supplied flag set and defaults. The flag names will be
// prefixed with the supplied prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, pf *Flags, prefix string, defaults Defaults) {
	fs.Var(&pf.JIT, prefix+"jit", JITHelpShort(prefix))
	if err := pf.JIT.Set(defaults.JIT); err != nil {
		panic(fmt.Sprintf("planflags: bad default: %v", err))
	}
	pf.JIT.Specified = false
	fs.BoolVar(&pf.JITHelp, prefix+"jit-help", false, "provide help on JIT clustering options")
	fs.BoolVar(&pf.NetTopo, prefix+"net-topo", defaults.NetTopo, "derive the network topology of compiled plans")
	fs.StringVar(&pf.DumpDir, prefix+"dump-dir", "", "directory (local or s3) to which jobs are dumped as they are compiled")
	fs.StringVar(&pf.TracePath, prefix+"trace", "", "path to which the compile trace is written")
	fs.Var(&pf.HTTPAddress, prefix+"http", "address of http status server")
	pf.HTTPAddress.Set(defaults.HTTPAddress)
	pf.HTTPAddress.Specified = false
	fs.BoolVar(&pf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	pf.fs = fs
}

// CompilerOptions returns the compiler options specified by the
// flags. The returned sink, if any, must be waited upon before the
// program exits.
func (pf *Flags) CompilerOptions(st *status.Status) ([]compiler.Option, *compiler.FileSink, error) {
	var opts []compiler.Option
	if st != nil {
		opts = append(opts, compiler.WithStatus(st))
	}
	if pf.JIT.Enabled {
		min, max := pf.JIT.Options.MinClusterSize, pf.JIT.Options.MaxClusterSize
		if min > 0 && max > 0 && min > max {
			return nil, nil, fmt.Errorf("jit: min cluster size %d exceeds max %d", min, max)
		}
		opts = append(opts, compiler.WithJIT(min, max))
	}
	opts = append(opts, compiler.WithNetTopo(pf.NetTopo))
	var sink *compiler.FileSink
	if pf.DumpDir != "" {
		sink = &compiler.FileSink{Dir: pf.DumpDir}
		opts = append(opts, compiler.WithSink(sink))
	}
	if pf.TracePath != "" {
		opts = append(opts, compiler.WithTracePath(pf.TracePath))
	}
	return opts, sink, nil
}
