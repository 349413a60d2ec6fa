// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package planconfig provides a mechanism to create a compiler from
// a shared configuration. Planconfig uses the configuration
// mechanism in package github.com/grailbio/base/config, and reads a
// default profile from $HOME/.bigplan/config.
package planconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigplan/compiler"
)

// Path determines the location of the bigplan profile read by
// Parse.
var Path = os.ExpandEnv("$HOME/.bigplan/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// the bigplan configuration from Path, and returns the compiler as
// configured by the profile and any flags provided. Parse panics if
// the compiler cannot be created.
func Parse() *compiler.Compiler {
	RegisterFlags()
	flag.Parse()
	must.Nil(config.ProcessFlags())
	return Compiler()
}

// RegisterFlags registers the profile flags (-profile and -set) with
// the default flag set, reading the default profile from Path. The
// caller must call config.ProcessFlags after parsing flags.
func RegisterFlags() {
	config.RegisterFlags("", Path)
}

// Compiler returns the compiler configured by the current profile.
func Compiler() *compiler.Compiler {
	var c *compiler.Compiler
	config.Must("bigplan", &c)
	return c
}
