// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigplan compiles logical, distributed dataflow jobs into
	physical execution plans. A job is a declarative graph of operators
	("ops"), each placed on a group of devices spread over one or more
	machines. Bigplan expands the job into one task per (op instance,
	device), wires register descriptors (named buffers) between
	producing and consuming tasks, and decides which buffers may share
	memory, so that a downstream runtime can execute the plan without
	further analysis.

	This package defines the job model: Job, JobConf, OpConf, Placement
	and logical blob ids (LBI). Compilation proper is implemented by
	package compiler, which drives the following pipeline:

		job -> (completer) -> opgraph -> (jit) -> logical -> taskgraph -> plan

	Jobs are usually stored as JSON documents; see ReadJob.

	Errors returned by bigplan fall in two classes. Errors for which
	IsInvariantViolation returns true indicate a malformed graph or a
	compiler bug; they abort compilation. All other errors indicate
	invalid user input.
*/
package bigplan
