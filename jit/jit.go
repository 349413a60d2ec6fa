// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package jit implements subgraph clustering for just-in-time
// compilation. An optimizer partitions the clusterable ops of an
// operator graph into clusters; each cluster is then replaced in the
// job by a single fused op whose subgraph holds the cluster's ops.
package jit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigplan"
	"github.com/grailbio/bigplan/operator"
	"github.com/grailbio/bigplan/opgraph"
	"github.com/spaolacci/murmur3"
)

const (
	// DefaultMinClusterSize is the default minimum number of ops in a
	// cluster.
	DefaultMinClusterSize = 1
	// DefaultMaxClusterSize is the default maximum number of ops in a
	// cluster.
	DefaultMaxClusterSize = 50
)

// Options bounds the size of clusters. Zero values select the
// defaults.
type Options struct {
	MinClusterSize, MaxClusterSize int
}

func (o Options) withDefaults() Options {
	if o.MinClusterSize <= 0 {
		o.MinClusterSize = DefaultMinClusterSize
	}
	if o.MaxClusterSize <= 0 {
		o.MaxClusterSize = DefaultMaxClusterSize
	}
	return o
}

// A Cluster is a set of ops that are fused into a single op.
type Cluster struct {
	// Name is the name of the fused op. It is derived from the names
	// of the cluster's ops.
	Name string
	// Nodes holds the cluster's ops in topological order.
	Nodes []*opgraph.Node
}

// Contains tells whether op n is part of the cluster.
func (c *Cluster) Contains(n *opgraph.Node) bool {
	for _, m := range c.Nodes {
		if m == n {
			return true
		}
	}
	return false
}

// ClusteredGraph is an operator graph together with a clustering of
// its ops.
type ClusteredGraph struct {
	Graph    *opgraph.Graph
	Clusters []*Cluster

	clusterOf map[string]*Cluster
}

// ClusterOf returns the cluster of the named op, or nil.
func (c *ClusteredGraph) ClusterOf(op string) *Cluster {
	return c.clusterOf[op]
}

// A SubgraphOptimizer clusters operator graphs and rewrites jobs
// accordingly. Clusters must not introduce cycles among fused ops.
type SubgraphOptimizer interface {
	// Optimize computes a clustering of g.
	Optimize(g *opgraph.Graph, opts Options) (*ClusteredGraph, error)
	// RebuildJob replaces each cluster of cg in job by a fused op.
	// Job must be the job from which cg's graph was built.
	RebuildJob(cg *ClusteredGraph, job *bigplan.Job) error
}

// Clusterer is a greedy SubgraphOptimizer. Visiting ops in
// topological order, it merges each clusterable op into the cluster
// of one of its producers on the same placement, unless the merge
// would exceed the maximum cluster size or create a cycle. Clusters
// smaller than the minimum size are dissolved.
type Clusterer struct{}

// Optimize implements SubgraphOptimizer.
func (Clusterer) Optimize(g *opgraph.Graph, opts Options) (*ClusteredGraph, error) {
	opts = opts.withDefaults()
	if opts.MinClusterSize > opts.MaxClusterSize {
		return nil, bigplan.Invalidf("jit: minimum cluster size %d exceeds maximum %d", opts.MinClusterSize, opts.MaxClusterSize)
	}
	clusterOf := make(map[*opgraph.Node]*Cluster)
	var clusters []*Cluster
	for _, n := range g.Nodes() {
		if !n.Op.Clusterable {
			continue
		}
		var joined *Cluster
		for _, p := range n.In {
			c := clusterOf[p]
			if c == nil || len(c.Nodes) >= opts.MaxClusterSize || p.Placement != n.Placement {
				continue
			}
			if createsCycle(g, c, n) {
				continue
			}
			joined = c
			break
		}
		if joined == nil {
			joined = new(Cluster)
			clusters = append(clusters, joined)
		}
		joined.Nodes = append(joined.Nodes, n)
		clusterOf[n] = joined
	}
	cg := &ClusteredGraph{Graph: g, clusterOf: make(map[string]*Cluster)}
	for _, c := range clusters {
		if len(c.Nodes) < opts.MinClusterSize {
			continue
		}
		names := make([]string, len(c.Nodes))
		for i, n := range c.Nodes {
			names[i] = n.Name()
		}
		c.Name = fmt.Sprintf("jit-%016x", murmur3.Sum64([]byte(strings.Join(names, ","))))
		if g.Node(c.Name) != nil {
			return nil, bigplan.Invariantf("jit: cluster name %s is taken", c.Name)
		}
		for _, n := range c.Nodes {
			cg.clusterOf[n.Name()] = c
		}
		cg.Clusters = append(cg.Clusters, c)
		log.Debug.Printf("jit: cluster %s: %s", c.Name, strings.Join(names, " "))
	}
	return cg, nil
}

// createsCycle tells whether adding n to cluster c creates a cycle
// through the fused op: that is, whether one of n's producers outside
// of c is reachable from a member of c.
func createsCycle(g *opgraph.Graph, c *Cluster, n *opgraph.Node) bool {
	producers := append(append([]*opgraph.Node(nil), n.In...), n.CtrlIn...)
	for _, p := range producers {
		if c.Contains(p) {
			continue
		}
		for _, m := range c.Nodes {
			if g.Reachable(m, p) {
				return true
			}
		}
	}
	return false
}

// RebuildJob implements SubgraphOptimizer. Each fused op consumes the
// blobs its cluster consumes from outside of it and exports, as
// outputs out_0, out_1, ..., the blobs that are consumed outside of
// the cluster, unconsumed, or the job's loss. References to exported
// blobs and to clustered ops are rewritten throughout the job.
func (Clusterer) RebuildJob(cg *ClusteredGraph, job *bigplan.Job) error {
	if len(cg.Clusters) == 0 {
		return nil
	}
	var (
		g       = cg.Graph
		renamed = make(map[string]string)
		fused   = make(map[*Cluster]bigplan.OpConf)
	)
	rename := func(lbi string) string {
		if to, ok := renamed[lbi]; ok {
			return to
		}
		return lbi
	}
	renameOps := func(names []string) []string {
		var out []string
		seen := make(map[string]bool)
		for _, name := range names {
			if c := cg.ClusterOf(name); c != nil {
				name = c.Name
			}
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
		return out
	}
	for _, c := range cg.Clusters {
		conf := bigplan.OpConf{
			Name:      c.Name,
			Type:      operator.Fused,
			Placement: c.Nodes[0].Conf.Placement,
		}
		inputs := make(map[bigplan.LBI]bool)
		for _, n := range c.Nodes {
			sub := n.Conf.Clone()
			sub.CtrlIn = nil
			conf.Subgraph = append(conf.Subgraph, sub)
			for _, lbi := range n.Inputs {
				if p, _ := g.Producer(lbi); c.Contains(p) || inputs[lbi] {
					continue
				}
				inputs[lbi] = true
				conf.In = append(conf.In, lbi.String())
			}
			for _, p := range n.CtrlIn {
				if !c.Contains(p) {
					conf.CtrlIn = append(conf.CtrlIn, p.Name())
				}
			}
			for _, lbi := range n.OutputLBIs() {
				if !exported(g, c, lbi, job.Conf.Loss) {
					continue
				}
				renamed[lbi.String()] = bigplan.LBI{Op: c.Name, Bn: fmt.Sprintf("out_%d", len(conf.Exports))}.String()
				conf.Exports = append(conf.Exports, lbi.String())
			}
		}
		conf.CtrlIn = renameOps(conf.CtrlIn)
		fused[c] = conf
	}
	// Blobs consumed from other clusters are renamed only once all
	// exports are known. Subgraph ops refer to external blobs by the
	// fused op's input names.
	for _, conf := range fused {
		external := make(map[string]bool)
		for i, lbi := range conf.In {
			external[lbi] = true
			conf.In[i] = rename(lbi)
		}
		for i := range conf.Subgraph {
			sub := &conf.Subgraph[i]
			for j, lbi := range sub.In {
				if external[lbi] {
					sub.In[j] = rename(lbi)
				}
			}
		}
	}
	var ops []bigplan.OpConf
	for i := range job.Ops {
		op := job.Ops[i]
		if c := cg.ClusterOf(op.Name); c != nil {
			if c.Nodes[0].Name() == op.Name {
				ops = append(ops, fused[c])
			}
			continue
		}
		op = op.Clone()
		for j := range op.In {
			op.In[j] = rename(op.In[j])
		}
		op.CtrlIn = renameOps(op.CtrlIn)
		ops = append(ops, op)
	}
	job.Ops = ops
	if job.Conf.Loss != "" {
		job.Conf.Loss = rename(job.Conf.Loss)
	}
	return nil
}

// exported tells whether blob lbi of cluster c must be visible
// outside of it.
func exported(g *opgraph.Graph, c *Cluster, lbi bigplan.LBI, loss string) bool {
	if lbi.String() == loss {
		return true
	}
	consumers := g.Consumers(lbi)
	if len(consumers) == 0 {
		return true
	}
	for _, n := range consumers {
		if !c.Contains(n) {
			return true
		}
	}
	return false
}

// Names returns the names of the clusters' ops, sorted.
func (c *Cluster) Names() []string {
	names := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		names[i] = n.Name()
	}
	sort.Strings(names)
	return names
}
