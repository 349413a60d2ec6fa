// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package plan

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/grailbio/base/log"
)

// HandleDebug registers handlers on mux that serve the plan under
// prefix: an index page, the plan text, the plan JSON, and a
// force-directed rendering of its task graph.
func (p *Plan) HandleDebug(mux *http.ServeMux, prefix string) {
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, debugIndexHtml)
	})
	mux.HandleFunc(prefix+"/text", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "text/plain; charset=utf-8")
		if err := p.WriteText(w); err != nil {
			log.Error.Printf("plan.handleText: %v", err)
		}
	})
	mux.HandleFunc(prefix+"/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "application/json; charset=utf-8")
		if err := p.Write(w); err != nil {
			log.Error.Printf("plan.handleJSON: %v", err)
			http.Error(w, err.Error(), 500)
		}
	})
	mux.HandleFunc(prefix+"/tasks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, tasksGraphHtml)
	})
	mux.HandleFunc(prefix+"/tasks/graph", p.handleTasksGraph)
}

type graphNode struct {
	Name   string `json:"name"`
	Group  int    `json:"group"`
	Radius int    `json:"radius"`
}

type graphLink struct {
	Source int `json:"source"`
	Target int `json:"target"`
}

type taskGraph struct {
	Nodes []graphNode `json:"nodes"`
	Links []graphLink `json:"links"`
}

// graph returns the plan's task graph in d3 force layout form:
// tasks are grouped by machine, and each register contributes a link
// from its producer to each of its consumers.
func (p *Plan) graph() taskGraph {
	indexed := make(map[taskKey]int, len(p.Tasks))
	var graph taskGraph
	graph.Nodes = make([]graphNode, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		indexed[taskKey{t.JobID, t.ID}] = i
		node := graphNode{Name: t.Name, Group: int(t.Machine), Radius: 5}
		if len(t.Consumed) == 0 {
			node.Radius = 10
		}
		graph.Nodes[i] = node
	}
	for i := range p.Tasks {
		t := &p.Tasks[i]
		for j := range t.Produced {
			for _, c := range t.Produced[j].Consumers {
				if k, ok := indexed[taskKey{t.JobID, c}]; ok {
					graph.Links = append(graph.Links, graphLink{i, k})
				}
			}
		}
	}
	return graph
}

func (p *Plan) handleTasksGraph(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("content-type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(p.graph()); err != nil {
		log.Error.Printf("plan.handleTasksGraph: json.Encode: %v", err)
		http.Error(w, err.Error(), 500)
	}
}

var debugIndexHtml = `<!DOCTYPE html>
<meta charset="utf-8">
<head>
<title>
/debug/plan
</title>
</head>
<body>

<dl>
<dt><a href="plan/text">plan/text</a></dt>
<dd>tasks and registers of the plan</dd>
<dt><a href="plan/json">plan/json</a></dt>
<dd>the plan, as JSON</dd>
<dt><a href="plan/tasks">plan/tasks</a></dt>
<dd>task graph, grouped by machine</dd>
</dl>
</body>
</html>
`

var tasksGraphHtml = `<!DOCTYPE html>
<meta charset="utf-8">
<style>

.links line {
  stroke: #999;
  stroke-opacity: 0.6;
}

.nodes circle {
  stroke: #fff;
  stroke-width: 1.5px;
}

text {
  font-family: sans-serif;
  font-size: 10px;
}

</style>
<svg width="960" height="600"></svg>
<script src="https://d3js.org/d3.v4.min.js"></script>
<script>

var svg = d3.select("svg"),
    width = +svg.attr("width"),
    height = +svg.attr("height");

var color = d3.scaleOrdinal(d3.schemeCategory20);

var simulation = d3.forceSimulation()
    .force("charge", d3.forceManyBody().strength(-300))
    .force("link", d3.forceLink())
    .force("center", d3.forceCenter(width / 2, height / 2));

d3.json("tasks/graph", function(error, graph) {
  if (error) throw error;

  var link = svg.append("g")
    .attr("class", "links")
    .selectAll("line")
    .data(graph.links)
    .enter().append("line")

  var node = svg.append("g")
    .attr("class", "nodes")
    .selectAll("g")
    .data(graph.nodes)
    .enter().append("g")

  node.append("circle")
      .attr("r", function(d) { return d.radius })
      .attr("fill", function(d) { return color(d.group); });

  node.append("text")
      .text(function(d) { return d.name; })
      .attr('x', 6)
      .attr('y', 3);

  simulation
      .nodes(graph.nodes)
      .on("tick", function() {
        link
            .attr("x1", function(d) { return d.source.x; })
            .attr("y1", function(d) { return d.source.y; })
            .attr("x2", function(d) { return d.target.x; })
            .attr("y2", function(d) { return d.target.y; });
        node
            .attr("transform", function(d) {
              return "translate(" + d.x + "," + d.y + ")";
            })
      });

  simulation.force("link")
      .links(graph.links);
});

</script>
`
