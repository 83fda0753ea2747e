package orchestrator

import (
	"sort"

	"github.com/agentmesh/hub/internal/core"
)

// Node is one unit of work in a plan.
type Node struct {
	ID           string
	Task         string
	Capabilities []string
}

// Graph is a DAG of plan nodes. Sequential plans chain nodes with
// edges; parallel patterns leave peers unconnected.
type Graph struct {
	nodes map[string]Node
	edges map[string][]string // from -> to
}

func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]Node),
		edges: make(map[string][]string),
	}
}

func (g *Graph) AddNode(n Node) { g.nodes[n.ID] = n }

func (g *Graph) AddEdge(from, to string) error {
	if _, ok := g.nodes[from]; !ok {
		return core.E(core.KindBadRequest, "unknown node %s", from)
	}
	if _, ok := g.nodes[to]; !ok {
		return core.E(core.KindBadRequest, "unknown node %s", to)
	}
	g.edges[from] = append(g.edges[from], to)
	return nil
}

// Levels assigns each node a topological level with Kahn's algorithm.
// Peers within a level have no dependency between them and may run in
// parallel. A cycle is rejected. Order within a level is by node id so
// runs are deterministic.
func (g *Graph) Levels() ([][]Node, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, tos := range g.edges {
		for _, to := range tos {
			indegree[to]++
		}
	}

	frontier := make([]string, 0, len(g.nodes))
	for id, d := range indegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}

	var levels [][]Node
	seen := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		level := make([]Node, 0, len(frontier))
		var next []string
		for _, id := range frontier {
			level = append(level, g.nodes[id])
			seen++
			for _, to := range g.edges[id] {
				indegree[to]--
				if indegree[to] == 0 {
					next = append(next, to)
				}
			}
		}
		levels = append(levels, level)
		frontier = next
	}
	if seen != len(g.nodes) {
		return nil, core.E(core.KindBadRequest, "plan graph contains a cycle")
	}
	return levels, nil
}
