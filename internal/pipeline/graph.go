// Package pipeline validates agent graphs and executes them as a strict
// linear chain: each node's output becomes the next node's input and the run
// halts on the first failure.
package pipeline

import (
	"fmt"
	"strings"

	"Chorus-Network/internal/credits"
	xerrors "Chorus-Network/internal/errors"
)

// Position is presentation metadata kept for round-tripping editor layouts.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Node is one step of a pipeline. It is bound either to a specific agent or
// to a skill; the binding is resolved against the directory when the node runs.
type Node struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
	Skill string `json:"skill,omitempty" yaml:"skill,omitempty"`
	// AgentID pins the node to one agent.
	AgentID string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	// Budget caps the price paid for this node. Zero means the agent's cost_per_call.
	Budget        credits.Amount `json:"budget,omitempty" yaml:"budget,omitempty"`
	MinReputation float64        `json:"min_reputation,omitempty" yaml:"min_reputation,omitempty"`
	Position      *Position      `json:"position,omitempty" yaml:"position,omitempty"`
}

// Edge connects two nodes. Order matters: data flows From -> To.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Graph is an authored pipeline. Only simple chains are executable.
type Graph struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Budget caps the cumulative spend of a run. Zero means unlimited.
	Budget credits.Amount `json:"budget,omitempty" yaml:"budget,omitempty"`
	Nodes  []Node         `json:"nodes" yaml:"nodes"`
	Edges  []Edge         `json:"edges" yaml:"edges"`
}

func graphError(format string, args ...any) error {
	return xerrors.New(xerrors.CodeGraph, fmt.Sprintf(format, args...))
}

// Validate checks that g is a simple chain and returns its nodes in execution
// order. Malformed nodes yield VALIDATION_ERROR; topology problems yield
// GRAPH_ERROR.
func (g *Graph) Validate() ([]Node, error) {
	if g == nil || len(g.Nodes) == 0 {
		return nil, xerrors.Validation("pipeline has no nodes")
	}
	if g.Budget < 0 {
		return nil, xerrors.Validation("pipeline budget must not be negative")
	}

	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		id := strings.TrimSpace(n.ID)
		if id == "" {
			return nil, xerrors.Validation("node %d has no id", i)
		}
		if _, dup := index[id]; dup {
			return nil, xerrors.Validation("node id %q is used twice", id)
		}
		if strings.TrimSpace(n.Skill) == "" && strings.TrimSpace(n.AgentID) == "" {
			return nil, xerrors.Validation("node %q must name a skill or an agent_id", id)
		}
		if n.Budget < 0 {
			return nil, xerrors.Validation("node %q budget must not be negative", id)
		}
		if n.MinReputation < 0 || n.MinReputation > 100 {
			return nil, xerrors.Validation("node %q min_reputation must be within [0, 100]", id)
		}
		index[id] = i
	}

	next := make(map[string]string, len(g.Edges))
	incoming := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		from, to := strings.TrimSpace(e.From), strings.TrimSpace(e.To)
		if _, ok := index[from]; !ok {
			return nil, graphError("edge %s -> %s starts at an unknown node", from, to)
		}
		if _, ok := index[to]; !ok {
			return nil, graphError("edge %s -> %s ends at an unknown node", from, to)
		}
		if from == to {
			return nil, graphError("node %q has an edge to itself", from)
		}
		if existing, ok := next[from]; ok {
			return nil, graphError("node %q has more than one outgoing edge (%s, %s)", from, existing, to)
		}
		next[from] = to
		incoming[to]++
		if incoming[to] > 1 {
			return nil, graphError("node %q has more than one incoming edge", to)
		}
	}

	var starts []string
	for _, n := range g.Nodes {
		id := strings.TrimSpace(n.ID)
		if incoming[id] == 0 {
			starts = append(starts, id)
		}
	}
	switch {
	case len(starts) == 0:
		return nil, graphError("pipeline has no start node")
	case len(starts) > 1:
		return nil, graphError("pipeline has %d start nodes (%s), expected exactly one", len(starts), strings.Join(starts, ", "))
	}

	order := make([]Node, 0, len(g.Nodes))
	seen := make(map[string]bool, len(g.Nodes))
	for id := starts[0]; id != ""; id = next[id] {
		if seen[id] {
			return nil, graphError("pipeline contains a cycle at node %q", id)
		}
		seen[id] = true
		n := g.Nodes[index[id]]
		n.ID = id
		order = append(order, n)
	}
	if len(order) != len(g.Nodes) {
		// Every node has at most one in and one out edge, so whatever the walk
		// missed forms a cycle.
		var missing []string
		for _, n := range g.Nodes {
			if !seen[strings.TrimSpace(n.ID)] {
				missing = append(missing, strings.TrimSpace(n.ID))
			}
		}
		return nil, graphError("nodes %s are not reachable from the start node", strings.Join(missing, ", "))
	}
	return order, nil
}

// Chain builds a linear graph from nodes in the given order.
func Chain(id, name string, nodes ...Node) *Graph {
	g := &Graph{ID: id, Name: name, Nodes: nodes}
	for i := 1; i < len(nodes); i++ {
		g.Edges = append(g.Edges, Edge{From: nodes[i-1].ID, To: nodes[i].ID})
	}
	return g
}
