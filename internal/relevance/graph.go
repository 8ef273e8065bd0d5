// Package relevance determines which variables participate in a given
// derivative sweep. It builds a directed dependency graph over promoted
// variable names once the tree is frozen, then answers membership queries
// per variable of interest. The graph is constructed during setup and
// immutable afterwards; coupled models may legally contain cycles, so
// closures are computed by breadth-first traversal rather than
// topological order.
package relevance

import "fmt"

// Graph is a directed dependency graph over variable names.
type Graph struct {
	nodes map[string]*node
}

type node struct {
	id         string
	deps       map[string]*node // edges into this node
	dependents map[string]*node // edges out of this node
}

// NewGraph creates and returns an initialized, empty Graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// AddNode adds a node with the given ID to the graph. Adding an existing
// ID is a no-op.
func (g *Graph) AddNode(id string) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &node{
		id:         id,
		deps:       make(map[string]*node),
		dependents: make(map[string]*node),
	}
}

// AddEdge creates a directed edge from fromID to toID, meaning toID
// depends on fromID. An error is returned if either node does not exist
// or the edge would be a self-reference.
func (g *Graph) AddEdge(fromID, toID string) error {
	if fromID == toID {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", fromID, fromID)
	}
	fromNode, ok := g.nodes[fromID]
	if !ok {
		return fmt.Errorf("source node not found: %s", fromID)
	}
	toNode, ok := g.nodes[toID]
	if !ok {
		return fmt.Errorf("destination node not found: %s", toID)
	}
	toNode.deps[fromID] = fromNode
	fromNode.dependents[toID] = toNode
	return nil
}

// Contains reports whether the graph has a node with the given ID.
func (g *Graph) Contains(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Downstream returns the set of nodes reachable from id, including id
// itself.
func (g *Graph) Downstream(id string) map[string]bool {
	return g.closure(id, func(n *node) map[string]*node { return n.dependents })
}

// Upstream returns the set of nodes from which id is reachable, including
// id itself.
func (g *Graph) Upstream(id string) map[string]bool {
	return g.closure(id, func(n *node) map[string]*node { return n.deps })
}

func (g *Graph) closure(id string, next func(*node) map[string]*node) map[string]bool {
	seen := make(map[string]bool)
	start, ok := g.nodes[id]
	if !ok {
		return seen
	}
	queue := []*node{start}
	seen[id] = true
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for nid, nn := range next(n) {
			if !seen[nid] {
				seen[nid] = true
				queue = append(queue, nn)
			}
		}
	}
	return seen
}
