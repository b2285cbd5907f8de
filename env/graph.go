package env

import (
	"fmt"
	"sync"

	"github.com/signalsfoundry/agentsim/model"
)

// Node names a vertex of a Graph environment.
type Node string

// String implements model.Location.
func (n Node) String() string { return string(n) }

// Graph places agents on named nodes; relations follow edges.
type Graph struct {
	mu sync.RWMutex

	directed bool
	nodes    []Node
	adj      map[Node][]Node

	occupants map[Node][]model.AgentID
	index     map[model.AgentID]Node
}

// NewGraph returns an empty graph. Directed graphs only follow edges from
// source to target when answering neighbor queries.
func NewGraph(directed bool) *Graph {
	return &Graph{
		directed:  directed,
		adj:       make(map[Node][]Node),
		occupants: make(map[Node][]model.AgentID),
		index:     make(map[model.AgentID]Node),
	}
}

// AddNode registers n. Adding an existing node is a no-op.
func (g *Graph) AddNode(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addNodeLocked(n)
}

func (g *Graph) addNodeLocked(n Node) {
	if _, ok := g.adj[n]; ok {
		return
	}
	g.adj[n] = nil
	g.nodes = append(g.nodes, n)
}

// AddEdge connects a to b, registering either node if needed.
func (g *Graph) AddEdge(a, b Node) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.addNodeLocked(a)
	g.addNodeLocked(b)
	g.adj[a] = appendUnique(g.adj[a], b)
	if !g.directed {
		g.adj[b] = appendUnique(g.adj[b], a)
	}
}

func appendUnique(list []Node, n Node) []Node {
	for _, existing := range list {
		if existing == n {
			return list
		}
	}
	return append(list, n)
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Node(nil), g.nodes...)
}

// Adjacent returns the direct successors of n.
func (g *Graph) Adjacent(n Node) ([]Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	next, ok := g.adj[n]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, n)
	}
	return append([]Node(nil), next...), nil
}

func (g *Graph) node(loc model.Location) (Node, error) {
	var n Node
	switch v := loc.(type) {
	case Node:
		n = v
	case *Node:
		if v == nil {
			return "", ErrInvalidLocation
		}
		n = *v
	default:
		return "", fmt.Errorf("%w: %T is not a graph node", ErrInvalidLocation, loc)
	}
	if _, ok := g.adj[n]; !ok {
		return "", fmt.Errorf("%w: %w: %q", ErrInvalidLocation, ErrUnknownNode, n)
	}
	return n, nil
}

// Place puts id on the node loc, moving it if already placed.
func (g *Graph) Place(id model.AgentID, loc model.Location) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, err := g.node(loc)
	if err != nil {
		return err
	}
	prev, placed := g.index[id]
	if placed {
		if prev == n {
			return nil
		}
		g.removeFromNodeLocked(id, prev)
	}
	g.occupants[n] = append(g.occupants[n], id)
	g.index[id] = n
	return nil
}

// Remove drops id from the graph if present.
func (g *Graph) Remove(id model.AgentID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.index[id]
	if !ok {
		return
	}
	g.removeFromNodeLocked(id, n)
	delete(g.index, id)
}

func (g *Graph) removeFromNodeLocked(id model.AgentID, n Node) {
	list := g.occupants[n]
	for i, other := range list {
		if other == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(g.occupants, n)
		return
	}
	g.occupants[n] = list
}

// LocationOf returns the node holding id.
func (g *Graph) LocationOf(id model.AgentID) (model.Location, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return n, true
}

// Len returns the number of placed agents.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.index)
}

// Neighbors returns agents on nodes reachable from loc within rel's hop
// radius. Neighborhood shape is ignored except for Colocated.
func (g *Graph) Neighbors(loc model.Location, rel Relation) ([]model.AgentID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	start, err := g.node(loc)
	if err != nil {
		return nil, err
	}

	var out []model.AgentID
	if rel.Neighborhood == Colocated {
		out = append(out, g.occupants[start]...)
		sortIDs(out)
		return out, nil
	}
	if rel.IncludeCenter {
		out = append(out, g.occupants[start]...)
	}

	visited := map[Node]struct{}{start: {}}
	frontier := []Node{start}
	for hop := 0; hop < rel.steps() && len(frontier) > 0; hop++ {
		var next []Node
		for _, n := range frontier {
			for _, m := range g.adj[n] {
				if _, ok := visited[m]; ok {
					continue
				}
				visited[m] = struct{}{}
				next = append(next, m)
				out = append(out, g.occupants[m]...)
			}
		}
		frontier = next
	}
	sortIDs(out)
	return out, nil
}

// Checkpoint captures the current placements. Graph structure is not
// captured; agents never edit it during a step.
func (g *Graph) Checkpoint() Checkpoint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return &graphCheckpoint{graph: g, occupants: copyCells(g.occupants), index: copyIndex(g.index)}
}

type graphCheckpoint struct {
	graph     *Graph
	occupants map[Node][]model.AgentID
	index     map[model.AgentID]Node
}

func (cp *graphCheckpoint) Restore() {
	g := cp.graph
	g.mu.Lock()
	defer g.mu.Unlock()
	g.occupants = copyCells(cp.occupants)
	g.index = copyIndex(cp.index)
}
