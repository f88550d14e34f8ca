// Package dependency keeps the child to parent edges between modules.
package dependency

import (
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/snowmerak/mediaserver/lib/errs"
)

type nodeSet map[string]struct{}

type edges map[string]nodeSet

func addToSet(e edges, key, node string) {
	nodes, ok := e[key]
	if !ok {
		nodes = make(nodeSet)
		e[key] = nodes
	}
	nodes[node] = struct{}{}
}

func removeFromSet(e edges, key, node string) {
	nodes, ok := e[key]
	if !ok {
		return
	}
	delete(nodes, node)
	if len(nodes) == 0 {
		delete(e, key)
	}
}

func sortedKeys(s nodeSet) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Graph is a directed acyclic graph of module dependencies. A child depends on its
// parents: parents load before the child and unload after it.
// It is safe for concurrent use.
type Graph struct {
	mu       sync.RWMutex
	nodes    nodeSet
	parents  edges
	children edges
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(nodeSet),
		parents:  make(edges),
		children: make(edges),
	}
}

// AddNode adds id without edges.
func (g *Graph) AddNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[id] = struct{}{}
}

// AddDependency records that child depends on parent.
// Self edges and existing edges are accepted without change; an edge that would
// close a cycle is rejected with errs.ErrCycleDetected and the graph is left untouched.
func (g *Graph) AddDependency(child, parent string) error {
	if child == parent {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.parents[child][parent]; ok {
		return nil
	}
	if g.pathExists(parent, child) {
		return errors.Wrapf(errs.ErrCycleDetected, "circular dependency - %q already depends on %q", parent, child)
	}

	g.nodes[child] = struct{}{}
	g.nodes[parent] = struct{}{}
	addToSet(g.parents, child, parent)
	addToSet(g.children, parent, child)
	return nil
}

// pathExists reports whether source depends on goal, directly or transitively.
func (g *Graph) pathExists(source, goal string) bool {
	visited := make(nodeSet)
	next := []string{source}
	for len(next) > 0 {
		n := next[len(next)-1]
		next = next[:len(next)-1]
		for p := range g.parents[n] {
			if p == goal {
				return true
			}
			if _, seen := visited[p]; !seen {
				visited[p] = struct{}{}
				next = append(next, p)
			}
		}
	}
	return false
}

// RmDependency removes the edge if present.
func (g *Graph) RmDependency(child, parent string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	removeFromSet(g.parents, child, parent)
	removeFromSet(g.children, parent, child)
}

// Has reports whether child directly depends on parent.
func (g *Graph) Has(child, parent string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.parents[child][parent]
	return ok
}

// Parents returns the direct parents of id, sorted.
func (g *Graph) Parents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.parents[id])
}

// Children returns the modules that directly depend on id, sorted.
func (g *Graph) Children(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.children[id])
}

// Dependents returns every module that depends on id, directly or transitively.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(nodeSet)
	next := []string{id}
	for len(next) > 0 {
		var found []string
		for _, n := range next {
			for c := range g.children[n] {
				if _, ok := out[c]; !ok {
					out[c] = struct{}{}
					found = append(found, c)
				}
			}
		}
		next = found
	}
	return sortedKeys(out)
}

// Remove drops id and every edge touching it.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for p := range g.parents[id] {
		removeFromSet(g.children, p, id)
	}
	for c := range g.children[id] {
		removeFromSet(g.parents, c, id)
	}
	delete(g.parents, id)
	delete(g.children, id)
	delete(g.nodes, id)
}

// Sorted returns every node with dependents before the modules they depend on,
// which is the unload order. Reverse it to get a load order.
func (g *Graph) Sorted() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	remaining := make(edges, len(g.children))
	for k, v := range g.children {
		set := make(nodeSet, len(v))
		for c := range v {
			set[c] = struct{}{}
		}
		remaining[k] = set
	}
	pending := make(nodeSet, len(g.nodes))
	for n := range g.nodes {
		pending[n] = struct{}{}
	}

	ordered := make([]string, 0, len(g.nodes))
	for len(pending) > 0 {
		var leaves []string
		for n := range pending {
			if len(remaining[n]) == 0 {
				leaves = append(leaves, n)
			}
		}
		if len(leaves) == 0 {
			break
		}
		slices.Sort(leaves)
		ordered = append(ordered, leaves...)
		for _, leaf := range leaves {
			delete(pending, leaf)
			for p := range g.parents[leaf] {
				removeFromSet(remaining, p, leaf)
			}
		}
	}
	return ordered
}

// Clear removes every node and edge.
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(nodeSet)
	g.parents = make(edges)
	g.children = make(edges)
}
