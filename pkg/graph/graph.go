// Package graph provides the inheritance graph shared by environments, host
// groups, projects and playbooks: insertion-ordered nodes, kinded
// parent -> child edges, cycle detection and topological ordering.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// EdgeKind distinguishes the different inheritance relations of one graph.
type EdgeKind string

const (
	// EdgeInherit is a normal inheritance edge.
	EdgeInherit EdgeKind = "inherit"
	// EdgeRetired marks a host group inherited with all its hosts retired.
	EdgeRetired EdgeKind = "retired"
)

type edge struct {
	to   string
	kind EdgeKind
}

// Graph is a directed graph of named nodes. Edges point from parent to child.
type Graph struct {
	nodes    []string
	index    map[string]int
	children map[string][]edge
	parents  map[string][]edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		index:    make(map[string]int),
		children: make(map[string][]edge),
		parents:  make(map[string][]edge),
	}
}

// AddNode adds id if it is not present yet.
func (g *Graph) AddNode(id string) {
	if _, ok := g.index[id]; ok {
		return
	}
	g.index[id] = len(g.nodes)
	g.nodes = append(g.nodes, id)
}

// AddEdge adds a normal inheritance edge.
func (g *Graph) AddEdge(parent, child string) {
	g.AddEdgeKind(parent, child, EdgeInherit)
}

// AddEdgeKind adds a parent -> child edge of the given kind. Missing nodes
// are added.
func (g *Graph) AddEdgeKind(parent, child string, kind EdgeKind) {
	g.AddNode(parent)
	g.AddNode(child)
	g.children[parent] = append(g.children[parent], edge{to: child, kind: kind})
	g.parents[child] = append(g.parents[child], edge{to: parent, kind: kind})
}

// Has reports whether id is a node.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.nodes...)
}

// Children returns the direct children of id reached through edges of the
// given kinds (all kinds when none are given), in edge order.
func (g *Graph) Children(id string, kinds ...EdgeKind) []string {
	return filterEdges(g.children[id], kinds)
}

// Parents returns the direct parents of id, in edge order.
func (g *Graph) Parents(id string, kinds ...EdgeKind) []string {
	return filterEdges(g.parents[id], kinds)
}

func filterEdges(edges []edge, kinds []EdgeKind) []string {
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		if len(kinds) == 0 || containsKind(kinds, e.kind) {
			out = append(out, e.to)
		}
	}
	return out
}

func containsKind(kinds []EdgeKind, k EdgeKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

// CycleError reports an inheritance cycle.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("inheritance cycle detected: %s", formatCycle(e.Cycle))
}

// DetectCycles returns a *CycleError naming the first cycle found, visiting
// nodes in insertion order.
func (g *Graph) DetectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range g.nodes {
		if visited[id] {
			continue
		}
		if cycle := g.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return &CycleError{Cycle: cycle}
		}
	}
	return nil
}

func (g *Graph) detectCyclesUtil(id string, visited, recStack map[string]bool, path []string) []string {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, e := range g.children[id] {
		if !visited[e.to] {
			if cycle := g.detectCyclesUtil(e.to, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[e.to] {
			for i, p := range path {
				if p == e.to {
					return append(append([]string(nil), path[i:]...), e.to)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// TopoOrder returns the nodes with every parent before its children. Ties
// keep insertion order.
func (g *Graph) TopoOrder() ([]string, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, level := range levels {
		out = append(out, level...)
	}
	return out, nil
}

// Levels groups nodes by depth using Kahn's algorithm: level 0 holds the
// roots, and every node sits one level below its deepest parent.
func (g *Graph) Levels() ([][]string, error) {
	if err := g.DetectCycles(); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.nodes {
		inDegree[id] = len(g.parents[id])
	}

	var current []string
	for _, id := range g.nodes {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	for len(current) > 0 {
		levels = append(levels, current)
		var next []string
		for _, id := range current {
			for _, e := range g.children[id] {
				inDegree[e.to]--
				if inDegree[e.to] == 0 {
					next = append(next, e.to)
				}
			}
		}
		sort.SliceStable(next, func(i, j int) bool { return g.index[next[i]] < g.index[next[j]] })
		current = next
	}
	return levels, nil
}

// Lineage returns the ancestors of id followed by id itself, visiting
// parents before children and each parent list in declared order. Shared
// ancestors of a diamond appear once. The graph must be acyclic.
func (g *Graph) Lineage(id string) []string {
	seen := make(map[string]bool)
	var out []string
	var visit func(string)
	visit = func(n string) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, e := range g.parents[n] {
			visit(e.to)
		}
		out = append(out, n)
	}
	visit(id)
	return out
}

// Descendants returns every node reachable from id through edges of the
// given kinds, in breadth-first order, excluding id.
func (g *Graph) Descendants(id string, kinds ...EdgeKind) []string {
	seen := map[string]bool{id: true}
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, c := range g.Children(n, kinds...) {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
				queue = append(queue, c)
			}
		}
	}
	return out
}

// ToDOT renders the graph in Graphviz format.
func (g *Graph) ToDOT(title string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "digraph %q {\n", title)
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, id := range g.nodes {
		fmt.Fprintf(&sb, "  %q;\n", id)
	}
	sb.WriteString("\n")
	for _, id := range g.nodes {
		for _, e := range g.children[id] {
			style := "solid"
			if e.kind == EdgeRetired {
				style = "dashed"
			}
			fmt.Fprintf(&sb, "  %q -> %q [style=%s];\n", id, e.to, style)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
