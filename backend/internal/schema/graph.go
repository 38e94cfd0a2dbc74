package schema

import (
	"context"
	"errors"
)

// ErrUnreachable is returned when no directed path joins two kinds.
var ErrUnreachable = errors.New("no path between kinds")

// Graph is the directed multigraph of concrete node kinds. Abstract parents
// are never vertices.
type Graph struct {
	vertices []string
	adj      map[string][]Neighbour
}

func newGraph(r *Registry) *Graph {
	g := &Graph{adj: make(map[string][]Neighbour, len(r.nodes))}
	for _, nk := range r.nodes {
		g.vertices = append(g.vertices, nk.Name)
	}
	for _, ek := range r.edges {
		for _, p := range ek.Pairs {
			g.adj[p.Source] = append(g.adj[p.Source], Neighbour{
				Kind: p.Target,
				Edge: ek.Name,
				Key:  r.EdgeKey(ek.Name, p.Source, p.Target),
			})
		}
	}
	return g
}

// Vertices returns every vertex in declaration order.
func (g *Graph) Vertices() []string {
	return append([]string(nil), g.vertices...)
}

// HasVertex reports whether kind is a vertex.
func (g *Graph) HasVertex(kind string) bool {
	for _, v := range g.vertices {
		if v == kind {
			return true
		}
	}
	return false
}

// Neighbours returns the outgoing arcs of kind in declaration order.
func (g *Graph) Neighbours(kind string) []Neighbour {
	return append([]Neighbour(nil), g.adj[kind]...)
}

// Path is an alternating walk of kinds and edge labels. len(Edges) is always
// len(Kinds)-1.
type Path struct {
	Kinds []string
	Edges []string
}

// Len returns the number of arcs in the path.
func (p Path) Len() int {
	return len(p.Edges)
}

// Interleave returns kind, edge, kind, ... as a flat slice.
func (p Path) Interleave() []string {
	out := make([]string, 0, len(p.Kinds)+len(p.Edges))
	for i, k := range p.Kinds {
		out = append(out, k)
		if i < len(p.Edges) {
			out = append(out, p.Edges[i])
		}
	}
	return out
}

type queueItem struct {
	kind  string
	kinds []string
	edges []string
}

// ShortestPath runs a breadth-first search from start to target. Among paths
// of equal length the first one discovered wins, and neighbours are visited
// in declaration order.
func (g *Graph) ShortestPath(ctx context.Context, start, target string) (Path, error) {
	if !g.HasVertex(start) || !g.HasVertex(target) {
		return Path{}, ErrUnreachable
	}

	visited := map[string]bool{start: true}
	queue := []queueItem{{kind: start, kinds: []string{start}}}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return Path{}, err
		}
		item := queue[0]
		queue = queue[1:]

		if item.kind == target {
			return Path{Kinds: item.kinds, Edges: item.edges}, nil
		}

		for _, n := range g.adj[item.kind] {
			if visited[n.Kind] {
				continue
			}
			visited[n.Kind] = true
			queue = append(queue, queueItem{
				kind:  n.Kind,
				kinds: appendCopy(item.kinds, n.Kind),
				edges: appendCopy(item.edges, n.Edge),
			})
		}
	}

	return Path{}, ErrUnreachable
}

// ShortestCycle returns the shortest non-empty path from kind back to itself.
// A self-loop edge is a cycle of length one.
func (g *Graph) ShortestCycle(ctx context.Context, kind string) (Path, error) {
	if !g.HasVertex(kind) {
		return Path{}, ErrUnreachable
	}

	visited := make(map[string]bool)
	queue := []queueItem{{kind: kind, kinds: []string{kind}}}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return Path{}, err
		}
		item := queue[0]
		queue = queue[1:]

		for _, n := range g.adj[item.kind] {
			if n.Kind == kind {
				return Path{Kinds: appendCopy(item.kinds, kind), Edges: appendCopy(item.edges, n.Edge)}, nil
			}
			if visited[n.Kind] {
				continue
			}
			visited[n.Kind] = true
			queue = append(queue, queueItem{
				kind:  n.Kind,
				kinds: appendCopy(item.kinds, n.Kind),
				edges: appendCopy(item.edges, n.Edge),
			})
		}
	}

	return Path{}, ErrUnreachable
}

func appendCopy(in []string, v string) []string {
	out := make([]string, len(in), len(in)+1)
	copy(out, in)
	return append(out, v)
}
