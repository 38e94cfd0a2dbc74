package planner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"biochat/backend/internal/schema"
)

// Node is an entity of a query document.
type Node struct {
	NodeID     string                 `json:"node_id"`
	ID         *string                `json:"id,omitempty"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
}

// Predicate is a directed relation between two nodes of a document.
type Predicate struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// QueryDocument is the validated sub-graph request sent to the annotation
// backend.
type QueryDocument struct {
	Nodes      []Node      `json:"nodes"`
	Predicates []Predicate `json:"predicates"`
}

// Node returns the node with the given node_id.
func (d *QueryDocument) Node(nodeID string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.NodeID == nodeID {
			return n, true
		}
	}
	return Node{}, false
}

// Validate checks that doc only uses what reg declares and that every
// predicate joins two listed nodes through an allowed pair.
func Validate(reg *schema.Registry, doc *QueryDocument) error {
	if len(doc.Nodes) == 0 {
		return fmt.Errorf("document has no nodes")
	}

	types := make(map[string]string, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if n.NodeID == "" {
			return fmt.Errorf("node of type %q has no node_id", n.Type)
		}
		if _, dup := types[n.NodeID]; dup {
			return fmt.Errorf("duplicate node_id %q", n.NodeID)
		}
		if !reg.HasNode(n.Type) {
			return fmt.Errorf("node %s has undeclared type %q", n.NodeID, n.Type)
		}
		for key := range n.Properties {
			if !reg.HasProperty(n.Type, key) {
				return fmt.Errorf("property %q is not declared on %s", key, n.Type)
			}
		}
		types[n.NodeID] = n.Type
	}

	for _, p := range doc.Predicates {
		source, ok := types[p.Source]
		if !ok {
			return fmt.Errorf("predicate %s references unknown source %q", p.Type, p.Source)
		}
		target, ok := types[p.Target]
		if !ok {
			return fmt.Errorf("predicate %s references unknown target %q", p.Type, p.Target)
		}
		if _, declared := reg.Edge(p.Type); !declared {
			return fmt.Errorf("undeclared edge kind %q", p.Type)
		}
		if !reg.Allows(p.Type, source, target) {
			return fmt.Errorf("edge %s does not allow %s -> %s", p.Type, source, target)
		}
	}
	return nil
}

// nodeIDs hands out "<kind>_<n>" ids, numbering each kind from 1.
type nodeIDs struct {
	next  map[string]int
	taken map[string]bool
}

func newNodeIDs() *nodeIDs {
	return &nodeIDs{next: make(map[string]int), taken: make(map[string]bool)}
}

func (g *nodeIDs) issue(kind string) string {
	for {
		g.next[kind]++
		id := kind + "_" + strconv.Itoa(g.next[kind])
		if !g.taken[id] {
			g.taken[id] = true
			return id
		}
	}
}

// summary is a compact rendering used in logs and push events.
func (d *QueryDocument) summary() string {
	kinds := make([]string, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		kinds = append(kinds, n.NodeID)
	}
	sort.Strings(kinds)
	edges := make([]string, 0, len(d.Predicates))
	for _, p := range d.Predicates {
		edges = append(edges, p.Source+"-"+p.Type+"->"+p.Target)
	}
	return fmt.Sprintf("nodes=[%s] predicates=[%s]", strings.Join(kinds, ","), strings.Join(edges, ","))
}
