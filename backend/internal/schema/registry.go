package schema

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"biochat/backend/pkg/logger"
)

// Registry holds the typed ontology and its traversal graph. It is immutable
// after construction and safe for concurrent use.
type Registry struct {
	nodes     []NodeKind
	nodeIndex map[string]int
	edges     []EdgeKind
	edgeIndex map[string]int
	parents   []string
	graph     *Graph
	enhanced  string
}

// LoadFiles reads the ontology document and the enhanced schema text.
func LoadFiles(ontologyPath, enhancedPath string) (*Registry, error) {
	data, err := os.ReadFile(ontologyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ontology %s: %w", ontologyPath, err)
	}

	enhanced := ""
	if enhancedPath != "" {
		text, err := os.ReadFile(enhancedPath)
		switch {
		case err == nil:
			enhanced = string(text)
		case os.IsNotExist(err):
			logger.Named("schema").Warn("Enhanced schema text missing, deriving it from the ontology",
				zap.String("path", enhancedPath),
			)
		default:
			return nil, fmt.Errorf("failed to read enhanced schema %s: %w", enhancedPath, err)
		}
	}

	return Parse(data, enhanced)
}

// Parse builds a registry from an ontology document. An empty enhanced text
// is derived from the ontology.
func Parse(ontology []byte, enhanced string) (*Registry, error) {
	var doc ontologyDocument
	if err := yaml.Unmarshal(ontology, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse ontology: %w", err)
	}

	r := &Registry{
		nodeIndex: make(map[string]int, len(doc.NodeKinds)),
		edgeIndex: make(map[string]int, len(doc.EdgeKinds)),
	}

	for _, nk := range doc.NodeKinds {
		if nk.Name == "" {
			return nil, fmt.Errorf("node kind without a name")
		}
		if _, dup := r.nodeIndex[nk.Name]; dup {
			return nil, fmt.Errorf("node kind %q declared twice", nk.Name)
		}
		r.nodeIndex[nk.Name] = len(r.nodes)
		r.nodes = append(r.nodes, nk)
	}

	// Parents are is_a labels never declared as concrete kinds.
	seenParent := make(map[string]bool)
	for _, nk := range r.nodes {
		if nk.IsA == "" || seenParent[nk.IsA] {
			continue
		}
		if _, concrete := r.nodeIndex[nk.IsA]; !concrete {
			seenParent[nk.IsA] = true
			r.parents = append(r.parents, nk.IsA)
		}
	}

	for _, ed := range doc.EdgeKinds {
		if ed.Name == "" {
			return nil, fmt.Errorf("edge kind without a name")
		}
		if _, dup := r.edgeIndex[ed.Name]; dup {
			return nil, fmt.Errorf("edge kind %q declared twice", ed.Name)
		}
		sources, err := r.expand(ed.Name, ed.Source)
		if err != nil {
			return nil, err
		}
		targets, err := r.expand(ed.Name, ed.Target)
		if err != nil {
			return nil, err
		}
		kind := EdgeKind{Name: ed.Name}
		for _, s := range sources {
			for _, t := range targets {
				kind.Pairs = append(kind.Pairs, Pair{Source: s, Target: t})
			}
		}
		r.edgeIndex[ed.Name] = len(r.edges)
		r.edges = append(r.edges, kind)
	}

	r.graph = newGraph(r)
	if strings.TrimSpace(enhanced) == "" {
		enhanced = r.describe()
	}
	r.enhanced = enhanced

	return r, nil
}

// expand replaces abstract parents with their concrete descendants and
// rejects labels the ontology never declares.
func (r *Registry) expand(edge string, labels []string) ([]string, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("edge kind %q has no source or target", edge)
	}
	var out []string
	seen := make(map[string]bool)
	for _, label := range labels {
		if _, ok := r.nodeIndex[label]; ok {
			if !seen[label] {
				seen[label] = true
				out = append(out, label)
			}
			continue
		}
		children := r.descendants(label)
		if len(children) == 0 {
			return nil, fmt.Errorf("edge kind %q references undeclared kind %q", edge, label)
		}
		for _, c := range children {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (r *Registry) descendants(parent string) []string {
	var out []string
	for _, nk := range r.nodes {
		for cur, hops := nk.IsA, 0; cur != "" && hops < len(r.nodes); hops++ {
			if cur == parent {
				out = append(out, nk.Name)
				break
			}
			idx, ok := r.nodeIndex[cur]
			if !ok {
				break
			}
			cur = r.nodes[idx].IsA
		}
	}
	return out
}

// NodeKinds returns concrete node kind names in declaration order.
func (r *Registry) NodeKinds() []string {
	out := make([]string, len(r.nodes))
	for i, nk := range r.nodes {
		out[i] = nk.Name
	}
	return out
}

// EdgeKinds returns edge kind names in declaration order.
func (r *Registry) EdgeKinds() []string {
	out := make([]string, len(r.edges))
	for i, ek := range r.edges {
		out[i] = ek.Name
	}
	return out
}

// Parents returns the abstract parent labels.
func (r *Registry) Parents() []string {
	return append([]string(nil), r.parents...)
}

// Node returns the declaration of a concrete node kind.
func (r *Registry) Node(kind string) (NodeKind, bool) {
	idx, ok := r.nodeIndex[kind]
	if !ok {
		return NodeKind{}, false
	}
	return r.nodes[idx], true
}

// Edge returns the declaration of an edge kind.
func (r *Registry) Edge(name string) (EdgeKind, bool) {
	idx, ok := r.edgeIndex[name]
	if !ok {
		return EdgeKind{}, false
	}
	return r.edges[idx], true
}

// HasNode reports whether kind is a concrete node kind.
func (r *Registry) HasNode(kind string) bool {
	_, ok := r.nodeIndex[kind]
	return ok
}

// HasProperty reports whether key is declared on kind.
func (r *Registry) HasProperty(kind, key string) bool {
	nk, ok := r.Node(kind)
	if !ok {
		return false
	}
	for _, p := range nk.Properties {
		if p.Key == key {
			return true
		}
	}
	return false
}

// Allows reports whether edge may connect source to target.
func (r *Registry) Allows(edge, source, target string) bool {
	ek, ok := r.Edge(edge)
	if !ok {
		return false
	}
	for _, p := range ek.Pairs {
		if p.Source == source && p.Target == target {
			return true
		}
	}
	return false
}

// RelationsOf lists every relation in which kind takes part, as source or
// target, in declaration order.
func (r *Registry) RelationsOf(kind string) []Relation {
	var out []Relation
	for _, ek := range r.edges {
		for _, p := range ek.Pairs {
			if p.Source == kind || p.Target == kind {
				out = append(out, Relation{Edge: ek.Name, Source: p.Source, Target: p.Target})
			}
		}
	}
	return out
}

// Neighbours lists the outgoing arcs of kind in declaration order.
func (r *Registry) Neighbours(kind string) []Neighbour {
	return r.graph.Neighbours(kind)
}

// Graph returns the traversal graph.
func (r *Registry) Graph() *Graph {
	return r.graph
}

// EnhancedText returns the human-readable schema passed to extraction prompts.
func (r *Registry) EnhancedText() string {
	return r.enhanced
}

// EdgeKey names an arc: the bare label for single-pair edges, otherwise
// source-label-target.
func (r *Registry) EdgeKey(edge, source, target string) string {
	ek, ok := r.Edge(edge)
	if ok && len(ek.Pairs) <= 1 {
		return edge
	}
	return source + "-" + edge + "-" + target
}

func (r *Registry) describe() string {
	var b strings.Builder
	b.WriteString("Node kinds:\n")
	for _, nk := range r.nodes {
		b.WriteString("- ")
		b.WriteString(nk.Name)
		if nk.IsA != "" {
			fmt.Fprintf(&b, " (is a %s)", nk.IsA)
		}
		if len(nk.Properties) > 0 {
			keys := make([]string, 0, len(nk.Properties))
			for _, p := range nk.Properties {
				keys = append(keys, fmt.Sprintf("%s: %s", p.Key, p.Type))
			}
			sort.Strings(keys)
			fmt.Fprintf(&b, " properties {%s}", strings.Join(keys, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("Relations:\n")
	for _, ek := range r.edges {
		for _, p := range ek.Pairs {
			fmt.Fprintf(&b, "- (%s) -[%s]-> (%s)\n", p.Source, ek.Name, p.Target)
		}
	}
	return b.String()
}
