package schema

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const ontologyPath = "../../config/schema/ontology.yaml"

func loadTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := LoadFiles(ontologyPath, "")
	require.NoError(t, err)
	return reg
}

func TestRegistry_Kinds(t *testing.T) {
	reg := loadTestRegistry(t)

	assert.Equal(t, []string{
		"gene", "transcript", "protein", "variant", "disease",
		"pathway", "go_term", "drug", "tissue", "cell_line",
	}, reg.NodeKinds())
	assert.Contains(t, reg.EdgeKinds(), "transcribed_to")
	assert.ElementsMatch(t, []string{
		"biological_entity", "phenotypic_entity", "biological_process", "chemical_entity", "anatomical_entity",
	}, reg.Parents())

	for _, p := range reg.Parents() {
		assert.False(t, reg.Graph().HasVertex(p), "parent %s must not be a vertex", p)
	}
}

func TestRegistry_MultiPairEdgesMaterialiseOneArcPerPair(t *testing.T) {
	reg := loadTestRegistry(t)

	ek, ok := reg.Edge("associated_with")
	require.True(t, ok)
	assert.Equal(t, []Pair{{"gene", "disease"}, {"variant", "disease"}}, ek.Pairs)

	assert.Equal(t, "gene-associated_with-disease", reg.EdgeKey("associated_with", "gene", "disease"))
	assert.Equal(t, "transcribed_to", reg.EdgeKey("transcribed_to", "gene", "transcript"))

	assert.True(t, reg.Allows("associated_with", "variant", "disease"))
	assert.False(t, reg.Allows("associated_with", "disease", "gene"))
	assert.False(t, reg.Allows("unknown", "gene", "disease"))
}

func TestRegistry_NeighboursInDeclarationOrder(t *testing.T) {
	reg := loadTestRegistry(t)

	assert.Equal(t, []Neighbour{
		{Kind: "transcript", Edge: "transcribed_to", Key: "transcribed_to"},
		{Kind: "disease", Edge: "associated_with", Key: "gene-associated_with-disease"},
	}, reg.Neighbours("gene"))
	assert.Empty(t, reg.Neighbours("disease"))
}

func TestRegistry_RelationsOf(t *testing.T) {
	reg := loadTestRegistry(t)

	rels := reg.RelationsOf("gene")
	assert.Equal(t, []Relation{
		{Edge: "transcribed_to", Source: "gene", Target: "transcript"},
		{Edge: "associated_with", Source: "gene", Target: "disease"},
		{Edge: "variant_in_gene", Source: "variant", Target: "gene"},
	}, rels)
}

func TestRegistry_Properties(t *testing.T) {
	reg := loadTestRegistry(t)

	assert.True(t, reg.HasProperty("gene", "gene_name"))
	assert.False(t, reg.HasProperty("gene", "protein_name"))
	assert.False(t, reg.HasProperty("nope", "gene_name"))
}

func TestRegistry_EnhancedText(t *testing.T) {
	derived := loadTestRegistry(t)
	assert.Contains(t, derived.EnhancedText(), "(gene) -[transcribed_to]-> (transcript)")

	fromFile, err := LoadFiles(ontologyPath, "../../config/schema/enhanced_schema.txt")
	require.NoError(t, err)
	assert.Contains(t, fromFile.EnhancedText(), "HGNC symbol")
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"duplicate node": `
node_kinds:
  - name: a
  - name: a
`,
		"undeclared endpoint": `
node_kinds:
  - name: a
edge_kinds:
  - name: r
    source: a
    target: b
`,
		"missing target": `
node_kinds:
  - name: a
edge_kinds:
  - name: r
    source: a
`,
		"bad yaml": `node_kinds: [`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), "")
			assert.Error(t, err)
		})
	}
}

func TestParse_ParentEndpointsExpandToChildren(t *testing.T) {
	reg, err := Parse([]byte(`
node_kinds:
  - name: drug
  - name: gene
    is_a: entity
  - name: protein
    is_a: entity
edge_kinds:
  - name: affects
    source: drug
    target: entity
`), "")
	require.NoError(t, err)

	ek, _ := reg.Edge("affects")
	assert.Equal(t, []Pair{{"drug", "gene"}, {"drug", "protein"}}, ek.Pairs)
	assert.False(t, reg.Graph().HasVertex("entity"))
}

func TestShortestPath_GeneToProtein(t *testing.T) {
	reg := loadTestRegistry(t)

	path, err := reg.Graph().ShortestPath(context.Background(), "gene", "protein")
	require.NoError(t, err)
	assert.Equal(t, []string{"gene", "transcribed_to", "transcript", "translates_to", "protein"}, path.Interleave())
	assert.Equal(t, 2, path.Len())
}

func TestShortestPath_Unreachable(t *testing.T) {
	reg := loadTestRegistry(t)

	_, err := reg.Graph().ShortestPath(context.Background(), "gene", "tissue")
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = reg.Graph().ShortestPath(context.Background(), "gene", "biological_entity")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestShortestPath_FirstDiscoveredWins(t *testing.T) {
	reg, err := Parse([]byte(`
node_kinds:
  - name: a
  - name: b
  - name: c
  - name: d
edge_kinds:
  - name: ab
    source: a
    target: b
  - name: ac
    source: a
    target: c
  - name: bd
    source: b
    target: d
  - name: cd
    source: c
    target: d
`), "")
	require.NoError(t, err)

	path, err := reg.Graph().ShortestPath(context.Background(), "a", "d")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "ab", "b", "bd", "d"}, path.Interleave())
}

func TestShortestCycle(t *testing.T) {
	reg := loadTestRegistry(t)

	path, err := reg.Graph().ShortestCycle(context.Background(), "protein")
	require.NoError(t, err)
	assert.Equal(t, []string{"protein", "interacts_with", "protein"}, path.Interleave())

	_, err = reg.Graph().ShortestCycle(context.Background(), "gene")
	assert.ErrorIs(t, err, ErrUnreachable)

	loop, err := Parse([]byte(`
node_kinds:
  - name: a
  - name: b
  - name: c
edge_kinds:
  - name: ab
    source: a
    target: b
  - name: bc
    source: b
    target: c
  - name: ba
    source: b
    target: a
`), "")
	require.NoError(t, err)
	path, err = loop.Graph().ShortestCycle(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "ab", "b", "ba", "a"}, path.Interleave())
	assert.Equal(t, 2, path.Len())
}

func TestShortestPath_Cancelled(t *testing.T) {
	reg := loadTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.Graph().ShortestPath(ctx, "gene", "protein")
	assert.ErrorIs(t, err, context.Canceled)
}

// randomOntology draws a small ontology with a few abstract parents.
func randomOntology(t *rapid.T) string {
	n := rapid.IntRange(2, 7).Draw(t, "kinds")
	var b strings.Builder
	b.WriteString("node_kinds:\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "  - name: k%d\n", i)
		if p := rapid.IntRange(-1, 1).Draw(t, fmt.Sprintf("parent%d", i)); p >= 0 {
			fmt.Fprintf(&b, "    is_a: p%d\n", p)
		}
	}
	edges := rapid.IntRange(0, 12).Draw(t, "edges")
	if edges > 0 {
		b.WriteString("edge_kinds:\n")
	}
	for i := 0; i < edges; i++ {
		s := rapid.IntRange(0, n-1).Draw(t, fmt.Sprintf("src%d", i))
		tg := rapid.IntRange(0, n-1).Draw(t, fmt.Sprintf("dst%d", i))
		fmt.Fprintf(&b, "  - name: e%d\n    source: [k%d]\n    target: [k%d]\n", i, s, tg)
	}
	return b.String()
}

// floyd computes all-pairs hop distances independently of the BFS.
func floyd(reg *Registry) map[string]map[string]int {
	const inf = 1 << 20
	kinds := reg.NodeKinds()
	d := make(map[string]map[string]int)
	for _, a := range kinds {
		d[a] = make(map[string]int)
		for _, b := range kinds {
			d[a][b] = inf
		}
		d[a][a] = 0
	}
	for _, a := range kinds {
		for _, n := range reg.Neighbours(a) {
			if a != n.Kind {
				d[a][n.Kind] = 1
			}
		}
	}
	for _, k := range kinds {
		for _, i := range kinds {
			for _, j := range kinds {
				if d[i][k]+d[k][j] < d[i][j] {
					d[i][j] = d[i][k] + d[k][j]
				}
			}
		}
	}
	return d
}

func TestProperty_SchemaSoundness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg, err := Parse([]byte(randomOntology(t)), "")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		for _, name := range reg.EdgeKinds() {
			ek, _ := reg.Edge(name)
			for _, p := range ek.Pairs {
				if !reg.HasNode(p.Source) || !reg.HasNode(p.Target) {
					t.Fatalf("edge %s references undeclared pair %v", name, p)
				}
			}
		}
		for _, p := range reg.Parents() {
			if reg.Graph().HasVertex(p) {
				t.Fatalf("parent %s is a vertex", p)
			}
		}
	})
}

func TestProperty_BFSMinimality(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg, err := Parse([]byte(randomOntology(t)), "")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		dist := floyd(reg)
		kinds := reg.NodeKinds()
		start := kinds[rapid.IntRange(0, len(kinds)-1).Draw(t, "start")]
		target := kinds[rapid.IntRange(0, len(kinds)-1).Draw(t, "target")]

		path, err := reg.Graph().ShortestPath(context.Background(), start, target)
		if dist[start][target] >= 1<<20 {
			if err == nil {
				t.Fatalf("expected %s -> %s unreachable", start, target)
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if path.Len() != dist[start][target] {
			t.Fatalf("path length %d, shortest %d", path.Len(), dist[start][target])
		}
		for i, e := range path.Edges {
			if !reg.Allows(e, path.Kinds[i], path.Kinds[i+1]) {
				t.Fatalf("arc %s %s %s not allowed", path.Kinds[i], e, path.Kinds[i+1])
			}
		}
	})
}
