package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// PropertySlot is a typed property declared on a node kind.
type PropertySlot struct {
	Key  string `yaml:"key" json:"key"`
	Type string `yaml:"type" json:"type"`
}

// NodeKind is a concrete entity category of the ontology.
type NodeKind struct {
	Name       string         `yaml:"name" json:"name"`
	IsA        string         `yaml:"is_a,omitempty" json:"is_a,omitempty"`
	Properties []PropertySlot `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// Pair is one allowed (source, target) combination of an edge kind.
type Pair struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// EdgeKind is a directed relation with one or more allowed pairs.
type EdgeKind struct {
	Name  string `json:"name"`
	Pairs []Pair `json:"pairs"`
}

// Relation is an (edge kind, source kind, target kind) triple.
type Relation struct {
	Edge   string `json:"edge"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Neighbour is an outgoing arc of the schema graph. Key disambiguates arcs of
// edge kinds declared with several pairs.
type Neighbour struct {
	Kind string
	Edge string
	Key  string
}

// kindList accepts either a scalar or a sequence in the ontology document.
type kindList []string

func (l *kindList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = kindList{value.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected a kind name or a list of kind names", value.Line)
}

type ontologyDocument struct {
	NodeKinds []NodeKind `yaml:"node_kinds"`
	EdgeKinds []struct {
		Name   string   `yaml:"name"`
		Source kindList `yaml:"source"`
		Target kindList `yaml:"target"`
	} `yaml:"edge_kinds"`
}
