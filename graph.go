package stepflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StepKind identifies one node of the workflow graph.
type StepKind string

// ChainScope selects which blockchain scope a dispatched step runs on.
type ChainScope string

const (
	// ScopeOrigin runs the step on the origin chain.
	ScopeOrigin ChainScope = "origin"
	// ScopeAux runs the step on the auxiliary chain.
	ScopeAux ChainScope = "aux"
	// ScopeInherited copies the chain scope of the step that dispatched it.
	ScopeInherited ChainScope = "inherited"
)

// Node is the static configuration of one step kind: where the flow goes on
// success and on failure, which sibling kinds must be processed before the
// step may be scheduled, and which sibling outputs feed its parameters.
type Node struct {
	OnSuccess     []StepKind `yaml:"on_success"`
	OnFailure     StepKind   `yaml:"on_failure"`
	Prerequisites []StepKind `yaml:"prerequisites"`
	ReadDataFrom  []StepKind `yaml:"read_data_from"`
	ChainScope    ChainScope `yaml:"chain_scope"`
}

// Graph is the workflow graph registry for one workflow family. It is loaded
// once at process start and never mutated.
type Graph struct {
	// Topic is the broker topic ready-to-start messages for this family
	// are published to, e.g. "economy-setup".
	Topic string `yaml:"topic"`

	Nodes map[StepKind]Node `yaml:"steps"`
}

// Node returns the registry entry for the given kind.
func (g *Graph) Node(kind StepKind) (Node, bool) {
	n, ok := g.Nodes[kind]
	return n, ok
}

// Validate checks the graph for consistency: a topic must be set and every
// edge, prerequisite, and data dependency must name a known kind.
func (g *Graph) Validate() error {
	if g.Topic == "" {
		return fmt.Errorf("graph must have a topic")
	}
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph %q must have at least one step", g.Topic)
	}

	for kind, node := range g.Nodes {
		for _, next := range node.OnSuccess {
			if _, ok := g.Nodes[next]; !ok {
				return fmt.Errorf("step %q: on_success edge to %w: %q", kind, ErrUnknownStepKind, next)
			}
		}
		if node.OnFailure != "" {
			if _, ok := g.Nodes[node.OnFailure]; !ok {
				return fmt.Errorf("step %q: on_failure edge to %w: %q", kind, ErrUnknownStepKind, node.OnFailure)
			}
		}
		for _, pre := range node.Prerequisites {
			if _, ok := g.Nodes[pre]; !ok {
				return fmt.Errorf("step %q: prerequisite %w: %q", kind, ErrUnknownStepKind, pre)
			}
			if pre == kind {
				return fmt.Errorf("step %q cannot be its own prerequisite", kind)
			}
		}
		for _, src := range node.ReadDataFrom {
			if _, ok := g.Nodes[src]; !ok {
				return fmt.Errorf("step %q: read_data_from %w: %q", kind, ErrUnknownStepKind, src)
			}
		}
		switch node.ChainScope {
		case ScopeOrigin, ScopeAux, ScopeInherited:
		case "":
			return fmt.Errorf("step %q must declare a chain_scope", kind)
		default:
			return fmt.Errorf("step %q has unknown chain_scope %q", kind, node.ChainScope)
		}
	}

	return nil
}

// ParseGraph parses a YAML graph definition and validates it.
func ParseGraph(b []byte) (*Graph, error) {
	var g Graph
	if err := yaml.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("cannot parse graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// LoadGraphFile reads and parses a YAML graph definition from disk.
func LoadGraphFile(path string) (*Graph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseGraph(b)
}

// ChainScopes holds the chain ids a dispatcher resolves origin and aux
// scopes against. Inherited scopes copy the dispatching step instead.
type ChainScopes struct {
	Origin int64
	Aux    int64
}

// Resolve maps a node's chain scope to a concrete chain id.
func (s ChainScopes) Resolve(scope ChainScope, inherited int64) (int64, error) {
	switch scope {
	case ScopeOrigin:
		return s.Origin, nil
	case ScopeAux:
		return s.Aux, nil
	case ScopeInherited:
		return inherited, nil
	}
	return 0, fmt.Errorf("cannot resolve chain scope %q", scope)
}
