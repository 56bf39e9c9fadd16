package stepflow

import (
	"errors"
	"testing"
)

func TestParseGraph(t *testing.T) {
	g, err := ParseGraph([]byte(`
topic: economy-setup
steps:
  deploy_token:
    on_success: [configure_mint, configure_oracle]
    chain_scope: origin
  configure_mint:
    on_success: [activate_economy]
    chain_scope: inherited
  configure_oracle:
    on_success: [activate_economy]
    chain_scope: aux
  activate_economy:
    prerequisites: [configure_mint, configure_oracle]
    read_data_from: [configure_mint, configure_oracle]
    on_failure: rollback_economy
    chain_scope: origin
  rollback_economy:
    chain_scope: origin
`))
	if err != nil {
		t.Fatal(err)
	}

	if g.Topic != "economy-setup" {
		t.Fatalf("topic: got %q", g.Topic)
	}
	if len(g.Nodes) != 5 {
		t.Fatalf("expected 5 steps, got %d", len(g.Nodes))
	}

	node, ok := g.Node("activate_economy")
	if !ok {
		t.Fatal("missing activate_economy")
	}
	if len(node.Prerequisites) != 2 || node.Prerequisites[0] != "configure_mint" {
		t.Fatalf("prerequisites: got %v", node.Prerequisites)
	}
	if node.OnFailure != "rollback_economy" {
		t.Fatalf("on_failure: got %q", node.OnFailure)
	}
	if node.ChainScope != ScopeOrigin {
		t.Fatalf("chain_scope: got %q", node.ChainScope)
	}
}

func TestGraphValidate(t *testing.T) {
	tests := []struct {
		name  string
		graph *Graph
	}{
		{
			name:  "missing topic",
			graph: &Graph{Nodes: map[StepKind]Node{"a": {ChainScope: ScopeOrigin}}},
		},
		{
			name:  "no steps",
			graph: &Graph{Topic: "t"},
		},
		{
			name: "dangling on_success edge",
			graph: &Graph{Topic: "t", Nodes: map[StepKind]Node{
				"a": {OnSuccess: []StepKind{"missing"}, ChainScope: ScopeOrigin},
			}},
		},
		{
			name: "dangling on_failure edge",
			graph: &Graph{Topic: "t", Nodes: map[StepKind]Node{
				"a": {OnFailure: "missing", ChainScope: ScopeOrigin},
			}},
		},
		{
			name: "dangling prerequisite",
			graph: &Graph{Topic: "t", Nodes: map[StepKind]Node{
				"a": {Prerequisites: []StepKind{"missing"}, ChainScope: ScopeOrigin},
			}},
		},
		{
			name: "self prerequisite",
			graph: &Graph{Topic: "t", Nodes: map[StepKind]Node{
				"a": {Prerequisites: []StepKind{"a"}, ChainScope: ScopeOrigin},
			}},
		},
		{
			name: "dangling read_data_from",
			graph: &Graph{Topic: "t", Nodes: map[StepKind]Node{
				"a": {ReadDataFrom: []StepKind{"missing"}, ChainScope: ScopeOrigin},
			}},
		},
		{
			name: "missing chain_scope",
			graph: &Graph{Topic: "t", Nodes: map[StepKind]Node{
				"a": {},
			}},
		},
		{
			name: "unknown chain_scope",
			graph: &Graph{Topic: "t", Nodes: map[StepKind]Node{
				"a": {ChainScope: "sidechain"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.graph.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestChainScopesResolve(t *testing.T) {
	scopes := ChainScopes{Origin: 1, Aux: 137}

	tests := []struct {
		scope     ChainScope
		inherited int64
		want      int64
		wantErr   bool
	}{
		{scope: ScopeOrigin, inherited: 42, want: 1},
		{scope: ScopeAux, inherited: 42, want: 137},
		{scope: ScopeInherited, inherited: 42, want: 42},
		{scope: "sidechain", wantErr: true},
	}

	for _, tt := range tests {
		got, err := scopes.Resolve(tt.scope, tt.inherited)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("Resolve(%q): expected error", tt.scope)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.scope, err)
		}
		if got != tt.want {
			t.Fatalf("Resolve(%q): got %d, want %d", tt.scope, got, tt.want)
		}
	}
}

func TestParseGraphInvalidYAML(t *testing.T) {
	if _, err := ParseGraph([]byte(`topic: [`)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseGraphRejectsUnknownKind(t *testing.T) {
	_, err := ParseGraph([]byte(`
topic: t
steps:
  a:
    on_success: [b]
    chain_scope: origin
`))
	if !errors.Is(err, ErrUnknownStepKind) {
		t.Fatalf("expected ErrUnknownStepKind, got %v", err)
	}
}
