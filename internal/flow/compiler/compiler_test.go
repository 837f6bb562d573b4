package compiler

import (
	"testing"

	"github.com/flowengine/core/internal/flow/condition"
	"github.com/flowengine/core/internal/flow/graph"
)

func simpleLinearGraph() *graph.GraphDefinition {
	return &graph.GraphDefinition{
		ID:          "login",
		FlowVersion: 1,
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeStart},
			{ID: "identify", Type: graph.NodeCapability},
			{ID: "end", Type: graph.NodeEnd},
		},
		Edges: []graph.Edge{
			{SourceNodeID: "start", TargetNodeID: "identify"},
			{SourceNodeID: "identify", TargetNodeID: "end"},
		},
	}
}

func TestCompileLinearGraph(t *testing.T) {
	plan, err := Compile(simpleLinearGraph())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.EntryNodeID != "start" {
		t.Fatalf("entry node = %q, want start", plan.EntryNodeID)
	}
	if plan.Nodes["start"].NextOnSuccess != "identify" {
		t.Fatalf("start.NextOnSuccess = %q, want identify", plan.Nodes["start"].NextOnSuccess)
	}
	if plan.Nodes["identify"].NextOnSuccess != "end" {
		t.Fatalf("identify.NextOnSuccess = %q, want end", plan.Nodes["identify"].NextOnSuccess)
	}
}

func TestCompileRejectsMultipleStartNodes(t *testing.T) {
	def := simpleLinearGraph()
	def.Nodes = append(def.Nodes, graph.Node{ID: "start2", Type: graph.NodeStart})
	if _, err := Compile(def); err == nil {
		t.Fatalf("expected error for multiple start nodes")
	}
}

func TestCompileRejectsUnreachableEnd(t *testing.T) {
	def := &graph.GraphDefinition{
		ID: "dead",
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeStart},
			{ID: "a", Type: graph.NodeCapability},
			{ID: "end", Type: graph.NodeEnd},
		},
		Edges: []graph.Edge{
			{SourceNodeID: "start", TargetNodeID: "a"},
		},
	}
	if _, err := Compile(def); err == nil {
		t.Fatalf("expected error: end node unreachable")
	}
}

func TestCompileRejectsDuplicateDecisionHandle(t *testing.T) {
	def := &graph.GraphDefinition{
		ID: "decide",
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeStart},
			{ID: "gate", Type: graph.NodeDecision, Decision: &graph.DecisionConfig{
				Branches: []graph.DecisionBranch{
					{ID: "hi", Condition: condition.Condition{Field: "risk.score", Operator: condition.OpGte, Value: float64(80)}},
				},
			}},
			{ID: "mfa", Type: graph.NodeEnd},
			{ID: "ok", Type: graph.NodeEnd},
		},
		Edges: []graph.Edge{
			{SourceNodeID: "start", TargetNodeID: "gate"},
			{SourceNodeID: "gate", TargetNodeID: "mfa", SourceHandle: "hi"},
			{SourceNodeID: "gate", TargetNodeID: "ok", SourceHandle: "hi"},
		},
	}
	err, ok := mustCompileErr(t, def)
	if !ok {
		return
	}
	if len(err.Violations) == 0 {
		t.Fatalf("expected violations for duplicate handle")
	}
}

func mustCompileErr(t *testing.T, def *graph.GraphDefinition) (*Error, bool) {
	t.Helper()
	_, err := Compile(def)
	if err == nil {
		t.Fatalf("expected compile error")
		return nil, false
	}
	ce, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *compiler.Error, got %T", err)
		return nil, false
	}
	return ce, true
}

func TestCompileRejectsLinearNodeWithMultipleEdges(t *testing.T) {
	def := simpleLinearGraph()
	def.Edges = append(def.Edges, graph.Edge{SourceNodeID: "identify", TargetNodeID: "start"})
	if _, err := Compile(def); err == nil {
		t.Fatalf("expected error for linear node with 2 outgoing edges")
	}
}

func TestLintFlagsUnknownContextRoot(t *testing.T) {
	def := &graph.GraphDefinition{
		ID: "login",
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeStart},
			{ID: "gate", Type: graph.NodeDecision, Decision: &graph.DecisionConfig{
				Branches: []graph.DecisionBranch{
					{ID: "b", Condition: condition.Condition{Field: "totallyUnknownRoot.x", Operator: condition.OpEq, Value: "y"}},
				},
			}},
		},
	}
	warnings := Lint(def)
	if len(warnings) != 1 {
		t.Fatalf("expected one lint warning, got %d", len(warnings))
	}
}
