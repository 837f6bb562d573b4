package executor

import (
	"context"
	"testing"
	"time"

	"github.com/flowengine/core/internal/flow/condition"
	"github.com/flowengine/core/internal/flow/graph"
	"github.com/flowengine/core/internal/flow/registry"
	"github.com/flowengine/core/internal/flow/store"
)

func newTestExecutor(t *testing.T, def *graph.GraphDefinition) *Executor {
	t.Helper()
	reg := registry.New(nil)
	if err := reg.RegisterBuiltin("login", def); err != nil {
		t.Fatalf("failed to register builtin flow: %v", err)
	}
	st := store.New(store.Config{ShardCount: 2, DefaultTTL: time.Minute, IdempotencyCapacity: 10})
	return New(reg, st)
}

func linearFlow() *graph.GraphDefinition {
	return &graph.GraphDefinition{
		ID:          "login-flow",
		FlowVersion: 1,
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeStart},
			{ID: "email", Type: graph.NodeCapability, Template: map[string]interface{}{"label": "Enter email"}},
			{ID: "end", Type: graph.NodeEnd},
		},
		Edges: []graph.Edge{
			{SourceNodeID: "start", TargetNodeID: "email"},
			{SourceNodeID: "email", TargetNodeID: "end"},
		},
	}
}

func decisionFlow() *graph.GraphDefinition {
	return &graph.GraphDefinition{
		ID:          "decision-flow",
		FlowVersion: 1,
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeStart},
			{ID: "email", Type: graph.NodeCapability, Template: map[string]interface{}{"label": "Enter email"}},
			{ID: "gate", Type: graph.NodeDecision, Decision: &graph.DecisionConfig{
				Branches: []graph.DecisionBranch{
					{ID: "verified", Condition: condition.Condition{Field: "email", Operator: condition.OpContains, Value: "@"}},
				},
				HasDefault:      true,
				DefaultBranchID: graph.DefaultHandle,
			}},
			{ID: "mfa", Type: graph.NodeCapability, Template: map[string]interface{}{"label": "Enter code"}},
			{ID: "end", Type: graph.NodeEnd},
		},
		Edges: []graph.Edge{
			{SourceNodeID: "start", TargetNodeID: "email"},
			{SourceNodeID: "email", TargetNodeID: "gate"},
			{SourceNodeID: "gate", TargetNodeID: "mfa", SourceHandle: "verified"},
			{SourceNodeID: "gate", TargetNodeID: "end", SourceHandle: graph.DefaultHandle},
			{SourceNodeID: "mfa", TargetNodeID: "end"},
		},
	}
}

func TestInitSkipsStartNode(t *testing.T) {
	ctx := context.Background()
	ex := newTestExecutor(t, linearFlow())

	res, err := ex.Init(ctx, "login", "client1", "tenant1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.UIContract == nil || res.UIContract.State != "email" {
		t.Fatalf("expected first contract to target the email node, got %+v", res.UIContract)
	}
}

func TestInitRejectsMissingTenant(t *testing.T) {
	ex := newTestExecutor(t, linearFlow())
	if _, err := ex.Init(context.Background(), "login", "client1", "", nil); err == nil {
		t.Fatalf("expected error for empty tenantId")
	}
}

func TestSubmitAdvancesToEndRedirect(t *testing.T) {
	ctx := context.Background()
	ex := newTestExecutor(t, linearFlow())
	init, err := ex.Init(ctx, "login", "client1", "tenant1", map[string]interface{}{"redirect_uri": "https://app.example/cb"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := ex.Submit(ctx, init.SessionID, "r1", "email", "a@b.com", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Type != "redirect" || res.URL != "https://app.example/cb" {
		t.Fatalf("expected redirect to stored redirect_uri, got %+v", res)
	}
}

func TestSubmitIsIdempotentAtExecutorLevel(t *testing.T) {
	ctx := context.Background()
	ex := newTestExecutor(t, linearFlow())
	init, _ := ex.Init(ctx, "login", "client1", "tenant1", nil)

	first, err := ex.Submit(ctx, init.SessionID, "dup", "email", "a@b.com", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := ex.Submit(ctx, init.SessionID, "dup", "email", "a@b.com", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Idempotent {
		t.Fatalf("expected replay to be marked idempotent")
	}
	if first.Type != second.Type || first.URL != second.URL {
		t.Fatalf("replay result mismatch: %+v vs %+v", first, second)
	}
}

func TestSubmitRejectsSessionIdentityMismatch(t *testing.T) {
	ctx := context.Background()
	ex := newTestExecutor(t, linearFlow())
	init, _ := ex.Init(ctx, "login", "client1", "tenant1", nil)

	if _, err := ex.Submit(ctx, init.SessionID, "r1", "email", "a@b.com", "wrong-tenant", ""); err == nil {
		t.Fatalf("expected invalid_session error on tenant mismatch")
	}
}

func TestSubmitFollowsDecisionBranch(t *testing.T) {
	ctx := context.Background()
	ex := newTestExecutor(t, decisionFlow())
	init, _ := ex.Init(ctx, "login", "client1", "tenant1", nil)

	res, err := ex.Submit(ctx, init.SessionID, "r1", "email", "a@b.com", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Type != "continue" || res.UIContract == nil || res.UIContract.State != "mfa" {
		t.Fatalf("expected branch to the mfa node, got %+v", res)
	}
}

func TestSubmitFollowsDefaultBranchWhenConditionFails(t *testing.T) {
	ctx := context.Background()
	ex := newTestExecutor(t, decisionFlow())
	init, _ := ex.Init(ctx, "login", "client1", "tenant1", nil)

	res, err := ex.Submit(ctx, init.SessionID, "r1", "email", "not-an-email", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Type != "redirect" {
		t.Fatalf("expected default branch to redirect (end), got %+v", res)
	}
}

func riskFlow() *graph.GraphDefinition {
	return &graph.GraphDefinition{
		ID:          "risk-flow",
		FlowVersion: 1,
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeStart},
			{ID: "risk", Type: graph.NodeCapability, Template: map[string]interface{}{"label": "Collect risk score"}},
			{ID: "gate", Type: graph.NodeDecision, Decision: &graph.DecisionConfig{
				Branches: []graph.DecisionBranch{
					{ID: "high", Condition: condition.Condition{Field: "risk.score", Operator: condition.OpGte, Value: float64(80)}},
				},
				HasDefault:      true,
				DefaultBranchID: graph.DefaultHandle,
			}},
			{ID: "mfa", Type: graph.NodeCapability, Template: map[string]interface{}{"label": "Enter code"}},
			{ID: "ok", Type: graph.NodeCapability, Template: map[string]interface{}{"label": "Proceed"}},
			{ID: "end", Type: graph.NodeEnd},
		},
		Edges: []graph.Edge{
			{SourceNodeID: "start", TargetNodeID: "risk"},
			{SourceNodeID: "risk", TargetNodeID: "gate"},
			{SourceNodeID: "gate", TargetNodeID: "mfa", SourceHandle: "high"},
			{SourceNodeID: "gate", TargetNodeID: "ok", SourceHandle: graph.DefaultHandle},
			{SourceNodeID: "mfa", TargetNodeID: "end"},
			{SourceNodeID: "ok", TargetNodeID: "end"},
		},
	}
}

// TestSubmitResolvesWellKnownFieldsAtTopLevel covers spec §8 scenario 5: a
// decision branch referencing "risk.score" must see collectedData's
// well-known "risk" key directly at the context's top level, not nested
// under any wrapper key.
func TestSubmitResolvesWellKnownFieldsAtTopLevel(t *testing.T) {
	ctx := context.Background()

	ex := newTestExecutor(t, riskFlow())
	init, _ := ex.Init(ctx, "login", "client1", "tenant1", nil)
	res, err := ex.Submit(ctx, init.SessionID, "r1", "risk", map[string]interface{}{"score": float64(90)}, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Type != "continue" || res.UIContract == nil || res.UIContract.State != "mfa" {
		t.Fatalf("expected high-risk branch to the mfa node, got %+v", res)
	}

	ex2 := newTestExecutor(t, riskFlow())
	init2, _ := ex2.Init(ctx, "login", "client1", "tenant1", nil)
	res2, err := ex2.Submit(ctx, init2.SessionID, "r1", "risk", map[string]interface{}{"score": float64(10)}, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res2.Type != "continue" || res2.UIContract == nil || res2.UIContract.State != "ok" {
		t.Fatalf("expected default branch to the ok node, got %+v", res2)
	}
}

func idpClaimFlow() *graph.GraphDefinition {
	return &graph.GraphDefinition{
		ID:          "idp-claim-flow",
		FlowVersion: 1,
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeStart},
			{ID: "user", Type: graph.NodeCapability, Template: map[string]interface{}{"label": "Identify"}},
			{ID: "gate", Type: graph.NodeDecision, Decision: &graph.DecisionConfig{
				Branches: []graph.DecisionBranch{
					{ID: "acme", Condition: condition.Condition{Field: "idp_claim", ClaimPath: "org_id", Operator: condition.OpEq, Value: "acme"}},
				},
				HasDefault:      true,
				DefaultBranchID: graph.DefaultHandle,
			}},
			{ID: "mfa", Type: graph.NodeCapability, Template: map[string]interface{}{"label": "Enter code"}},
			{ID: "end", Type: graph.NodeEnd},
		},
		Edges: []graph.Edge{
			{SourceNodeID: "start", TargetNodeID: "user"},
			{SourceNodeID: "user", TargetNodeID: "gate"},
			{SourceNodeID: "gate", TargetNodeID: "mfa", SourceHandle: "acme"},
			{SourceNodeID: "gate", TargetNodeID: "end", SourceHandle: graph.DefaultHandle},
			{SourceNodeID: "mfa", TargetNodeID: "end"},
		},
	}
}

// TestSubmitResolvesIdpClaim covers spec §4.1's idp_claim field, which
// resolves against "user.claims.<claim_path>" — only reachable if the
// capability response populated "user" at the context's top level.
func TestSubmitResolvesIdpClaim(t *testing.T) {
	ctx := context.Background()
	ex := newTestExecutor(t, idpClaimFlow())
	init, _ := ex.Init(ctx, "login", "client1", "tenant1", nil)

	res, err := ex.Submit(ctx, init.SessionID, "r1", "user", map[string]interface{}{
		"claims": map[string]interface{}{"org_id": "acme"},
	}, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Type != "continue" || res.UIContract == nil || res.UIContract.State != "mfa" {
		t.Fatalf("expected idp_claim match to branch to mfa, got %+v", res)
	}
}

func TestCancelIsAlwaysSuccessful(t *testing.T) {
	ex := newTestExecutor(t, linearFlow())
	if err := ex.Cancel(context.Background(), "never-existed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStateReturnsFreshContract(t *testing.T) {
	ctx := context.Background()
	ex := newTestExecutor(t, linearFlow())
	init, _ := ex.Init(ctx, "login", "client1", "tenant1", nil)

	session, contract, err := ex.State(ctx, init.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.CurrentNodeID != "email" || contract == nil || contract.State != "email" {
		t.Fatalf("unexpected state result: session=%+v contract=%+v", session, contract)
	}
}
