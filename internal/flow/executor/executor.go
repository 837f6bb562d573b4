// Package executor implements the Flow Executor: the stateless orchestrator
// that drives init/submit/state/cancel against the Registry and the Flow
// State Store (spec §4.5, §4.6).
package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowengine/core/infrastructure/errors"
	"github.com/flowengine/core/internal/flow/condition"
	"github.com/flowengine/core/internal/flow/events"
	"github.com/flowengine/core/internal/flow/graph"
	"github.com/flowengine/core/internal/flow/registry"
	"github.com/flowengine/core/internal/flow/store"
	"github.com/flowengine/core/internal/flow/uicontract"
)

const (
	rateLimitWindow       = 60 * time.Second
	maxRequestsPerWindow  = 30
	sessionHardTimeout    = 30 * time.Minute
	maxVisitsPerNode      = 3
	maxTotalVisitedNodes  = 50
	defaultRedirectPath   = "/callback"
)

// Executor is stateless: it holds only references to the Registry, the
// Store, and (optionally) the Event Dispatcher, all of which are safe for
// concurrent use across requests.
type Executor struct {
	registry   *registry.Registry
	store      *store.Store
	dispatcher *events.Dispatcher
}

func New(reg *registry.Registry, st *store.Store) *Executor {
	return &Executor{registry: reg, store: st}
}

// WithDispatcher attaches an Event Dispatcher so Submit runs the before/
// after hook pipeline of spec §4.7 around every transition. Without one,
// Submit behaves exactly as if no hooks were ever registered.
func (e *Executor) WithDispatcher(d *events.Dispatcher) *Executor {
	e.dispatcher = d
	return e
}

// InitResult is the wire response of init (spec §6.1).
type InitResult struct {
	SessionID         string                `json:"sessionId"`
	UIContractVersion string                `json:"uiContractVersion"`
	UIContract        *uicontract.Contract  `json:"uiContract,omitempty"`
}

// Init resolves the graph, binds an entry node, and creates a new session.
func (e *Executor) Init(ctx context.Context, flowType, clientID, tenantID string, oauthParams map[string]interface{}) (*InitResult, error) {
	if tenantID == "" {
		return nil, errors.InvalidInput("tenantId", "must not be empty")
	}
	if clientID == "" {
		return nil, errors.InvalidInput("clientId", "must not be empty")
	}

	plan, err := e.registry.GetPlan(ctx, flowType, tenantID)
	if err != nil {
		return nil, errors.FlowNotFound(flowType)
	}

	entryNodeID := plan.EntryNodeID
	if startNode := plan.Node(entryNodeID); startNode != nil && startNode.Type == graph.NodeStart && startNode.NextOnSuccess != "" {
		entryNodeID = startNode.NextOnSuccess
	}

	sessionID := "flow_" + uuid.NewString()
	session, err := e.store.Init(ctx, store.InitParams{
		SessionID:   sessionID,
		FlowType:    flowType,
		TenantID:    tenantID,
		ClientID:    clientID,
		EntryNodeID: entryNodeID,
		OAuthParams: oauthParams,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		if err == store.ErrSessionExists {
			return nil, errors.SessionExists(sessionID)
		}
		return nil, errors.FlowInitFailed(err)
	}

	contract, err := e.contractFor(plan, session)
	if err != nil {
		return nil, errors.FlowInitFailed(err)
	}

	return &InitResult{SessionID: session.SessionID, UIContractVersion: uicontract.Version, UIContract: contract}, nil
}

// SubmitResult is the wire response of submit (spec §6.1, §4.5).
type SubmitResult struct {
	Type        string                `json:"type"`
	URL         string                `json:"url,omitempty"`
	Method      string                `json:"method,omitempty"`
	UIContract  *uicontract.Contract  `json:"uiContract,omitempty"`
	Idempotent  bool                  `json:"-"`
}

// Submit advances a session's cursor by one step, enforcing the ordered
// security gates of spec §4.5 before ever touching the store.
func (e *Executor) Submit(ctx context.Context, sessionID, requestID, capabilityID string, response interface{}, tenantID, clientID string) (*SubmitResult, error) {
	found, cached, session, err := e.store.CheckRequest(ctx, sessionID, requestID)
	if err != nil {
		if err == store.ErrSessionNotFound {
			return nil, errors.SessionNotFound(sessionID)
		}
		return nil, errors.FlowSubmitFailed(err)
	}
	if found {
		result, ok := cached.(*SubmitResult)
		if !ok || result == nil {
			return nil, errors.FlowSubmitFailed(nil)
		}
		replay := *result
		replay.Idempotent = true
		return &replay, nil
	}

	if (tenantID != "" && tenantID != session.TenantID) || (clientID != "" && clientID != session.ClientID) {
		return nil, errors.InvalidSession(sessionID)
	}

	now := time.Now()
	recent := recentTimestamps(session.RequestTimestamps, now)
	if len(recent) >= maxRequestsPerWindow {
		return nil, errors.FlowRateLimitExceeded()
	}

	if session.CreatedAt.IsZero() || now.Sub(session.CreatedAt) > sessionHardTimeout {
		return nil, errors.SessionTimeout()
	}

	visited := boundedVisited(session.VisitedNodes)
	if countVisits(visited, session.CurrentNodeID) >= maxVisitsPerNode {
		return nil, errors.CircularReference(session.CurrentNodeID)
	}
	if len(visited) >= maxTotalVisitedNodes {
		return nil, errors.FlowTooLong()
	}

	plan, err := e.registry.GetPlan(ctx, session.FlowType, session.TenantID)
	if err != nil {
		return nil, errors.PlanNotFound(session.FlowType)
	}

	currentNode := plan.Node(session.CurrentNodeID)
	if currentNode == nil {
		return nil, errors.NodeNotFound(session.CurrentNodeID)
	}

	runtimeCtx := buildRuntimeContext(session, capabilityID, response)
	nextNodeID, err := determineNext(currentNode, plan, runtimeCtx)
	if err != nil {
		return nil, err
	}
	// Decision and switch nodes reached by this step are resolved in the same
	// step, so a UI Contract is only ever generated for a capability node.
	for hops := 0; nextNodeID != "" && hops < maxTotalVisitedNodes; hops++ {
		branchNode := plan.Node(nextNodeID)
		if branchNode == nil || (branchNode.Type != graph.NodeDecision && branchNode.Type != graph.NodeSwitch) {
			break
		}
		if nextNodeID, err = determineNext(branchNode, plan, runtimeCtx); err != nil {
			return nil, err
		}
	}

	var result *SubmitResult
	if nextNodeID == "" || isEndNode(plan, nextNodeID) {
		result = &SubmitResult{
			Type:   "redirect",
			URL:    session.RedirectURI(defaultRedirectPath),
			Method: "GET",
		}
	} else {
		nextNode := plan.Node(nextNodeID)
		if nextNode == nil {
			return nil, errors.NextNodeNotFound(nextNodeID)
		}
		contract, err := uicontract.Generate(uicontract.Params{
			CompiledNode:  nextNode,
			FlowID:        session.FlowID,
			ProfileID:     session.TenantID,
			CollectedData: session.CollectedData,
		})
		if err != nil {
			return nil, errors.FlowSubmitFailed(err)
		}
		result = &SubmitResult{Type: "continue", UIContract: contract}
	}

	landingNodeID := nextNodeID
	if landingNodeID == "" {
		landingNodeID = session.CurrentNodeID
	}

	if e.dispatcher != nil {
		publishResult := e.dispatcher.Publish(ctx, events.UnifiedEvent{
			Type: "flow.transition",
			Payload: map[string]interface{}{
				"sessionId":    sessionID,
				"flowType":     session.FlowType,
				"fromNodeId":   session.CurrentNodeID,
				"toNodeId":     landingNodeID,
				"capabilityId": capabilityID,
			},
		})
		if !publishResult.Success {
			return nil, errors.New(errors.ErrorCode(publishResult.DenyCode), publishResult.DenyReason, 403)
		}
	}

	updatedVisited := append(visited, store.VisitedTransition{NodeID: session.CurrentNodeID, Timestamp: now})
	updatedTimestamps := append(recent, now)

	_, err = e.store.Submit(ctx, sessionID, store.SubmitParams{
		RequestID:         requestID,
		CapabilityID:      capabilityID,
		Response:          response,
		Result:            result,
		NextNodeID:        landingNodeID,
		VisitedNodes:      updatedVisited,
		RequestTimestamps: updatedTimestamps,
	})
	if err != nil {
		if err == store.ErrSessionNotFound {
			return nil, errors.SessionNotFound(sessionID)
		}
		return nil, errors.FlowSubmitFailed(err)
	}

	return result, nil
}

// State returns the session snapshot plus a freshly generated UI Contract.
func (e *Executor) State(ctx context.Context, sessionID string) (*Session, *uicontract.Contract, error) {
	session, err := e.store.State(ctx, sessionID)
	if err != nil {
		if err == store.ErrSessionNotFound {
			return nil, nil, errors.SessionNotFound(sessionID)
		}
		return nil, nil, errors.StateFetchFailed(err)
	}

	plan, err := e.registry.GetPlan(ctx, session.FlowType, session.TenantID)
	if err != nil {
		return toExecutorSession(session), nil, nil
	}
	contract, err := e.contractFor(plan, session)
	if err != nil {
		return toExecutorSession(session), nil, nil
	}
	return toExecutorSession(session), contract, nil
}

// Cancel deletes a session; always succeeds even if already absent.
func (e *Executor) Cancel(ctx context.Context, sessionID string) error {
	if err := e.store.Cancel(ctx, sessionID); err != nil {
		return errors.FlowCancelFailed(err)
	}
	return nil
}

func (e *Executor) contractFor(plan *graph.CompiledPlan, session *store.Session) (*uicontract.Contract, error) {
	node := plan.Node(session.CurrentNodeID)
	if node == nil || node.Type != graph.NodeCapability {
		return nil, nil
	}
	return uicontract.Generate(uicontract.Params{
		CompiledNode:  node,
		FlowID:        session.FlowID,
		ProfileID:     session.TenantID,
		CollectedData: session.CollectedData,
	})
}

func isEndNode(plan *graph.CompiledPlan, nodeID string) bool {
	node := plan.Node(nodeID)
	return node != nil && node.Type == graph.NodeEnd
}

func recentTimestamps(timestamps []time.Time, now time.Time) []time.Time {
	truncated := timestamps
	if len(truncated) > store.MaxRequestTimestamps {
		truncated = truncated[len(truncated)-store.MaxRequestTimestamps:]
	}
	recent := make([]time.Time, 0, len(truncated))
	for _, t := range truncated {
		if now.Sub(t) < rateLimitWindow {
			recent = append(recent, t)
		}
	}
	return recent
}

func boundedVisited(visited []store.VisitedTransition) []store.VisitedTransition {
	if len(visited) > store.MaxVisitedNodeHistory {
		return visited[len(visited)-store.MaxVisitedNodeHistory:]
	}
	return visited
}

func countVisits(visited []store.VisitedTransition, nodeID string) int {
	count := 0
	for _, v := range visited {
		if v.NodeID == nodeID {
			count++
		}
	}
	return count
}

// buildRuntimeContext exposes collectedData's well-known fields (user,
// device, request, risk, form, prevNode, variables, …) directly at the top
// level, per spec §3/§4.5 step 8, plus this submission's capability
// response under capabilityID. Tenant/client identity is deliberately never
// placed in the context: branch conditions never see caller-supplied
// identity, only the session's own stored tenant/client (already enforced
// earlier in Submit).
func buildRuntimeContext(session *store.Session, capabilityID string, response interface{}) map[string]interface{} {
	ctx := make(map[string]interface{}, len(session.CollectedData)+1)
	for k, v := range session.CollectedData {
		ctx[k] = v
	}
	ctx[capabilityID] = response
	return ctx
}

// determineNext implements spec §4.6's branch evaluation.
func determineNext(node *graph.CompiledNode, plan *graph.CompiledPlan, ctx map[string]interface{}) (string, error) {
	switch node.Type {
	case graph.NodeDecision:
		return determineDecision(node, plan, ctx)
	case graph.NodeSwitch:
		return determineSwitch(node, plan, ctx)
	default:
		return node.NextOnSuccess, nil
	}
}

func determineDecision(node *graph.CompiledNode, plan *graph.CompiledPlan, ctx map[string]interface{}) (string, error) {
	cfg := node.Decision
	if cfg == nil {
		return "", nil
	}
	for _, branch := range cfg.Branches {
		if !condition.Evaluate(branch.Condition, ctx) {
			continue
		}
		target, ok := plan.TransitionTarget(node.ID, branch.ID)
		if !ok {
			return "", nil
		}
		if plan.Node(target) == nil {
			return "", errors.InvalidTransition(node.ID)
		}
		return target, nil
	}
	if cfg.HasDefault {
		target, ok := plan.TransitionTarget(node.ID, graph.DefaultHandle)
		if ok && plan.Node(target) != nil {
			return target, nil
		}
	}
	return "", nil
}

func determineSwitch(node *graph.CompiledNode, plan *graph.CompiledPlan, ctx map[string]interface{}) (string, error) {
	cfg := node.Switch
	if cfg == nil {
		return "", nil
	}
	if !condition.IsSafePath(cfg.SwitchKey) {
		return "", errors.DangerousKey(cfg.SwitchKey)
	}

	value, found := condition.Resolve(ctx, cfg.SwitchKey)
	if found {
		for _, c := range cfg.Cases {
			if condition.ValueIn(value, c.Values) {
				target, ok := plan.TransitionTarget(node.ID, c.ID)
				if ok && plan.Node(target) != nil {
					return target, nil
				}
				break
			}
		}
	}
	if cfg.HasDefault {
		target, ok := plan.TransitionTarget(node.ID, graph.DefaultHandle)
		if ok && plan.Node(target) != nil {
			return target, nil
		}
	}
	return "", nil
}

// Session is the executor-facing projection of a store.Session returned by
// State; it drops the idempotency cache, which is an internal implementation
// detail of the store.
type Session struct {
	SessionID             string                 `json:"sessionId"`
	FlowID                string                 `json:"flowId"`
	FlowType              string                 `json:"flowType"`
	CurrentNodeID         string                 `json:"currentNodeId"`
	VisitedNodeIDs        []string               `json:"visitedNodeIds"`
	CompletedCapabilities map[string]bool        `json:"completedCapabilities"`
	CollectedData         map[string]interface{} `json:"collectedData"`
	CreatedAt             time.Time              `json:"createdAt"`
	ExpiresAt             time.Time              `json:"expiresAt"`
}

func toExecutorSession(s *store.Session) *Session {
	return &Session{
		VisitedNodeIDs: s.VisitedNodeIDs,
		SessionID:             s.SessionID,
		FlowID:                s.FlowID,
		FlowType:              s.FlowType,
		CurrentNodeID:         s.CurrentNodeID,
		CompletedCapabilities: s.CompletedCapabilities,
		CollectedData:         s.CollectedData,
		CreatedAt:             s.CreatedAt,
		ExpiresAt:             s.ExpiresAt,
	}
}
