package store

import (
	"context"
	"time"
)

// opType discriminates the typed messages accepted by an actor's mailbox.
type opType int

const (
	opInit opType = iota
	opCheckRequest
	opSubmit
	opState
	opCancel
	opTTLExpire
)

// InitParams are the durable fields set once at session creation.
type InitParams struct {
	SessionID     string
	FlowID        string
	FlowType      string
	TenantID      string
	ClientID      string
	EntryNodeID   string
	OAuthParams   map[string]interface{}
	CreatedAt     time.Time
	TTL           time.Duration
}

// SubmitParams are the fields the Executor has already validated and bounded
// before handing them to the state store; the actor is a trusted caller's
// write, not a re-validation point (spec §4.3).
type SubmitParams struct {
	RequestID         string
	CapabilityID      string
	Response          interface{}
	Result            interface{}
	NextNodeID        string
	VisitedNodes      []VisitedTransition
	RequestTimestamps []time.Time
}

// command is one message sent to an actor's exclusive mailbox.
type command struct {
	op     opType
	init   InitParams
	submit SubmitParams
	reqID  string // for opCheckRequest
	respCh chan actorResult
}

// actorResult is the uniform reply shape; exactly one of Err/Session/Found
// is meaningful depending on the request op.
type actorResult struct {
	Err     error
	Session *Session
	Found   bool
	Result  interface{}
}

// actor is a single-writer-per-session goroutine: every operation on one
// sessionID serializes through this goroutine's mailbox, so no lock is
// needed around Session mutation itself (§9 Durable-object -> actor
// abstraction).
type actor struct {
	sessionID string
	mailbox   chan command
	done      chan struct{}
	ttlTimer  *time.Timer

	idempotencyCapacity int
	onExpire            func(sessionID string)

	session     *Session
	initialized bool
}

func newActor(sessionID string, idempotencyCapacity int, onExpire func(string)) *actor {
	a := &actor{
		sessionID:           sessionID,
		mailbox:             make(chan command, 8),
		done:                make(chan struct{}),
		idempotencyCapacity: idempotencyCapacity,
		onExpire:            onExpire,
	}
	go a.run()
	return a
}

func (a *actor) run() {
	for {
		select {
		case cmd := <-a.mailbox:
			cmd.respCh <- a.handle(cmd)
		case <-a.done:
			return
		}
	}
}

func (a *actor) stop() {
	close(a.done)
	if a.ttlTimer != nil {
		a.ttlTimer.Stop()
	}
}

func (a *actor) send(ctx context.Context, cmd command) (actorResult, error) {
	cmd.respCh = make(chan actorResult, 1)
	select {
	case a.mailbox <- cmd:
	case <-ctx.Done():
		return actorResult{}, ctx.Err()
	case <-a.done:
		return actorResult{Err: ErrSessionNotFound}, nil
	}
	select {
	case res := <-cmd.respCh:
		return res, nil
	case <-ctx.Done():
		return actorResult{}, ctx.Err()
	}
}

func (a *actor) handle(cmd command) actorResult {
	switch cmd.op {
	case opInit:
		return a.handleInit(cmd.init)
	case opCheckRequest:
		return a.handleCheckRequest(cmd.reqID)
	case opSubmit:
		return a.handleSubmit(cmd.submit)
	case opState:
		return a.handleState()
	case opCancel:
		return a.handleCancel()
	case opTTLExpire:
		return a.handleCancel()
	default:
		return actorResult{Err: ErrSessionNotFound}
	}
}

func (a *actor) handleInit(p InitParams) actorResult {
	if a.initialized {
		return actorResult{Err: ErrSessionExists}
	}
	now := p.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	a.session = &Session{
		SessionID:             p.SessionID,
		FlowID:                p.FlowID,
		FlowType:              p.FlowType,
		TenantID:              p.TenantID,
		ClientID:              p.ClientID,
		CurrentNodeID:         p.EntryNodeID,
		VisitedNodeIDs:        []string{},
		CompletedCapabilities: map[string]bool{},
		CollectedData:         map[string]interface{}{},
		OAuthParams:           p.OAuthParams,
		CreatedAt:             now,
		ExpiresAt:             now.Add(p.TTL),
	}
	a.initialized = true

	sessionID := a.sessionID
	a.ttlTimer = time.AfterFunc(p.TTL, func() {
		if a.onExpire != nil {
			a.onExpire(sessionID)
		}
	})

	return actorResult{Session: a.session.Clone()}
}

func (a *actor) handleCheckRequest(requestID string) actorResult {
	if !a.initialized {
		return actorResult{Err: ErrSessionNotFound}
	}
	if result, found := findIdempotent(a.session.IdempotencyCache, requestID); found {
		return actorResult{Found: true, Result: result, Session: a.session.Clone()}
	}
	return actorResult{Found: false, Session: a.session.Clone()}
}

func (a *actor) handleSubmit(p SubmitParams) actorResult {
	if !a.initialized {
		return actorResult{Err: ErrSessionNotFound}
	}

	if _, found := findIdempotent(a.session.IdempotencyCache, p.RequestID); found {
		return actorResult{Session: a.session.Clone()}
	}

	if a.session.CollectedData == nil {
		a.session.CollectedData = map[string]interface{}{}
	}
	a.session.CollectedData[p.CapabilityID] = p.Response
	a.session.CurrentNodeID = p.NextNodeID
	a.session.VisitedNodeIDs = append(a.session.VisitedNodeIDs, p.NextNodeID)
	if len(a.session.VisitedNodeIDs) > MaxVisitedNodeHistory {
		a.session.VisitedNodeIDs = a.session.VisitedNodeIDs[len(a.session.VisitedNodeIDs)-MaxVisitedNodeHistory:]
	}
	if a.session.CompletedCapabilities == nil {
		a.session.CompletedCapabilities = map[string]bool{}
	}
	a.session.CompletedCapabilities[p.CapabilityID] = true

	a.session.VisitedNodes = p.VisitedNodes
	a.session.RequestTimestamps = p.RequestTimestamps

	a.session.IdempotencyCache = appendIdempotent(a.session.IdempotencyCache, IdempotencyEntry{
		RequestID: p.RequestID,
		Result:    p.Result,
	}, a.idempotencyCapacity)

	return actorResult{Session: a.session.Clone()}
}

func (a *actor) handleState() actorResult {
	if !a.initialized {
		return actorResult{Err: ErrSessionNotFound}
	}
	return actorResult{Session: a.session.Clone()}
}

func (a *actor) handleCancel() actorResult {
	a.initialized = false
	a.session = nil
	if a.ttlTimer != nil {
		a.ttlTimer.Stop()
	}
	return actorResult{}
}
