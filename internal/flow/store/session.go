// Package store implements the Flow State Store: a sharded, single-writer-
// per-session actor with an idempotency cache, bounded histories, and TTL
// alarms (spec §4.3, §5, §9).
package store

import "time"

const (
	// MaxVisitedNodeHistory bounds RuntimeState.VisitedNodeIDs.
	MaxVisitedNodeHistory = 200
	// MaxRequestTimestamps bounds RuntimeState.RequestTimestamps.
	MaxRequestTimestamps = 100
)

// VisitedTransition is one entry of the bounded visitedNodes history used
// for cycle detection and max-length enforcement.
type VisitedTransition struct {
	NodeID    string    `json:"nodeId"`
	Timestamp time.Time `json:"timestamp"`
}

// IdempotencyEntry is one (requestId, cachedResult) pair in the FIFO
// idempotency cache.
type IdempotencyEntry struct {
	RequestID string      `json:"requestId"`
	Result    interface{} `json:"result"`
}

// Session is the Runtime State of spec §3, owned by exactly one shard
// actor and mutated only on that actor's goroutine.
type Session struct {
	SessionID string `json:"sessionId"`
	FlowID    string `json:"flowId"`
	FlowType  string `json:"flowType"`
	TenantID  string `json:"tenantId"`
	ClientID  string `json:"clientId"`

	CurrentNodeID         string          `json:"currentNodeId"`
	VisitedNodeIDs        []string        `json:"visitedNodeIds"`
	CompletedCapabilities map[string]bool `json:"completedCapabilities"`

	CollectedData map[string]interface{} `json:"collectedData"`
	OAuthParams   map[string]interface{} `json:"oauthParams"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	RequestTimestamps []time.Time         `json:"requestTimestamps"`
	VisitedNodes      []VisitedTransition `json:"visitedNodes"`

	IdempotencyCache []IdempotencyEntry `json:"idempotencyCache"`
}

// RedirectURI returns the OAuth passthrough redirect_uri, or fallback if the
// field is absent. Used verbatim per §9 Open Question — no URL validation in
// the core.
func (s *Session) RedirectURI(fallback string) string {
	if s.OAuthParams == nil {
		return fallback
	}
	if v, ok := s.OAuthParams["redirect_uri"].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Clone returns a deep-enough copy of s suitable for returning from state()
// snapshot reads without letting callers mutate actor-owned memory.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.VisitedNodeIDs = append([]string(nil), s.VisitedNodeIDs...)
	clone.CompletedCapabilities = cloneBoolMap(s.CompletedCapabilities)
	clone.CollectedData = cloneAnyMap(s.CollectedData)
	clone.OAuthParams = cloneAnyMap(s.OAuthParams)
	clone.RequestTimestamps = append([]time.Time(nil), s.RequestTimestamps...)
	clone.VisitedNodes = append([]VisitedTransition(nil), s.VisitedNodes...)
	clone.IdempotencyCache = append([]IdempotencyEntry(nil), s.IdempotencyCache...)
	return &clone
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// findIdempotent returns the cached result for requestID, if present.
func findIdempotent(cache []IdempotencyEntry, requestID string) (interface{}, bool) {
	for _, e := range cache {
		if e.RequestID == requestID {
			return e.Result, true
		}
	}
	return nil, false
}

// appendIdempotent appends a new entry, evicting the oldest FIFO-style once
// capacity is exceeded.
func appendIdempotent(cache []IdempotencyEntry, entry IdempotencyEntry, capacity int) []IdempotencyEntry {
	cache = append(cache, entry)
	if len(cache) > capacity {
		cache = cache[len(cache)-capacity:]
	}
	return cache
}
