// Package actorhttp exposes the Flow State Store's per-session actor
// protocol (spec §6.3) as an internal HTTP surface, so a shard can be
// addressed over the network the same way it is addressed in-process.
package actorhttp

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowengine/core/infrastructure/cache"
	"github.com/flowengine/core/infrastructure/httputil"
	"github.com/flowengine/core/internal/flow/store"
)

// tokenCacheTTL bounds how long a successfully verified bearer token is
// trusted without re-running the constant-time comparison loop; short
// enough that a token removed from the configured list stops working
// promptly, long enough to spare the hot shard-to-shard path a linear
// constant-time scan on every request.
const tokenCacheTTL = 5 * time.Minute

// Handler serves the internal actor protocol against a Store. Unlike the
// public Flow HTTP API, errors are reported as {error, code} rather than the
// {type:"error", error:{code,message}} envelope, matching spec §6.3 exactly.
type Handler struct {
	store *store.Store
}

// NewHandler returns a router exposing the actor protocol. When tokens is
// non-empty, every request must carry one of them as a bearer token; this
// surface is shard-to-shard traffic only and is expected to sit behind a
// private network, so a shared-token check (rather than the heavier
// RSA-JWT ServiceAuthMiddleware the public-facing services use) is enough.
func NewHandler(st *store.Store, tokens ...string) http.Handler {
	h := &Handler{store: st}
	r := mux.NewRouter()
	r.HandleFunc("/init", h.init).Methods(http.MethodPost)
	r.HandleFunc("/check-request", h.checkRequest).Methods(http.MethodPost)
	r.HandleFunc("/submit", h.submit).Methods(http.MethodPost)
	r.HandleFunc("/state", h.state).Methods(http.MethodGet)
	r.HandleFunc("/cancel", h.cancel).Methods(http.MethodDelete)
	return withBearerAuth(tokens, r)
}

// withBearerAuth rejects requests that don't carry a recognized bearer
// token in the Authorization header. A nil/empty token list disables the
// check entirely (useful for tests and single-process deployments where
// the actor surface never leaves localhost). Verified tokens are cached by
// hash so repeat requests from the same caller skip the constant-time
// comparison loop; only positive results are cached, so a guessed token
// never earns a cache entry.
func withBearerAuth(tokens []string, next http.Handler) http.Handler {
	if len(tokens) == 0 {
		return next
	}
	verified := cache.NewTokenCache(cache.CacheConfig{DefaultTTL: tokenCacheTTL, MaxSize: 1000})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		got := r.Header.Get("Authorization")
		if len(got) <= len(prefix) || got[:len(prefix)] != prefix {
			writeActorError(w, errUnauthorized)
			return
		}
		presented := got[len(prefix):]
		tokenHash := hashToken(presented)
		if _, ok := verified.GetToken(tokenHash); ok {
			next.ServeHTTP(w, r)
			return
		}
		for _, tok := range tokens {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(tok)) == 1 {
				verified.SetToken(tokenHash, true, tokenCacheTTL)
				next.ServeHTTP(w, r)
				return
			}
		}
		writeActorError(w, errUnauthorized)
	})
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type initRequest struct {
	SessionID   string                 `json:"sessionId"`
	FlowID      string                 `json:"flowId"`
	FlowType    string                 `json:"flowType"`
	TenantID    string                 `json:"tenantId"`
	ClientID    string                 `json:"clientId"`
	EntryNodeID string                 `json:"entryNodeId"`
	OAuthParams map[string]interface{} `json:"oauthParams"`
}

func (h *Handler) init(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	session, err := h.store.Init(r.Context(), store.InitParams{
		SessionID:   req.SessionID,
		FlowID:      req.FlowID,
		FlowType:    req.FlowType,
		TenantID:    req.TenantID,
		ClientID:    req.ClientID,
		EntryNodeID: req.EntryNodeID,
		OAuthParams: req.OAuthParams,
	})
	if err != nil {
		writeActorError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true, "state": session})
}

type checkRequestRequest struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
}

func (h *Handler) checkRequest(w http.ResponseWriter, r *http.Request) {
	var req checkRequestRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	found, result, session, err := h.store.CheckRequest(r.Context(), req.SessionID, req.RequestID)
	if err != nil {
		writeActorError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"found":  found,
		"result": result,
		"state":  session,
	})
}

type submitRequest struct {
	SessionID         string                    `json:"sessionId"`
	RequestID         string                    `json:"requestId"`
	CapabilityID      string                    `json:"capabilityId"`
	Response          interface{}               `json:"response"`
	Result            interface{}               `json:"result"`
	NextNodeID        string                    `json:"nextNodeId"`
	VisitedNodes      []store.VisitedTransition `json:"visitedNodes"`
	RequestTimestamps []time.Time               `json:"requestTimestamps"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	session, err := h.store.Submit(r.Context(), req.SessionID, store.SubmitParams{
		RequestID:         req.RequestID,
		CapabilityID:      req.CapabilityID,
		Response:          req.Response,
		Result:            req.Result,
		NextNodeID:        req.NextNodeID,
		VisitedNodes:      req.VisitedNodes,
		RequestTimestamps: req.RequestTimestamps,
	})
	if err != nil {
		writeActorError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"result": req.Result, "state": session})
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	sessionID := httputil.QueryString(r, "sessionId", "")
	session, err := h.store.State(r.Context(), sessionID)
	if err != nil {
		writeActorError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"state": session})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	sessionID := httputil.QueryString(r, "sessionId", "")
	if err := h.store.Cancel(r.Context(), sessionID); err != nil {
		writeActorError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

var errUnauthorized = errors.New("unauthorized")

// writeActorError follows spec §6.3's {error, code} shape, not the public
// API's {type:"error", error:{code,message}} envelope.
func writeActorError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch err {
	case store.ErrSessionNotFound:
		status = http.StatusNotFound
		code = "session_not_found"
	case store.ErrSessionExists:
		status = http.StatusConflict
		code = "session_exists"
	case errUnauthorized:
		status = http.StatusUnauthorized
		code = "unauthorized"
	}
	httputil.WriteJSON(w, status, map[string]interface{}{"error": err.Error(), "code": code})
}
