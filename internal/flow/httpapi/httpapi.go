// Package httpapi exposes the public HTTP Flow API (spec §6.1): init,
// submit, state, and cancel, backed by the Flow Executor.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flowengine/core/infrastructure/errors"
	"github.com/flowengine/core/infrastructure/httputil"
	"github.com/flowengine/core/internal/flow/executor"
	"github.com/flowengine/core/pkg/version"
)

// Handler bundles the Flow Executor behind the public HTTP surface.
type Handler struct {
	ex *executor.Executor
}

// NewHandler returns a router exposing /api/flow/{init,submit,state,cancel}
// plus a /system/version probe in the same style as the rest of this
// codebase's services.
func NewHandler(ex *executor.Executor) http.Handler {
	h := &Handler{ex: ex}
	r := mux.NewRouter()
	r.HandleFunc("/api/flow/init", h.init).Methods(http.MethodPost)
	r.HandleFunc("/api/flow/submit", h.submit).Methods(http.MethodPost)
	r.HandleFunc("/api/flow/state/{sessionId}", h.state).Methods(http.MethodGet)
	r.HandleFunc("/api/flow/cancel", h.cancel).Methods(http.MethodPost)
	r.HandleFunc("/system/version", h.systemVersion).Methods(http.MethodGet)
	return r
}

func (h *Handler) systemVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":   version.Version,
		"gitCommit": version.GitCommit,
		"buildTime": version.BuildTime,
		"goVersion": version.GoVersion,
	})
}

type initRequest struct {
	FlowType    string                 `json:"flowType"`
	ClientID    string                 `json:"clientId"`
	TenantID    string                 `json:"tenantId"`
	OAuthParams map[string]interface{} `json:"oauthParams"`
}

func (h *Handler) init(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	result, err := h.ex.Init(r.Context(), req.FlowType, req.ClientID, req.TenantID, req.OAuthParams)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

type submitRequest struct {
	SessionID    string      `json:"sessionId"`
	RequestID    string      `json:"requestId"`
	CapabilityID string      `json:"capabilityId"`
	Response     interface{} `json:"response"`
	TenantID     string      `json:"tenantId"`
	ClientID     string      `json:"clientId"`
}

type submitRedirect struct {
	Type     string          `json:"type"`
	Redirect *redirectTarget `json:"redirect,omitempty"`
}

type redirectTarget struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	result, err := h.ex.Submit(r.Context(), req.SessionID, req.RequestID, req.CapabilityID, req.Response, req.TenantID, req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}

	if result.Idempotent {
		w.Header().Set("X-Idempotent", "true")
	}

	if result.Type == "redirect" {
		httputil.WriteJSON(w, http.StatusOK, submitRedirect{
			Type:     "redirect",
			Redirect: &redirectTarget{URL: result.URL, Method: result.Method},
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"type":       "continue",
		"uiContract": result.UIContract,
	})
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	session, contract, err := h.ex.State(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"state": map[string]interface{}{
			"currentNodeId":         session.CurrentNodeID,
			"visitedNodeIds":        session.VisitedNodeIDs,
			"completedCapabilities": session.CompletedCapabilities,
		},
		"uiContract": contract,
	})
}

type cancelRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := h.ex.Cancel(r.Context(), req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": req.SessionID,
	})
}

// writeError renders the {type:"error", error:{code,message}} envelope of
// spec §6.1/§7, deriving status and code from the ServiceError taxonomy.
func writeError(w http.ResponseWriter, err error) {
	svcErr := errors.GetServiceError(err)
	if svcErr == nil {
		svcErr = errors.Internal("internal error", err)
	}
	status := errors.GetHTTPStatus(err)
	httputil.WriteJSON(w, status, map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"code":    svcErr.Code,
			"message": svcErr.Message,
		},
	})
}
