package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/triageline/relay/pkg/call/handoff"
	"github.com/triageline/relay/pkg/gateway/mw"
)

// HandoffHandler serves POST /v1/handoff, the control-plane trigger that
// detaches the automated agent from a live call.
type HandoffHandler struct {
	Logger  *slog.Logger
	Handoff *handoff.Orchestrator
}

type handoffRequest struct {
	SessionID       string `json:"session_id,omitempty"`
	CallID          string `json:"call_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
	KeepCallerAlive bool   `json:"keep_caller_alive"`
}

type handoffResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (h HandoffHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodPost {
		writeErrorJSON(w, http.StatusMethodNotAllowed, apiError{Code: "method_not_allowed", Message: "method not allowed", RequestID: reqID})
		return
	}

	var req handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, apiError{Code: "bad_request", Message: "invalid json body", RequestID: reqID})
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.CallID = strings.TrimSpace(req.CallID)
	if req.SessionID == "" && req.CallID == "" {
		writeErrorJSON(w, http.StatusBadRequest, apiError{Code: "bad_request", Message: "session_id or call_id is required", RequestID: reqID})
		return
	}

	sessionID := req.SessionID
	var err error
	if sessionID != "" {
		err = h.Handoff.RequestHandoff(sessionID, req.Reason, req.KeepCallerAlive)
	} else {
		sessionID, err = h.Handoff.RequestHandoffByCallID(req.CallID, req.Reason, req.KeepCallerAlive)
	}
	if err != nil {
		if errors.Is(err, handoff.ErrSessionNotFound) {
			writeErrorJSON(w, http.StatusNotFound, apiError{Code: "not_found", Message: "no such call", RequestID: reqID})
			return
		}
		writeErrorJSON(w, http.StatusInternalServerError, apiError{Code: "internal", Message: "handoff failed", RequestID: reqID})
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(handoffResponse{SessionID: sessionID, Status: "handoff_initiated"})
}
