package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/triageline/relay/pkg/call/registry"
	"github.com/triageline/relay/pkg/gateway/mw"
)

// ContextHandler serves POST /v1/context. External systems usually address
// calls by the agent backend's conversation id, resolved through the
// conversation index; callers that already know the relay's call id can name
// it directly.
type ContextHandler struct {
	Logger   *slog.Logger
	Registry *registry.Registry
	Index    *registry.ConversationIndex
}

type contextRequest struct {
	ConversationID string `json:"conversation_id"`
	CallID         string `json:"call_id"`
	Text           string `json:"text"`
}

func (h ContextHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodPost {
		writeErrorJSON(w, http.StatusMethodNotAllowed, apiError{Code: "method_not_allowed", Message: "method not allowed", RequestID: reqID})
		return
	}

	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, apiError{Code: "bad_request", Message: "invalid json body", RequestID: reqID})
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.CallID = strings.TrimSpace(req.CallID)
	if req.ConversationID == "" && req.CallID == "" {
		writeErrorJSON(w, http.StatusBadRequest, apiError{Code: "bad_request", Message: "conversation_id or call_id is required", Param: "conversation_id", RequestID: reqID})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeErrorJSON(w, http.StatusBadRequest, apiError{Code: "bad_request", Message: "text is required", Param: "text", RequestID: reqID})
		return
	}

	callID := req.CallID
	if req.ConversationID != "" {
		var ok bool
		callID, ok = h.Index.Lookup(req.ConversationID)
		if !ok {
			writeErrorJSON(w, http.StatusNotFound, apiError{Code: "not_found", Message: "unknown conversation", RequestID: reqID})
			return
		}
	}
	s, ok := h.Registry.FindByCallID(callID)
	if !ok {
		writeErrorJSON(w, http.StatusNotFound, apiError{Code: "not_found", Message: "call is no longer active", RequestID: reqID})
		return
	}

	if err := s.InjectContext(req.Text); err != nil {
		writeErrorJSON(w, http.StatusConflict, apiError{Code: "conflict", Message: "agent leg is not live", RequestID: reqID})
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "call_id": callID})
}
