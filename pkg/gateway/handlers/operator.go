package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/triageline/relay/pkg/call/handoff"
	"github.com/triageline/relay/pkg/call/peer"
	"github.com/triageline/relay/pkg/call/protocol"
	"github.com/triageline/relay/pkg/call/session"
	"github.com/triageline/relay/pkg/gateway/config"
	"github.com/triageline/relay/pkg/gateway/lifecycle"
	"github.com/triageline/relay/pkg/gateway/mw"
)

// OperatorHandler accepts human operator websocket connections on
// /v1/operator. The first frame must be a start frame naming the session or
// call the operator is taking over.
type OperatorHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle

	Handoff *handoff.Orchestrator
}

func (h OperatorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeErrorJSON(w, http.StatusMethodNotAllowed, apiError{Code: "method_not_allowed", Message: "method not allowed", RequestID: reqID})
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeErrorJSON(w, http.StatusServiceUnavailable, apiError{Code: "draining", Message: "relay is draining", RequestID: reqID})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.MaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxJSONMessageBytes)
	}

	handshakeTimeout := h.Config.ClientHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	_, firstFrame, err := conn.ReadMessage()
	if err != nil {
		writeWSError(conn, "bad_request", "failed to read start frame", true)
		return
	}
	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		writeWSError(conn, "bad_request", "invalid start frame", true)
		return
	}
	start, ok := decoded.(protocol.CallerStart)
	if !ok {
		writeWSError(conn, "bad_request", "first frame must be start", true)
		return
	}
	if start.SessionID == "" && start.CallID == "" {
		writeWSError(conn, "bad_request", "start.session_id or start.call_id is required", true)
		return
	}

	op := peer.NewWS(peer.RoleOperator, conn, peer.WSConfig{
		QueueSize:    h.Config.WSOutboundQueueSize,
		WriteTimeout: h.Config.WSWriteTimeout,
		PingInterval: h.Config.WSPingInterval,
	})

	var s *session.CallSession
	if start.SessionID != "" {
		s, err = h.Handoff.AttachOperator(start.SessionID, op)
	} else {
		s, err = h.Handoff.AttachOperatorByCallID(start.CallID, op)
	}
	if err != nil {
		// The write pump owns the socket once the peer exists; route the
		// rejection through it before closing.
		code, message := "internal", "failed to attach operator"
		switch {
		case errors.Is(err, handoff.ErrSessionNotFound):
			code, message = "not_found", "no such call"
		case errors.Is(err, session.ErrPeerConflict):
			code, message = "conflict", "call already has a live backend peer"
		case errors.Is(err, session.ErrSessionEnded):
			code, message = "gone", "call has already ended"
		}
		_ = op.SendJSON(protocol.ServerError{Type: "error", Code: code, Message: message, Close: true})
		_ = op.Close()
		return
	}

	_ = op.SendJSON(protocol.NewServerConnected(s.SessionID(), s.CallID()))
	_ = conn.SetReadDeadline(time.Time{})

	h.readLoop(conn, s)
}

// readLoop pumps operator frames toward the caller. When the operator leaves,
// deliberately or not, the whole call ends; the caller has nobody left to
// talk to.
func (h OperatorHandler) readLoop(conn *websocket.Conn, s *session.CallSession) {
	defer func() {
		_ = h.Handoff.EndOperatorSession(s.SessionID())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		decoded, err := protocol.DecodeClientMessage(data)
		if err != nil {
			continue
		}
		switch msg := decoded.(type) {
		case protocol.OperatorAudio:
			s.ForwardOperatorAudio(msg.DataB64)
		case protocol.OperatorEnd:
			return
		default:
		}
	}
}
