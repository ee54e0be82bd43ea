package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/triageline/relay/pkg/call/peer"
	"github.com/triageline/relay/pkg/call/protocol"
	"github.com/triageline/relay/pkg/call/registry"
	"github.com/triageline/relay/pkg/call/session"
	"github.com/triageline/relay/pkg/gateway/config"
	"github.com/triageline/relay/pkg/gateway/lifecycle"
	"github.com/triageline/relay/pkg/gateway/mw"
)

// CallHandler accepts caller websocket connections on /v1/call. Each accepted
// connection becomes one call session: the handler owns the inbound read loop
// while the session owns routing and the agent-backend leg.
type CallHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle

	Registry *registry.Registry
	Index    *registry.ConversationIndex

	Dialer        session.AgentDialer
	Extractor     session.Extractor
	Conversations session.ConversationStore
	CallRecords   session.CallRecordStore
	History       session.ConversationFetcher
}

func (h CallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	start, ok := h.readStartFrame(conn)
	if !ok {
		return
	}

	callID := start.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	sessionID := "s_" + randHex(8)

	caller := peer.NewWS(peer.RoleCaller, conn, peer.WSConfig{
		QueueSize:    h.Config.WSOutboundQueueSize,
		WriteTimeout: h.Config.WSWriteTimeout,
		PingInterval: h.Config.WSPingInterval,
	})

	s, err := session.New(session.Dependencies{
		Logger:           h.Logger,
		Caller:           caller,
		Agent:            h.Dialer,
		Extractor:        h.Extractor,
		Conversations:    h.Conversations,
		CallRecords:      h.CallRecords,
		History:          h.History,
		BindConversation: h.Index.Bind,
		Unregister:       h.Registry.Unregister,
		SessionID:        sessionID,
		CallID:           callID,
		WantCaptions:     start.WantCaptions,
		Config: session.Config{
			AgentHandshakeTimeout: h.Config.AgentHandshakeTimeout,
			ExtractInterval:       h.Config.ExtractInterval,
			CollaboratorTimeout:   h.Config.CollaboratorTimeout,
		},
	})
	if err != nil {
		// The write pump owns the socket once the peer exists; the error has
		// to travel through it.
		_ = caller.SendJSON(protocol.ServerError{Type: "error", Code: "internal", Message: "failed to initialize call session", Close: true})
		_ = caller.Close()
		return
	}

	h.Registry.Register(s)
	_ = caller.SendJSON(protocol.NewServerConnected(sessionID, callID))
	s.Open()

	_ = conn.SetReadDeadline(time.Time{})
	h.readLoop(conn, s)
}

func (h CallHandler) readStartFrame(conn *websocket.Conn) (protocol.CallerStart, bool) {
	handshakeTimeout := h.Config.ClientHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		writeWSError(conn, "bad_request", "failed to read start frame", true)
		return protocol.CallerStart{}, false
	}
	if messageType != websocket.TextMessage {
		writeWSError(conn, "bad_request", "first frame must be start", true)
		return protocol.CallerStart{}, false
	}
	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		writeWSError(conn, "bad_request", "invalid start frame", true)
		return protocol.CallerStart{}, false
	}
	start, ok := decoded.(protocol.CallerStart)
	if !ok {
		writeWSError(conn, "bad_request", "first frame must be start", true)
		return protocol.CallerStart{}, false
	}
	return start, true
}

// readLoop pumps caller frames into the session until the socket dies or the
// caller says stop. Every exit path funnels through Unregister.
func (h CallHandler) readLoop(conn *websocket.Conn, s *session.CallSession) {
	defer h.Registry.Unregister(s.SessionID())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		decoded, err := protocol.DecodeClientMessage(data)
		if err != nil {
			// Malformed frames are dropped; the connection survives them.
			s.NotifyCaller(protocol.ServerError{Type: "error", Code: "bad_request", Message: err.Error()})
			continue
		}
		switch msg := decoded.(type) {
		case protocol.AudioFrame:
			s.HandleCallerAudio(msg.DataB64)
		case protocol.CallerStop:
			return
		default:
			// start frames after the first, and operator frames on the
			// caller socket, are ignored.
		}
	}
}
