package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/triageline/relay/pkg/call/peer"
	"github.com/triageline/relay/pkg/call/protocol"
)

type State string

const (
	// StateConnecting covers the window between the caller connect and the
	// agent backend's readiness signal. The session is never reported as
	// ai_active while the handshake is still pending.
	StateConnecting     State = "connecting"
	StateAIActive       State = "ai_active"
	StateOperatorActive State = "operator_active"
	StateEnded          State = "ended"
)

var (
	ErrConnectionTimeout = errors.New("agent handshake did not complete in time")
	ErrSessionEnded      = errors.New("session has ended")
	ErrPeerConflict      = errors.New("session already has a backend peer")
	ErrPeerNotFound      = errors.New("session has no live agent peer")
)

// UpdatedField is one structured field derived from transcript text by the
// extraction collaborator.
type UpdatedField struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type Extractor interface {
	Extract(ctx context.Context, callID, transcript string) ([]UpdatedField, error)
}

type ConversationRecord struct {
	ConversationID  string
	CallID          string
	Messages        []protocol.ConversationMessage
	DurationSeconds int64
}

type ConversationStore interface {
	Exists(ctx context.Context, conversationID string) (bool, error)
	Save(ctx context.Context, rec ConversationRecord) error
}

type CallRecordStore interface {
	AppendTranscriptLine(ctx context.Context, callID string, line protocol.ConversationMessage) error
	UpdateStatus(ctx context.Context, callID, status string) error
}

// ConversationFetcher retrieves the authoritative end-of-call message list
// from the agent backend.
type ConversationFetcher interface {
	Messages(ctx context.Context, conversationID string) ([]protocol.ConversationMessage, error)
}

// AgentConn is a live duplex connection to the conversational backend.
type AgentConn interface {
	Send(v any) error
	Events() <-chan any
	Close() error
}

type AgentDialer interface {
	Dial(ctx context.Context) (AgentConn, error)
}

type Config struct {
	AgentHandshakeTimeout time.Duration
	ExtractInterval       time.Duration
	CollaboratorTimeout   time.Duration
}

type Dependencies struct {
	Logger        *slog.Logger
	Caller        peer.Peer
	Agent         AgentDialer
	Extractor     Extractor
	Conversations ConversationStore
	CallRecords   CallRecordStore
	History       ConversationFetcher

	// BindConversation records externalConversationID -> callID in the
	// process-wide index; it reports whether this write won (first write wins).
	BindConversation func(conversationID, callID string) bool
	// Unregister removes the session from the registry and is the single
	// teardown entry point for every terminal path.
	Unregister func(sessionID string)

	SessionID    string
	CallID       string
	WantCaptions bool
	Config       Config
	Now          func() time.Time
}

// CallSession owns the caller peer and at most one backend peer (agent or
// operator) for the lifetime of one call. All state transitions are
// serialized behind one mutex; peers perform their own writes asynchronously.
type CallSession struct {
	logger        *slog.Logger
	caller        peer.Peer
	dialer        AgentDialer
	extractor     Extractor
	conversations ConversationStore
	callRecords   CallRecordStore
	history       ConversationFetcher

	bindConversation func(conversationID, callID string) bool
	unregister       func(sessionID string)

	sessionID    string
	callID       string
	wantCaptions bool
	cfg          Config
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	state           State
	agent           AgentConn
	operator        peer.Peer
	keepCallerAlive bool
	agentReady      bool
	// agentDetached is set once the agent leg has been deliberately torn
	// down for handoff. A dial still in flight at that point must be
	// discarded, and the handshake-failure paths must not end the call.
	agentDetached bool
	preReady        []string
	transcript      []protocol.ConversationMessage
	transcriptLen   int
	lastExtractLen  int
	conversationID  string
	startTime       time.Time
	endTime         time.Time
	connectErr      error

	handshakeTimer *time.Timer
	pongTimers     map[int64]*time.Timer
	extractStop    chan struct{}

	finalized    chan struct{}
	closeOnce    sync.Once
	finalizeOnce sync.Once
}

func New(deps Dependencies) (*CallSession, error) {
	if deps.Caller == nil {
		return nil, errors.New("caller peer is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, errors.New("session id is required")
	}
	if strings.TrimSpace(deps.CallID) == "" {
		return nil, errors.New("call id is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg := deps.Config
	if cfg.AgentHandshakeTimeout <= 0 {
		cfg.AgentHandshakeTimeout = 10 * time.Second
	}
	if cfg.ExtractInterval <= 0 {
		cfg.ExtractInterval = 10 * time.Second
	}
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &CallSession{
		logger:           logger,
		caller:           deps.Caller,
		dialer:           deps.Agent,
		extractor:        deps.Extractor,
		conversations:    deps.Conversations,
		callRecords:      deps.CallRecords,
		history:          deps.History,
		bindConversation: deps.BindConversation,
		unregister:       deps.Unregister,
		sessionID:        deps.SessionID,
		callID:           deps.CallID,
		wantCaptions:     deps.WantCaptions,
		cfg:              cfg,
		now:              now,
		ctx:              ctx,
		cancel:           cancel,
		state:            StateConnecting,
		pongTimers:       make(map[int64]*time.Timer),
		finalized:        make(chan struct{}),
		startTime:        now(),
	}
	if s.unregister == nil {
		s.unregister = func(string) {}
	}
	if s.bindConversation == nil {
		s.bindConversation = func(string, string) bool { return false }
	}
	return s, nil
}

func (s *CallSession) SessionID() string { return s.sessionID }

func (s *CallSession) CallID() string { return s.callID }

func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Err reports the fatal connect failure, if any.
func (s *CallSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectErr
}

// Finalized is closed once the end-of-call persistence pass has completed.
// Graceful shutdown waits on it so the last write is never cut off.
func (s *CallSession) Finalized() <-chan struct{} {
	return s.finalized
}

// HandleCallerAudio routes one caller audio chunk. Before the agent backend
// is ready chunks are buffered in arrival order; once ready they are
// translated and forwarded directly. While an operator owns the call the
// chunk goes to the operator transport unchanged apart from the envelope tag.
func (s *CallSession) HandleCallerAudio(dataB64 string) {
	s.mu.Lock()
	switch {
	case s.state == StateEnded:
		s.mu.Unlock()
		return
	case s.state == StateOperatorActive:
		op := s.operator
		s.mu.Unlock()
		if op != nil {
			if err := op.SendJSON(protocol.ServerPatientAudio{Type: "patient_audio", DataB64: dataB64}); err != nil {
				s.logger.Warn("drop caller frame for operator", "session_id", s.sessionID, "error", err)
			}
		}
		return
	case s.state == StateConnecting && !s.agentDetached:
		s.preReady = append(s.preReady, dataB64)
		s.mu.Unlock()
		return
	case s.agent == nil || !s.agentReady:
		// Swap window between agent detach and operator attach: frames are
		// dropped here, not buffered.
		s.mu.Unlock()
		return
	default:
		// Forwarding happens under the session mutex so that buffered frames
		// flushed by markReady can never be reordered against direct sends.
		agent := s.agent
		var err error
		if agent != nil {
			err = agent.Send(protocol.UserAudioChunk{UserAudioChunk: dataB64})
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("drop caller frame for agent", "session_id", s.sessionID, "error", err)
		}
	}
}

// ForwardOperatorAudio relays one operator audio chunk to the caller.
func (s *CallSession) ForwardOperatorAudio(dataB64 string) {
	s.mu.Lock()
	active := s.state == StateOperatorActive
	s.mu.Unlock()
	if !active {
		return
	}
	if err := s.caller.SendJSON(protocol.ServerOperatorAudio{Type: "operator_audio", DataB64: dataB64}); err != nil {
		s.logger.Warn("drop operator frame for caller", "session_id", s.sessionID, "error", err)
	}
}

// AttachOperator wires an operator peer onto a session whose agent peer has
// already been detached.
func (s *CallSession) AttachOperator(op peer.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return ErrSessionEnded
	}
	if s.agent != nil {
		return ErrPeerConflict
	}
	if s.operator != nil {
		return ErrPeerConflict
	}
	s.operator = op
	s.state = StateOperatorActive
	return nil
}

// DetachAgent closes the agent peer only, leaving the caller peer untouched.
// The AI leg's periodic work stops here; frames arriving before an operator
// attaches are dropped, not buffered. A handoff may land while the handshake
// is still pending, so the handshake timer is stopped too and any dial that
// completes later is discarded by openAgent.
func (s *CallSession) DetachAgent(keepCallerAlive bool) {
	s.mu.Lock()
	conn := s.agent
	s.agent = nil
	s.agentReady = false
	s.agentDetached = true
	s.keepCallerAlive = keepCallerAlive
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}
	s.preReady = nil
	s.stopExtractLoopLocked()
	s.cancelPongTimersLocked()
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *CallSession) KeepCallerAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepCallerAlive
}

// NotifyCaller sends a control event to the caller, best effort.
func (s *CallSession) NotifyCaller(v any) {
	if err := s.caller.SendJSON(v); err != nil {
		s.logger.Warn("notify caller failed", "session_id", s.sessionID, "error", err)
	}
}

// InjectContext pushes free-text context into the live agent conversation.
func (s *CallSession) InjectContext(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent == nil || !s.agentReady {
		return ErrPeerNotFound
	}
	return s.agent.Send(protocol.ContextualUpdate{Type: "contextual_update", Text: text})
}

// Close is the terminal transition. It cancels every timer owned by the
// session, closes whatever peers are still attached, and triggers the
// finalizer exactly once. Callers go through the registry's Unregister so
// that map removal and teardown stay a single code path.
func (s *CallSession) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.state = StateEnded
		s.endTime = s.now()
		if s.handshakeTimer != nil {
			s.handshakeTimer.Stop()
			s.handshakeTimer = nil
		}
		s.stopExtractLoopLocked()
		s.cancelPongTimersLocked()
		agent := s.agent
		s.agent = nil
		op := s.operator
		s.operator = nil
		s.preReady = nil
		s.mu.Unlock()

		if agent != nil {
			_ = agent.Close()
		}
		if op != nil {
			_ = op.Close()
		}
		_ = s.caller.Close()

		go s.finalize()
	})
}

// Cancel force-ends the session through the registry teardown path. Used by
// graceful shutdown.
func (s *CallSession) Cancel() {
	s.unregister(s.sessionID)
}

// SendWarning notifies the caller of an operational condition such as drain.
func (s *CallSession) SendWarning(code, message string) error {
	return s.caller.SendJSON(protocol.ServerError{Type: "error", Code: code, Message: message})
}

func (s *CallSession) recordStatus(status string) {
	if s.callRecords == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CollaboratorTimeout)
		defer cancel()
		if err := s.callRecords.UpdateStatus(ctx, s.callID, status); err != nil {
			s.logger.Warn("update call status failed", "call_id", s.callID, "status", status, "error", err)
		}
	}()
}

func renderTranscript(lines []protocol.ConversationMessage) string {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line.Role)
		b.WriteString(": ")
		b.WriteString(line.Text)
		b.WriteString("\n")
	}
	return b.String()
}
