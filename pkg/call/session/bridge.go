package session

import (
	"context"
	"strings"
	"time"

	"github.com/triageline/relay/pkg/call/protocol"
)

// Open starts the asynchronous agent-backend connect. The caller transport is
// live immediately; audio arriving before the agent's readiness signal is
// buffered in arrival order and flushed FIFO once the backend is up. If the
// backend does not become ready inside AgentHandshakeTimeout the session is
// torn down and the caller peer closed.
func (s *CallSession) Open() {
	s.mu.Lock()
	s.handshakeTimer = time.AfterFunc(s.cfg.AgentHandshakeTimeout, s.onHandshakeTimeout)
	s.mu.Unlock()
	go s.openAgent()
}

func (s *CallSession) openAgent() {
	if s.dialer == nil {
		s.failAgentConnect("no agent backend configured")
		return
	}

	dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.AgentHandshakeTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("agent dial failed", "session_id", s.sessionID, "call_id", s.callID, "error", err)
		s.failAgentConnect("agent backend unreachable")
		return
	}

	s.mu.Lock()
	if s.state == StateEnded || s.agentDetached {
		// The call ended or a handoff detached the agent leg while the dial
		// was in flight; a late connection must not re-attach.
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.agent = conn
	s.mu.Unlock()

	if err := conn.Send(protocol.NewAgentInitiation(s.callID)); err != nil {
		s.logger.Warn("agent initiation failed", "session_id", s.sessionID, "error", err)
		s.failAgentConnect("agent backend rejected initiation")
		return
	}

	s.agentReadLoop(conn)
}

func (s *CallSession) onHandshakeTimeout() {
	s.mu.Lock()
	if s.state != StateConnecting || s.agentDetached {
		s.mu.Unlock()
		return
	}
	s.connectErr = ErrConnectionTimeout
	buffered := len(s.preReady)
	s.mu.Unlock()

	s.logger.Warn("agent handshake timed out",
		"session_id", s.sessionID,
		"call_id", s.callID,
		"buffered_frames", buffered,
	)
	s.NotifyCaller(protocol.ServerError{Type: "error", Code: "connection_timeout", Message: "agent backend did not answer", Close: true})
	s.recordStatus("failed")
	s.unregister(s.sessionID)
}

func (s *CallSession) failAgentConnect(message string) {
	s.mu.Lock()
	if s.state != StateConnecting || s.agentDetached {
		s.mu.Unlock()
		return
	}
	s.connectErr = ErrConnectionTimeout
	s.mu.Unlock()

	s.NotifyCaller(protocol.ServerError{Type: "error", Code: "connection_timeout", Message: message, Close: true})
	s.recordStatus("failed")
	s.unregister(s.sessionID)
}

func (s *CallSession) agentReadLoop(conn AgentConn) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				s.onAgentGone(conn)
				return
			}
			s.handleAgentEvent(conn, ev)
		}
	}
}

func (s *CallSession) handleAgentEvent(conn AgentConn, ev any) {
	switch msg := ev.(type) {
	case protocol.ConversationMetadataEvent:
		s.markReady(msg.MetadataEvent.ConversationID)
	case protocol.AgentAudioEvent:
		s.forwardAgentAudio(msg)
	case protocol.AgentResponseEvent:
		s.appendTranscript("agent", msg.AgentResponseEvent.AgentResponse)
	case protocol.UserTranscriptEvent:
		s.appendTranscript("caller", msg.UserTranscriptionEvent.UserTranscript)
	case protocol.AgentPingEvent:
		s.schedulePong(conn, msg.PingEvent.EventID, msg.PingEvent.PingMS)
	default:
		s.logger.Debug("unhandled agent event", "session_id", s.sessionID, "event", ev)
	}
}

// markReady promotes the session to ai_active: the readiness signal carries
// the external conversation id, the pre-ready buffer is flushed FIFO under
// the session mutex and then discarded, and periodic extraction begins.
func (s *CallSession) markReady(conversationID string) {
	s.mu.Lock()
	if s.state != StateConnecting || s.agentDetached {
		s.mu.Unlock()
		return
	}
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}
	s.state = StateAIActive
	s.agentReady = true
	if s.conversationID == "" {
		s.conversationID = conversationID
		s.bindConversation(conversationID, s.callID)
	}
	buffered := s.preReady
	s.preReady = nil
	agent := s.agent
	for _, chunk := range buffered {
		if agent == nil {
			break
		}
		if err := agent.Send(protocol.UserAudioChunk{UserAudioChunk: chunk}); err != nil {
			s.logger.Warn("flush buffered frame failed", "session_id", s.sessionID, "error", err)
			break
		}
	}
	s.mu.Unlock()

	s.logger.Info("agent ready",
		"session_id", s.sessionID,
		"call_id", s.callID,
		"conversation_id", conversationID,
		"flushed_frames", len(buffered),
	)
	s.recordStatus("ai_active")
	s.startExtractLoop()
}

func (s *CallSession) forwardAgentAudio(msg protocol.AgentAudioEvent) {
	s.mu.Lock()
	live := s.state == StateAIActive
	s.mu.Unlock()
	if !live {
		return
	}
	out := protocol.ServerAudio{Type: "audio", DataB64: msg.AudioEvent.AudioB64, EventID: msg.AudioEvent.EventID}
	if err := s.caller.SendJSON(out); err != nil {
		s.logger.Warn("drop agent frame for caller", "session_id", s.sessionID, "error", err)
	}
}

func (s *CallSession) appendTranscript(role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	line := protocol.ConversationMessage{Role: role, Text: text}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.transcript = append(s.transcript, line)
	s.transcriptLen += len(text)
	captions := s.wantCaptions
	s.mu.Unlock()

	if captions {
		if err := s.caller.SendJSON(protocol.ServerTranscript{Type: "transcript", Role: role, Text: text}); err != nil {
			s.logger.Warn("drop caption for caller", "session_id", s.sessionID, "error", err)
		}
	}

	if s.callRecords != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CollaboratorTimeout)
			defer cancel()
			if err := s.callRecords.AppendTranscriptLine(ctx, s.callID, line); err != nil {
				s.logger.Warn("append transcript line failed", "call_id", s.callID, "error", err)
			}
		}()
	}
}

// onAgentGone handles the backend closing its side of the conversation. A
// deliberately detached agent (handoff) is ignored; otherwise the call ends.
func (s *CallSession) onAgentGone(conn AgentConn) {
	s.mu.Lock()
	if s.agent != conn || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.agent = nil
	s.agentReady = false
	s.mu.Unlock()

	s.logger.Info("agent peer closed, ending call", "session_id", s.sessionID, "call_id", s.callID)
	s.NotifyCaller(protocol.NewSessionTerminated("agent_disconnected"))
	s.unregister(s.sessionID)
}

// Transcript returns a copy of the accumulated transcript log.
func (s *CallSession) Transcript() []protocol.ConversationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ConversationMessage, len(s.transcript))
	copy(out, s.transcript)
	return out
}
