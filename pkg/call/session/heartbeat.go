package session

import (
	"time"

	"github.com/triageline/relay/pkg/call/protocol"
)

// schedulePong answers one agent ping with exactly one pong after the
// requested delay, tagged with the ping's event id. There is no global
// heartbeat loop; each ping owns a one-shot timer, tracked per session so
// teardown can cancel pending replies.
func (s *CallSession) schedulePong(conn AgentConn, eventID, pingMS int64) {
	delay := time.Duration(pingMS) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return
	}
	if old, ok := s.pongTimers[eventID]; ok {
		old.Stop()
	}
	s.pongTimers[eventID] = time.AfterFunc(delay, func() {
		if err := conn.Send(protocol.AgentPong{Type: "pong", EventID: eventID}); err != nil {
			s.logger.Warn("pong send failed", "session_id", s.sessionID, "event_id", eventID, "error", err)
		}
		s.mu.Lock()
		delete(s.pongTimers, eventID)
		s.mu.Unlock()
	})
}

func (s *CallSession) cancelPongTimersLocked() {
	for id, t := range s.pongTimers {
		t.Stop()
		delete(s.pongTimers, id)
	}
}
