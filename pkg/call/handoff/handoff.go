package handoff

import (
	"errors"
	"log/slog"

	"github.com/triageline/relay/pkg/call/peer"
	"github.com/triageline/relay/pkg/call/protocol"
	"github.com/triageline/relay/pkg/call/registry"
	"github.com/triageline/relay/pkg/call/session"
)

var ErrSessionNotFound = errors.New("session not found")

// Orchestrator swaps the backend party attached to a caller peer. The caller
// connection itself is never handed to a different session; only the agent
// and operator legs move.
type Orchestrator struct {
	Registry *registry.Registry
	Logger   *slog.Logger
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// RequestHandoff tears down the agent leg of a session. With keepCallerAlive
// the caller peer stays open and the session waits for an operator attach;
// without it the whole call ends and the finalizer runs.
func (o *Orchestrator) RequestHandoff(sessionID, reason string, keepCallerAlive bool) error {
	s, ok := o.Registry.Find(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	if keepCallerAlive {
		s.NotifyCaller(protocol.NewAITerminated(reason))
		s.DetachAgent(true)
		o.logger().Info("handoff requested, caller held",
			"session_id", sessionID,
			"call_id", s.CallID(),
			"reason", reason,
		)
		return nil
	}

	s.NotifyCaller(protocol.NewSessionTerminated(reason))
	o.logger().Info("handoff requested, session ending",
		"session_id", sessionID,
		"call_id", s.CallID(),
		"reason", reason,
	)
	o.Registry.Unregister(sessionID)
	return nil
}

// RequestHandoffByCallID resolves the session through the call-id index
// first; operator tooling typically only knows the call id.
func (o *Orchestrator) RequestHandoffByCallID(callID, reason string, keepCallerAlive bool) (sessionID string, err error) {
	s, ok := o.Registry.FindByCallID(callID)
	if !ok {
		return "", ErrSessionNotFound
	}
	return s.SessionID(), o.RequestHandoff(s.SessionID(), reason, keepCallerAlive)
}

// AttachOperator wires an operator peer onto a session whose agent leg is
// already gone, resuming caller<->operator audio forwarding.
func (o *Orchestrator) AttachOperator(sessionID string, op peer.Peer) (*session.CallSession, error) {
	s, ok := o.Registry.Find(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if err := s.AttachOperator(op); err != nil {
		return nil, err
	}
	o.logger().Info("operator attached", "session_id", sessionID, "call_id", s.CallID())
	return s, nil
}

// AttachOperatorByCallID is the operator-transport entry point.
func (o *Orchestrator) AttachOperatorByCallID(callID string, op peer.Peer) (*session.CallSession, error) {
	s, ok := o.Registry.FindByCallID(callID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return o.AttachOperator(s.SessionID(), op)
}

// EndOperatorSession ends an operator-owned call: both remaining peers close
// and the finalizer runs.
func (o *Orchestrator) EndOperatorSession(sessionID string) error {
	s, ok := o.Registry.Find(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	s.NotifyCaller(protocol.NewSessionTerminated("operator_ended"))
	o.logger().Info("operator session ended", "session_id", sessionID, "call_id", s.CallID())
	o.Registry.Unregister(sessionID)
	return nil
}
