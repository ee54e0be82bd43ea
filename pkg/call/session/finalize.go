package session

import (
	"context"
	"time"

	"github.com/triageline/relay/pkg/call/protocol"
)

// finalize persists the completed call exactly once. It prefers the agent
// backend's authoritative message list over the locally accumulated
// transcript, and finishes with one final extraction pass over the complete
// text. Every failure here is logged and swallowed: finalization must never
// block or fail the caller-facing completion flow.
func (s *CallSession) finalize() {
	s.finalizeOnce.Do(func() {
		defer close(s.finalized)

		s.mu.Lock()
		conversationID := s.conversationID
		start := s.startTime
		end := s.endTime
		local := make([]protocol.ConversationMessage, len(s.transcript))
		copy(local, s.transcript)
		s.mu.Unlock()

		if end.IsZero() {
			end = s.now()
		}

		s.recordStatus("ended")

		if conversationID == "" {
			s.logger.Info("skipping finalize, no conversation id", "session_id", s.sessionID, "call_id", s.callID)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CollaboratorTimeout)
		defer cancel()

		if s.conversations != nil {
			exists, err := s.conversations.Exists(ctx, conversationID)
			if err != nil {
				s.logger.Warn("finalize existence check failed", "conversation_id", conversationID, "error", err)
			} else if exists {
				s.logger.Info("call already persisted", "conversation_id", conversationID, "call_id", s.callID)
				return
			}
		}

		messages := local
		if s.history != nil {
			fetched, err := s.history.Messages(ctx, conversationID)
			if err != nil {
				s.logger.Warn("fetch final conversation failed", "conversation_id", conversationID, "error", err)
			} else if len(fetched) > 0 {
				messages = fetched
			}
		}

		duration := int64(end.Sub(start) / time.Second)
		if s.conversations != nil {
			err := s.conversations.Save(ctx, ConversationRecord{
				ConversationID:  conversationID,
				CallID:          s.callID,
				Messages:        messages,
				DurationSeconds: duration,
			})
			if err != nil {
				s.logger.Warn("persist call failed", "conversation_id", conversationID, "call_id", s.callID, "error", err)
			} else {
				s.logger.Info("call persisted", "conversation_id", conversationID, "call_id", s.callID, "duration_s", duration)
			}
		}

		if s.extractor != nil && len(messages) > 0 {
			fields, err := s.extractor.Extract(ctx, s.callID, renderTranscript(messages))
			if err != nil {
				s.logger.Warn("final extraction failed", "call_id", s.callID, "error", err)
			} else {
				s.logger.Info("final extraction complete", "call_id", s.callID, "updated_fields", len(fields))
			}
		}
	})
}
