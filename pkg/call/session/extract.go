package session

import (
	"context"
	"time"
)

// startExtractLoop begins the periodic extraction trigger for the AI leg of
// the call. The loop stops on handoff, normal end, or error teardown.
func (s *CallSession) startExtractLoop() {
	s.mu.Lock()
	if s.extractStop != nil || s.state != StateAIActive {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.extractStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.ExtractInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				s.runExtractionPass()
			}
		}
	}()
}

func (s *CallSession) stopExtractLoopLocked() {
	if s.extractStop != nil {
		close(s.extractStop)
		s.extractStop = nil
	}
}

// runExtractionPass hands the accumulated transcript to the extraction
// collaborator when something new was said since the last pass. The
// checkpoint advances before the collaborator is invoked, so a slow
// extraction can never overlap with the next tick; the trade-off is that a
// failed pass is not retried until new transcript text arrives.
func (s *CallSession) runExtractionPass() {
	s.mu.Lock()
	if s.state != StateAIActive || s.callID == "" || s.transcriptLen == 0 {
		s.mu.Unlock()
		return
	}
	if s.transcriptLen == s.lastExtractLen {
		s.mu.Unlock()
		return
	}
	s.lastExtractLen = s.transcriptLen
	text := renderTranscript(s.transcript)
	callID := s.callID
	s.mu.Unlock()

	if s.extractor == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CollaboratorTimeout)
		defer cancel()
		fields, err := s.extractor.Extract(ctx, callID, text)
		if err != nil {
			s.logger.Warn("partial extraction failed", "call_id", callID, "error", err)
			return
		}
		s.logger.Info("partial extraction complete", "call_id", callID, "updated_fields", len(fields))
	}()
}
