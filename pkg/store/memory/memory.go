// Package memory is an in-process implementation of the persistence
// collaborators, used when no database is configured and by tests.
package memory

import (
	"context"
	"sync"

	"github.com/triageline/relay/pkg/call/protocol"
	"github.com/triageline/relay/pkg/call/session"
)

type Store struct {
	mu            sync.Mutex
	conversations map[string]session.ConversationRecord
	transcripts   map[string][]protocol.ConversationMessage
	statuses      map[string]string
}

func New() *Store {
	return &Store{
		conversations: make(map[string]session.ConversationRecord),
		transcripts:   make(map[string][]protocol.ConversationMessage),
		statuses:      make(map[string]string),
	}
}

func (s *Store) Exists(ctx context.Context, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conversations[conversationID]
	return ok, nil
}

func (s *Store) Save(ctx context.Context, rec session.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[rec.ConversationID]; ok {
		return nil
	}
	s.conversations[rec.ConversationID] = rec
	return nil
}

func (s *Store) AppendTranscriptLine(ctx context.Context, callID string, line protocol.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[callID] = append(s.transcripts[callID], line)
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, callID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[callID] = status
	return nil
}

// Conversation returns the persisted record for tests and diagnostics.
func (s *Store) Conversation(conversationID string) (session.ConversationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.conversations[conversationID]
	return rec, ok
}

// Status returns the last recorded call status.
func (s *Store) Status(callID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[callID]
	return status, ok
}
