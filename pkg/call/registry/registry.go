package registry

import (
	"context"
	"sync"

	"github.com/triageline/relay/pkg/call/session"
)

// Registry is the process-wide directory of active call sessions, keyed by
// session id with a secondary index by call id. All mutation is serialized
// behind one mutex; sessions themselves serialize their own state. Unregister
// is the single teardown entry point: session cleanup and removal from the
// maps happen there, nowhere else.
type Registry struct {
	mu        sync.Mutex
	bySession map[string]*session.CallSession
	byCall    map[string]string
	closing   map[string]struct{}
	wg        sync.WaitGroup
}

func New() *Registry {
	return &Registry{
		bySession: make(map[string]*session.CallSession),
		byCall:    make(map[string]string),
		closing:   make(map[string]struct{}),
	}
}

func (r *Registry) Register(s *session.CallSession) {
	if r == nil || s == nil {
		return
	}
	r.mu.Lock()
	r.bySession[s.SessionID()] = s
	r.byCall[s.CallID()] = s.SessionID()
	r.wg.Add(1)
	r.mu.Unlock()
}

// Unregister runs the session's terminal teardown and then removes it from
// the maps, so lookups keep resolving until the session has actually ended
// and its caller peer is closed. Idempotent: the closing set claims the id,
// making concurrent and re-entrant teardown paths no-ops.
func (r *Registry) Unregister(sessionID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	s, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, busy := r.closing[sessionID]; busy {
		r.mu.Unlock()
		return
	}
	r.closing[sessionID] = struct{}{}
	r.mu.Unlock()

	s.Close()

	r.mu.Lock()
	delete(r.bySession, sessionID)
	if current, ok := r.byCall[s.CallID()]; ok && current == sessionID {
		delete(r.byCall, s.CallID())
	}
	delete(r.closing, sessionID)
	r.mu.Unlock()

	// The drain group is released only after the finalizer has run, so
	// graceful shutdown waits out the last persistence pass.
	go func() {
		<-s.Finalized()
		r.wg.Done()
	}()
}

func (r *Registry) Find(sessionID string) (*session.CallSession, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySession[sessionID]
	return s, ok
}

// FindByCallID resolves the caller-side session from an operator-initiated
// request that only knows the call id.
func (r *Registry) FindByCallID(callID string) (*session.CallSession, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.byCall[callID]
	if !ok {
		return nil, false
	}
	s, ok := r.bySession[sessionID]
	return s, ok
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession)
}

// CancelAll force-ends every active session through the normal teardown path.
func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.bySession))
	for id := range r.bySession {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Unregister(id)
		canceled++
	}
	return canceled
}

// WarnAll delivers an operational warning to every active caller.
func (r *Registry) WarnAll(code, message string) (sent int) {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	active := make([]*session.CallSession, 0, len(r.bySession))
	for _, s := range r.bySession {
		active = append(active, s)
	}
	r.mu.Unlock()

	for _, s := range active {
		_ = s.SendWarning(code, message)
		sent++
	}
	return sent
}

// Wait blocks until every registered session has been unregistered, or the
// context expires.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// ConversationIndex maps externally issued conversation ids to call ids.
// Keys are write-once: the first binding wins and is never overwritten.
type ConversationIndex struct {
	mu     sync.Mutex
	byConv map[string]string
}

func NewConversationIndex() *ConversationIndex {
	return &ConversationIndex{byConv: make(map[string]string)}
}

// Bind records conversationID -> callID and reports whether this write won.
func (x *ConversationIndex) Bind(conversationID, callID string) bool {
	if x == nil || conversationID == "" {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, exists := x.byConv[conversationID]; exists {
		return false
	}
	x.byConv[conversationID] = callID
	return true
}

func (x *ConversationIndex) Lookup(conversationID string) (string, bool) {
	if x == nil {
		return "", false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	callID, ok := x.byConv[conversationID]
	return callID, ok
}
