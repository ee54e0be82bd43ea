package handoff

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/triageline/relay/pkg/call/peer"
	"github.com/triageline/relay/pkg/call/protocol"
	"github.com/triageline/relay/pkg/call/registry"
	"github.com/triageline/relay/pkg/call/session"
)

type fakePeer struct {
	mu         sync.Mutex
	role       peer.Role
	frames     [][]byte
	closeCount int
	done       chan struct{}
	once       sync.Once
}

func newFakePeer(role peer.Role) *fakePeer {
	return &fakePeer{role: role, done: make(chan struct{})}
}

func (p *fakePeer) Role() peer.Role { return p.role }

func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	p.frames = append(p.frames, cp)
	return nil
}

func (p *fakePeer) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Send(data)
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closeCount++
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *fakePeer) Done() <-chan struct{} { return p.done }

func (p *fakePeer) closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}

func (p *fakePeer) framesContaining(substr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, f := range p.frames {
		if strings.Contains(string(f), substr) {
			n++
		}
	}
	return n
}

type fakeAgentConn struct {
	mu     sync.Mutex
	sent   []any
	events chan any
	closed bool
}

func newFakeAgentConn() *fakeAgentConn {
	return &fakeAgentConn{events: make(chan any, 16)}
}

func (c *fakeAgentConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeAgentConn) Events() <-chan any { return c.events }

func (c *fakeAgentConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeAgentConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	conn  *fakeAgentConn
	delay time.Duration
}

func (d *fakeDialer) Dial(ctx context.Context) (session.AgentConn, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.conn, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

// newActiveCall runs the real connect flow: dial, readiness signal, ai_active.
func newActiveCall(t *testing.T, reg *registry.Registry, sessionID, callID string) (*session.CallSession, *fakePeer, *fakeAgentConn) {
	t.Helper()
	caller := newFakePeer(peer.RoleCaller)
	conn := newFakeAgentConn()
	s, err := session.New(session.Dependencies{
		Caller:     caller,
		Agent:      &fakeDialer{conn: conn},
		Unregister: reg.Unregister,
		SessionID:  sessionID,
		CallID:     callID,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	reg.Register(s)
	s.Open()

	var ev protocol.ConversationMetadataEvent
	ev.Type = "conversation_initiation_metadata"
	ev.MetadataEvent.ConversationID = "conv_" + callID
	conn.events <- ev
	waitFor(t, func() bool { return s.State() == session.StateAIActive })
	return s, caller, conn
}

func TestRequestHandoff_KeepCallerAlivePreservesCallerPeer(t *testing.T) {
	reg := registry.New()
	o := &Orchestrator{Registry: reg}
	s, caller, conn := newActiveCall(t, reg, "s_1", "abc")

	if err := o.RequestHandoff("s_1", "caller asked for a human", true); err != nil {
		t.Fatalf("request handoff: %v", err)
	}

	if caller.closes() != 0 {
		t.Fatalf("caller closes=%d, want 0 with keepCallerAlive", caller.closes())
	}
	if !conn.isClosed() {
		t.Fatalf("agent conn should be closed")
	}
	if n := caller.framesContaining(`"type":"ai_terminated"`); n != 1 {
		t.Fatalf("ai_terminated frames=%d, want 1", n)
	}
	if !s.KeepCallerAlive() {
		t.Fatalf("keepCallerAlive flag not set")
	}
	if _, ok := reg.Find("s_1"); !ok {
		t.Fatalf("session must stay registered pending operator attach")
	}
	if s.State() == session.StateEnded {
		t.Fatalf("session must not be ended yet")
	}
}

func TestRequestHandoff_EndSessionClosesCallerExactlyOnce(t *testing.T) {
	reg := registry.New()
	o := &Orchestrator{Registry: reg}
	s, caller, conn := newActiveCall(t, reg, "s_2", "def")

	if err := o.RequestHandoff("s_2", "escalation declined", false); err != nil {
		t.Fatalf("request handoff: %v", err)
	}

	waitFor(t, func() bool { return caller.closes() > 0 })
	if caller.closes() != 1 {
		t.Fatalf("caller closes=%d, want exactly 1", caller.closes())
	}
	if !conn.isClosed() {
		t.Fatalf("agent conn should be closed")
	}
	if n := caller.framesContaining(`"type":"session_terminated"`); n != 1 {
		t.Fatalf("session_terminated frames=%d, want 1", n)
	}
	if s.State() != session.StateEnded {
		t.Fatalf("state=%q, want ended", s.State())
	}
	if reg.Count() != 0 {
		t.Fatalf("registry count=%d, want 0", reg.Count())
	}
}

func TestRequestHandoff_UnknownSessionLeavesOthersAlone(t *testing.T) {
	reg := registry.New()
	o := &Orchestrator{Registry: reg}
	s, caller, _ := newActiveCall(t, reg, "s_3", "ghi")

	if err := o.RequestHandoff("s_missing", "noop", true); err != ErrSessionNotFound {
		t.Fatalf("err=%v, want ErrSessionNotFound", err)
	}
	if s.State() != session.StateAIActive {
		t.Fatalf("active session disturbed, state=%q", s.State())
	}
	if caller.closes() != 0 {
		t.Fatalf("caller closed by unknown-session handoff")
	}
}

func TestRequestHandoffByCallID_ResolvesThroughIndex(t *testing.T) {
	reg := registry.New()
	o := &Orchestrator{Registry: reg}
	newActiveCall(t, reg, "s_4", "abc")

	sessionID, err := o.RequestHandoffByCallID("abc", "operator takeover", true)
	if err != nil {
		t.Fatalf("request handoff by call id: %v", err)
	}
	if sessionID != "s_4" {
		t.Fatalf("sessionID=%q, want s_4", sessionID)
	}

	if _, err := o.RequestHandoffByCallID("zzz", "noop", true); err != ErrSessionNotFound {
		t.Fatalf("err=%v, want ErrSessionNotFound", err)
	}
}

func TestAttachOperator_ResumesForwarding(t *testing.T) {
	reg := registry.New()
	o := &Orchestrator{Registry: reg}
	s, caller, _ := newActiveCall(t, reg, "s_5", "jkl")

	if err := o.RequestHandoff("s_5", "handoff", true); err != nil {
		t.Fatalf("request handoff: %v", err)
	}

	op := newFakePeer(peer.RoleOperator)
	attached, err := o.AttachOperatorByCallID("jkl", op)
	if err != nil {
		t.Fatalf("attach operator: %v", err)
	}
	if attached != s {
		t.Fatalf("attached wrong session")
	}
	if s.State() != session.StateOperatorActive {
		t.Fatalf("state=%q, want operator_active", s.State())
	}

	s.HandleCallerAudio("cGF0aWVudA==")
	if n := op.framesContaining(`"type":"patient_audio"`); n != 1 {
		t.Fatalf("patient_audio frames at operator=%d, want 1", n)
	}

	s.ForwardOperatorAudio("b3BlcmF0b3I=")
	if n := caller.framesContaining(`"type":"operator_audio"`); n != 1 {
		t.Fatalf("operator_audio frames at caller=%d, want 1", n)
	}
}

func TestRequestHandoff_KeepAliveDuringAgentHandshake(t *testing.T) {
	reg := registry.New()
	o := &Orchestrator{Registry: reg}
	caller := newFakePeer(peer.RoleCaller)
	conn := newFakeAgentConn()
	s, err := session.New(session.Dependencies{
		Caller:     caller,
		Agent:      &fakeDialer{conn: conn, delay: 60 * time.Millisecond},
		Unregister: reg.Unregister,
		SessionID:  "s_hs",
		CallID:     "stu",
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	reg.Register(s)
	s.Open()

	// Handoff lands while the agent dial is still in flight.
	if err := o.RequestHandoff("s_hs", "caller asked for a human", true); err != nil {
		t.Fatalf("request handoff: %v", err)
	}

	// The dial completes afterwards; its connection must be discarded so the
	// operator slot stays free.
	waitFor(t, func() bool { return conn.isClosed() })

	op := newFakePeer(peer.RoleOperator)
	if _, err := o.AttachOperator("s_hs", op); err != nil {
		t.Fatalf("attach operator after handoff during handshake: %v", err)
	}
	if s.State() != session.StateOperatorActive {
		t.Fatalf("state=%q, want operator_active", s.State())
	}
	if caller.closes() != 0 {
		t.Fatalf("caller closes=%d, want 0 with keepCallerAlive", caller.closes())
	}
}

func TestAttachOperator_RejectedWhileAgentLive(t *testing.T) {
	reg := registry.New()
	o := &Orchestrator{Registry: reg}
	newActiveCall(t, reg, "s_6", "mno")

	op := newFakePeer(peer.RoleOperator)
	if _, err := o.AttachOperator("s_6", op); err != session.ErrPeerConflict {
		t.Fatalf("err=%v, want ErrPeerConflict", err)
	}
}

func TestEndOperatorSession_ClosesBothPeers(t *testing.T) {
	reg := registry.New()
	o := &Orchestrator{Registry: reg}
	s, caller, _ := newActiveCall(t, reg, "s_7", "pqr")

	if err := o.RequestHandoff("s_7", "handoff", true); err != nil {
		t.Fatalf("request handoff: %v", err)
	}
	op := newFakePeer(peer.RoleOperator)
	if _, err := o.AttachOperator("s_7", op); err != nil {
		t.Fatalf("attach operator: %v", err)
	}

	if err := o.EndOperatorSession("s_7"); err != nil {
		t.Fatalf("end operator session: %v", err)
	}

	if caller.closes() != 1 {
		t.Fatalf("caller closes=%d, want 1", caller.closes())
	}
	if op.closes() != 1 {
		t.Fatalf("operator closes=%d, want 1", op.closes())
	}
	if s.State() != session.StateEnded {
		t.Fatalf("state=%q, want ended", s.State())
	}
	if reg.Count() != 0 {
		t.Fatalf("registry count=%d, want 0", reg.Count())
	}

	if err := o.EndOperatorSession("s_7"); err != ErrSessionNotFound {
		t.Fatalf("second end err=%v, want ErrSessionNotFound", err)
	}
}
