package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	controls []int
	closed   bool
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.messages = append(c.messages, cp)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, messageType)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) snapshot() ([][]byte, []int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([][]byte, len(c.messages))
	copy(msgs, c.messages)
	ctrls := make([]int, len(c.controls))
	copy(ctrls, c.controls)
	return msgs, ctrls, c.closed
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

func TestWSPeer_SendDeliversInOrder(t *testing.T) {
	conn := &fakeConn{}
	p := NewWS(RoleCaller, conn, WSConfig{QueueSize: 8})
	defer p.Close()

	if p.Role() != RoleCaller {
		t.Fatalf("role=%q, want caller", p.Role())
	}

	for _, payload := range []string{"one", "two", "three"} {
		if err := p.Send([]byte(payload)); err != nil {
			t.Fatalf("send %q: %v", payload, err)
		}
	}

	waitFor(t, func() bool {
		msgs, _, _ := conn.snapshot()
		return len(msgs) == 3
	})
	msgs, _, _ := conn.snapshot()
	for i, want := range []string{"one", "two", "three"} {
		if string(msgs[i]) != want {
			t.Fatalf("msgs[%d]=%q, want %q", i, msgs[i], want)
		}
	}
}

func TestWSPeer_CloseFlushesQueuedFramesAndClosesSocket(t *testing.T) {
	conn := &fakeConn{}
	p := NewWS(RoleOperator, conn, WSConfig{QueueSize: 8, PingInterval: time.Hour})

	if err := p.SendJSON(map[string]string{"type": "ai_terminated"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	waitFor(t, func() bool {
		_, _, closed := conn.snapshot()
		return closed
	})
	msgs, ctrls, _ := conn.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("len(msgs)=%d, want 1 flushed frame", len(msgs))
	}
	foundClose := false
	for _, mt := range ctrls {
		if mt == websocket.CloseMessage {
			foundClose = true
		}
	}
	if !foundClose {
		t.Fatalf("expected a close control frame, got %v", ctrls)
	}
}

func TestWSPeer_SendAfterCloseFails(t *testing.T) {
	conn := &fakeConn{}
	p := NewWS(RoleAgent, conn, WSConfig{})
	p.Close()

	<-p.Done()
	if err := p.Send([]byte("late")); err != ErrPeerClosed {
		t.Fatalf("err=%v, want ErrPeerClosed", err)
	}
}
