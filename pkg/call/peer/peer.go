package peer

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type Role string

const (
	RoleCaller   Role = "caller"
	RoleAgent    Role = "agent"
	RoleOperator Role = "operator"
)

var ErrPeerClosed = errors.New("peer is closed")
var ErrBackpressure = errors.New("peer outbound queue is full")

// Peer is a uniform duplex-channel handle over one physical connection. A
// peer is exclusively owned by one call session; Close is idempotent and
// Done is closed once the peer will accept no further sends.
type Peer interface {
	Role() Role
	Send(data []byte) error
	SendJSON(v any) error
	Close() error
	Done() <-chan struct{}
}

// wsConn is the slice of *websocket.Conn the write pump needs.
type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type WSConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// WSPeer wraps one websocket connection with a dedicated write pump so that
// session code can enqueue frames without serializing on the socket itself.
type WSPeer struct {
	role Role
	ws   wsConn
	cfg  WSConfig

	outbound chan []byte
	done     chan struct{}
	once     sync.Once
}

func NewWS(role Role, ws wsConn, cfg WSConfig) *WSPeer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	p := &WSPeer{
		role:     role,
		ws:       ws,
		cfg:      cfg,
		outbound: make(chan []byte, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go p.writePump()
	return p
}

func (p *WSPeer) Role() Role { return p.role }

func (p *WSPeer) Done() <-chan struct{} { return p.done }

func (p *WSPeer) Send(data []byte) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.outbound <- data:
		return nil
	case <-p.done:
		return ErrPeerClosed
	default:
		return ErrBackpressure
	}
}

func (p *WSPeer) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Send(data)
}

// Close stops the write pump and closes the underlying socket. Safe to call
// from any goroutine, any number of times.
func (p *WSPeer) Close() error {
	p.once.Do(func() {
		close(p.done)
	})
	return nil
}

func (p *WSPeer) writePump() {
	pingTicker := time.NewTicker(p.cfg.PingInterval)
	defer pingTicker.Stop()
	defer p.ws.Close()

	for {
		select {
		case <-p.done:
			p.flushOnClose()
			_ = p.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(p.cfg.WriteTimeout))
			return
		case <-pingTicker.C:
			deadline := time.Now().Add(p.cfg.WriteTimeout)
			if err := p.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				p.Close()
				return
			}
		case data := <-p.outbound:
			if err := p.writeFrame(data); err != nil {
				p.Close()
				return
			}
		}
	}
}

// flushOnClose drains a few already-queued frames so that control events
// enqueued right before Close (ai_terminated, error) still reach the wire.
func (p *WSPeer) flushOnClose() {
	deadline := time.Now().Add(p.cfg.WriteTimeout)
	maxFlushFrames := 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case data := <-p.outbound:
			_ = p.writeFrame(data)
		default:
			return
		}
	}
}

func (p *WSPeer) writeFrame(data []byte) error {
	if err := p.ws.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
		return err
	}
	return p.ws.WriteMessage(websocket.TextMessage, data)
}
