package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/triageline/relay/pkg/call/protocol"
	"github.com/triageline/relay/pkg/call/session"
)

var ErrConnClosed = errors.New("agent connection is closed")

type Config struct {
	// WSURL is the conversational backend's websocket endpoint.
	WSURL string
	// APIKey authenticates the relay to the backend.
	APIKey string
	// AgentID selects which configured agent answers the call.
	AgentID string

	WriteTimeout time.Duration
	DialBackoff  time.Duration
	MaxDialTries uint64
}

// Dialer opens agent-backend connections. Transient dial failures are
// retried with exponential backoff inside the caller's deadline; the bridge
// bounds the whole handshake with its own timer.
type Dialer struct {
	Config Config
	Logger *slog.Logger
}

func (d *Dialer) Dial(ctx context.Context) (session.AgentConn, error) {
	cfg := d.Config
	if cfg.WSURL == "" {
		return nil, errors.New("agent websocket url is not configured")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxDialTries == 0 {
		cfg.MaxDialTries = 3
	}

	u, err := url.Parse(cfg.WSURL)
	if err != nil {
		return nil, fmt.Errorf("parse agent url: %w", err)
	}
	q := u.Query()
	if cfg.AgentID != "" {
		q.Set("agent_id", cfg.AgentID)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	var ws *websocket.Conn
	backoff := retry.WithMaxRetries(cfg.MaxDialTries, retry.NewExponential(cfg.DialBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		conn, resp, dialErr := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
		if dialErr != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return retry.RetryableError(dialErr)
		}
		ws = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial agent backend: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		ws:           ws,
		logger:       logger,
		writeTimeout: cfg.WriteTimeout,
		events:       make(chan any, 64),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Conn is one live websocket to the conversational backend. Inbound frames
// are decoded and delivered on Events; the channel closes when the backend
// hangs up or the connection is closed locally.
type Conn struct {
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	events chan any

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (c *Conn) Events() <-chan any { return c.events }

func (c *Conn) Send(v any) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		ev, decodeErr := protocol.DecodeAgentEvent(data)
		if decodeErr != nil {
			// Malformed frames are dropped, the conversation continues.
			c.logger.Debug("drop undecodable agent frame", "error", decodeErr)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}
