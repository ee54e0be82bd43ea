package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/triageline/relay/pkg/call/agent"
	"github.com/triageline/relay/pkg/call/handoff"
	"github.com/triageline/relay/pkg/call/registry"
	"github.com/triageline/relay/pkg/call/session"
	"github.com/triageline/relay/pkg/gateway/config"
	"github.com/triageline/relay/pkg/gateway/handlers"
	"github.com/triageline/relay/pkg/gateway/lifecycle"
	"github.com/triageline/relay/pkg/gateway/mw"
)

// Collaborators are the pluggable backends the relay talks to besides the
// caller and operator sockets. Any of them may be nil; the sessions treat
// missing collaborators as no-ops.
type Collaborators struct {
	Extractor     session.Extractor
	Conversations session.ConversationStore
	CallRecords   session.CallRecordStore
	History       session.ConversationFetcher
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lifecycle *lifecycle.Lifecycle
	registry  *registry.Registry
	index     *registry.ConversationIndex
	handoff   *handoff.Orchestrator
	dialer    session.AgentDialer
	collab    Collaborators
}

func New(cfg config.Config, logger *slog.Logger, collab Collaborators) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	reg := registry.New()
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		registry:  reg,
		index:     registry.NewConversationIndex(),
		handoff:   &handoff.Orchestrator{Registry: reg, Logger: logger},
		dialer: &agent.Dialer{
			Config: agent.Config{
				WSURL:        cfg.AgentWSURL,
				APIKey:       cfg.AgentAPIKey,
				AgentID:      cfg.AgentID,
				WriteTimeout: cfg.WSWriteTimeout,
				DialBackoff:  cfg.AgentDialBackoff,
				MaxDialTries: cfg.AgentMaxDialTries,
			},
			Logger: logger,
		},
		collab: collab,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Lifecycle: s.lifecycle, Registry: s.registry})

	s.mux.Handle("/v1/call", handlers.CallHandler{
		Config:        s.cfg,
		Logger:        s.logger,
		Lifecycle:     s.lifecycle,
		Registry:      s.registry,
		Index:         s.index,
		Dialer:        s.dialer,
		Extractor:     s.collab.Extractor,
		Conversations: s.collab.Conversations,
		CallRecords:   s.collab.CallRecords,
		History:       s.collab.History,
	})
	s.mux.Handle("/v1/operator", handlers.OperatorHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Handoff:   s.handoff,
	})
	s.mux.Handle("/v1/handoff", handlers.HandoffHandler{
		Logger:  s.logger,
		Handoff: s.handoff,
	})
	s.mux.Handle("/v1/context", handlers.ContextHandler{
		Logger:   s.logger,
		Registry: s.registry,
		Index:    s.index,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Registry exposes the session registry for tests and diagnostics.
func (s *Server) Registry() *registry.Registry { return s.registry }

func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnSessions tells every live call the relay is going away soon.
func (s *Server) WarnSessions() int {
	return s.registry.WarnAll("draining", "relay is shutting down")
}

// WaitSessions blocks until every call has drained or ctx expires.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.registry.Wait(ctx)
}

// CancelSessions force-ends every remaining call.
func (s *Server) CancelSessions() int {
	return s.registry.CancelAll()
}
