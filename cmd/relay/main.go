package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/triageline/relay/pkg/call/agent"
	"github.com/triageline/relay/pkg/extract"
	"github.com/triageline/relay/pkg/gateway/config"
	gatewayserver "github.com/triageline/relay/pkg/gateway/server"
	"github.com/triageline/relay/pkg/store/memory"
	"github.com/triageline/relay/pkg/store/postgres"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newServer    func(config.Config, *slog.Logger, gatewayserver.Collaborators) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		newServer:  gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// buildCollaborators wires the persistence, extraction, and history backends
// from config. The returned cleanup is safe to call exactly once.
func buildCollaborators(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Collaborators, func(), error) {
	collab := gatewayserver.Collaborators{}
	cleanup := func() {}

	if cfg.DatabaseURL != "" {
		store, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return collab, cleanup, fmt.Errorf("open store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return collab, cleanup, fmt.Errorf("migrate store: %w", err)
		}
		collab.Conversations = store
		collab.CallRecords = store
		cleanup = store.Close
	} else {
		logger.Warn("no database configured, using in-memory store")
		store := memory.New()
		collab.Conversations = store
		collab.CallRecords = store
	}

	if cfg.GeminiAPIKey != "" {
		extractor, err := extract.NewGemini(ctx, extract.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		}, logger)
		if err != nil {
			cleanup()
			return collab, func() {}, fmt.Errorf("init extractor: %w", err)
		}
		collab.Extractor = extractor
	} else {
		logger.Warn("no extraction backend configured")
		collab.Extractor = extract.Noop{Logger: logger}
	}

	if cfg.AgentHTTPBaseURL != "" {
		collab.History = &agent.HistoryClient{
			BaseURL: cfg.AgentHTTPBaseURL,
			APIKey:  cfg.AgentAPIKey,
		}
	}

	return collab, cleanup, nil
}

func runRelay(ctx context.Context, logger *slog.Logger, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newServer == nil {
		return errors.New("missing newServer dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	collab, cleanup, err := buildCollaborators(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	gw := deps.newServer(cfg, logger, collab)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting relay", "addr", cfg.Addr, "agent_ws_url", cfg.AgentWSURL)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	gw.WarnSessions()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitSessions(waitCtx) {
		canceled := gw.CancelSessions()
		logger.Warn("force-ended calls at shutdown", "count", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "relay: load .env: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
