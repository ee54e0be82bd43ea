package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Agent backend (conversational AI) connection settings.
	AgentWSURL       string
	AgentHTTPBaseURL string
	AgentAPIKey      string
	AgentID          string
	AgentDialBackoff time.Duration
	AgentMaxDialTries uint64

	// AgentHandshakeTimeout bounds the window between accepting a caller and
	// the agent backend reporting ready. The caller is buffering audio for
	// the whole window, so keep it short.
	AgentHandshakeTimeout time.Duration

	// Periodic structured extraction over the live transcript.
	ExtractInterval     time.Duration
	CollaboratorTimeout time.Duration
	GeminiAPIKey        string
	GeminiModel         string

	// Empty DatabaseURL selects the in-memory store.
	DatabaseURL string

	// Caller/operator websocket settings.
	ClientHandshakeTimeout time.Duration
	MaxJSONMessageBytes    int64
	WSWriteTimeout         time.Duration
	WSPingInterval         time.Duration
	WSOutboundQueueSize    int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                   envOr("RELAY_ADDR", ":8080"),
		AgentWSURL:             envOr("RELAY_AGENT_WS_URL", ""),
		AgentHTTPBaseURL:       envOr("RELAY_AGENT_HTTP_BASE_URL", ""),
		AgentAPIKey:            envOr("RELAY_AGENT_API_KEY", ""),
		AgentID:                envOr("RELAY_AGENT_ID", ""),
		AgentDialBackoff:       envDurationOr("RELAY_AGENT_DIAL_BACKOFF", 250*time.Millisecond),
		AgentMaxDialTries:      uint64(envIntOr("RELAY_AGENT_MAX_DIAL_TRIES", 3)),
		AgentHandshakeTimeout:  envDurationOr("RELAY_AGENT_HANDSHAKE_TIMEOUT", 10*time.Second),
		ExtractInterval:        envDurationOr("RELAY_EXTRACT_INTERVAL", 10*time.Second),
		CollaboratorTimeout:    envDurationOr("RELAY_COLLABORATOR_TIMEOUT", 15*time.Second),
		GeminiAPIKey:           envOr("RELAY_GEMINI_API_KEY", ""),
		GeminiModel:            envOr("RELAY_GEMINI_MODEL", "gemini-2.0-flash"),
		DatabaseURL:            envOr("RELAY_DATABASE_URL", ""),
		ClientHandshakeTimeout: envDurationOr("RELAY_CLIENT_HANDSHAKE_TIMEOUT", 5*time.Second),
		MaxJSONMessageBytes:    envInt64Or("RELAY_MAX_JSON_MESSAGE_BYTES", 256*1024),
		WSWriteTimeout:         envDurationOr("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:         envDurationOr("RELAY_WS_PING_INTERVAL", 20*time.Second),
		WSOutboundQueueSize:    envIntOr("RELAY_WS_OUTBOUND_QUEUE_SIZE", 128),
		ReadHeaderTimeout:      envDurationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if strings.TrimSpace(cfg.AgentWSURL) == "" {
		return Config{}, fmt.Errorf("RELAY_AGENT_WS_URL must be set")
	}
	if cfg.AgentDialBackoff <= 0 {
		return Config{}, fmt.Errorf("RELAY_AGENT_DIAL_BACKOFF must be > 0")
	}
	if cfg.AgentMaxDialTries == 0 {
		return Config{}, fmt.Errorf("RELAY_AGENT_MAX_DIAL_TRIES must be > 0")
	}
	if cfg.AgentHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_AGENT_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ExtractInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_EXTRACT_INTERVAL must be > 0")
	}
	if cfg.CollaboratorTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_COLLABORATOR_TIMEOUT must be > 0")
	}
	if cfg.ClientHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_CLIENT_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
