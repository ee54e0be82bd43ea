// Package postgres implements the relay's persistence collaborators on a
// PostgreSQL pool. The relay never awaits these calls for correctness; every
// method is safe to invoke fire-and-forget.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/triageline/relay/pkg/call/protocol"
	"github.com/triageline/relay/pkg/call/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, conversationID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE conversation_id = $1)`,
		conversationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check conversation existence: %w", err)
	}
	return exists, nil
}

func (s *Store) Save(ctx context.Context, rec session.ConversationRecord) error {
	messages, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (conversation_id, call_id, messages, duration_seconds)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		rec.ConversationID, rec.CallID, messages, rec.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *Store) AppendTranscriptLine(ctx context.Context, callID string, line protocol.ConversationMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_transcript_lines (call_id, role, text) VALUES ($1, $2, $3)`,
		callID, line.Role, line.Text,
	)
	if err != nil {
		return fmt.Errorf("append transcript line: %w", err)
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, callID, status string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_status (call_id, status, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (call_id) DO UPDATE SET status = EXCLUDED.status, updated_at = now()`,
		callID, status,
	)
	if err != nil {
		return fmt.Errorf("update call status: %w", err)
	}
	return nil
}
