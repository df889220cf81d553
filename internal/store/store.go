// Package store provides session persistence behind a small interface with
// file, SQLite, and Postgres backends. The file backend is the default; the
// SQL backends suit multi-process deployments.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Maximooch/penguin/internal/config"
	"github.com/Maximooch/penguin/internal/sessions"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("store: session not found")

// SessionStore persists full sessions. Save is a whole-record upsert; partial
// updates are the conversation manager's job, not the store's.
type SessionStore interface {
	Save(ctx context.Context, s *sessions.Session) error
	Load(ctx context.Context, id string) (*sessions.Session, error)
	List(ctx context.Context, agentID string) ([]sessions.Info, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Open constructs the configured backend.
func Open(cfg *config.Config) (SessionStore, error) {
	switch cfg.Sessions.Backend {
	case "", "file":
		return NewFileStore(cfg.ConversationsDir())
	case "sqlite":
		path := cfg.Sessions.SQLitePath
		if path == "" {
			path = cfg.WorkspacePath() + "/sessions.db"
		}
		return NewSQLiteStore(path)
	case "postgres":
		if cfg.Sessions.PostgresDSN == "" {
			return nil, &config.ConfigError{Key: "sessions.backend", Msg: "postgres backend needs PENGUIN_POSTGRES_DSN"}
		}
		return NewPostgresStore(cfg.Sessions.PostgresDSN)
	default:
		return nil, &config.ConfigError{
			Key: "sessions.backend",
			Msg: fmt.Sprintf("unknown backend %q (file, sqlite, postgres)", cfg.Sessions.Backend),
		}
	}
}
