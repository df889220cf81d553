package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/Maximooch/penguin/internal/sessions"
)

// sqlStore implements SessionStore over database/sql. Messages and metadata
// are stored as JSON columns; scalar fields get real columns so List never
// deserializes message bodies.
type sqlStore struct {
	db          *sql.DB
	placeholder func(n int) string
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	agent_id       TEXT NOT NULL DEFAULT '',
	parent_id      TEXT NOT NULL DEFAULT '',
	title          TEXT NOT NULL DEFAULT '',
	system_prompt  TEXT NOT NULL DEFAULT '',
	messages       TEXT NOT NULL,
	metadata       TEXT NOT NULL DEFAULT '{}',
	message_count  INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL,
	last_active_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions (agent_id, last_active_at);
`

// NewSQLiteStore opens (creating if needed) a SQLite session database.
func NewSQLiteStore(path string) (SessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite handles one writer; more connections just contend.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, func(int) string { return "?" })
}

// NewPostgresStore connects to Postgres via the pgx stdlib driver.
func NewPostgresStore(dsn string) (SessionStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	return newSQLStore(db, func(n int) string { return fmt.Sprintf("$%d", n) })
}

func newSQLStore(db *sql.DB, placeholder func(int) string) (SessionStore, error) {
	if _, err := db.Exec(sessionsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &sqlStore{db: db, placeholder: placeholder}, nil
}

func (s *sqlStore) Save(ctx context.Context, sess *sessions.Session) error {
	if sess.ID == "" {
		return errors.New("store: session id is empty")
	}
	messages, err := json.Marshal(sess.Messages)
	if err != nil {
		return fmt.Errorf("store: marshal messages: %w", err)
	}
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}

	p := s.placeholder
	query := fmt.Sprintf(`
		INSERT INTO sessions (id, agent_id, parent_id, title, system_prompt, messages, metadata, message_count, created_at, last_active_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			parent_id = EXCLUDED.parent_id,
			title = EXCLUDED.title,
			system_prompt = EXCLUDED.system_prompt,
			messages = EXCLUDED.messages,
			metadata = EXCLUDED.metadata,
			message_count = EXCLUDED.message_count,
			last_active_at = EXCLUDED.last_active_at`,
		p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8), p(9), p(10))

	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.AgentID, sess.ParentID, sess.Title, sess.SystemPrompt,
		string(messages), string(metadata), len(sess.Messages),
		sess.CreatedAt, sess.LastActiveAt)
	return err
}

func (s *sqlStore) Load(ctx context.Context, id string) (*sessions.Session, error) {
	query := fmt.Sprintf(`
		SELECT id, agent_id, parent_id, title, system_prompt, messages, metadata, created_at, last_active_at
		FROM sessions WHERE id = %s`, s.placeholder(1))

	var sess sessions.Session
	var messages, metadata string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.AgentID, &sess.ParentID, &sess.Title, &sess.SystemPrompt,
		&messages, &metadata, &sess.CreatedAt, &sess.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(messages), &sess.Messages); err != nil {
		return nil, fmt.Errorf("store: corrupt session %s: %w", id, err)
	}
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("store: corrupt session %s: %w", id, err)
		}
	}
	return &sess, nil
}

func (s *sqlStore) List(ctx context.Context, agentID string) ([]sessions.Info, error) {
	query := `
		SELECT id, agent_id, parent_id, title, message_count, created_at, last_active_at
		FROM sessions`
	var args []any
	if agentID != "" {
		query += fmt.Sprintf(" WHERE agent_id = %s", s.placeholder(1))
		args = append(args, agentID)
	}
	query += " ORDER BY last_active_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []sessions.Info
	for rows.Next() {
		var info sessions.Info
		if err := rows.Scan(&info.ID, &info.AgentID, &info.ParentID, &info.Title,
			&info.MessageCount, &info.CreatedAt, &info.LastActiveAt); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM sessions WHERE id = %s", s.placeholder(1))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }
