package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Maximooch/penguin/internal/sessions"
)

// FileStore keeps one pretty-printed JSON file per session. Writes go through
// a temp file and rename so a crash never leaves a half-written session.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create sessions dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) Save(_ context.Context, s *sessions.Session) error {
	if !validSessionID(s.ID) {
		return fmt.Errorf("store: invalid session id %q", s.ID)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, f.path(s.ID)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (f *FileStore) Load(_ context.Context, id string) (*sessions.Session, error) {
	if !validSessionID(id) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var s sessions.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("store: corrupt session %s: %w", id, err)
	}
	return &s, nil
}

// sessionHeader decodes only what a listing needs. Message bodies stay raw,
// matching the SQL store's scalar-column listing.
type sessionHeader struct {
	ID           string            `json:"id"`
	AgentID      string            `json:"agent_id"`
	ParentID     string            `json:"parent_session_id"`
	Title        string            `json:"title"`
	Messages     []json.RawMessage `json:"messages"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
}

// List scans the directory, skipping unreadable or corrupt files so one bad
// session never hides the rest.
func (f *FileStore) List(_ context.Context, agentID string) ([]sessions.Info, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}

	var infos []sessions.Info
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, e.Name()))
		if err != nil {
			continue
		}
		var h sessionHeader
		if err := json.Unmarshal(data, &h); err != nil {
			slog.Warn("store: skipping corrupt session file", "file", e.Name(), "error", err)
			continue
		}
		if agentID != "" && h.AgentID != agentID {
			continue
		}
		infos = append(infos, sessions.Info{
			ID:           h.ID,
			AgentID:      h.AgentID,
			ParentID:     h.ParentID,
			Title:        h.Title,
			MessageCount: len(h.Messages),
			CreatedAt:    h.CreatedAt,
			LastActiveAt: h.LastActiveAt,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActiveAt.After(infos[j].LastActiveAt)
	})
	return infos, nil
}

func (f *FileStore) Delete(_ context.Context, id string) error {
	if !validSessionID(id) {
		return ErrNotFound
	}
	if err := os.Remove(f.path(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

// validSessionID rejects ids that could escape the sessions directory.
func validSessionID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && filepath.IsLocal(id)
}
