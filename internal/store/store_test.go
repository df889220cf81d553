package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Maximooch/penguin/internal/providers"
	"github.com/Maximooch/penguin/internal/sessions"
)

func testSession(agentID string) *sessions.Session {
	s := sessions.New(agentID)
	s.Title = "test conversation"
	s.SystemPrompt = "You are Penguin."
	s.Messages = []providers.Message{
		{ID: "m1", Role: providers.RoleUser, Content: "hello", Category: providers.CategoryDialog, Timestamp: time.Now().UTC()},
		{ID: "m2", Role: providers.RoleAssistant, Content: "hi", Category: providers.CategoryDialog, Timestamp: time.Now().UTC()},
	}
	return s
}

func backends(t *testing.T) map[string]SessionStore {
	t.Helper()
	dir := t.TempDir()

	fileStore, err := NewFileStore(filepath.Join(dir, "conversations"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]SessionStore{
		"file":   fileStore,
		"sqlite": sqliteStore,
	}
}

func TestStore_SaveLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			want := testSession("default")
			if err := st.Save(ctx, want); err != nil {
				t.Fatalf("Save: %v", err)
			}

			got, err := st.Load(ctx, want.ID)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.ID != want.ID || got.Title != want.Title || got.SystemPrompt != want.SystemPrompt {
				t.Errorf("loaded = %+v", got)
			}
			if len(got.Messages) != 2 {
				t.Fatalf("messages = %d, want 2", len(got.Messages))
			}
			if got.Messages[0].Content != "hello" || got.Messages[0].Category != providers.CategoryDialog {
				t.Errorf("message[0] = %+v", got.Messages[0])
			}
		})
	}
}

func TestStore_SaveIsUpsert(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := testSession("default")
			if err := st.Save(ctx, s); err != nil {
				t.Fatalf("Save: %v", err)
			}
			s.Messages = append(s.Messages, providers.Message{ID: "m3", Role: providers.RoleUser, Content: "more"})
			s.Touch()
			if err := st.Save(ctx, s); err != nil {
				t.Fatalf("second Save: %v", err)
			}

			got, err := st.Load(ctx, s.ID)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(got.Messages) != 3 {
				t.Errorf("messages = %d, want 3", len(got.Messages))
			}
		})
	}
}

func TestStore_LoadMissing(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := st.Load(ctx, "no-such-session"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load missing = %v, want ErrNotFound", err)
			}
			if err := st.Delete(ctx, "no-such-session"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Delete missing = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_ListFiltersByAgent(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Save(ctx, testSession("default")); err != nil {
				t.Fatal(err)
			}
			if err := st.Save(ctx, testSession("reviewer")); err != nil {
				t.Fatal(err)
			}

			infos, err := st.List(ctx, "reviewer")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(infos) != 1 || infos[0].AgentID != "reviewer" {
				t.Errorf("List(reviewer) = %+v", infos)
			}
			if infos[0].MessageCount != 2 {
				t.Errorf("MessageCount = %d", infos[0].MessageCount)
			}

			all, err := st.List(ctx, "")
			if err != nil {
				t.Fatalf("List all: %v", err)
			}
			if len(all) != 2 {
				t.Errorf("List all = %d sessions", len(all))
			}
		})
	}
}

func TestFileStore_ListSkipsCorruptFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := st.Save(ctx, testSession("default")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	infos, err := st.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 {
		t.Errorf("List = %d sessions, want 1 (corrupt skipped)", len(infos))
	}
}

func TestFileStore_RejectsTraversalIDs(t *testing.T) {
	ctx := context.Background()
	st, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"../escape", "a/b", `a\b`, ""} {
		s := sessions.New("default")
		s.ID = id
		if err := st.Save(ctx, s); err == nil {
			t.Errorf("Save(%q) succeeded, want error", id)
		}
		if _, err := st.Load(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Load(%q) = %v, want ErrNotFound", id, err)
		}
	}
}

func TestSession_ForkLineage(t *testing.T) {
	parent := testSession("default")
	forked := parent.Fork(1)

	if forked.ID == parent.ID {
		t.Error("fork must get a fresh id")
	}
	if forked.ParentID != parent.ID {
		t.Errorf("ParentID = %q, want %q", forked.ParentID, parent.ID)
	}
	if len(forked.Messages) != 1 {
		t.Fatalf("forked messages = %d, want 1", len(forked.Messages))
	}

	// Mutating the fork must not touch the parent.
	forked.Messages[0].Content = "changed"
	if parent.Messages[0].Content != "hello" {
		t.Error("fork shares message backing array with parent")
	}
}
