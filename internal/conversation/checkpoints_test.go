package conversation

import (
	"context"
	"testing"

	"github.com/Maximooch/penguin/internal/providers"
	"github.com/Maximooch/penguin/internal/sessions"
)

func testSession(n int) *sessions.Session {
	s := sessions.New("default")
	s.SystemPrompt = "You are Penguin."
	for i := 0; i < n; i++ {
		s.Messages = append(s.Messages, providers.Message{
			ID: string(rune('a' + i)), Role: providers.RoleUser, Content: "msg",
			Category: providers.CategoryDialog,
		})
	}
	return s
}

func TestCheckpoint_CreateGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	cm := NewCheckpointManager(t.TempDir(), CheckpointPolicy{})
	s := testSession(3)

	id, err := cm.Create(ctx, s, CheckpointManual, "before refactor", "safe point")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cp, err := cm.Get(s.ID, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cp.Type != CheckpointManual || cp.Name != "before refactor" {
		t.Errorf("checkpoint = %+v", cp)
	}
	if len(cp.Messages) != 3 || cp.SystemPrompt != "You are Penguin." {
		t.Errorf("snapshot incomplete: %d messages, prompt %q", len(cp.Messages), cp.SystemPrompt)
	}

	// Snapshots are deep copies.
	cp.Messages[0].Content = "mutated"
	if s.Messages[0].Content != "msg" {
		t.Error("checkpoint shares message storage with session")
	}
}

func TestCheckpoint_ParentChain(t *testing.T) {
	ctx := context.Background()
	cm := NewCheckpointManager(t.TempDir(), CheckpointPolicy{})
	s := testSession(1)

	first, err := cm.Create(ctx, s, CheckpointManual, "", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := cm.Create(ctx, s, CheckpointManual, "", "")
	if err != nil {
		t.Fatal(err)
	}

	cp, err := cm.Get(s.ID, second)
	if err != nil {
		t.Fatal(err)
	}
	if cp.ParentID != first {
		t.Errorf("ParentID = %q, want %q", cp.ParentID, first)
	}
}

func TestCheckpoint_AutoFrequency(t *testing.T) {
	ctx := context.Background()
	cm := NewCheckpointManager(t.TempDir(), CheckpointPolicy{Frequency: 2})
	s := testSession(0)

	id, err := cm.MaybeAuto(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Error("auto checkpoint before frequency elapsed")
	}

	id, err = cm.MaybeAuto(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("no auto checkpoint at frequency boundary")
	}
}

func TestCheckpoint_DisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	cm := NewCheckpointManager(t.TempDir(), CheckpointPolicy{Frequency: 1, Disabled: true})
	s := testSession(1)

	id, err := cm.Create(ctx, s, CheckpointManual, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Error("disabled manager created a checkpoint")
	}
}

func TestCheckpoint_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	cm := NewCheckpointManager(t.TempDir(), CheckpointPolicy{})
	s := testSession(1)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := cm.Create(ctx, s, CheckpointManual, "", "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	list, err := cm.List(s.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list = %d checkpoints", len(list))
	}
	if list[0].ID != ids[2] {
		t.Errorf("newest first violated: %q at head, want %q", list[0].ID, ids[2])
	}

	limited, err := cm.List(s.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limit ignored: %d checkpoints", len(limited))
	}
}

func TestCheckpoint_RetentionPrunesOldestAuto(t *testing.T) {
	ctx := context.Background()
	cm := NewCheckpointManager(t.TempDir(), CheckpointPolicy{Frequency: 1, MaxAuto: 2})
	s := testSession(1)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := cm.MaybeAuto(ctx, s)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	list, err := cm.List(s.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	surviving := make(map[string]bool)
	for _, cp := range list {
		surviving[cp.ID] = true
	}
	if surviving[ids[0]] {
		t.Error("oldest auto checkpoint survived past the count limit")
	}
	if !surviving[ids[3]] {
		t.Error("newest auto checkpoint pruned")
	}
	if len(list) > 2 {
		t.Errorf("retention kept %d auto checkpoints, want <= 2", len(list))
	}
}

func TestCheckpoint_RetentionKeepsReferencedAncestor(t *testing.T) {
	ctx := context.Background()
	cm := NewCheckpointManager(t.TempDir(), CheckpointPolicy{Frequency: 1, MaxAuto: 1})
	s := testSession(1)

	oldAuto, err := cm.Create(ctx, s, CheckpointAuto, "", "")
	if err != nil {
		t.Fatal(err)
	}
	// A manual checkpoint referencing the auto as parent pins it.
	if _, err := cm.Create(ctx, s, CheckpointManual, "pin", ""); err != nil {
		t.Fatal(err)
	}
	// More autos push the first past the retention count.
	for i := 0; i < 3; i++ {
		if _, err := cm.MaybeAuto(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := cm.Get(s.ID, oldAuto); err != nil {
		t.Errorf("referenced ancestor was pruned: %v", err)
	}
}
