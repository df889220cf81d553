package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Maximooch/penguin/internal/providers"
	"github.com/Maximooch/penguin/internal/sessions"
	"github.com/Maximooch/penguin/pkg/protocol"
)

// Checkpoint types.
const (
	CheckpointAuto     = "AUTO"
	CheckpointManual   = "MANUAL"
	CheckpointBranch   = "BRANCH"
	CheckpointRollback = "ROLLBACK"
)

// Checkpoint is a full snapshot of session state at a point in time.
type Checkpoint struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	ParentID    string `json:"parent_checkpoint_id,omitempty"`

	Messages     []providers.Message `json:"messages"`
	SystemPrompt string              `json:"system_prompt,omitempty"`
	Metadata     map[string]string   `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CheckpointSummary is checkpoint metadata without the snapshot body.
type CheckpointSummary struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Type         string    `json:"type"`
	Name         string    `json:"name,omitempty"`
	Description  string    `json:"description,omitempty"`
	ParentID     string    `json:"parent_checkpoint_id,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// CheckpointPolicy controls auto-checkpoint cadence and AUTO retention.
type CheckpointPolicy struct {
	Frequency int           // auto checkpoint every N messages (0 disables auto)
	MaxAuto   int           // AUTO checkpoints kept per session (0 = unlimited)
	MaxAge    time.Duration // AUTO checkpoints older than this are pruned (0 = unlimited)
	Disabled  bool
}

// CheckpointManager persists snapshots under <dir>/<session>/<id>.json.
// Like the window it is serialized by the owning Manager.
type CheckpointManager struct {
	dir    string
	policy CheckpointPolicy

	// lastID tracks the most recent checkpoint per session so each new
	// snapshot records its parent.
	lastID map[string]string
	// appends counts messages since the last auto checkpoint per session.
	appends map[string]int
	// pending holds checkpoint events for the owning Manager to publish
	// after releasing its mutex.
	pending []pendingEvent
}

func NewCheckpointManager(dir string, policy CheckpointPolicy) *CheckpointManager {
	return &CheckpointManager{
		dir:     dir,
		policy:  policy,
		lastID:  make(map[string]string),
		appends: make(map[string]int),
	}
}

// Create snapshots the session. Returns the checkpoint id.
func (cm *CheckpointManager) Create(ctx context.Context, s *sessions.Session, cpType, name, description string) (string, error) {
	if cm.policy.Disabled {
		return "", nil
	}

	cp := &Checkpoint{
		ID:           uuid.NewString(),
		SessionID:    s.ID,
		Type:         cpType,
		Name:         name,
		Description:  description,
		ParentID:     cm.lastID[s.ID],
		SystemPrompt: s.SystemPrompt,
		CreatedAt:    time.Now().UTC(),
	}
	cp.Messages = make([]providers.Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	if len(s.Metadata) > 0 {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}

	if err := cm.write(cp); err != nil {
		return "", err
	}
	cm.lastID[s.ID] = cp.ID

	if cpType == CheckpointAuto {
		if err := cm.pruneAuto(s.ID); err != nil {
			slog.Warn("checkpoint: retention prune failed", "session", s.ID, "error", err)
		}
	}

	cm.pending = append(cm.pending, pendingEvent{protocol.EventCheckpointCreated, protocol.CheckpointPayload{
		ID:        cp.ID,
		SessionID: cp.SessionID,
		Type:      cp.Type,
		Name:      cp.Name,
	}})
	return cp.ID, nil
}

// takeEvents returns and clears the deferred checkpoint events. Called under
// the Manager mutex.
func (cm *CheckpointManager) takeEvents() []pendingEvent {
	out := cm.pending
	cm.pending = nil
	return out
}

// MaybeAuto creates an AUTO checkpoint when the configured message frequency
// has elapsed. Returns the checkpoint id or "" when none was due.
func (cm *CheckpointManager) MaybeAuto(ctx context.Context, s *sessions.Session) (string, error) {
	if cm.policy.Disabled || cm.policy.Frequency <= 0 {
		return "", nil
	}
	cm.appends[s.ID]++
	if cm.appends[s.ID] < cm.policy.Frequency {
		return "", nil
	}
	cm.appends[s.ID] = 0
	return cm.Create(ctx, s, CheckpointAuto, "", "")
}

// Get loads a full checkpoint by id.
func (cm *CheckpointManager) Get(sessionID, checkpointID string) (*Checkpoint, error) {
	data, err := os.ReadFile(cm.path(sessionID, checkpointID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint %s not found", checkpointID)
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint %s corrupt: %w", checkpointID, err)
	}
	return &cp, nil
}

// List returns summaries newest first, optionally limited.
func (cm *CheckpointManager) List(sessionID string, limit int) ([]CheckpointSummary, error) {
	all, err := cm.loadAll(sessionID)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	summaries := make([]CheckpointSummary, 0, len(all))
	for _, cp := range all {
		summaries = append(summaries, CheckpointSummary{
			ID:           cp.ID,
			SessionID:    cp.SessionID,
			Type:         cp.Type,
			Name:         cp.Name,
			Description:  cp.Description,
			ParentID:     cp.ParentID,
			MessageCount: len(cp.Messages),
			CreatedAt:    cp.CreatedAt,
		})
		if limit > 0 && len(summaries) >= limit {
			break
		}
	}
	return summaries, nil
}

// Delete removes one checkpoint file.
func (cm *CheckpointManager) Delete(sessionID, checkpointID string) error {
	return os.Remove(cm.path(sessionID, checkpointID))
}

// pruneAuto removes AUTO checkpoints past the count or age limit, oldest
// first. A checkpoint referenced as parent by any survivor is kept: lineage
// wins over retention.
func (cm *CheckpointManager) pruneAuto(sessionID string) error {
	all, err := cm.loadAll(sessionID)
	if err != nil {
		return err
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	autoCount := 0
	for _, cp := range all {
		if cp.Type == CheckpointAuto {
			autoCount++
		}
	}

	cutoff := time.Time{}
	if cm.policy.MaxAge > 0 {
		cutoff = time.Now().UTC().Add(-cm.policy.MaxAge)
	}

	// Durable checkpoints pin their parents: an AUTO referenced by a
	// MANUAL, BRANCH, or ROLLBACK checkpoint is part of user-visible
	// lineage and never pruned. AUTO-to-AUTO chain references do not pin,
	// otherwise a linear chain would block retention entirely.
	pinned := make(map[string]bool)
	for _, cp := range all {
		if cp.Type != CheckpointAuto && cp.ParentID != "" {
			pinned[cp.ParentID] = true
		}
	}

	excess := autoCount
	for _, cp := range all {
		if cp.Type != CheckpointAuto {
			continue
		}
		overCount := cm.policy.MaxAuto > 0 && excess > cm.policy.MaxAuto
		overAge := !cutoff.IsZero() && cp.CreatedAt.Before(cutoff)
		if !overCount && !overAge {
			continue
		}
		excess--
		if pinned[cp.ID] {
			continue
		}
		if err := cm.Delete(sessionID, cp.ID); err != nil {
			return err
		}
	}
	return nil
}

func (cm *CheckpointManager) loadAll(sessionID string) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(filepath.Join(cm.dir, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var all []*Checkpoint
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(cm.dir, sessionID, e.Name()))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			slog.Warn("checkpoint: skipping corrupt file", "file", e.Name(), "error", err)
			continue
		}
		all = append(all, &cp)
	}
	return all, nil
}

func (cm *CheckpointManager) write(cp *Checkpoint) error {
	dir := filepath.Join(cm.dir, cp.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "checkpoint-*.tmp")
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

	if err := os.Rename(tmpPath, filepath.Join(dir, cp.ID+".json")); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (cm *CheckpointManager) path(sessionID, checkpointID string) string {
	return filepath.Join(cm.dir, sessionID, checkpointID+".json")
}
