package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Maximooch/penguin/internal/bus"
	"github.com/Maximooch/penguin/internal/providers"
	"github.com/Maximooch/penguin/internal/sessions"
	"github.com/Maximooch/penguin/internal/store"
	"github.com/Maximooch/penguin/pkg/protocol"
)

// pendingEvent is an event recorded while the Manager mutex is held and
// published after release. Subscribers may call back into the Manager
// without deadlocking.
type pendingEvent struct {
	eventType string
	payload   any
}

// Manager owns one agent's conversation: the session record, its context
// window, and its checkpoints. All methods are serialized by one mutex;
// agents sharing a session go through the owning Manager.
type Manager struct {
	mu          sync.Mutex
	agentID     string
	session     *sessions.Session
	window      *Window
	checkpoints *CheckpointManager
	store       store.SessionStore
	events      *bus.Bus
}

func NewManager(agentID string, window *Window, checkpoints *CheckpointManager, st store.SessionStore, events *bus.Bus) *Manager {
	return &Manager{
		agentID:     agentID,
		session:     sessions.New(agentID),
		window:      window,
		checkpoints: checkpoints,
		store:       st,
		events:      events,
	}
}

// SessionID returns the current session id.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.ID
}

// AddMessage appends a message, enforces the window, maybe auto-checkpoints,
// persists, and publishes a MESSAGE event. On ContextTooLargeError the trim
// result is still applied and persisted; the error tells the caller its
// input cannot fit.
func (m *Manager) AddMessage(ctx context.Context, role, content, category string, images []providers.ImageContent, metadata map[string]string) (providers.Message, error) {
	m.mu.Lock()

	msg := providers.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Images:    images,
		Category:  category,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	m.session.Messages = append(m.session.Messages, msg)
	m.session.Touch()

	trimmed, trimErr := m.window.Enforce(ctx, m.session.Messages)
	m.session.Messages = trimmed

	// A failed auto checkpoint never fails the turn; the message is already
	// in memory and the session save below keeps it durable.
	if _, err := m.checkpoints.MaybeAuto(ctx, m.session); err != nil {
		slog.Warn("auto checkpoint failed", "session", m.session.ID, "error", err)
	}
	m.persist(ctx)

	pending := m.takePendingLocked()
	pending = append(pending, pendingEvent{protocol.EventMessage, protocol.MessagePayload{
		Role:     role,
		Content:  content,
		Category: category,
		Metadata: metadata,
	}})
	m.mu.Unlock()

	m.publishAll(ctx, pending)
	return msg, trimErr
}

// takePendingLocked drains events deferred by the window and checkpoint
// manager. Callers hold m.mu and publish after unlocking.
func (m *Manager) takePendingLocked() []pendingEvent {
	return append(m.window.takeEvents(), m.checkpoints.takeEvents()...)
}

func (m *Manager) publishAll(ctx context.Context, pending []pendingEvent) {
	if m.events == nil {
		return
	}
	for _, ev := range pending {
		m.events.Publish(ctx, ev.eventType, ev.payload)
	}
}

// persist saves the session, degrading to a temp-dir copy on failure.
// Append-path persistence never fails the turn; in-memory state is intact
// either way.
func (m *Manager) persist(ctx context.Context) {
	err := m.store.Save(ctx, m.session)
	if err == nil {
		return
	}
	slog.Warn("session save failed", "session", m.session.ID, "error", err)
	fb, fberr := store.NewFileStore(filepath.Join(os.TempDir(), "penguin-sessions"))
	if fberr == nil {
		fberr = fb.Save(ctx, m.session)
	}
	if fberr != nil {
		slog.Error("session fallback save failed", "session", m.session.ID, "error", fberr)
	}
}

// SetSystemPrompt replaces the single system message. The session never
// carries more than one.
func (m *Manager) SetSystemPrompt(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.session.SystemPrompt = text

	// Drop any existing system messages, then reinsert one at the front.
	kept := m.session.Messages[:0]
	for _, msg := range m.session.Messages {
		if msg.Role != providers.RoleSystem {
			kept = append(kept, msg)
		}
	}
	m.session.Messages = kept

	if text != "" {
		sys := providers.Message{
			ID:        uuid.NewString(),
			Role:      providers.RoleSystem,
			Content:   text,
			Category:  providers.CategorySystem,
			Timestamp: time.Now().UTC(),
		}
		m.session.Messages = append([]providers.Message{sys}, m.session.Messages...)
	}
	m.session.Touch()
	return m.store.Save(ctx, m.session)
}

// History returns a copy of the message list shaped for gateway submission.
// System hoisting and tool-message rewrites happen inside the gateway.
func (m *Manager) History() []providers.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]providers.Message, len(m.session.Messages))
	copy(out, m.session.Messages)
	return out
}

// TokenUsage reports current window accounting.
func (m *Manager) TokenUsage() protocol.UsageReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window.Usage(m.session.Messages)
}

// SetWindowLimit rebinds the window to a new capacity (model change) and
// re-enforces immediately.
func (m *Manager) SetWindowLimit(ctx context.Context, maxTokens int) error {
	m.mu.Lock()

	m.window.SetMaxTokens(maxTokens)
	trimmed, err := m.window.Enforce(ctx, m.session.Messages)
	m.session.Messages = trimmed
	saveErr := m.store.Save(ctx, m.session)
	pending := m.takePendingLocked()
	m.mu.Unlock()

	m.publishAll(ctx, pending)
	if saveErr != nil {
		return saveErr
	}
	return err
}

// Reset discards the session and starts a fresh one for the same agent,
// preserving the system prompt.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prompt := m.session.SystemPrompt
	m.session = sessions.New(m.agentID)
	m.session.SystemPrompt = prompt
	if prompt != "" {
		m.session.Messages = []providers.Message{{
			ID:        uuid.NewString(),
			Role:      providers.RoleSystem,
			Content:   prompt,
			Category:  providers.CategorySystem,
			Timestamp: time.Now().UTC(),
		}}
	}
	return m.store.Save(ctx, m.session)
}

// Load replaces the current session with a persisted one.
func (m *Manager) Load(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	m.session = s
	return nil
}

// Save persists the current session.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Save(ctx, m.session)
}

// Delete removes a persisted session. Deleting the current session resets
// to a fresh one.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	if sessionID == m.session.ID {
		m.session = sessions.New(m.agentID)
	}
	return nil
}

// CreateCheckpoint takes a MANUAL snapshot of the current session.
func (m *Manager) CreateCheckpoint(ctx context.Context, name, description string) (string, error) {
	m.mu.Lock()
	id, err := m.checkpoints.Create(ctx, m.session, CheckpointManual, name, description)
	pending := m.takePendingLocked()
	m.mu.Unlock()

	m.publishAll(ctx, pending)
	return id, err
}

// ListCheckpoints returns summaries for the current session, newest first.
func (m *Manager) ListCheckpoints(limit int) ([]CheckpointSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints.List(m.session.ID, limit)
}

// Rollback restores the session to a checkpoint's snapshot. The pre-rollback
// state is checkpointed first so the rollback itself is reversible.
func (m *Manager) Rollback(ctx context.Context, checkpointID string) error {
	m.mu.Lock()
	err := m.rollbackLocked(ctx, checkpointID)
	pending := m.takePendingLocked()
	m.mu.Unlock()

	m.publishAll(ctx, pending)
	return err
}

func (m *Manager) rollbackLocked(ctx context.Context, checkpointID string) error {
	cp, err := m.checkpoints.Get(m.session.ID, checkpointID)
	if err != nil {
		return err
	}

	if _, err := m.checkpoints.Create(ctx, m.session, CheckpointRollback,
		"", fmt.Sprintf("state before rollback to %s", checkpointID)); err != nil {
		return err
	}

	m.session.Messages = make([]providers.Message, len(cp.Messages))
	copy(m.session.Messages, cp.Messages)
	m.session.SystemPrompt = cp.SystemPrompt
	if cp.Metadata != nil {
		m.session.Metadata = make(map[string]string, len(cp.Metadata))
		for k, v := range cp.Metadata {
			m.session.Metadata[k] = v
		}
	}
	m.session.Touch()
	return m.store.Save(ctx, m.session)
}

// Branch deep-copies a checkpoint's snapshot into a new session whose
// parent_session_id points back here. The current session is untouched.
func (m *Manager) Branch(ctx context.Context, checkpointID, name, description string) (string, error) {
	m.mu.Lock()
	id, err := m.branchLocked(ctx, checkpointID, name, description)
	pending := m.takePendingLocked()
	m.mu.Unlock()

	m.publishAll(ctx, pending)
	return id, err
}

func (m *Manager) branchLocked(ctx context.Context, checkpointID, name, description string) (string, error) {
	cp, err := m.checkpoints.Get(m.session.ID, checkpointID)
	if err != nil {
		return "", err
	}

	branched := sessions.New(m.agentID)
	branched.ParentID = m.session.ID
	branched.Title = name
	branched.SystemPrompt = cp.SystemPrompt
	branched.Messages = make([]providers.Message, len(cp.Messages))
	copy(branched.Messages, cp.Messages)
	if cp.Metadata != nil {
		branched.Metadata = make(map[string]string, len(cp.Metadata))
		for k, v := range cp.Metadata {
			branched.Metadata[k] = v
		}
	}

	if err := m.store.Save(ctx, branched); err != nil {
		return "", err
	}
	if _, err := m.checkpoints.Create(ctx, branched, CheckpointBranch, name, description); err != nil {
		return "", err
	}
	return branched.ID, nil
}
