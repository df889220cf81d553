// Package sessions defines the persistent conversation record. A session is
// the unit of persistence and of checkpoint lineage; branching creates a new
// session whose ParentID points at the source.
package sessions

import (
	"time"

	"github.com/google/uuid"

	"github.com/Maximooch/penguin/internal/providers"
)

// Session holds the full conversation state for one agent.
type Session struct {
	ID           string              `json:"id"`
	AgentID      string              `json:"agent_id,omitempty"`
	ParentID     string              `json:"parent_session_id,omitempty"`
	Title        string              `json:"title,omitempty"`
	SystemPrompt string              `json:"system_prompt,omitempty"`
	Messages     []providers.Message `json:"messages"`
	Metadata     map[string]string   `json:"metadata,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	LastActiveAt time.Time           `json:"last_active_at"`
}

// New creates an empty session for an agent.
func New(agentID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		Messages:     []providers.Message{},
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// Touch bumps the activity timestamp.
func (s *Session) Touch() {
	s.LastActiveAt = time.Now().UTC()
}

// Fork creates a new session containing a copy of this one's state up to and
// including message index end (exclusive when end < len). The fork records
// this session as its parent.
func (s *Session) Fork(end int) *Session {
	if end < 0 || end > len(s.Messages) {
		end = len(s.Messages)
	}
	forked := New(s.AgentID)
	forked.ParentID = s.ID
	forked.Title = s.Title
	forked.SystemPrompt = s.SystemPrompt
	forked.Messages = make([]providers.Message, end)
	copy(forked.Messages, s.Messages[:end])
	if len(s.Metadata) > 0 {
		forked.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			forked.Metadata[k] = v
		}
	}
	return forked
}

// Info is a lightweight descriptor for listing without loading messages.
type Info struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id,omitempty"`
	ParentID     string    `json:"parent_session_id,omitempty"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// InfoOf derives the listing descriptor from a full session.
func InfoOf(s *Session) Info {
	return Info{
		ID:           s.ID,
		AgentID:      s.AgentID,
		ParentID:     s.ParentID,
		Title:        s.Title,
		MessageCount: len(s.Messages),
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
	}
}
