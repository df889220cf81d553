// Package protocol defines the stable event surface consumed by UI hosts.
// Events are published on the in-process bus; hosts forward them over their
// own transport (CLI renderer, HTTP/SSE, WebSocket) without re-shaping.
package protocol

// Event types pushed from the core to hosts.
const (
	EventMessage           = "message"
	EventStreamChunk       = "stream.chunk"
	EventStreamEnd         = "stream.end"
	EventToolCall          = "tool.call"
	EventToolResult        = "tool.result"
	EventTaskStarted       = "task.started"
	EventTaskProgressed    = "task.progressed"
	EventTaskCompleted     = "task.completed"
	EventTaskFailed        = "task.failed"
	EventTaskNeedsInput    = "task.needs_input"
	EventCheckpointCreated = "checkpoint.created"
	EventTruncation        = "context.truncation"
	EventModelChanged      = "model.changed"
	EventInterrupted       = "task.interrupted"

	// EventUI carries host-originated UI events pushed back onto the bus
	// via Core.EmitUIEvent. The core never interprets the payload.
	EventUI = "ui"
)

// Stream chunk kinds (in StreamChunkPayload.MessageType).
const (
	ChunkAssistant = "assistant"
	ChunkReasoning = "reasoning"
)

// MessagePayload is the payload of EventMessage.
type MessagePayload struct {
	Role     string            `json:"role"`
	Content  string            `json:"content"`
	Category string            `json:"category"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StreamChunkPayload is the payload of EventStreamChunk.
type StreamChunkPayload struct {
	Chunk          string `json:"chunk"`
	MessageType    string `json:"message_type"` // ChunkAssistant or ChunkReasoning
	ConversationID string `json:"conversation_id"`
}

// StreamEndPayload is the payload of EventStreamEnd.
type StreamEndPayload struct {
	ConversationID string      `json:"conversation_id"`
	Usage          *UsageStats `json:"usage,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// UsageStats reports provider token usage for one call.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCallPayload is the payload of EventToolCall.
type ToolCallPayload struct {
	Action string            `json:"action"`
	Args   map[string]string `json:"args,omitempty"`
}

// ToolResultPayload is the payload of EventToolResult.
type ToolResultPayload struct {
	Action   string            `json:"action"`
	Status   string            `json:"status"` // "ok", "error", "refused"
	Result   string            `json:"result"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TaskProgressPayload is the payload of EventTaskProgressed.
type TaskProgressPayload struct {
	Iteration     int `json:"iteration"`
	MaxIterations int `json:"max_iterations"`
	Progress      int `json:"progress"` // floor(100 * iteration / max_iterations)
}

// TaskResultPayload is the payload of EventTaskCompleted and EventTaskFailed.
type TaskResultPayload struct {
	Response  string `json:"response,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CheckpointPayload is the payload of EventCheckpointCreated.
type CheckpointPayload struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
}

// TruncationPayload is the payload of EventTruncation.
type TruncationPayload struct {
	Category        string `json:"category"`
	MessagesRemoved int    `json:"messages_removed"`
	TokensFreed     int    `json:"tokens_freed"`
}

// ModelChangedPayload is the payload of EventModelChanged.
type ModelChangedPayload struct {
	ModelID string `json:"model_id"`
}

// UIEventPayload is the payload of EventUI.
type UIEventPayload struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// UsageReport is the context-window accounting surface returned by the core.
type UsageReport struct {
	CurrentTotal int            `json:"current_total"`
	MaxTokens    int            `json:"max_tokens"`
	PerCategory  map[string]int `json:"per_category"`
	Truncations  int            `json:"truncations"`
}
