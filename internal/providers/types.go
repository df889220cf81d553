// Package providers implements the LLM gateway: a uniform request/response
// contract over heterogeneous provider APIs, with streaming, reasoning
// tokens, vision input, and history sanitization handled centrally.
package providers

import (
	"context"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message categories for token-budget accounting.
const (
	CategorySystem     = "SYSTEM"
	CategoryContext    = "CONTEXT"
	CategoryDialog     = "DIALOG"
	CategoryToolResult = "TOOL_RESULT"
	CategoryReasoning  = "REASONING"
)

// Stream chunk kinds.
const (
	ChunkAssistant = "assistant"
	ChunkReasoning = "reasoning"
)

// Message is one conversation message.
type Message struct {
	ID         string            `json:"id"`
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	Images     []ImageContent    `json:"images,omitempty"`
	Category   string            `json:"category,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// ImageContent is a base64-encoded image part for vision-capable models.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolCall is a provider-native tool invocation recorded on an assistant message.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request is the uniform gateway input.
type Request struct {
	Messages []Message
	Options  Options
}

// Options tune a single gateway call. Zero values defer to the ModelSpec.
type Options struct {
	MaxOutputTokens int
	Temperature     *float64
	Stream          bool
}

// Response is the uniform gateway output. Content equals the concatenation of
// all assistant-tagged chunks; Reasoning holds reasoning-tagged output and is
// never part of Content.
type Response struct {
	Content      string
	Reasoning    string
	FinishReason string // "stop", "length", "tool_calls"
	Usage        *Usage
}

// StreamChunk is one incremental piece of a streaming response.
type StreamChunk struct {
	Text string
	Type string // ChunkAssistant or ChunkReasoning
	Done bool
}

// ChunkFunc receives stream chunks in provider order.
type ChunkFunc func(StreamChunk)

// Usage tracks token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Adapter is the provider-agnostic gateway contract. One adapter per client
// preference; all history sanitization happens inside the adapter so no
// caller can submit an illegal payload.
type Adapter interface {
	// GetResponse performs one model call. In stream mode chunks are
	// delivered via onChunk (may be nil) and the final response is still
	// returned. Cancelling ctx aborts the underlying request; accumulated
	// text is returned alongside an Interrupted error.
	GetResponse(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error)

	// Name returns the adapter identifier (e.g. "anthropic", "openrouter").
	Name() string
}
