package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Maximooch/penguin/internal/config"
)

func anthropicSpec(apiBase string) *config.ModelSpec {
	return &config.ModelSpec{
		ModelID:           "anthropic/claude-sonnet-4-20250514",
		Model:             "claude-sonnet-4-20250514",
		Provider:          "anthropic",
		ClientPreference:  config.ClientNative,
		MaxOutputTokens:   4096,
		SupportsStreaming: true,
		APIBase:           apiBase,
		APIKey:            "test-key",
	}
}

func openaiSpec(apiBase, pref string) *config.ModelSpec {
	return &config.ModelSpec{
		ModelID:           "openai/gpt-4o",
		Model:             "gpt-4o",
		Provider:          "openai",
		ClientPreference:  pref,
		MaxOutputTokens:   4096,
		SupportsStreaming: true,
		APIBase:           apiBase,
		APIKey:            "test-key",
	}
}

func TestAnthropicAdapter_Batch(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key header = %q", r.Header.Get("x-api-key"))
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"content": [{"type": "text", "text": "hello there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 3}
		}`)
	}))
	defer server.Close()

	adapter := NewAnthropicAdapter(anthropicSpec(server.URL))
	resp, err := adapter.GetResponse(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "You are Penguin."},
			{Role: RoleUser, Content: "hi"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if resp.Content != "hello there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	// System text is hoisted to the top-level field, not a message.
	if captured["system"] != "You are Penguin." {
		t.Errorf("system field = %v", captured["system"])
	}
	messages := captured["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("wire messages = %d, want 1", len(messages))
	}
}

func TestAnthropicAdapter_ReasoningBudget(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &captured)
		io.WriteString(w, `{"content": [], "stop_reason": "end_turn", "usage": {}}`)
	}))
	defer server.Close()

	spec := anthropicSpec(server.URL)
	spec.SupportsReasoning = true
	spec.ReasoningStyle = config.ReasoningMaxTokens
	spec.ReasoningMaxTokens = 8192
	temp := 0.7
	spec.Temperature = &temp

	adapter := NewAnthropicAdapter(spec)
	if _, err := adapter.GetResponse(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "think hard"}},
	}, nil); err != nil {
		t.Fatalf("GetResponse: %v", err)
	}

	thinking, ok := captured["thinking"].(map[string]any)
	if !ok {
		t.Fatal("thinking param missing")
	}
	if thinking["budget_tokens"].(float64) != 8192 {
		t.Errorf("budget_tokens = %v", thinking["budget_tokens"])
	}
	if _, present := captured["temperature"]; present {
		t.Error("temperature must not be sent with extended thinking")
	}
}

func TestAnthropicAdapter_Stream(t *testing.T) {
	sse := strings.Join([]string{
		`event: message_start`,
		`data: {"message": {"usage": {"input_tokens": 10}}}`,
		``,
		`event: content_block_start`,
		`data: {"index": 0, "content_block": {"type": "thinking"}}`,
		``,
		`event: content_block_delta`,
		`data: {"delta": {"type": "thinking_delta", "thinking": "considering"}}`,
		``,
		`event: content_block_delta`,
		`data: {"delta": {"type": "text_delta", "text": "hel"}}`,
		``,
		`event: content_block_delta`,
		`data: {"delta": {"type": "text_delta", "text": "lo"}}`,
		``,
		`event: message_delta`,
		`data: {"delta": {"stop_reason": "end_turn"}, "usage": {"output_tokens": 5}}`,
		``,
	}, "\n")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sse)
	}))
	defer server.Close()

	var assistant, reasoning strings.Builder
	adapter := NewAnthropicAdapter(anthropicSpec(server.URL))
	resp, err := adapter.GetResponse(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Options:  Options{Stream: true},
	}, func(c StreamChunk) {
		switch c.Type {
		case ChunkAssistant:
			assistant.WriteString(c.Text)
		case ChunkReasoning:
			reasoning.WriteString(c.Text)
		}
	})
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}

	if resp.Content != "hello" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Reasoning != "considering" {
		t.Errorf("Reasoning = %q", resp.Reasoning)
	}
	// Final content equals the concatenation of assistant-tagged chunks.
	if assistant.String() != resp.Content {
		t.Errorf("streamed %q != final %q", assistant.String(), resp.Content)
	}
	if reasoning.String() != resp.Reasoning {
		t.Errorf("streamed reasoning %q != final %q", reasoning.String(), resp.Reasoning)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestAnthropicAdapter_RateLimitClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error": {"type": "rate_limit_error"}}`)
	}))
	defer server.Close()

	adapter := NewAnthropicAdapter(anthropicSpec(server.URL))
	_, err := adapter.GetResponse(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, nil)

	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if pe.Kind != KindRateLimit {
		t.Errorf("Kind = %q, want %q", pe.Kind, KindRateLimit)
	}
	if pe.RetryAfter.Seconds() != 7 {
		t.Errorf("RetryAfter = %v", pe.RetryAfter)
	}
	if !pe.Retryable() {
		t.Error("rate limit must be retryable")
	}
}

func TestAnthropicAdapter_ContextLengthClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": {"message": "prompt is too long: 210000 tokens"}}`)
	}))
	defer server.Close()

	adapter := NewAnthropicAdapter(anthropicSpec(server.URL))
	_, err := adapter.GetResponse(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "big"}},
	}, nil)

	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if pe.Kind != KindContextLength {
		t.Errorf("Kind = %q, want %q", pe.Kind, KindContextLength)
	}
	if pe.Retryable() {
		t.Error("context length errors are not retryable")
	}
}

// Post-rollback histories must cross the wire with orphan tool output folded
// into assistant messages, never as role "tool" without a matching call.
func TestOpenAIAdapter_OrphanToolWireShape(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &captured)
		io.WriteString(w, `{"choices": [{"message": {"content": "ok"}, "finish_reason": "stop"}]}`)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(openaiSpec(server.URL, config.ClientNative))
	_, err := adapter.GetResponse(context.Background(), Request{
		Messages: []Message{
			{Role: RoleUser, Content: "run tests"},
			{Role: RoleAssistant, Content: "on it"},
			{Role: RoleTool, ToolCallID: "call_gone1234", Content: "PASS"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}

	messages := captured["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("wire messages = %d, want 3", len(messages))
	}
	for i, raw := range messages {
		m := raw.(map[string]any)
		if m["role"] == "tool" {
			t.Errorf("message[%d] has role tool without a matching call", i)
		}
	}
	last := messages[2].(map[string]any)
	if last["role"] != "assistant" {
		t.Errorf("last role = %v, want assistant", last["role"])
	}
	if !strings.HasPrefix(last["content"].(string), "[Tool Result] ") {
		t.Errorf("last content = %v, want [Tool Result] prefix", last["content"])
	}
	if _, present := last["tool_call_id"]; present {
		t.Error("rewritten message must not carry tool_call_id")
	}
}

func TestOpenAIAdapter_EffortReasoningParams(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &captured)
		io.WriteString(w, `{"choices": [{"message": {"content": "ok"}, "finish_reason": "stop"}]}`)
	}))
	defer server.Close()

	spec := openaiSpec(server.URL, config.ClientNative)
	spec.Model = "o3-mini"
	spec.SupportsReasoning = true
	spec.ReasoningStyle = config.ReasoningEffort
	spec.ReasoningEffort = "medium"
	temp := 0.5
	spec.Temperature = &temp

	adapter := NewOpenAIAdapter(spec)
	if _, err := adapter.GetResponse(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, nil); err != nil {
		t.Fatalf("GetResponse: %v", err)
	}

	if captured["reasoning_effort"] != "medium" {
		t.Errorf("reasoning_effort = %v", captured["reasoning_effort"])
	}
	if _, present := captured["max_tokens"]; present {
		t.Error("effort-style models take max_completion_tokens, not max_tokens")
	}
	if captured["max_completion_tokens"].(float64) != 4096 {
		t.Errorf("max_completion_tokens = %v", captured["max_completion_tokens"])
	}
	if _, present := captured["temperature"]; present {
		t.Error("temperature must not be sent to effort-style models")
	}
}

func TestOpenAIAdapter_StreamReasoningContent(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices": [{"delta": {"reasoning_content": "thinking..."}}]}`,
		``,
		`data: {"choices": [{"delta": {"content": "answer"}}]}`,
		``,
		`data: {"choices": [{"delta": {}, "finish_reason": "stop"}], "usage": {"prompt_tokens": 8, "completion_tokens": 4, "total_tokens": 12}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sse)
	}))
	defer server.Close()

	var types []string
	adapter := NewOpenAIAdapter(openaiSpec(server.URL, config.ClientNative))
	resp, err := adapter.GetResponse(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Options:  Options{Stream: true},
	}, func(c StreamChunk) {
		if !c.Done {
			types = append(types, c.Type)
		}
	})
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}

	if resp.Content != "answer" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Reasoning != "thinking..." {
		t.Errorf("Reasoning = %q", resp.Reasoning)
	}
	if len(types) != 2 || types[0] != ChunkReasoning || types[1] != ChunkAssistant {
		t.Errorf("chunk types = %v", types)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 12 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestOpenAIAdapter_OpenRouterModelID(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &captured)
		io.WriteString(w, `{"choices": [{"message": {"content": "ok"}}]}`)
	}))
	defer server.Close()

	spec := openaiSpec(server.URL, config.ClientOpenRouter)
	adapter := NewOpenAIAdapter(spec)
	if adapter.Name() != "openrouter" {
		t.Errorf("Name = %q", adapter.Name())
	}
	if _, err := adapter.GetResponse(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, nil); err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	// OpenRouter routes on the fully qualified id, not the bare model name.
	if captured["model"] != "openai/gpt-4o" {
		t.Errorf("model = %v", captured["model"])
	}
}

func TestNewAdapter_Selection(t *testing.T) {
	tests := []struct {
		name     string
		pref     string
		provider string
		want     string
	}{
		{"native anthropic", config.ClientNative, "anthropic", "anthropic"},
		{"native openai", config.ClientNative, "openai", "openai"},
		{"openrouter", config.ClientOpenRouter, "anthropic", "openrouter"},
		{"litellm", config.ClientLiteLLM, "openai", "litellm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := &config.ModelSpec{
				ModelID:          tt.provider + "/some-model",
				Model:            "some-model",
				Provider:         tt.provider,
				ClientPreference: tt.pref,
				APIKey:           "k",
			}
			adapter, err := NewAdapter(spec)
			if err != nil {
				t.Fatalf("NewAdapter: %v", err)
			}
			if adapter.Name() != tt.want {
				t.Errorf("Name = %q, want %q", adapter.Name(), tt.want)
			}
		})
	}
}

func TestNewAdapter_MissingKey(t *testing.T) {
	_, err := NewAdapter(&config.ModelSpec{
		ModelID:          "anthropic/claude",
		Provider:         "anthropic",
		ClientPreference: config.ClientNative,
	})
	if KindOf(err) != KindAuth {
		t.Errorf("KindOf = %q, want %q", KindOf(err), KindAuth)
	}
}
