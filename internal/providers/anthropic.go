package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Maximooch/penguin/internal/config"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"

	// requestTimeout bounds a whole non-streaming call; streamIdleTimeout
	// bounds the gap between consecutive stream chunks.
	requestTimeout    = 120 * time.Second
	streamIdleTimeout = 30 * time.Second
)

// AnthropicAdapter implements Adapter against the Anthropic Messages API
// via net/http.
type AnthropicAdapter struct {
	spec    *config.ModelSpec
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewAnthropicAdapter creates a native Anthropic adapter for one model spec.
func NewAnthropicAdapter(spec *config.ModelSpec) *AnthropicAdapter {
	baseURL := spec.APIBase
	if baseURL == "" {
		baseURL = anthropicAPIBase
	}
	return &AnthropicAdapter{
		spec:    spec,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: requestTimeout},
		limiter: providerLimiter("anthropic"),
	}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) GetResponse(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error) {
	stream := req.Options.Stream && a.spec.SupportsStreaming
	body := a.buildRequestBody(req, stream)

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(a.Name(), err)
	}

	if stream {
		return a.doStream(ctx, body, onChunk)
	}
	return a.doBatch(ctx, body)
}

func (a *AnthropicAdapter) doBatch(ctx context.Context, body map[string]any) (*Response, error) {
	respBody, err := a.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var resp anthropicResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, &Error{Kind: KindProvider, Provider: a.Name(), Message: fmt.Sprintf("decode response: %v", err)}
	}
	return parseAnthropicResponse(&resp), nil
}

func (a *AnthropicAdapter) doStream(ctx context.Context, body map[string]any, onChunk ChunkFunc) (*Response, error) {
	// The client's request timeout bounds the whole stream; an idle
	// watchdog additionally cancels when the provider stalls between chunks.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	respBody, err := a.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	idle := time.AfterFunc(streamIdleTimeout, cancel)
	defer idle.Stop()

	result := &Response{FinishReason: "stop"}
	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var currentEvent string
	var blockType string

	for scanner.Scan() {
		idle.Reset(streamIdleTimeout)
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.Message.Usage.InputTokens > 0 {
					ensureUsage(result).PromptTokens = ev.Message.Usage.InputTokens
				}
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				blockType = ev.ContentBlock.Type
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				result.Content += ev.Delta.Text
				emit(onChunk, StreamChunk{Text: ev.Delta.Text, Type: ChunkAssistant})
			case "thinking_delta":
				result.Reasoning += ev.Delta.Thinking
				emit(onChunk, StreamChunk{Text: ev.Delta.Thinking, Type: ChunkReasoning})
			}
			_ = blockType

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.Delta.StopReason != "" {
					result.FinishReason = mapAnthropicStop(ev.Delta.StopReason)
				}
				if ev.Usage.OutputTokens > 0 {
					ensureUsage(result).CompletionTokens = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				return result, &Error{
					Kind:     KindProvider,
					Provider: a.Name(),
					Message:  fmt.Sprintf("%s: %s", ev.Error.Type, ev.Error.Message),
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		// Interrupted mid-stream: return what accumulated so the caller can
		// persist the partial response.
		return result, classifyTransport(a.Name(), err)
	}
	if err := ctx.Err(); err != nil {
		return result, classifyTransport(a.Name(), err)
	}

	if result.Usage != nil {
		result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	}
	emit(onChunk, StreamChunk{Done: true})
	return result, nil
}

// buildRequestBody converts the sanitized internal history into the Messages
// API shape: system hoisted to the top-level field, images as base64 source
// blocks, assistant tool calls as tool_use blocks, tool results as
// tool_result blocks.
func (a *AnthropicAdapter) buildRequestBody(req Request, stream bool) map[string]any {
	history := SanitizeHistory(req.Messages)
	system, rest := HoistSystem(history)

	var messages []map[string]any
	for _, msg := range rest {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, map[string]any{
				"role":    "user",
				"content": anthropicUserBlocks(msg),
			})
		case RoleAssistant:
			messages = append(messages, map[string]any{
				"role":    "assistant",
				"content": anthropicAssistantBlocks(msg),
			})
		case RoleTool:
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		}
	}

	maxTokens := req.Options.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = a.spec.MaxOutputTokens
	}

	body := map[string]any{
		"model":      a.spec.Model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if stream {
		body["stream"] = true
	}
	if system != "" {
		body["system"] = system
	}

	if a.spec.ReasoningStyle == config.ReasoningMaxTokens && a.spec.ReasoningMaxTokens > 0 {
		body["thinking"] = map[string]any{
			"type":          "enabled",
			"budget_tokens": a.spec.ReasoningMaxTokens,
		}
		// Extended thinking rejects explicit temperature.
	} else if t := pickTemperature(req.Options.Temperature, a.spec.Temperature); t != nil {
		body["temperature"] = *t
	}

	return body
}

func anthropicUserBlocks(msg Message) any {
	if len(msg.Images) == 0 {
		return msg.Content
	}
	var blocks []map[string]any
	for _, img := range msg.Images {
		blocks = append(blocks, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": img.MimeType,
				"data":       img.Data,
			},
		})
	}
	if msg.Content != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
	}
	return blocks
}

func anthropicAssistantBlocks(msg Message) any {
	if len(msg.ToolCalls) == 0 {
		return msg.Content
	}
	var blocks []map[string]any
	if msg.Content != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": tc.Arguments,
		})
	}
	return blocks
}

func (a *AnthropicAdapter) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Provider: a.Name(), Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Provider: a.Name(), Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.spec.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(a.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, classifyHTTP(a.Name(), resp.StatusCode, string(respBody), retryAfter)
	}
	return resp.Body, nil
}

func parseAnthropicResponse(resp *anthropicResponse) *Response {
	result := &Response{FinishReason: mapAnthropicStop(resp.StopReason)}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "thinking":
			result.Reasoning += block.Thinking
		}
	}
	result.Usage = &Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return result
}

func mapAnthropicStop(reason string) string {
	switch reason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

func emit(onChunk ChunkFunc, chunk StreamChunk) {
	if onChunk != nil {
		onChunk(chunk)
	}
}

func ensureUsage(r *Response) *Usage {
	if r.Usage == nil {
		r.Usage = &Usage{}
	}
	return r.Usage
}

func pickTemperature(opt, spec *float64) *float64 {
	if opt != nil {
		return opt
	}
	return spec
}

// --- Anthropic API types (internal) ---

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
	} `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		Thinking string `json:"thinking,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
