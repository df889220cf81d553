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

// Chat-completions endpoints for the OpenAI-compatible surface. OpenRouter
// and LiteLLM speak the same wire protocol with a different base URL.
const (
	openaiAPIBase     = "https://api.openai.com/v1"
	openrouterAPIBase = "https://openrouter.ai/api/v1"
	litellmAPIBase    = "http://localhost:4000"
)

// OpenAIAdapter implements Adapter against any chat-completions compatible
// endpoint: OpenAI itself, OpenRouter, or a LiteLLM proxy.
type OpenAIAdapter struct {
	spec    *config.ModelSpec
	name    string
	baseURL string
	model   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewOpenAIAdapter creates an adapter for the given client preference.
func NewOpenAIAdapter(spec *config.ModelSpec) *OpenAIAdapter {
	name := "openai"
	baseURL := openaiAPIBase
	model := spec.Model

	switch spec.ClientPreference {
	case config.ClientOpenRouter:
		name = "openrouter"
		baseURL = openrouterAPIBase
		// OpenRouter routes on the fully qualified "provider/model" id.
		model = spec.ModelID
	case config.ClientLiteLLM:
		name = "litellm"
		baseURL = litellmAPIBase
		model = spec.ModelID
	}
	if spec.APIBase != "" {
		baseURL = spec.APIBase
	}

	return &OpenAIAdapter{
		spec:    spec,
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: requestTimeout},
		limiter: providerLimiter(name),
	}
}

func (a *OpenAIAdapter) Name() string { return a.name }

func (a *OpenAIAdapter) GetResponse(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error) {
	stream := req.Options.Stream && a.spec.SupportsStreaming
	body := a.buildRequestBody(req, stream)

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(a.name, err)
	}

	if stream {
		return a.doStream(ctx, body, onChunk)
	}
	return a.doBatch(ctx, body)
}

func (a *OpenAIAdapter) doBatch(ctx context.Context, body map[string]any) (*Response, error) {
	respBody, err := a.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var resp openaiResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, &Error{Kind: KindProvider, Provider: a.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindProvider, Provider: a.name, Message: "empty choices"}
	}

	choice := resp.Choices[0]
	result := &Response{
		Content:      choice.Message.Content,
		Reasoning:    choice.Message.ReasoningContent,
		FinishReason: choice.FinishReason,
	}
	if result.FinishReason == "" {
		result.FinishReason = "stop"
	}
	if resp.Usage != nil {
		result.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

func (a *OpenAIAdapter) doStream(ctx context.Context, body map[string]any, onChunk ChunkFunc) (*Response, error) {
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

	for scanner.Scan() {
		idle.Reset(streamIdleTimeout)
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			result.Usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.ReasoningContent != "" {
			result.Reasoning += choice.Delta.ReasoningContent
			emit(onChunk, StreamChunk{Text: choice.Delta.ReasoningContent, Type: ChunkReasoning})
		}
		if choice.Delta.Content != "" {
			result.Content += choice.Delta.Content
			emit(onChunk, StreamChunk{Text: choice.Delta.Content, Type: ChunkAssistant})
		}
		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
	}

	if err := scanner.Err(); err != nil {
		return result, classifyTransport(a.name, err)
	}
	if err := ctx.Err(); err != nil {
		return result, classifyTransport(a.name, err)
	}

	emit(onChunk, StreamChunk{Done: true})
	return result, nil
}

// buildRequestBody converts sanitized history to chat-completions messages.
// System messages pass through as role "system"; images become image_url
// parts with data URIs.
func (a *OpenAIAdapter) buildRequestBody(req Request, stream bool) map[string]any {
	history := SanitizeHistory(req.Messages)

	var messages []map[string]any
	for _, msg := range history {
		m := map[string]any{"role": msg.Role}

		if len(msg.Images) > 0 && msg.Role == RoleUser {
			var parts []map[string]any
			if msg.Content != "" {
				parts = append(parts, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, img := range msg.Images {
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": img.DataURI()},
				})
			}
			m["content"] = parts
		} else {
			m["content"] = msg.Content
		}

		if len(msg.ToolCalls) > 0 {
			var calls []map[string]any
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(args),
					},
				})
			}
			m["tool_calls"] = calls
		}
		if msg.ToolCallID != "" {
			m["tool_call_id"] = msg.ToolCallID
		}
		messages = append(messages, m)
	}

	maxTokens := req.Options.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = a.spec.MaxOutputTokens
	}

	body := map[string]any{
		"model":    a.model,
		"messages": messages,
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}

	switch a.spec.ReasoningStyle {
	case config.ReasoningEffort:
		// Effort-style models reject temperature and use the completion-token
		// field instead of max_tokens.
		body["max_completion_tokens"] = maxTokens
		body["reasoning_effort"] = a.spec.ReasoningEffort
	case config.ReasoningMaxTokens:
		body["max_tokens"] = maxTokens
		if a.name == "openrouter" {
			body["reasoning"] = map[string]any{"max_tokens": a.spec.ReasoningMaxTokens}
		}
		if t := pickTemperature(req.Options.Temperature, a.spec.Temperature); t != nil {
			body["temperature"] = *t
		}
	default:
		body["max_tokens"] = maxTokens
		if t := pickTemperature(req.Options.Temperature, a.spec.Temperature); t != nil {
			body["temperature"] = *t
		}
	}

	return body
}

func (a *OpenAIAdapter) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Provider: a.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Provider: a.name, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.spec.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.spec.APIKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(a.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, classifyHTTP(a.name, resp.StatusCode, string(respBody), retryAfter)
	}
	return resp.Body, nil
}

// --- chat-completions API types (internal) ---

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage"`
}

type openaiChoice struct {
	Message struct {
		Content          string `json:"content"`
		ReasoningContent string `json:"reasoning_content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}
