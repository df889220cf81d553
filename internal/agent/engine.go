// Package agent implements the run loop: single-step exchanges, multi-step
// task runs with stop conditions, and continuous mode. The engine owns the
// reasoning cycle (model call, action parsing, tool dispatch, result
// feedback) and reports progress through the event bus.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Maximooch/penguin/internal/bus"
	"github.com/Maximooch/penguin/internal/config"
	"github.com/Maximooch/penguin/internal/conversation"
	"github.com/Maximooch/penguin/internal/parser"
	"github.com/Maximooch/penguin/internal/providers"
	"github.com/Maximooch/penguin/internal/telemetry"
	"github.com/Maximooch/penguin/internal/tools"
	"github.com/Maximooch/penguin/pkg/protocol"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Engine states.
const (
	StateIdle           = "IDLE"
	StateRunning        = "RUNNING"
	StateWaitingForTool = "WAITING_FOR_TOOL"
	StateDone           = "DONE"
	StateFailed         = "FAILED"
	StateInterrupted    = "INTERRUPTED"
)

const defaultMaxIterations = 5

// EngineConfig collects the engine's collaborators.
type EngineConfig struct {
	AgentID      string
	Adapter      providers.Adapter
	Spec         *config.ModelSpec
	Conversation *conversation.Manager
	Dispatcher   *tools.Dispatcher
	Registry     *tools.Registry
	Events       *bus.Bus

	// MaxIterations bounds a task run; 0 means the default of 5.
	MaxIterations int

	// CompletionSentinel and ClarifySentinel are literal markers scanned
	// for in assistant output. Empty values select the defaults.
	CompletionSentinel string
	ClarifySentinel    string

	// ParserOptions configure action-tag extraction.
	ParserOptions []parser.Option
}

// Engine drives the model through iterations of respond, act, observe.
type Engine struct {
	agentID string
	spec    *config.ModelSpec
	conv    *conversation.Manager
	disp    *tools.Dispatcher
	events  *bus.Bus
	parser  *parser.Parser
	log     *slog.Logger

	maxIterations      int
	completionSentinel string
	clarifySentinel    string

	mu      sync.Mutex
	adapter providers.Adapter
	state   string
	cancel  context.CancelFunc
}

// RunRequest describes one engine run.
type RunRequest struct {
	Input  string
	Images []providers.ImageContent

	// Stream forwards chunks over the bus as they arrive.
	Stream bool

	// MaxIterations overrides the engine default for this run.
	MaxIterations int

	// MultiStep enables the task loop. When false the engine performs a
	// single exchange: one model call, tools dispatched, results appended,
	// done.
	MultiStep bool

	// TimeLimit caps a continuous run's wall-clock duration. Zero means
	// no limit. Checked between iterations only.
	TimeLimit time.Duration

	// Continuous disables the sentinel and no-action exits; the run keeps
	// iterating until the time limit or an interrupt.
	Continuous bool
}

// RunResult is the outcome of one engine run.
type RunResult struct {
	AssistantResponse string
	ActionResults     []*tools.Result
	Iterations        int
	Completed         bool // completion sentinel seen
	NeedsInput        bool // clarification sentinel seen
	Interrupted       bool
}

func NewEngine(cfg EngineConfig) *Engine {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	completion := cfg.CompletionSentinel
	if completion == "" {
		completion = "TASK_COMPLETED"
	}
	clarify := cfg.ClarifySentinel
	if clarify == "" {
		clarify = "NEED_USER_CLARIFICATION"
	}
	return &Engine{
		agentID:            cfg.AgentID,
		adapter:            cfg.Adapter,
		spec:               cfg.Spec,
		conv:               cfg.Conversation,
		disp:               cfg.Dispatcher,
		events:             cfg.Events,
		parser:             parser.New(cfg.Registry.Names(), cfg.ParserOptions...),
		log:                slog.Default().With("agent", cfg.AgentID),
		maxIterations:      maxIter,
		completionSentinel: completion,
		clarifySentinel:    clarify,
		state:              StateIdle,
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) currentSpec() *config.ModelSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spec
}

// SetAdapter swaps the model adapter. Takes effect on the next iteration.
func (e *Engine) SetAdapter(adapter providers.Adapter, spec *config.ModelSpec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapter = adapter
	e.spec = spec
}

// Interrupt cancels the in-flight run, if any. The run's partial response is
// preserved in the conversation.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Run executes one engine run to completion and returns its result. The user
// input is appended to the conversation before the first model call.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("agent.id", e.agentID),
		attribute.Bool("multi_step", req.MultiStep),
		attribute.Bool("continuous", req.Continuous),
	))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.state = StateRunning
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	e.publish(ctx, protocol.EventTaskStarted, protocol.TaskResultPayload{})

	if req.Input != "" {
		if _, err := e.conv.AddMessage(ctx, providers.RoleUser, req.Input, providers.CategoryDialog, req.Images, nil); err != nil {
			return e.fail(ctx, err)
		}
	}

	result, err := e.runLoop(ctx, req)
	if err != nil {
		return e.fail(ctx, err)
	}

	e.setState(resultState(result))
	switch {
	case result.Interrupted:
		e.publish(ctx, protocol.EventInterrupted, protocol.TaskResultPayload{
			Response: result.AssistantResponse,
		})
	case result.NeedsInput:
		e.publish(ctx, protocol.EventTaskNeedsInput, protocol.TaskResultPayload{
			Response: result.AssistantResponse,
		})
	default:
		e.publish(ctx, protocol.EventTaskCompleted, protocol.TaskResultPayload{
			Response: result.AssistantResponse,
		})
	}
	return result, nil
}

func resultState(r *RunResult) string {
	switch {
	case r.Interrupted:
		return StateInterrupted
	case r.NeedsInput:
		return StateIdle
	default:
		return StateDone
	}
}

func (e *Engine) runLoop(ctx context.Context, req RunRequest) (*RunResult, error) {
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = e.maxIterations
	}
	if !req.MultiStep && !req.Continuous {
		maxIter = 1
	}

	start := time.Now()
	deadline := time.Time{}
	if req.Continuous && req.TimeLimit > 0 {
		deadline = start.Add(req.TimeLimit)
	}

	result := &RunResult{}
	for i := 1; req.Continuous || i <= maxIter; i++ {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			e.log.Info("continuous run reached time limit", "iterations", result.Iterations)
			break
		}
		result.Iterations = i
		progress := protocol.TaskProgressPayload{Iteration: i}
		if req.Continuous {
			// No iteration ceiling; progress tracks the wall clock when a
			// time limit is set.
			if req.TimeLimit > 0 {
				progress.Progress = int(100 * time.Since(start) / req.TimeLimit)
			}
		} else {
			progress.MaxIterations = maxIter
			progress.Progress = 100 * i / maxIter
		}
		e.publish(ctx, protocol.EventTaskProgressed, progress)

		if err := e.preflight(); err != nil {
			return nil, err
		}

		resp, err := e.step(ctx, req)
		if err != nil {
			if providers.KindOf(err) == providers.KindInterrupted {
				e.recordPartial(resp, result)
				result.Interrupted = true
				return result, nil
			}
			return nil, err
		}

		e.log.Debug("engine iteration",
			"iteration", i,
			"content_len", len(resp.Content),
			"finish", resp.FinishReason)

		if _, err := e.conv.AddMessage(ctx, providers.RoleAssistant, resp.Content, providers.CategoryDialog, nil, nil); err != nil {
			return nil, err
		}
		if resp.Reasoning != "" && !e.currentSpec().ExcludeReasoning {
			if _, err := e.conv.AddMessage(ctx, providers.RoleAssistant, resp.Reasoning, providers.CategoryReasoning, nil, nil); err != nil {
				return nil, err
			}
		}
		result.AssistantResponse = resp.Content

		if !req.Continuous {
			if strings.Contains(resp.Content, e.completionSentinel) || strings.Contains(resp.Content, taskDoneTag) {
				result.AssistantResponse = stripSentinel(stripSentinel(resp.Content, e.completionSentinel), taskDoneTag)
				result.Completed = true
				return result, nil
			}
			if strings.Contains(resp.Content, e.clarifySentinel) {
				result.AssistantResponse = stripSentinel(resp.Content, e.clarifySentinel)
				result.NeedsInput = true
				return result, nil
			}
		}

		parsed := e.parser.Parse(resp.Content)
		for _, perr := range parsed.Errors {
			e.log.Warn("malformed action tag", "error", perr.Error())
		}

		if len(parsed.Actions) == 0 {
			// A response with nothing to act on ends the task once the
			// model has had a chance to follow up on its first turn.
			if !req.Continuous && i >= 2 {
				return result, nil
			}
			if !req.MultiStep && !req.Continuous {
				return result, nil
			}
			continue
		}

		e.setState(StateWaitingForTool)
		actionResults, err := e.dispatchActions(ctx, parsed.Actions)
		e.setState(StateRunning)
		if err != nil {
			return nil, err
		}
		result.ActionResults = append(result.ActionResults, actionResults...)

		for _, ar := range actionResults {
			text := fmt.Sprintf("%s (%s): %s", ar.Action, ar.Status, ar.Result)
			if _, err := e.conv.AddMessage(ctx, providers.RoleTool, text, providers.CategoryToolResult, nil, nil); err != nil {
				return nil, err
			}
		}

		if !req.MultiStep && !req.Continuous {
			return result, nil
		}
	}
	return result, nil
}

// step performs one model call with retries, forwarding stream chunks.
func (e *Engine) step(ctx context.Context, req RunRequest) (*providers.Response, error) {
	e.mu.Lock()
	adapter := e.adapter
	spec := e.spec
	e.mu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "gateway.call", trace.WithAttributes(
		attribute.String("model.id", spec.ModelID),
		attribute.String("adapter", adapter.Name()),
	))
	defer span.End()

	var onChunk providers.ChunkFunc
	if req.Stream && spec.SupportsStreaming {
		conversationID := e.conv.SessionID()
		onChunk = func(chunk providers.StreamChunk) {
			if chunk.Done || chunk.Text == "" {
				return
			}
			e.publish(ctx, protocol.EventStreamChunk, protocol.StreamChunkPayload{
				Chunk:          chunk.Text,
				MessageType:    chunk.Type,
				ConversationID: conversationID,
			})
		}
	}

	gatewayReq := providers.Request{
		Messages: e.conv.History(),
		Options: providers.Options{
			Stream: onChunk != nil,
		},
	}

	resp, err := retryCall(ctx, e.log, func() (*providers.Response, error) {
		return adapter.GetResponse(ctx, gatewayReq, onChunk)
	})

	if onChunk != nil {
		end := protocol.StreamEndPayload{ConversationID: e.conv.SessionID()}
		if err != nil {
			end.Error = err.Error()
		}
		if resp != nil && resp.Usage != nil {
			end.Usage = &protocol.UsageStats{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		e.publish(ctx, protocol.EventStreamEnd, end)
	}
	return resp, err
}

// preflight rejects the next call when the context window is already past
// its limit; the window trims on append, so this only trips when protected
// messages alone exceed the budget.
func (e *Engine) preflight() error {
	usage := e.conv.TokenUsage()
	if usage.MaxTokens > 0 && usage.CurrentTotal > usage.MaxTokens {
		return &providers.Error{
			Kind:    providers.KindContextLength,
			Message: fmt.Sprintf("conversation at %d tokens exceeds the %d limit", usage.CurrentTotal, usage.MaxTokens),
		}
	}
	return nil
}

// dispatchActions runs parsed actions concurrently, preserving input order
// in the returned slice. The dispatcher's semaphore bounds real parallelism.
func (e *Engine) dispatchActions(ctx context.Context, actions []parser.Action) ([]*tools.Result, error) {
	if len(actions) == 1 {
		return []*tools.Result{e.disp.Dispatch(ctx, actions[0])}, nil
	}

	results := make([]*tools.Result, len(actions))
	var wg sync.WaitGroup
	for i, action := range actions {
		wg.Add(1)
		go func(i int, action parser.Action) {
			defer wg.Done()
			results[i] = e.disp.Dispatch(ctx, action)
		}(i, action)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return results, ctx.Err()
	}
	return results, nil
}

// recordPartial preserves whatever the model produced before an interrupt.
func (e *Engine) recordPartial(resp *providers.Response, result *RunResult) {
	if resp == nil || resp.Content == "" {
		return
	}
	// Persist with a background context so the cancelled run context does
	// not lose the partial text.
	ctx, cancelPersist := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPersist()
	if _, err := e.conv.AddMessage(ctx, providers.RoleAssistant, resp.Content, providers.CategoryDialog, nil,
		map[string]string{"interrupted": "true"}); err != nil {
		e.log.Warn("failed to persist partial response", "error", err)
	}
	result.AssistantResponse = resp.Content
}

func (e *Engine) fail(ctx context.Context, err error) (*RunResult, error) {
	e.setState(StateFailed)
	kind := providers.KindOf(err)
	var tooLarge *conversation.ContextTooLargeError
	if errors.As(err, &tooLarge) {
		kind = providers.KindContextLength
	}
	e.publish(ctx, protocol.EventTaskFailed, protocol.TaskResultPayload{
		ErrorKind: string(kind),
		Error:     err.Error(),
	})
	e.log.Error("engine run failed", "error", err)
	return nil, err
}

func (e *Engine) setState(s string) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) publish(ctx context.Context, eventType string, payload any) {
	if e.events == nil {
		return
	}
	// Events must flow even after the run context is cancelled.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	e.events.Publish(ctx, eventType, payload)
}

// taskDoneTag is a structured alternative to the completion sentinel. Both
// are treated as equivalent stop markers.
const taskDoneTag = "<task_done/>"

// stripSentinel removes the stop marker from user-facing text.
func stripSentinel(text, sentinel string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, sentinel, ""))
}
