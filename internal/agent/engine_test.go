package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Maximooch/penguin/internal/bus"
	"github.com/Maximooch/penguin/internal/config"
	"github.com/Maximooch/penguin/internal/conversation"
	"github.com/Maximooch/penguin/internal/providers"
	"github.com/Maximooch/penguin/internal/store"
	"github.com/Maximooch/penguin/internal/tokens"
	"github.com/Maximooch/penguin/internal/tools"
	"github.com/Maximooch/penguin/pkg/protocol"
)

// fakeAdapter replays scripted turns. A turn is either a response or an
// error; errors consume a turn like responses do.
type fakeAdapter struct {
	mu    sync.Mutex
	turns []fakeTurn
	calls int

	// lastMessages captures the history of the most recent call.
	lastMessages []providers.Message
}

type fakeTurn struct {
	resp   *providers.Response
	err    error
	chunks []providers.StreamChunk

	// block waits for ctx cancellation, then returns resp alongside err.
	block bool
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) GetResponse(ctx context.Context, req providers.Request, onChunk providers.ChunkFunc) (*providers.Response, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.lastMessages = append([]providers.Message(nil), req.Messages...)
	f.mu.Unlock()

	if i >= len(f.turns) {
		return &providers.Response{Content: "nothing more to do"}, nil
	}
	turn := f.turns[i]
	if turn.block {
		<-ctx.Done()
		return turn.resp, turn.err
	}
	if turn.err != nil {
		return turn.resp, turn.err
	}
	if onChunk != nil {
		for _, c := range turn.chunks {
			onChunk(c)
		}
	}
	return turn.resp, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// echoTool records invocations and echoes its command argument.
type echoTool struct {
	mu    sync.Mutex
	calls []string
}

func (t *echoTool) Name() string        { return "execute" }
func (t *echoTool) Description() string { return "run a command" }
func (t *echoTool) Mutating() bool      { return false }
func (t *echoTool) PathScope() string   { return tools.ScopeAny }
func (t *echoTool) Schema() tools.Schema {
	return tools.Schema{Fields: []tools.Field{
		{Name: "command", Type: tools.TypeString, Required: true},
	}}
}

func (t *echoTool) Execute(_ context.Context, args map[string]any) *tools.Result {
	command := args["command"].(string)
	t.mu.Lock()
	t.calls = append(t.calls, command)
	t.mu.Unlock()
	return tools.OK("ran: " + command)
}

func testSpec() *config.ModelSpec {
	return &config.ModelSpec{
		ModelID:                "fake/model",
		Model:                  "model",
		Provider:               "fake",
		MaxContextWindowTokens: 100_000,
		MaxOutputTokens:        4096,
		MaxHistoryTokens:       90_000,
		SupportsStreaming:      true,
	}
}

func testEngine(t *testing.T, adapter providers.Adapter, events *bus.Bus, extraTools ...tools.Tool) (*Engine, *conversation.Manager) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewFileStore(dir + "/conversations")
	if err != nil {
		t.Fatal(err)
	}
	window := conversation.NewWindow(90_000, &tokens.Counter{})
	checkpoints := conversation.NewCheckpointManager(dir+"/checkpoints", conversation.CheckpointPolicy{Frequency: 1, MaxAuto: 100})
	conv := conversation.NewManager("default", window, checkpoints, st, events)

	registry := tools.NewRegistry()
	for _, tool := range extraTools {
		registry.Register(tool)
	}
	policy := tools.NewPathPolicy(dir, dir, nil, tools.WriteRootProject)
	dispatcher := tools.NewDispatcher(registry, policy, events)

	engine := NewEngine(EngineConfig{
		AgentID:      "default",
		Adapter:      adapter,
		Spec:         testSpec(),
		Conversation: conv,
		Dispatcher:   dispatcher,
		Registry:     registry,
		Events:       events,
	})
	return engine, conv
}

func TestEngine_TaskToolRoundtrip(t *testing.T) {
	tool := &echoTool{}
	adapter := &fakeAdapter{turns: []fakeTurn{
		{resp: &providers.Response{Content: "Running it now <execute>echo hello</execute>"}},
		{resp: &providers.Response{Content: "All set. TASK_COMPLETED"}},
	}}
	engine, conv := testEngine(t, adapter, bus.New(), tool)

	result, err := engine.Run(context.Background(), RunRequest{
		Input:     "run echo hello",
		MultiStep: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.Completed {
		t.Error("Completed = false, want true")
	}
	if result.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", result.Iterations)
	}
	if result.AssistantResponse != "All set." {
		t.Errorf("AssistantResponse = %q (sentinel should be stripped)", result.AssistantResponse)
	}
	if len(result.ActionResults) != 1 || result.ActionResults[0].Result != "ran: echo hello" {
		t.Errorf("ActionResults = %+v", result.ActionResults)
	}
	if len(tool.calls) != 1 || tool.calls[0] != "echo hello" {
		t.Errorf("tool calls = %v", tool.calls)
	}

	// The tool result must be in the history the second call saw.
	var sawToolResult bool
	for _, m := range adapter.lastMessages {
		if m.Category == providers.CategoryToolResult && strings.Contains(m.Content, "ran: echo hello") {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Errorf("second call history missing tool result: %+v", adapter.lastMessages)
	}

	if engine.State() != StateDone {
		t.Errorf("State = %q, want %q", engine.State(), StateDone)
	}
	if got := len(conv.History()); got != 4 {
		// user, assistant, tool result, assistant.
		t.Errorf("history length = %d, want 4", got)
	}
}

func TestEngine_ClarifySentinelPausesRun(t *testing.T) {
	adapter := &fakeAdapter{turns: []fakeTurn{
		{resp: &providers.Response{Content: "Which file did you mean? NEED_USER_CLARIFICATION"}},
	}}
	events := bus.New()
	var needsInput []protocol.TaskResultPayload
	events.Subscribe(protocol.EventTaskNeedsInput, func(_ context.Context, ev bus.Event) error {
		needsInput = append(needsInput, ev.Payload.(protocol.TaskResultPayload))
		return nil
	}, bus.PriorityNormal)

	engine, _ := testEngine(t, adapter, events)
	result, err := engine.Run(context.Background(), RunRequest{Input: "do the thing", MultiStep: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.NeedsInput || result.Completed {
		t.Errorf("result = %+v, want NeedsInput", result)
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", result.Iterations)
	}
	if len(needsInput) != 1 {
		t.Errorf("needs_input events = %d, want 1", len(needsInput))
	}
	if engine.State() != StateIdle {
		t.Errorf("State = %q, want idle after pause", engine.State())
	}
}

func TestEngine_TaskDoneTagCompletes(t *testing.T) {
	adapter := &fakeAdapter{turns: []fakeTurn{
		{resp: &providers.Response{Content: "Done with everything. <task_done/>"}},
	}}
	engine, _ := testEngine(t, adapter, bus.New())

	result, err := engine.Run(context.Background(), RunRequest{Input: "finish up", MultiStep: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Completed {
		t.Errorf("result = %+v, want Completed", result)
	}
	if result.AssistantResponse != "Done with everything." {
		t.Errorf("AssistantResponse = %q, want tag stripped", result.AssistantResponse)
	}
}

func TestEngine_NoActionsStopsAfterSecondTurn(t *testing.T) {
	adapter := &fakeAdapter{turns: []fakeTurn{
		{resp: &providers.Response{Content: "thinking about it"}},
		{resp: &providers.Response{Content: "here is my answer"}},
		{resp: &providers.Response{Content: "should never be reached"}},
	}}
	engine, _ := testEngine(t, adapter, bus.New())

	result, err := engine.Run(context.Background(), RunRequest{Input: "question", MultiStep: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2 (no actions on second turn ends the run)", result.Iterations)
	}
	if adapter.callCount() != 2 {
		t.Errorf("calls = %d, want 2", adapter.callCount())
	}
	if result.AssistantResponse != "here is my answer" {
		t.Errorf("AssistantResponse = %q", result.AssistantResponse)
	}
}

func TestEngine_SingleStepIsOneCall(t *testing.T) {
	tool := &echoTool{}
	adapter := &fakeAdapter{turns: []fakeTurn{
		{resp: &providers.Response{Content: "on it <execute>ls</execute>"}},
	}}
	engine, _ := testEngine(t, adapter, bus.New(), tool)

	result, err := engine.Run(context.Background(), RunRequest{Input: "list files"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if adapter.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (single step)", adapter.callCount())
	}
	if len(result.ActionResults) != 1 {
		t.Errorf("ActionResults = %+v, want the tool still dispatched", result.ActionResults)
	}
}

func TestEngine_ProgressEvents(t *testing.T) {
	adapter := &fakeAdapter{turns: []fakeTurn{
		{resp: &providers.Response{Content: "step one, more to do <execute>noop</execute>"}},
		{resp: &providers.Response{Content: "finished TASK_COMPLETED"}},
	}}
	events := bus.New()
	var progress []protocol.TaskProgressPayload
	events.Subscribe(protocol.EventTaskProgressed, func(_ context.Context, ev bus.Event) error {
		progress = append(progress, ev.Payload.(protocol.TaskProgressPayload))
		return nil
	}, bus.PriorityNormal)

	engine, _ := testEngine(t, adapter, events, &echoTool{})
	if _, err := engine.Run(context.Background(), RunRequest{
		Input:         "task",
		MultiStep:     true,
		MaxIterations: 2,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(progress) != 2 {
		t.Fatalf("progress events = %d, want 2", len(progress))
	}
	if progress[0].Progress != 50 || progress[1].Progress != 100 {
		t.Errorf("progress = %d, %d, want 50, 100", progress[0].Progress, progress[1].Progress)
	}
	if progress[0].MaxIterations != 2 {
		t.Errorf("MaxIterations = %d, want 2", progress[0].MaxIterations)
	}
}

func TestEngine_RetriesRateLimitThenSucceeds(t *testing.T) {
	orig := retryBase
	retryBase = time.Millisecond
	defer func() { retryBase = orig }()

	adapter := &fakeAdapter{turns: []fakeTurn{
		{err: &providers.Error{Kind: providers.KindRateLimit, Provider: "fake", Message: "slow down", RetryAfter: time.Millisecond}},
		{err: &providers.Error{Kind: providers.KindNetwork, Provider: "fake", Message: "connection reset"}},
		{resp: &providers.Response{Content: "third time lucky"}},
	}}
	engine, _ := testEngine(t, adapter, bus.New())

	result, err := engine.Run(context.Background(), RunRequest{Input: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if adapter.callCount() != 3 {
		t.Errorf("calls = %d, want 3", adapter.callCount())
	}
	if result.AssistantResponse != "third time lucky" {
		t.Errorf("AssistantResponse = %q", result.AssistantResponse)
	}
}

func TestEngine_FatalErrorFailsRun(t *testing.T) {
	adapter := &fakeAdapter{turns: []fakeTurn{
		{err: &providers.Error{Kind: providers.KindAuth, Provider: "fake", Message: "bad key"}},
	}}
	events := bus.New()
	var failed []protocol.TaskResultPayload
	events.Subscribe(protocol.EventTaskFailed, func(_ context.Context, ev bus.Event) error {
		failed = append(failed, ev.Payload.(protocol.TaskResultPayload))
		return nil
	}, bus.PriorityNormal)

	engine, _ := testEngine(t, adapter, events)
	_, err := engine.Run(context.Background(), RunRequest{Input: "hi"})
	if err == nil {
		t.Fatal("Run succeeded, want auth failure")
	}
	if adapter.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (auth errors are not retried)", adapter.callCount())
	}
	if len(failed) != 1 || failed[0].ErrorKind != string(providers.KindAuth) {
		t.Errorf("failed events = %+v", failed)
	}
	if engine.State() != StateFailed {
		t.Errorf("State = %q, want %q", engine.State(), StateFailed)
	}
}

func TestEngine_InterruptPreservesPartialResponse(t *testing.T) {
	adapter := &fakeAdapter{turns: []fakeTurn{
		{
			block: true,
			resp:  &providers.Response{Content: "partial thought about"},
			err:   &providers.Error{Kind: providers.KindInterrupted, Provider: "fake", Message: "request cancelled"},
		},
	}}
	events := bus.New()
	var interrupted []protocol.TaskResultPayload
	events.Subscribe(protocol.EventInterrupted, func(_ context.Context, ev bus.Event) error {
		interrupted = append(interrupted, ev.Payload.(protocol.TaskResultPayload))
		return nil
	}, bus.PriorityNormal)

	engine, conv := testEngine(t, adapter, events)
	go func() {
		time.Sleep(20 * time.Millisecond)
		engine.Interrupt()
	}()

	result, err := engine.Run(context.Background(), RunRequest{Input: "long task", MultiStep: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Interrupted {
		t.Error("Interrupted = false, want true")
	}
	if result.AssistantResponse != "partial thought about" {
		t.Errorf("AssistantResponse = %q", result.AssistantResponse)
	}
	if len(interrupted) != 1 {
		t.Errorf("interrupted events = %d, want 1", len(interrupted))
	}

	var sawPartial bool
	for _, m := range conv.History() {
		if m.Metadata["interrupted"] == "true" && m.Content == "partial thought about" {
			sawPartial = true
		}
	}
	if !sawPartial {
		t.Errorf("history missing partial response: %+v", conv.History())
	}
	if engine.State() != StateInterrupted {
		t.Errorf("State = %q, want %q", engine.State(), StateInterrupted)
	}
}

func TestEngine_ContinuousStopsAtTimeLimit(t *testing.T) {
	adapter := &fakeAdapter{turns: nil} // every call returns the default response
	events := bus.New()
	var progress []protocol.TaskProgressPayload
	events.Subscribe(protocol.EventTaskProgressed, func(_ context.Context, ev bus.Event) error {
		progress = append(progress, ev.Payload.(protocol.TaskProgressPayload))
		return nil
	}, bus.PriorityNormal)
	engine, _ := testEngine(t, adapter, events)

	start := time.Now()
	result, err := engine.Run(context.Background(), RunRequest{
		Input:      "keep working",
		Continuous: true,
		TimeLimit:  30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took %s, time limit not honoured", elapsed)
	}
	if result.Iterations < 1 {
		t.Errorf("Iterations = %d, want at least one", result.Iterations)
	}
	if result.Completed || result.NeedsInput {
		t.Errorf("result = %+v, continuous runs have no sentinel exits", result)
	}
	// Hosts still get a per-iteration progress signal; with no iteration
	// ceiling it tracks the wall clock.
	if len(progress) < 1 {
		t.Fatal("no progress events in continuous mode")
	}
	if progress[0].Iteration != 1 || progress[0].MaxIterations != 0 {
		t.Errorf("progress[0] = %+v", progress[0])
	}
}

func TestEngine_OversizedInputFailsWithContextKind(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewFileStore(dir + "/conversations")
	if err != nil {
		t.Fatal(err)
	}
	window := conversation.NewWindow(10, &tokens.Counter{})
	checkpoints := conversation.NewCheckpointManager(dir+"/checkpoints", conversation.CheckpointPolicy{})
	events := bus.New()
	conv := conversation.NewManager("default", window, checkpoints, st, events)

	var failures []protocol.TaskResultPayload
	events.Subscribe(protocol.EventTaskFailed, func(_ context.Context, ev bus.Event) error {
		failures = append(failures, ev.Payload.(protocol.TaskResultPayload))
		return nil
	}, bus.PriorityNormal)

	registry := tools.NewRegistry()
	engine := NewEngine(EngineConfig{
		AgentID:      "default",
		Adapter:      &fakeAdapter{},
		Spec:         testSpec(),
		Conversation: conv,
		Dispatcher:   tools.NewDispatcher(registry, tools.NewPathPolicy(dir, dir, nil, tools.WriteRootProject), events),
		Registry:     registry,
		Events:       events,
	})

	// The lone user message is part of the protected dialog tail, so the
	// window cannot trim it under the 10 token limit.
	_, err = engine.Run(context.Background(), RunRequest{
		Input:     strings.Repeat("x", 400),
		MultiStep: true,
	})
	if err == nil {
		t.Fatal("Run succeeded with an input the window cannot fit")
	}
	if len(failures) != 1 {
		t.Fatalf("failure events = %d, want 1", len(failures))
	}
	if failures[0].ErrorKind != string(providers.KindContextLength) {
		t.Errorf("ErrorKind = %q, want %q", failures[0].ErrorKind, providers.KindContextLength)
	}
	if engine.State() != StateFailed {
		t.Errorf("State = %q, want failed", engine.State())
	}
}

func TestEngine_ReasoningPersistedSeparately(t *testing.T) {
	adapter := &fakeAdapter{turns: []fakeTurn{
		{resp: &providers.Response{
			Content:   "the answer is 4",
			Reasoning: "2 plus 2 is 4",
		}},
	}}
	engine, conv := testEngine(t, adapter, bus.New())

	if _, err := engine.Run(context.Background(), RunRequest{Input: "2+2?"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var reasoning, dialog int
	for _, m := range conv.History() {
		switch m.Category {
		case providers.CategoryReasoning:
			reasoning++
			if m.Content != "2 plus 2 is 4" {
				t.Errorf("reasoning content = %q", m.Content)
			}
		case providers.CategoryDialog:
			dialog++
		}
	}
	if reasoning != 1 {
		t.Errorf("reasoning messages = %d, want 1", reasoning)
	}
	if dialog != 2 {
		t.Errorf("dialog messages = %d, want 2 (user and assistant)", dialog)
	}
}

func TestEngine_StreamChunksForwarded(t *testing.T) {
	adapter := &fakeAdapter{turns: []fakeTurn{
		{
			resp: &providers.Response{Content: "hello world", Usage: &providers.Usage{TotalTokens: 7}},
			chunks: []providers.StreamChunk{
				{Text: "hello ", Type: providers.ChunkAssistant},
				{Text: "world", Type: providers.ChunkAssistant},
			},
		},
	}}
	events := bus.New()
	var chunks []protocol.StreamChunkPayload
	var ends []protocol.StreamEndPayload
	events.Subscribe(protocol.EventStreamChunk, func(_ context.Context, ev bus.Event) error {
		chunks = append(chunks, ev.Payload.(protocol.StreamChunkPayload))
		return nil
	}, bus.PriorityNormal)
	events.Subscribe(protocol.EventStreamEnd, func(_ context.Context, ev bus.Event) error {
		ends = append(ends, ev.Payload.(protocol.StreamEndPayload))
		return nil
	}, bus.PriorityNormal)

	engine, _ := testEngine(t, adapter, events)
	if _, err := engine.Run(context.Background(), RunRequest{Input: "hi", Stream: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0].Chunk+chunks[1].Chunk != "hello world" {
		t.Errorf("streamed text = %q", chunks[0].Chunk+chunks[1].Chunk)
	}
	if len(ends) != 1 || ends[0].Usage == nil || ends[0].Usage.TotalTokens != 7 {
		t.Errorf("stream end = %+v", ends)
	}
}
