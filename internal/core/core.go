// Package core is the external API surface: the multi-agent roster and the
// facade hosts call to process input, run tasks, manage checkpoints, and
// swap models. One Core instance owns the bus, the store, and all agents.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Maximooch/penguin/internal/agent"
	"github.com/Maximooch/penguin/internal/bus"
	"github.com/Maximooch/penguin/internal/config"
	"github.com/Maximooch/penguin/internal/conversation"
	"github.com/Maximooch/penguin/internal/parser"
	"github.com/Maximooch/penguin/internal/providers"
	"github.com/Maximooch/penguin/internal/sessions"
	"github.com/Maximooch/penguin/internal/store"
	"github.com/Maximooch/penguin/internal/tools"
	"github.com/Maximooch/penguin/pkg/protocol"
)

// DefaultAgentID names the agent created at boot.
const DefaultAgentID = "default"

// AdapterFactory builds a provider adapter for a resolved model spec.
type AdapterFactory func(*config.ModelSpec) (providers.Adapter, error)

// Core wires the runtime together and exposes the host-facing operations.
type Core struct {
	mu sync.Mutex

	cfg      *config.Config
	resolver *config.Resolver
	events   *bus.Bus
	store    store.SessionStore
	registry *tools.Registry
	policy   *tools.PathPolicy
	log      *slog.Logger

	newAdapter     AdapterFactory
	checkpointMgr  *conversation.CheckpointManager
	dispatcherOpts []tools.DispatcherOption
	parserOpts     []parser.Option

	agents map[string]*AgentEntry
	active string

	startedAt time.Time
}

// Option configures a Core.
type Option func(*Core)

// WithAdapterFactory overrides provider adapter construction.
func WithAdapterFactory(f AdapterFactory) Option {
	return func(c *Core) { c.newAdapter = f }
}

// WithStore overrides the session store.
func WithStore(st store.SessionStore) Option {
	return func(c *Core) { c.store = st }
}

// New builds a Core from configuration: store, tool registry, path policy,
// the default agent, and any config-defined personas.
func New(ctx context.Context, cfg *config.Config, events *bus.Bus, opts ...Option) (*Core, error) {
	c := &Core{
		cfg:        cfg,
		resolver:   config.NewResolver(cfg),
		events:     events,
		registry:   tools.NewRegistry(),
		log:        slog.Default().With("component", "core"),
		newAdapter: providers.NewAdapter,
		agents:     make(map[string]*AgentEntry),
		startedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.store == nil {
		st, err := store.Open(cfg)
		if err != nil {
			return nil, err
		}
		c.store = st
	}

	c.policy = tools.NewPathPolicy(
		cfg.ProjectRoot(),
		cfg.WorkspacePath(),
		cfg.Project.AdditionalDirectories,
		cfg.Workspace.WriteRoot,
	)
	tools.RegisterBuiltins(c.registry, c.policy)

	if timeout, err := time.ParseDuration(cfg.Engine.ToolTimeout); err == nil && timeout > 0 {
		c.dispatcherOpts = append(c.dispatcherOpts, tools.WithTimeout(timeout))
	}
	if cfg.Engine.ToolConcurrency > 0 {
		c.dispatcherOpts = append(c.dispatcherOpts, tools.WithConcurrency(cfg.Engine.ToolConcurrency))
	}
	if cfg.Parser.LegacyFencedActions {
		c.parserOpts = append(c.parserOpts, parser.WithLegacyFencedActions())
	}

	policy := conversation.CheckpointPolicy{
		Frequency: cfg.Checkpoints.Frequency,
		MaxAuto:   cfg.Checkpoints.MaxAuto,
		Disabled:  cfg.Checkpoints.Disabled,
	}
	if cfg.Checkpoints.MaxAutoAge != "" {
		if age, err := time.ParseDuration(cfg.Checkpoints.MaxAutoAge); err == nil {
			policy.MaxAge = age
		}
	}
	c.checkpointMgr = conversation.NewCheckpointManager(cfg.CheckpointsDir(), policy)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.registerLocked(ctx, RegisterOptions{ID: DefaultAgentID}); err != nil {
		return nil, err
	}
	if err := c.registerPersonas(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Core) checkpoints() *conversation.CheckpointManager { return c.checkpointMgr }

// Events returns the bus hosts subscribe to.
func (c *Core) Events() *bus.Bus { return c.events }

// Tools returns the shared tool registry for host-side registration.
func (c *Core) Tools() *tools.Registry { return c.registry }

// ProcessOptions tune one Process call.
type ProcessOptions struct {
	ConversationID string // resume a stored session; empty keeps the current one
	Streaming      bool
	MultiStep      bool
	MaxIterations  int
	Images         []providers.ImageContent
}

// ProcessResult is the outcome of one Process call.
type ProcessResult struct {
	AssistantResponse string          `json:"assistant_response"`
	ActionResults     []*tools.Result `json:"action_results,omitempty"`
	Iterations        int             `json:"iterations"`
	// Completed reports that the model signalled done, as opposed to the
	// loop exhausting its iteration budget.
	Completed   bool `json:"completed"`
	NeedsInput  bool `json:"needs_input,omitempty"`
	Interrupted bool `json:"interrupted,omitempty"`
}

// Process is the primary entry point: append the input to the active
// conversation and run the engine.
func (c *Core) Process(ctx context.Context, input string, opts ProcessOptions) (*ProcessResult, error) {
	entry, err := c.activeEntry()
	if err != nil {
		return nil, err
	}

	if opts.ConversationID != "" && opts.ConversationID != entry.conv.SessionID() {
		if err := entry.conv.Load(ctx, opts.ConversationID); err != nil {
			return nil, fmt.Errorf("load conversation %s: %w", opts.ConversationID, err)
		}
	}

	result, err := entry.engine.Run(ctx, agent.RunRequest{
		Input:         input,
		Images:        opts.Images,
		Stream:        opts.Streaming,
		MultiStep:     opts.MultiStep,
		MaxIterations: opts.MaxIterations,
	})
	if err != nil {
		return nil, err
	}
	return &ProcessResult{
		AssistantResponse: result.AssistantResponse,
		ActionResults:     result.ActionResults,
		Iterations:        result.Iterations,
		Completed:         result.Completed,
		NeedsInput:        result.NeedsInput,
		Interrupted:       result.Interrupted,
	}, nil
}

// RunModeOptions describe a task or continuous run.
type RunModeOptions struct {
	Name        string
	Description string
	Continuous  bool
	TimeLimit   time.Duration
	Streaming   bool
}

// StartRunMode runs the engine in task mode, or continuously until the time
// limit or an interrupt.
func (c *Core) StartRunMode(ctx context.Context, opts RunModeOptions) (*ProcessResult, error) {
	entry, err := c.activeEntry()
	if err != nil {
		return nil, err
	}

	input := opts.Name
	if opts.Description != "" {
		input = fmt.Sprintf("%s: %s", opts.Name, opts.Description)
	}

	result, err := entry.engine.Run(ctx, agent.RunRequest{
		Input:      input,
		Stream:     opts.Streaming,
		MultiStep:  true,
		Continuous: opts.Continuous,
		TimeLimit:  opts.TimeLimit,
	})
	if err != nil {
		return nil, err
	}
	return &ProcessResult{
		AssistantResponse: result.AssistantResponse,
		ActionResults:     result.ActionResults,
		Iterations:        result.Iterations,
		Completed:         result.Completed,
		NeedsInput:        result.NeedsInput,
		Interrupted:       result.Interrupted,
	}, nil
}

// Interrupt cancels the active agent's in-flight run.
func (c *Core) Interrupt() {
	if entry, err := c.activeEntry(); err == nil {
		entry.engine.Interrupt()
	}
}

// CreateCheckpoint snapshots the active conversation.
func (c *Core) CreateCheckpoint(ctx context.Context, name, description string) (string, error) {
	entry, err := c.activeEntry()
	if err != nil {
		return "", err
	}
	return entry.conv.CreateCheckpoint(ctx, name, description)
}

// RollbackToCheckpoint restores the active conversation to a snapshot.
func (c *Core) RollbackToCheckpoint(ctx context.Context, checkpointID string) error {
	entry, err := c.activeEntry()
	if err != nil {
		return err
	}
	return entry.conv.Rollback(ctx, checkpointID)
}

// BranchFromCheckpoint forks a new session from a snapshot and switches the
// active conversation to it.
func (c *Core) BranchFromCheckpoint(ctx context.Context, checkpointID, name, description string) (string, error) {
	entry, err := c.activeEntry()
	if err != nil {
		return "", err
	}
	return entry.conv.Branch(ctx, checkpointID, name, description)
}

// ListCheckpoints lists the active conversation's checkpoints, newest first.
func (c *Core) ListCheckpoints(limit int) ([]conversation.CheckpointSummary, error) {
	entry, err := c.activeEntry()
	if err != nil {
		return nil, err
	}
	return entry.conv.ListCheckpoints(limit)
}

// ListSessions lists stored sessions for the active agent.
func (c *Core) ListSessions(ctx context.Context) ([]sessions.Info, error) {
	entry, err := c.activeEntry()
	if err != nil {
		return nil, err
	}
	return c.store.List(ctx, entry.ID)
}

// LoadSession switches the active conversation to a stored session.
func (c *Core) LoadSession(ctx context.Context, sessionID string) error {
	entry, err := c.activeEntry()
	if err != nil {
		return err
	}
	return entry.conv.Load(ctx, sessionID)
}

// DeleteSession removes a stored session. Deleting the current one resets
// the conversation.
func (c *Core) DeleteSession(ctx context.Context, sessionID string) error {
	entry, err := c.activeEntry()
	if err != nil {
		return err
	}
	return entry.conv.Delete(ctx, sessionID)
}

// LoadModel swaps the active agent's model: new adapter, retrimmed window,
// MODEL_CHANGED event. Messages are preserved.
func (c *Core) LoadModel(ctx context.Context, modelID string) error {
	entry, err := c.activeEntry()
	if err != nil {
		return err
	}

	spec, err := c.resolver.Resolve(modelID)
	if err != nil {
		return err
	}
	adapter, err := c.newAdapter(spec)
	if err != nil {
		return err
	}

	c.mu.Lock()
	entry.spec = spec
	entry.ModelID = spec.ModelID
	c.mu.Unlock()

	entry.engine.SetAdapter(adapter, spec)
	if err := entry.conv.SetWindowLimit(ctx, spec.MaxHistoryTokens); err != nil {
		return err
	}

	c.events.Publish(ctx, protocol.EventModelChanged, protocol.ModelChangedPayload{
		ModelID: spec.ModelID,
	})
	c.log.Info("model loaded", "model", spec.ModelID, "agent", entry.ID)
	return nil
}

// SystemInfo is static runtime identity, for hosts.
type SystemInfo struct {
	ActiveAgent string   `json:"active_agent"`
	ModelID     string   `json:"model_id"`
	Provider    string   `json:"provider"`
	Agents      []string `json:"agents"`
	Workspace   string   `json:"workspace"`
	ProjectRoot string   `json:"project_root"`
}

// GetSystemInfo reports runtime identity.
func (c *Core) GetSystemInfo() SystemInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := SystemInfo{
		ActiveAgent: c.active,
		Agents:      c.agentNames(),
		Workspace:   c.cfg.WorkspacePath(),
		ProjectRoot: c.cfg.ProjectRoot(),
	}
	if entry, ok := c.agents[c.active]; ok {
		info.ModelID = entry.spec.ModelID
		info.Provider = entry.spec.Provider
	}
	return info
}

// SystemStatus is live runtime state, for hosts.
type SystemStatus struct {
	State        string               `json:"state"`
	ActiveAgent  string               `json:"active_agent"`
	SessionID    string               `json:"session_id"`
	MessageCount int                  `json:"message_count"`
	Uptime       string               `json:"uptime"`
	TokenUsage   protocol.UsageReport `json:"token_usage"`
}

// GetSystemStatus reports live engine and conversation state.
func (c *Core) GetSystemStatus() SystemStatus {
	status := SystemStatus{Uptime: time.Since(c.startedAt).Round(time.Second).String()}
	entry, err := c.activeEntry()
	if err != nil {
		return status
	}
	status.State = entry.engine.State()
	status.ActiveAgent = entry.ID
	status.SessionID = entry.conv.SessionID()
	status.MessageCount = len(entry.conv.History())
	status.TokenUsage = entry.conv.TokenUsage()
	return status
}

// GetTokenUsage reports the active conversation's window accounting.
func (c *Core) GetTokenUsage() protocol.UsageReport {
	entry, err := c.activeEntry()
	if err != nil {
		return protocol.UsageReport{}
	}
	return entry.conv.TokenUsage()
}

// EmitUIEvent pushes a host-originated event onto the bus. The core never
// interprets the payload.
func (c *Core) EmitUIEvent(ctx context.Context, uiType string, data any) {
	c.events.Publish(ctx, protocol.EventUI, protocol.UIEventPayload{Type: uiType, Data: data})
}

// Conversation returns the active agent's conversation manager.
func (c *Core) Conversation() (*conversation.Manager, error) {
	entry, err := c.activeEntry()
	if err != nil {
		return nil, err
	}
	return entry.conv, nil
}

// Close releases the store.
func (c *Core) Close() error {
	return c.store.Close()
}

func (c *Core) activeEntry() (*AgentEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.agents[c.active]
	if !ok {
		return nil, fmt.Errorf("no active agent")
	}
	return entry, nil
}
