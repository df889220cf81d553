package core

import (
	"context"
	"fmt"
	"sort"

	"github.com/Maximooch/penguin/internal/agent"
	"github.com/Maximooch/penguin/internal/config"
	"github.com/Maximooch/penguin/internal/conversation"
	"github.com/Maximooch/penguin/internal/tokens"
	"github.com/Maximooch/penguin/internal/tools"
)

// AgentEntry is one registered agent: its engine, conversation, and the
// sharing relationships it was created with.
type AgentEntry struct {
	ID                 string
	Persona            string
	ParentID           string
	ModelID            string
	DefaultTools       []string
	ShareSession       bool
	ShareContextWindow bool

	spec   *config.ModelSpec
	conv   *conversation.Manager
	window *conversation.Window
	engine *agent.Engine
}

// SessionID returns the agent's current session id.
func (e *AgentEntry) SessionID() string { return e.conv.SessionID() }

// RegisterOptions describe a new agent.
type RegisterOptions struct {
	ID           string
	Persona      string // persona name for metadata; empty for ad-hoc agents
	SystemPrompt string
	ModelID      string // empty selects the default model
	DefaultTools []string
	Activate     bool
	ParentID     string

	// ShareSession routes the new agent's messages through the parent's
	// conversation manager. Requires ParentID.
	ShareSession bool

	// ShareContextWindow reuses the parent's window (same trim state)
	// while keeping an independent session. Requires ParentID. Implied
	// by ShareSession.
	ShareContextWindow bool

	// WindowMaxTokens overrides the model's history budget for this
	// agent's window. Ignored when sharing a window.
	WindowMaxTokens int
}

// RegisterAgent creates an agent, its session, and its engine. With Activate
// set (or when it is the first agent) it becomes the active agent.
func (c *Core) RegisterAgent(ctx context.Context, opts RegisterOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registerLocked(ctx, opts)
}

// CreateSubAgent registers a child agent, requiring that the parent exists.
func (c *Core) CreateSubAgent(ctx context.Context, opts RegisterOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if opts.ParentID == "" {
		return &config.ConfigError{Key: "agents." + opts.ID, Msg: "sub-agent requires a parent"}
	}
	return c.registerLocked(ctx, opts)
}

func (c *Core) registerLocked(ctx context.Context, opts RegisterOptions) error {
	if opts.ID == "" {
		return &config.ConfigError{Key: "agents", Msg: "agent id is empty"}
	}
	if _, exists := c.agents[opts.ID]; exists {
		return &config.ConfigError{Key: "agents." + opts.ID, Msg: "agent already registered"}
	}

	var parent *AgentEntry
	if opts.ParentID != "" {
		var ok bool
		parent, ok = c.agents[opts.ParentID]
		if !ok {
			return &config.ConfigError{
				Key: "agents." + opts.ID,
				Msg: fmt.Sprintf("parent agent %q not registered", opts.ParentID),
			}
		}
	}
	if (opts.ShareSession || opts.ShareContextWindow) && parent == nil {
		return &config.ConfigError{
			Key: "agents." + opts.ID,
			Msg: "session or window sharing requires a parent agent",
		}
	}

	modelID := opts.ModelID
	if modelID == "" {
		modelID = c.cfg.Model.Default
	}
	spec, err := c.resolver.Resolve(modelID)
	if err != nil {
		return err
	}
	adapter, err := c.newAdapter(spec)
	if err != nil {
		return err
	}

	entry := &AgentEntry{
		ID:                 opts.ID,
		Persona:            opts.Persona,
		ParentID:           opts.ParentID,
		ModelID:            spec.ModelID,
		DefaultTools:       opts.DefaultTools,
		ShareSession:       opts.ShareSession,
		ShareContextWindow: opts.ShareSession || opts.ShareContextWindow,
		spec:               spec,
	}

	switch {
	case opts.ShareSession:
		// One manager backs both agents; appends serialize inside it.
		entry.conv = parent.conv
		entry.window = parent.window
	case opts.ShareContextWindow:
		entry.window = parent.window
		entry.conv = conversation.NewManager(opts.ID, entry.window, c.checkpoints(), c.store, c.events)
	default:
		maxTokens := spec.MaxHistoryTokens
		if opts.WindowMaxTokens > 0 {
			maxTokens = opts.WindowMaxTokens
		}
		entry.window = conversation.NewWindow(maxTokens, tokens.NewCounter(spec.Model))
		entry.conv = conversation.NewManager(opts.ID, entry.window, c.checkpoints(), c.store, c.events)
	}

	if opts.SystemPrompt != "" && !opts.ShareSession {
		if err := entry.conv.SetSystemPrompt(ctx, opts.SystemPrompt); err != nil {
			return err
		}
	}

	registry := c.agentRegistry(opts.DefaultTools)
	dispatcher := tools.NewDispatcher(registry, c.policy, c.events, c.dispatcherOpts...)
	entry.engine = agent.NewEngine(agent.EngineConfig{
		AgentID:            opts.ID,
		Adapter:            adapter,
		Spec:               spec,
		Conversation:       entry.conv,
		Dispatcher:         dispatcher,
		Registry:           registry,
		Events:             c.events,
		MaxIterations:      c.cfg.Engine.MaxIterations,
		CompletionSentinel: c.cfg.Engine.CompletionSentinel,
		ClarifySentinel:    c.cfg.Engine.ClarifySentinel,
		ParserOptions:      c.parserOpts,
	})

	c.agents[opts.ID] = entry
	if opts.Activate || c.active == "" {
		c.active = opts.ID
	}
	c.log.Info("agent registered",
		"agent", opts.ID,
		"model", spec.ModelID,
		"parent", opts.ParentID,
		"active", c.active == opts.ID)
	return nil
}

// agentRegistry returns the shared registry, or a filtered copy when the
// agent declares a tool whitelist.
func (c *Core) agentRegistry(whitelist []string) *tools.Registry {
	if len(whitelist) == 0 {
		return c.registry
	}
	filtered := tools.NewRegistry()
	for _, name := range whitelist {
		if tool, ok := c.registry.Get(name); ok {
			filtered.Register(tool)
		}
	}
	return filtered
}

// SetActiveAgent switches the active agent.
func (c *Core) SetActiveAgent(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.agents[id]; !ok {
		return fmt.Errorf("agent %q not registered", id)
	}
	c.active = id
	return nil
}

// RemoveAgent drops an agent from the roster. The last agent cannot be
// removed; removing the active agent activates another.
func (c *Core) RemoveAgent(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.agents[id]; !ok {
		return fmt.Errorf("agent %q not registered", id)
	}
	if len(c.agents) == 1 {
		return fmt.Errorf("cannot remove the last agent")
	}
	delete(c.agents, id)
	if c.active == id {
		for _, name := range c.agentNames() {
			c.active = name
			break
		}
	}
	return nil
}

// ListAgents returns the registered agent ids, sorted.
func (c *Core) ListAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentNames()
}

// ActiveAgent returns the active agent id.
func (c *Core) ActiveAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Core) agentNames() []string {
	names := make([]string, 0, len(c.agents))
	for name := range c.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// registerPersonas instantiates the config-defined agents. Sharing targets
// must resolve to already-registered agents; chains are registered in
// dependency order and cyclic chains are refused.
func (c *Core) registerPersonas(ctx context.Context) error {
	pending := make(map[string]config.PersonaSpec, len(c.cfg.Agents))
	for name, persona := range c.cfg.Agents {
		pending[name] = persona
	}

	for len(pending) > 0 {
		progressed := false
		for _, name := range sortedKeys(pending) {
			persona := pending[name]
			parent := persona.ShareSessionWith
			if parent == "" {
				parent = persona.ShareContextWindowWith
			}
			if parent != "" {
				if _, ok := c.agents[parent]; !ok {
					continue // parent not registered yet
				}
			}

			modelID := ""
			if persona.Model != nil {
				modelID = persona.Model.ID
			}
			err := c.registerLocked(ctx, RegisterOptions{
				ID:                 name,
				Persona:            name,
				SystemPrompt:       persona.SystemPrompt,
				ModelID:            modelID,
				DefaultTools:       persona.DefaultTools,
				Activate:           persona.Activate,
				ParentID:           parent,
				ShareSession:       persona.ShareSessionWith != "",
				ShareContextWindow: persona.ShareContextWindowWith != "",
				WindowMaxTokens:    persona.SharedCWMaxTokens,
			})
			if err != nil {
				return err
			}
			delete(pending, name)
			progressed = true
		}
		if !progressed {
			return &config.ConfigError{
				Key: "agents",
				Msg: fmt.Sprintf("unresolvable share chain among %v (missing parent or cycle)", sortedKeys(pending)),
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]config.PersonaSpec) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
