// Package config loads the layered Penguin configuration and resolves
// per-model capability descriptors (ModelSpec).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Config is the root configuration for the Penguin core.
type Config struct {
	Model        ModelSection           `json:"model"`
	ModelConfigs map[string]ModelConfig `json:"model_configs,omitempty"`
	Agents       map[string]PersonaSpec `json:"agents,omitempty"`
	Context      ContextSection         `json:"context,omitempty"`
	Project      ProjectSection         `json:"project,omitempty"`
	Workspace    WorkspaceSection       `json:"workspace"`
	Sessions     SessionsSection        `json:"sessions,omitempty"`
	Checkpoints  CheckpointSection      `json:"checkpoints,omitempty"`
	Engine       EngineSection          `json:"engine,omitempty"`
	Parser       ParserSection          `json:"parser,omitempty"`
	Diagnostics  DiagnosticsSection     `json:"diagnostics,omitempty"`
	Performance  PerformanceSection     `json:"performance,omitempty"`
	Output       OutputSection          `json:"output,omitempty"`

	mu sync.RWMutex
}

// ModelSection selects the default model and adapter.
type ModelSection struct {
	Default          string `json:"default"`
	Provider         string `json:"provider,omitempty"`
	ClientPreference string `json:"client_preference,omitempty"` // "native", "openrouter", "litellm"
}

// ModelConfig is a per-model override block (model_configs.<id>).
type ModelConfig struct {
	Model                  string           `json:"model,omitempty"` // provider model name if different from the id
	Provider               string           `json:"provider,omitempty"`
	ClientPreference       string           `json:"client_preference,omitempty"`
	APIBase                string           `json:"api_base,omitempty"`
	APIKeyEnv              string           `json:"api_key_env,omitempty"` // env var holding the key (never the key itself)
	MaxContextWindowTokens int              `json:"max_context_window_tokens,omitempty"`
	MaxOutputTokens        int              `json:"max_output_tokens,omitempty"`
	Temperature            *float64         `json:"temperature,omitempty"`
	StreamingEnabled       *bool            `json:"streaming_enabled,omitempty"`
	VisionEnabled          *bool            `json:"vision_enabled,omitempty"`
	SafetyFraction         float64          `json:"safety_fraction,omitempty"` // history budget share, clamped [0.5, 0.95]
	Reasoning              *ReasoningConfig `json:"reasoning,omitempty"`
}

// ReasoningConfig configures reasoning-token behaviour for a model.
type ReasoningConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	Effort    string `json:"effort,omitempty"` // "low", "medium", "high"
	MaxTokens int    `json:"max_tokens,omitempty"`
	Exclude   bool   `json:"exclude,omitempty"` // do not persist reasoning output
}

// PersonaSpec is a declarative agent profile (agents.<name>).
type PersonaSpec struct {
	Description            string   `json:"description,omitempty"`
	SystemPrompt           string   `json:"system_prompt,omitempty"`
	Model                  *ModelRef `json:"model,omitempty"`
	DefaultTools           []string `json:"default_tools,omitempty"`
	ShareSessionWith       string   `json:"share_session_with,omitempty"`
	ShareContextWindowWith string   `json:"share_context_window_with,omitempty"`
	SharedCWMaxTokens      int      `json:"shared_cw_max_tokens,omitempty"`
	ModelMaxTokens         int      `json:"model_max_tokens,omitempty"`
	Activate               bool     `json:"activate,omitempty"`
}

// ModelRef points a persona at a model id, optionally overriding budgets.
type ModelRef struct {
	ID string `json:"id"`
}

// ContextSection configures on-demand context files.
type ContextSection struct {
	ScratchpadDir string `json:"scratchpad_dir,omitempty"`
}

// ProjectSection configures project-root detection and the path allow-list.
type ProjectSection struct {
	Root                  string   `json:"root,omitempty"` // default: cwd (CWD env overrides)
	AdditionalDirectories []string `json:"additional_directories,omitempty"`
}

// WorkspaceSection configures the data root.
type WorkspaceSection struct {
	Path       string `json:"path"`
	CreateDirs bool   `json:"create_dirs"`
	WriteRoot  string `json:"write_root,omitempty"` // "project" or "workspace"; WRITE_ROOT env overrides
}

// SessionsSection selects the session store backend.
// PostgresDSN is never read from config files, only from env PENGUIN_POSTGRES_DSN.
type SessionsSection struct {
	Backend     string `json:"backend,omitempty"` // "file" (default), "sqlite", "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
}

// CheckpointSection configures automatic checkpointing and retention.
type CheckpointSection struct {
	Frequency   int    `json:"frequency,omitempty"`     // auto checkpoint every N messages (default 1)
	MaxAuto     int    `json:"max_auto,omitempty"`      // prune AUTO beyond this count (default 200)
	MaxAutoAge  string `json:"max_auto_age,omitempty"`  // e.g. "72h"; prune AUTO older than this
	Disabled    bool   `json:"disabled,omitempty"`
}

// EngineSection configures the run loop.
type EngineSection struct {
	MaxIterations      int    `json:"max_iterations,omitempty"`      // default 5
	CompletionSentinel string `json:"completion_sentinel,omitempty"` // default "TASK_COMPLETED"
	ClarifySentinel    string `json:"clarify_sentinel,omitempty"`    // default "NEED_USER_CLARIFICATION"
	ToolTimeout        string `json:"tool_timeout,omitempty"`        // default "30s"
	ToolConcurrency    int    `json:"tool_concurrency,omitempty"`    // per-agent in-flight tools (default 4)
}

// ParserSection configures action-tag parsing.
type ParserSection struct {
	// LegacyFencedActions restores the historical behaviour of treating
	// action tags inside fenced code blocks as real actions.
	LegacyFencedActions bool `json:"legacy_fenced_actions,omitempty"`
}

// DiagnosticsSection configures logging and tracing.
type DiagnosticsSection struct {
	Enabled          bool   `json:"enabled,omitempty"`
	LogToFile        bool   `json:"log_to_file,omitempty"`
	LogPath          string `json:"log_path,omitempty"`
	MaxContextTokens int    `json:"max_context_tokens,omitempty"`
	OTLPEndpoint     string `json:"otlp_endpoint,omitempty"`
	OTLPProtocol     string `json:"otlp_protocol,omitempty"` // "grpc" (default) or "http"
}

// PerformanceSection holds startup tuning knobs.
type PerformanceSection struct {
	FastStartup bool `json:"fast_startup,omitempty"`
}

// OutputSection holds rendering hints for UIs. The core never interprets them.
type OutputSection struct {
	PromptStyle     string `json:"prompt_style,omitempty"`
	ShowToolResults *bool  `json:"show_tool_results,omitempty"`
}

// Default returns a Config with package defaults (lowest layer).
func Default() *Config {
	return &Config{
		Model: ModelSection{
			Default:          "anthropic/claude-sonnet-4-20250514",
			Provider:         "anthropic",
			ClientPreference: "native",
		},
		Workspace: WorkspaceSection{
			Path:       "~/.penguin/workspace",
			CreateDirs: true,
			WriteRoot:  "workspace",
		},
		Sessions: SessionsSection{
			Backend: "file",
		},
		Checkpoints: CheckpointSection{
			Frequency: 1,
			MaxAuto:   200,
		},
		Engine: EngineSection{
			MaxIterations:      5,
			CompletionSentinel: "TASK_COMPLETED",
			ClarifySentinel:    "NEED_USER_CLARIFICATION",
			ToolTimeout:        "30s",
			ToolConcurrency:    4,
		},
	}
}

// WorkspacePath returns the expanded workspace root.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Workspace.Path)
}

// ConversationsDir returns the session snapshot directory.
func (c *Config) ConversationsDir() string {
	return filepath.Join(c.WorkspacePath(), "conversations")
}

// CheckpointsDir returns the checkpoint storage root.
func (c *Config) CheckpointsDir() string {
	return filepath.Join(c.WorkspacePath(), "checkpoints")
}

// LogsDir returns the diagnostics log directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.WorkspacePath(), "logs")
}

// ProjectRoot returns the project root (CWD env override, else configured, else cwd).
func (c *Config) ProjectRoot() string {
	if v := os.Getenv("CWD"); v != "" {
		return v
	}
	if c.Project.Root != "" {
		return ExpandHome(c.Project.Root)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// EnsureDirs creates the workspace directory tree when create_dirs is set.
func (c *Config) EnsureDirs() error {
	if !c.Workspace.CreateDirs {
		return nil
	}
	for _, dir := range []string{c.WorkspacePath(), c.ConversationsDir(), c.CheckpointsDir(), c.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	if c.Context.ScratchpadDir != "" {
		if err := os.MkdirAll(ExpandHome(c.Context.ScratchpadDir), 0o755); err != nil {
			return fmt.Errorf("create scratchpad dir: %w", err)
		}
	}
	return nil
}

// ExpandHome expands a leading "~/" to the user's home directory.
func ExpandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
