package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
)

// Client preference values.
const (
	ClientNative     = "native"
	ClientOpenRouter = "openrouter"
	ClientLiteLLM    = "litellm"
)

// Reasoning styles.
const (
	ReasoningEffort    = "effort"
	ReasoningMaxTokens = "max_tokens"
	ReasoningNone      = "none"
)

// DefaultSafetyFraction is the share of the provider context window reserved
// for conversation history.
const DefaultSafetyFraction = 0.85

// ModelSpec is an immutable per-model capability descriptor.
type ModelSpec struct {
	ModelID          string // config key, e.g. "anthropic/claude-sonnet-4-20250514"
	Model            string // provider-facing model name
	Provider         string
	ClientPreference string

	MaxContextWindowTokens int
	MaxOutputTokens        int
	MaxHistoryTokens       int // floor(window × safety fraction)

	SupportsStreaming bool
	SupportsVision    bool
	SupportsToolCalls bool
	SupportsReasoning bool

	ReasoningStyle     string // "effort", "max_tokens", "none"
	ReasoningEffort    string // "low", "medium", "high" (effort style)
	ReasoningMaxTokens int    // max_tokens style
	ExcludeReasoning   bool   // do not persist reasoning output

	Temperature *float64

	APIBase string
	APIKey  string
}

// ConfigError reports a bad or missing configuration value. Fatal at boot.
type ConfigError struct {
	Key string
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Msg)
}

// Resolver resolves model ids to immutable ModelSpecs. Resolution is pure and
// cached; the cache is invalidated by swapping the Resolver on config reload.
type Resolver struct {
	cfg   *Config
	mu    sync.Mutex
	cache map[string]*ModelSpec
}

func NewResolver(cfg *Config) *Resolver {
	return &Resolver{cfg: cfg, cache: make(map[string]*ModelSpec)}
}

// Resolve returns the ModelSpec for a model id.
func (r *Resolver) Resolve(modelID string) (*ModelSpec, error) {
	if modelID == "" {
		modelID = r.cfg.Model.Default
	}
	if modelID == "" {
		return nil, &ConfigError{Key: "model.default", Msg: "no model configured"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if spec, ok := r.cache[modelID]; ok {
		return spec, nil
	}

	spec, err := r.build(modelID)
	if err != nil {
		return nil, err
	}
	r.cache[modelID] = spec
	return spec, nil
}

func (r *Resolver) build(modelID string) (*ModelSpec, error) {
	mc, hasBlock := r.cfg.ModelConfigs[modelID]
	if !hasBlock && modelID != r.cfg.Model.Default {
		return nil, &ConfigError{Key: "model_configs." + modelID, Msg: "unknown model id"}
	}

	spec := &ModelSpec{
		ModelID:          modelID,
		Model:            mc.Model,
		Provider:         mc.Provider,
		ClientPreference: mc.ClientPreference,
		APIBase:          mc.APIBase,
		Temperature:      mc.Temperature,

		MaxContextWindowTokens: mc.MaxContextWindowTokens,
		MaxOutputTokens:        mc.MaxOutputTokens,
	}

	if spec.Model == "" {
		// "provider/name" ids carry the provider name; bare ids are passed through.
		if _, name, ok := strings.Cut(modelID, "/"); ok {
			spec.Model = name
		} else {
			spec.Model = modelID
		}
	}
	if spec.Provider == "" {
		if prov, _, ok := strings.Cut(modelID, "/"); ok {
			spec.Provider = prov
		} else {
			spec.Provider = r.cfg.Model.Provider
		}
	}
	if spec.Provider == "" {
		return nil, &ConfigError{Key: "model_configs." + modelID + ".provider", Msg: "provider is required"}
	}
	if spec.ClientPreference == "" {
		spec.ClientPreference = r.cfg.Model.ClientPreference
	}
	if spec.ClientPreference == "" {
		spec.ClientPreference = ClientNative
	}
	switch spec.ClientPreference {
	case ClientNative, ClientOpenRouter, ClientLiteLLM:
	default:
		return nil, &ConfigError{
			Key: "model_configs." + modelID + ".client_preference",
			Msg: fmt.Sprintf("unknown client preference %q", spec.ClientPreference),
		}
	}

	if spec.MaxContextWindowTokens <= 0 {
		spec.MaxContextWindowTokens = defaultContextWindow(spec.Model)
	}
	if spec.MaxOutputTokens <= 0 {
		spec.MaxOutputTokens = 8192
	}

	fraction := mc.SafetyFraction
	if fraction == 0 {
		fraction = DefaultSafetyFraction
	}
	fraction = clampFraction(fraction)
	spec.MaxHistoryTokens = int(math.Floor(float64(spec.MaxContextWindowTokens) * fraction))

	// Capability flags: default on for streaming/tools, vision per config.
	spec.SupportsStreaming = mc.StreamingEnabled == nil || *mc.StreamingEnabled
	spec.SupportsToolCalls = true
	spec.SupportsVision = mc.VisionEnabled != nil && *mc.VisionEnabled

	applyReasoning(spec, mc.Reasoning)

	spec.APIKey = resolveAPIKey(spec.Provider, mc.APIKeyEnv)

	if spec.MaxHistoryTokens > spec.MaxContextWindowTokens {
		// Cannot happen with a clamped fraction; guard the invariant anyway.
		spec.MaxHistoryTokens = spec.MaxContextWindowTokens
	}

	return spec, nil
}

// applyReasoning sets the reasoning style: explicit config wins, otherwise
// model-family auto-detection.
func applyReasoning(spec *ModelSpec, rc *ReasoningConfig) {
	style, effort, maxTokens := detectReasoning(spec.Model)

	if rc != nil {
		if rc.Enabled != nil && !*rc.Enabled {
			spec.ReasoningStyle = ReasoningNone
			return
		}
		spec.ExcludeReasoning = rc.Exclude
		if rc.Effort != "" {
			spec.SupportsReasoning = true
			spec.ReasoningStyle = ReasoningEffort
			spec.ReasoningEffort = rc.Effort
			return
		}
		if rc.MaxTokens > 0 {
			spec.SupportsReasoning = true
			spec.ReasoningStyle = ReasoningMaxTokens
			spec.ReasoningMaxTokens = rc.MaxTokens
			return
		}
		if rc.Enabled != nil && *rc.Enabled && style == ReasoningNone {
			// Enabled without a style: fall back to a token budget.
			style, effort, maxTokens = ReasoningMaxTokens, "", 8192
		}
	}

	spec.ReasoningStyle = style
	spec.ReasoningEffort = effort
	spec.ReasoningMaxTokens = maxTokens
	spec.SupportsReasoning = style != ReasoningNone
}

// detectReasoning guesses the reasoning style from the model family.
func detectReasoning(model string) (style, effort string, maxTokens int) {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4") ||
		strings.HasPrefix(m, "gpt-5"):
		return ReasoningEffort, "medium", 0
	case strings.Contains(m, "claude-3-7") || strings.Contains(m, "claude-opus-4") ||
		strings.Contains(m, "claude-sonnet-4") || strings.Contains(m, "deepseek-r1") ||
		strings.Contains(m, "think"):
		return ReasoningMaxTokens, "", 8192
	default:
		return ReasoningNone, "", 0
	}
}

// defaultContextWindow returns a conservative provider capacity when config
// does not specify one.
func defaultContextWindow(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return 200_000
	case strings.HasPrefix(m, "gpt-4o") || strings.HasPrefix(m, "gpt-4.1") || strings.HasPrefix(m, "gpt-5"):
		return 128_000
	case strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4"):
		return 200_000
	case strings.Contains(m, "gemini"):
		return 1_000_000
	default:
		return 128_000
	}
}

func clampFraction(f float64) float64 {
	if f < 0.5 {
		return 0.5
	}
	if f > 0.95 {
		return 0.95
	}
	return f
}

// resolveAPIKey reads the key from the configured env var, else the
// provider-conventional one.
func resolveAPIKey(provider, keyEnv string) string {
	if keyEnv != "" {
		return os.Getenv(keyEnv)
	}
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "litellm":
		return os.Getenv("LITELLM_API_KEY")
	default:
		return os.Getenv(strings.ToUpper(provider) + "_API_KEY")
	}
}
