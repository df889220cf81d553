package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Layer precedence, lowest to highest:
//  1. package defaults
//  2. user config       ~/.config/penguin/config.json
//  3. project config    .penguin/config.json
//  4. project local     .penguin/settings.local.json
//  5. explicit path     PENGUIN_CONFIG env var
//  6. env var overrides
//
// Files are JSON5 (comments and trailing commas tolerated). Missing files are
// skipped; malformed files fail the load.

// Load builds the merged configuration.
func Load() (*Config, error) {
	cfg := Default()

	for _, path := range layerPaths() {
		if err := overlayFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadFile builds a configuration from a single explicit file plus env overrides.
// Used by tests and the --config flag.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := overlayFile(cfg, path); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func layerPaths() []string {
	var paths []string

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "penguin", "config.json"))
	}

	projectRoot, err := os.Getwd()
	if err == nil {
		if v := os.Getenv("CWD"); v != "" {
			projectRoot = v
		}
		paths = append(paths,
			filepath.Join(projectRoot, ".penguin", "config.json"),
			filepath.Join(projectRoot, ".penguin", "settings.local.json"),
		)
	}

	if v := os.Getenv("PENGUIN_CONFIG"); v != "" {
		paths = append(paths, v)
	}
	return paths
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over all file layers.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("DEFAULT_MODEL", &c.Model.Default)
	envStr("DEFAULT_PROVIDER", &c.Model.Provider)
	envStr("CLIENT_PREFERENCE", &c.Model.ClientPreference)
	envStr("WORKSPACE", &c.Workspace.Path)
	envStr("WRITE_ROOT", &c.Workspace.WriteRoot)
	envStr("PENGUIN_POSTGRES_DSN", &c.Sessions.PostgresDSN)

	// Per-model overrides apply to the default model's config block.
	mc := c.ModelConfigs[c.Model.Default]
	changed := false
	if v := os.Getenv("MAX_OUTPUT_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			mc.MaxOutputTokens = n
			changed = true
		}
	}
	if v := os.Getenv("MAX_CONTEXT_WINDOW_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			mc.MaxContextWindowTokens = n
			changed = true
		}
	}
	if v := os.Getenv("TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			mc.Temperature = &f
			changed = true
		}
	}
	if v := os.Getenv("REASONING_ENABLED"); v != "" {
		enabled := v == "1" || v == "true"
		if mc.Reasoning == nil {
			mc.Reasoning = &ReasoningConfig{}
		}
		mc.Reasoning.Enabled = &enabled
		changed = true
	}
	if v := os.Getenv("REASONING_EFFORT"); v != "" {
		if mc.Reasoning == nil {
			mc.Reasoning = &ReasoningConfig{}
		}
		mc.Reasoning.Effort = v
		changed = true
	}
	if v := os.Getenv("REASONING_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			if mc.Reasoning == nil {
				mc.Reasoning = &ReasoningConfig{}
			}
			mc.Reasoning.MaxTokens = n
			changed = true
		}
	}
	if changed {
		if c.ModelConfigs == nil {
			c.ModelConfigs = make(map[string]ModelConfig)
		}
		c.ModelConfigs[c.Model.Default] = mc
	}

	envInt("PENGUIN_MAX_ITERATIONS", &c.Engine.MaxIterations)
}

// SkipSetup reports whether interactive setup should be skipped (NO_SETUP=1).
func SkipSetup() bool {
	return os.Getenv("NO_SETUP") == "1"
}
