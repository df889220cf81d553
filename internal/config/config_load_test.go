package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	// JSON5: comments and trailing commas are tolerated.
	content := `{
		// local overrides
		model: { default: "openai/gpt-4o", provider: "openai" },
		workspace: { path: "` + dir + `", create_dirs: false, },
		engine: { max_iterations: 8 },
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Model.Default != "openai/gpt-4o" {
		t.Errorf("Model.Default = %q", cfg.Model.Default)
	}
	if cfg.Engine.MaxIterations != 8 {
		t.Errorf("Engine.MaxIterations = %d, want 8", cfg.Engine.MaxIterations)
	}
	// Untouched defaults survive the overlay.
	if cfg.Engine.CompletionSentinel != "TASK_COMPLETED" {
		t.Errorf("CompletionSentinel = %q", cfg.Engine.CompletionSentinel)
	}
	if cfg.Checkpoints.Frequency != 1 {
		t.Errorf("Checkpoints.Frequency = %d, want 1", cfg.Checkpoints.Frequency)
	}
}

func TestLoadFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Sessions.Backend != "file" {
		t.Errorf("Sessions.Backend = %q, want file", cfg.Sessions.Backend)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEFAULT_MODEL", "openai/gpt-4o")
	t.Setenv("WRITE_ROOT", "project")
	t.Setenv("MAX_OUTPUT_TOKENS", "2048")
	t.Setenv("REASONING_EFFORT", "high")

	cfg := Default()
	cfg.applyEnvOverrides()

	if cfg.Model.Default != "openai/gpt-4o" {
		t.Errorf("Model.Default = %q", cfg.Model.Default)
	}
	if cfg.Workspace.WriteRoot != "project" {
		t.Errorf("WriteRoot = %q, want project", cfg.Workspace.WriteRoot)
	}
	mc := cfg.ModelConfigs["openai/gpt-4o"]
	if mc.MaxOutputTokens != 2048 {
		t.Errorf("MaxOutputTokens = %d, want 2048", mc.MaxOutputTokens)
	}
	if mc.Reasoning == nil || mc.Reasoning.Effort != "high" {
		t.Errorf("Reasoning.Effort not applied: %+v", mc.Reasoning)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got := ExpandHome("~/.penguin/workspace")
	want := filepath.Join(home, ".penguin", "workspace")
	if got != want {
		t.Errorf("ExpandHome = %q, want %q", got, want)
	}
	if ExpandHome("/abs/path") != "/abs/path" {
		t.Error("absolute path must pass through")
	}
}
