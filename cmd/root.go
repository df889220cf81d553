// Package cmd implements the penguin CLI: an interactive chat host plus
// session, checkpoint, and model management over the core runtime.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Maximooch/penguin/internal/bus"
	"github.com/Maximooch/penguin/internal/config"
	"github.com/Maximooch/penguin/internal/core"
	"github.com/Maximooch/penguin/internal/telemetry"
)

// Version is set at build time via -ldflags "-X github.com/Maximooch/penguin/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "penguin",
	Short: "Penguin, an AI coding assistant runtime",
	Long:  "Penguin: an agentic runtime with a provider-agnostic LLM gateway, budgeted context windows, checkpointed conversations, and sandboxed tool execution.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context(), "")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: layered lookup, PENGUIN_CONFIG override)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(checkpointsCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("penguin %s\n", Version)
		},
	}
}

// loadConfig builds the merged configuration and applies the logging setup.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return cfg, nil
}

// setupLogging routes slog to stderr, optionally teeing into the diagnostics
// log file.
func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if cfg.Diagnostics.LogToFile {
		path := cfg.Diagnostics.LogPath
		if path == "" {
			path = filepath.Join(cfg.LogsDir(), "diagnostics.log")
		}
		rotateIfLarge(path)
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			out = io.MultiWriter(os.Stderr, f)
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}

const (
	maxLogSize    = 5 << 20
	maxLogBackups = 3
)

// rotateIfLarge shifts diagnostics.log into numbered backups once it passes
// 5 MB. Rotation happens only at startup; a single long session can exceed
// the cap.
func rotateIfLarge(path string) {
	info, err := os.Stat(path)
	if err != nil || info.Size() < maxLogSize {
		return
	}
	for i := maxLogBackups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	os.Rename(path, path+".1")
}

// bootCore builds the runtime: config, telemetry, bus, core.
func bootCore(ctx context.Context) (*core.Core, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Diagnostics, Version)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	events := bus.New()
	c, err := core.New(ctx, cfg, events)
	if err != nil {
		shutdownTracing(ctx)
		return nil, nil, err
	}

	cleanup := func() {
		c.Close()
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Debug("tracer shutdown", "error", err)
		}
	}
	return c, cleanup, nil
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
