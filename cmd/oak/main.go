// Package main provides the CLI entry point for the Oak memory daemon.
//
// Oak observes AI coding agents through lifecycle hook events, records their
// activity in a local project store, distills completed work into memory
// observations, and injects relevant prior knowledge back into agent context.
//
// # Basic Usage
//
// Start the daemon for the current project:
//
//	oak serve
//
// Check daemon status:
//
//	oak status
//
// Search stored memories and indexed code:
//
//	oak search "retry backoff for the embedding client"
//
// # Environment Variables
//
//   - OAK_CONFIG: Path to configuration file (YAML or JSON5)
//   - ANTHROPIC_API_KEY: Anthropic API key for batch summarization
//   - OPENAI_API_KEY: OpenAI API key for summarization or embeddings
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oak",
		Short: "Oak - Project memory daemon for AI coding agents",
		Long: `Oak runs one daemon per project, listening on a loopback port derived
from the project path. Coding agents report lifecycle events to it; Oak
captures the activity, summarizes completed prompt batches into durable
memories, and returns relevant context on the next session.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildSearchCmd(),
		buildRememberCmd(),
		buildDevtoolsCmd(),
		buildBackupCmd(),
		buildRestoreCmd(),
		buildServiceCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "oak %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	return os.Getenv("OAK_CONFIG")
}
