// Command builders for the oak CLI. Every command except serve talks to an
// already-running daemon through its loopback port.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oakmemory/oak/internal/config"
	"github.com/oakmemory/oak/internal/daemon"
	"github.com/oakmemory/oak/pkg/models"
)

// buildServeCmd creates the "serve" command that runs the daemon in the
// foreground.
func buildServeCmd() *cobra.Command {
	var (
		configPath  string
		projectRoot string
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Oak daemon for a project",
		Long: `Run the Oak daemon in the foreground.

The daemon binds a loopback port derived from the project path, writes
oak.port and oak.pid into the project's data dir, and serves hook events
until SIGINT or SIGTERM.`,
		Example: `  # Serve the current directory
  oak serve

  # Serve another project with an explicit config
  oak serve --project ~/src/widget --config ~/src/widget/oak.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveProjectRoot(projectRoot)
			if err != nil {
				return err
			}
			cfg, err := config.Load(resolveConfigPath(configPath), root)
			if err != nil {
				return err
			}
			if debug {
				cfg.Logging.Level = "debug"
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (YAML or JSON5)")
	cmd.Flags().StringVarP(&projectRoot, "project", "p", "", "Project root to observe (default: current directory)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(runCtx)
}

// buildStatusCmd creates the "status" command.
func buildStatusCmd() *cobra.Command {
	var (
		configPath  string
		projectRoot string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's store and index counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialDaemon(configPath, projectRoot)
			if err != nil {
				return err
			}
			var status json.RawMessage
			if err := client.get(cmd.Context(), "/api/status", &status); err != nil {
				return err
			}
			var pretty map[string]any
			if err := json.Unmarshal(status, &pretty); err != nil {
				return err
			}
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&projectRoot, "project", "p", "", "Project root (default: current directory)")
	return cmd
}

// buildSearchCmd creates the "search" command.
func buildSearchCmd() *cobra.Command {
	var (
		configPath  string
		projectRoot string
		searchType  string
		filePath    string
		confidence  string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories and indexed code",
		Args:  cobra.ExactArgs(1),
		Example: `  # Search everything
  oak search "retry backoff for the embedding client"

  # Only memories about one file
  oak search "why the migration is split" --type memory --file internal/store/migrations.go`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialDaemon(configPath, projectRoot)
			if err != nil {
				return err
			}
			var result models.RetrievalResult
			err = client.post(cmd.Context(), "/api/search", map[string]any{
				"query":          args[0],
				"search_type":    searchType,
				"file_path":      filePath,
				"min_confidence": confidence,
				"limit":          limit,
			}, false, &result)
			if err != nil {
				return err
			}
			printSearchResult(cmd, &result)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&projectRoot, "project", "p", "", "Project root (default: current directory)")
	cmd.Flags().StringVar(&searchType, "type", "all", "Search type (all, code, memory, plans, sessions)")
	cmd.Flags().StringVar(&filePath, "file", "", "Restrict results to one file path")
	cmd.Flags().StringVar(&confidence, "min-confidence", "", "Confidence floor (high, medium, low)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum results per collection")
	return cmd
}

func printSearchResult(cmd *cobra.Command, result *models.RetrievalResult) {
	out := cmd.OutOrStdout()
	if result.Empty() {
		fmt.Fprintln(out, "No results.")
		return
	}
	if len(result.Memories) > 0 {
		fmt.Fprintln(out, "Memories:")
		for _, m := range result.Memories {
			printMemory(out, m)
		}
	}
	if len(result.Plans) > 0 {
		fmt.Fprintln(out, "Plans:")
		for _, m := range result.Plans {
			printMemory(out, m)
		}
	}
	if len(result.Code) > 0 {
		fmt.Fprintln(out, "Code:")
		for _, c := range result.Code {
			loc := fmt.Sprintf("%s:%d-%d", c.FilePath, c.StartLine, c.EndLine)
			if c.Symbol != "" {
				loc += " (" + c.Symbol + ")"
			}
			fmt.Fprintf(out, "  [%s] %s\n", c.Confidence, loc)
		}
	}
	if len(result.Sessions) > 0 {
		fmt.Fprintln(out, "Recent sessions:")
		for _, s := range result.Sessions {
			fmt.Fprintf(out, "  - %s\n", s.Summary)
		}
	}
}

func printMemory(out io.Writer, m models.MemoryResult) {
	text := m.Text
	if len(text) > 120 {
		text = text[:117] + "..."
	}
	suffix := ""
	if m.FilePath != "" {
		suffix = " (" + m.FilePath + ")"
	}
	fmt.Fprintf(out, "  [%s] [%s] %s%s\n", m.Confidence, m.MemoryType, text, suffix)
}

// buildRememberCmd creates the "remember" command for manual notes.
func buildRememberCmd() *cobra.Command {
	var (
		configPath  string
		projectRoot string
		memoryType  string
		filePath    string
		tags        []string
	)

	cmd := &cobra.Command{
		Use:   "remember [text]",
		Short: "Store a manual memory observation",
		Args:  cobra.ExactArgs(1),
		Example: `  oak remember "The auth module requires Redis" --type discovery --file src/auth.py`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialDaemon(configPath, projectRoot)
			if err != nil {
				return err
			}
			var obs models.Observation
			err = client.post(cmd.Context(), "/api/remember", map[string]any{
				"text":        args[0],
				"memory_type": memoryType,
				"file_path":   filePath,
				"tags":        tags,
			}, false, &obs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored observation %s\n", obs.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&projectRoot, "project", "p", "", "Project root (default: current directory)")
	cmd.Flags().StringVar(&memoryType, "type", "", "Memory type (discovery, decision, gotcha, bug_fix, trade_off, plan)")
	cmd.Flags().StringVar(&filePath, "file", "", "File path the memory is about")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag to attach (repeatable)")
	return cmd
}

// buildDevtoolsCmd creates the "devtools" command group. Every subcommand
// requires the daemon's confirmation header; the client sends it.
func buildDevtoolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devtools",
		Short: "Operator maintenance for the stores",
		Long: `Operator maintenance for the relational and vector stores.

These operations rewrite derived state. Observations stay durable; vector
entries and batch processing state are rebuilt from them.`,
	}
	cmd.AddCommand(
		buildRebuildIndexCmd(),
		buildRebuildMemoriesCmd(),
		buildResetProcessingCmd(),
		buildTriggerProcessingCmd(),
	)
	return cmd
}

func buildRebuildIndexCmd() *cobra.Command {
	var (
		configPath  string
		projectRoot string
	)
	cmd := &cobra.Command{
		Use:   "rebuild-index",
		Short: "Re-embed every indexed code chunk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevtool(cmd, configPath, projectRoot, "/api/devtools/rebuild-index", nil)
		},
	}
	addClientFlags(cmd, &configPath, &projectRoot)
	return cmd
}

func buildRebuildMemoriesCmd() *cobra.Command {
	var (
		configPath  string
		projectRoot string
	)
	cmd := &cobra.Command{
		Use:   "rebuild-memories",
		Short: "Re-embed every observation from the relational store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevtool(cmd, configPath, projectRoot, "/api/devtools/rebuild-memories", nil)
		},
	}
	addClientFlags(cmd, &configPath, &projectRoot)
	return cmd
}

func buildResetProcessingCmd() *cobra.Command {
	var (
		configPath    string
		projectRoot   string
		deleteDerived bool
	)
	cmd := &cobra.Command{
		Use:   "reset-processing",
		Short: "Reset processed batches so summarization runs again",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevtool(cmd, configPath, projectRoot, "/api/devtools/reset-processing",
				map[string]any{"delete_derived": deleteDerived})
		},
	}
	addClientFlags(cmd, &configPath, &projectRoot)
	cmd.Flags().BoolVar(&deleteDerived, "delete-derived", false,
		"Also delete batch-derived observations before reprocessing")
	return cmd
}

func buildTriggerProcessingCmd() *cobra.Command {
	var (
		configPath  string
		projectRoot string
	)
	cmd := &cobra.Command{
		Use:   "trigger-processing",
		Short: "Run a recovery pass immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevtool(cmd, configPath, projectRoot, "/api/devtools/trigger-processing", nil)
		},
	}
	addClientFlags(cmd, &configPath, &projectRoot)
	return cmd
}

func runDevtool(cmd *cobra.Command, configPath, projectRoot, path string, body map[string]any) error {
	client, err := dialDaemon(configPath, projectRoot)
	if err != nil {
		return err
	}
	if body == nil {
		body = map[string]any{}
	}
	var resp map[string]any
	if err := client.post(cmd.Context(), path, body, true, &resp); err != nil {
		return err
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// buildBackupCmd creates the "backup" command.
func buildBackupCmd() *cobra.Command {
	var (
		configPath  string
		projectRoot string
	)
	cmd := &cobra.Command{
		Use:   "backup [path]",
		Short: "Export the relational store to a SQL dump",
		Long: `Export the relational store to a SQL dump inside the project root.

Only the relational store is exported. Vector entries are derived state and
are rebuilt after restore with 'oak devtools rebuild-memories'.`,
		Args: cobra.ExactArgs(1),
		Example: `  oak backup .oak/backups/before-migration.sql`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialDaemon(configPath, projectRoot)
			if err != nil {
				return err
			}
			var resp map[string]string
			err = client.post(cmd.Context(), "/api/backup/export",
				map[string]any{"path": args[0]}, false, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup written: %s\n", resp["path"])
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &projectRoot)
	return cmd
}

// buildRestoreCmd creates the "restore" command.
func buildRestoreCmd() *cobra.Command {
	var (
		configPath  string
		projectRoot string
		force       bool
	)
	cmd := &cobra.Command{
		Use:   "restore [path]",
		Short: "Import a SQL dump into the relational store",
		Long: `Import a SQL dump produced by 'oak backup'.

Dumps are bound to the machine that produced them. Restoring another
machine's dump requires --force.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialDaemon(configPath, projectRoot)
			if err != nil {
				return err
			}
			var resp map[string]string
			err = client.post(cmd.Context(), "/api/restore/import",
				map[string]any{"path": args[0], "force": force}, false, &resp)
			if err != nil {
				if strings.Contains(err.Error(), "machine") {
					return fmt.Errorf("%w (use --force to restore a dump from another machine)", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored from: %s\n", resp["path"])
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &projectRoot)
	cmd.Flags().BoolVar(&force, "force", false, "Restore even if the dump came from another machine")
	return cmd
}

func addClientFlags(cmd *cobra.Command, configPath, projectRoot *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(projectRoot, "project", "p", "", "Project root (default: current directory)")
}
