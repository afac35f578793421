// Service installation commands: run the daemon as a per-project user
// service (systemd on Linux, LaunchAgent on macOS).
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oakmemory/oak/internal/service"
)

func buildServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Run the daemon as a user service",
		Long: `Install, remove, or inspect a user service that keeps the daemon
running for one project. Each project gets its own unit, named from the
project path.`,
	}
	cmd.AddCommand(
		buildServiceInstallCmd(),
		buildServiceUninstallCmd(),
		buildServiceStatusCmd(),
	)
	return cmd
}

func buildServiceInstallCmd() *cobra.Command {
	var (
		configPath  string
		projectRoot string
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install and start the service for a project",
		Example: `  # Keep the daemon running for the current project
  oak service install`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveProjectRoot(projectRoot)
			if err != nil {
				return err
			}
			mgr, err := service.ForPlatform()
			if err != nil {
				return err
			}
			result, err := mgr.Install(service.InstallOptions{
				ProjectRoot: root,
				ConfigPath:  resolveConfigPath(configPath),
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s service installed: %s\n", mgr.Label(), result.Path)
			if len(result.Instructions) > 0 {
				fmt.Fprintln(out, "Run manually:")
				for _, step := range result.Instructions {
					fmt.Fprintf(out, "  - %s\n", step)
				}
			}
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &projectRoot)
	return cmd
}

func buildServiceUninstallCmd() *cobra.Command {
	var (
		configPath  string
		projectRoot string
	)
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveProjectRoot(projectRoot)
			if err != nil {
				return err
			}
			mgr, err := service.ForPlatform()
			if err != nil {
				return err
			}
			if err := mgr.Uninstall(service.InstallOptions{ProjectRoot: root}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s service removed.\n", mgr.Label())
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &projectRoot)
	return cmd
}

func buildServiceStatusCmd() *cobra.Command {
	var (
		configPath  string
		projectRoot string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the service state for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveProjectRoot(projectRoot)
			if err != nil {
				return err
			}
			mgr, err := service.ForPlatform()
			if err != nil {
				return err
			}
			st, err := mgr.Status(service.InstallOptions{ProjectRoot: root})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service: %s (%s)\n", st.ServiceName, mgr.Label())
			fmt.Fprintf(out, "File:    %s\n", st.Path)
			fmt.Fprintf(out, "Installed: %v\n", st.Installed)
			running := "stopped"
			if st.Running {
				running = "running"
			}
			if st.Detail != "" {
				fmt.Fprintf(out, "State:   %s (%s)\n", running, st.Detail)
			} else {
				fmt.Fprintf(out, "State:   %s\n", running)
			}
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &projectRoot)
	return cmd
}
