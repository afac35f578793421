// Package service installs Oak as a per-project user service so the daemon
// survives logouts and reboots. Linux uses systemd user units, macOS uses
// LaunchAgents.
package service

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
)

// Manager abstracts one platform's user-service mechanism.
type Manager interface {
	// Label names the mechanism for user-facing output.
	Label() string
	// Install writes the service file and starts the service.
	Install(opts InstallOptions) (*InstallResult, error)
	// Uninstall stops the service and removes its file.
	Uninstall(opts InstallOptions) error
	// Status reports whether the service file exists and the unit is loaded.
	Status(opts InstallOptions) (*Status, error)
}

// InstallOptions describes the daemon invocation to install.
type InstallOptions struct {
	// Executable is the oak binary path. Defaults to os.Executable.
	Executable string
	// ProjectRoot is the project the daemon observes. It also determines the
	// service name, so each project gets its own unit.
	ProjectRoot string
	// ConfigPath is passed through to "oak serve --config" when set.
	ConfigPath string
	// Environment is extra environment for the daemon (API keys).
	Environment map[string]string
	// HomeDir overrides the home directory (tests).
	HomeDir string
}

// InstallResult reports what Install wrote and any follow-up steps the user
// must run themselves.
type InstallResult struct {
	Path         string
	ServiceName  string
	Instructions []string
}

// Status is the installed/running state of a project's service.
type Status struct {
	ServiceName string
	Path        string
	Installed   bool
	Running     bool
	Detail      string
}

// ForPlatform returns the manager for the current OS.
func ForPlatform() (Manager, error) {
	switch runtime.GOOS {
	case "linux":
		return &SystemdManager{}, nil
	case "darwin":
		return &LaunchdManager{}, nil
	default:
		return nil, fmt.Errorf("user services are not supported on %s", runtime.GOOS)
	}
}

var serviceNameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// ServiceName derives a stable per-project service name: the sanitized
// project directory name plus a short hash of the full path, so two projects
// with the same directory name do not collide.
func ServiceName(projectRoot string) string {
	clean := filepath.Clean(projectRoot)
	base := strings.ToLower(filepath.Base(clean))
	base = serviceNameSanitizer.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "project"
	}
	h := fnv.New32a()
	h.Write([]byte(clean))
	return fmt.Sprintf("oak-%s-%08x", base, h.Sum32())
}

func (o InstallOptions) executable() (string, error) {
	if o.Executable != "" {
		return o.Executable, nil
	}
	return os.Executable()
}

func (o InstallOptions) homeDir() string {
	if o.HomeDir != "" {
		return o.HomeDir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return home
}

// serveArguments builds the daemon command line for the service file.
func (o InstallOptions) serveArguments() ([]string, error) {
	exe, err := o.executable()
	if err != nil {
		return nil, fmt.Errorf("resolve oak binary: %w", err)
	}
	args := []string{exe, "serve", "--project", filepath.Clean(o.ProjectRoot)}
	if o.ConfigPath != "" {
		args = append(args, "--config", o.ConfigPath)
	}
	return args, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
