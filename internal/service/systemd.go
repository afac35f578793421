package service

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// SystemdManager manages Linux systemd user services.
type SystemdManager struct{}

func (m *SystemdManager) Label() string { return "systemd" }

func (m *SystemdManager) unitPath(opts InstallOptions) string {
	return filepath.Join(opts.homeDir(), ".config", "systemd", "user",
		ServiceName(opts.ProjectRoot)+".service")
}

// Install writes the unit file, reloads the user daemon, and enables the
// service with --now.
func (m *SystemdManager) Install(opts InstallOptions) (*InstallResult, error) {
	args, err := opts.serveArguments()
	if err != nil {
		return nil, err
	}
	name := ServiceName(opts.ProjectRoot)
	unit := BuildSystemdUnit(name, args, opts.ProjectRoot, opts.Environment)

	path := m.unitPath(opts)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create unit dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
		return nil, fmt.Errorf("write unit file: %w", err)
	}

	result := &InstallResult{Path: path, ServiceName: name}
	if _, stderr, code := execSystemctl("--user", "daemon-reload"); code != 0 {
		result.Instructions = append(result.Instructions,
			"systemctl --user daemon-reload ("+strings.TrimSpace(stderr)+")")
	}
	if _, stderr, code := execSystemctl("--user", "enable", "--now", name+".service"); code != 0 {
		result.Instructions = append(result.Instructions,
			"systemctl --user enable --now "+name+".service ("+strings.TrimSpace(stderr)+")")
	}
	return result, nil
}

func (m *SystemdManager) Uninstall(opts InstallOptions) error {
	name := ServiceName(opts.ProjectRoot)
	execSystemctl("--user", "disable", "--now", name+".service")
	path := m.unitPath(opts)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	execSystemctl("--user", "daemon-reload")
	return nil
}

func (m *SystemdManager) Status(opts InstallOptions) (*Status, error) {
	name := ServiceName(opts.ProjectRoot)
	path := m.unitPath(opts)
	st := &Status{ServiceName: name, Path: path}
	if _, err := os.Stat(path); err == nil {
		st.Installed = true
	}
	stdout, _, code := execSystemctl("--user", "is-active", name+".service")
	state := strings.TrimSpace(stdout)
	st.Detail = state
	st.Running = code == 0 && state == "active"
	return st, nil
}

// BuildSystemdUnit renders a user unit that restarts the daemon on failure.
func BuildSystemdUnit(name string, programArgs []string, workingDir string, env map[string]string) string {
	var b strings.Builder
	b.WriteString("[Unit]\n")
	b.WriteString("Description=Oak memory daemon (" + name + ")\n")
	b.WriteString("After=network-online.target\n")
	b.WriteString("Wants=network-online.target\n\n")

	b.WriteString("[Service]\n")
	b.WriteString("Type=simple\n")
	b.WriteString("ExecStart=" + strings.Join(quoteArgs(programArgs), " ") + "\n")
	if workingDir != "" {
		b.WriteString("WorkingDirectory=" + workingDir + "\n")
	}
	for _, k := range sortedKeys(env) {
		b.WriteString("Environment=" + k + "=" + env[k] + "\n")
	}
	b.WriteString("Restart=on-failure\n")
	b.WriteString("RestartSec=5\n\n")

	b.WriteString("[Install]\n")
	b.WriteString("WantedBy=default.target\n")
	return b.String()
}

func quoteArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t\"") {
			out[i] = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		} else {
			out[i] = a
		}
	}
	return out
}

func execSystemctl(args ...string) (stdout, stderr string, code int) {
	cmd := exec.Command("systemctl", args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
		if stderr == "" {
			stderr = err.Error()
		}
	}
	return
}
