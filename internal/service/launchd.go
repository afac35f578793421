package service

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// LaunchdManager manages macOS LaunchAgents.
type LaunchdManager struct{}

func (m *LaunchdManager) Label() string { return "LaunchAgent" }

func (m *LaunchdManager) plistPath(opts InstallOptions) string {
	return filepath.Join(opts.homeDir(), "Library", "LaunchAgents",
		launchdLabel(opts.ProjectRoot)+".plist")
}

func launchdLabel(projectRoot string) string {
	return "com.oakmemory." + ServiceName(projectRoot)
}

// Install writes the agent plist and loads it with launchctl bootstrap.
func (m *LaunchdManager) Install(opts InstallOptions) (*InstallResult, error) {
	args, err := opts.serveArguments()
	if err != nil {
		return nil, err
	}
	label := launchdLabel(opts.ProjectRoot)
	plist := BuildLaunchdPlist(label, args, opts.ProjectRoot, opts.Environment)

	path := m.plistPath(opts)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(plist), 0o644); err != nil {
		return nil, fmt.Errorf("write plist: %w", err)
	}

	result := &InstallResult{Path: path, ServiceName: label}
	domain := fmt.Sprintf("gui/%d", os.Getuid())
	// bootout first so a re-install picks up the new plist
	execLaunchctl("bootout", domain+"/"+label)
	if stderr, code := execLaunchctl("bootstrap", domain, path); code != 0 {
		result.Instructions = append(result.Instructions,
			"launchctl bootstrap "+domain+" "+path+" ("+strings.TrimSpace(stderr)+")")
	}
	return result, nil
}

func (m *LaunchdManager) Uninstall(opts InstallOptions) error {
	label := launchdLabel(opts.ProjectRoot)
	domain := fmt.Sprintf("gui/%d", os.Getuid())
	execLaunchctl("bootout", domain+"/"+label)
	path := m.plistPath(opts)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func (m *LaunchdManager) Status(opts InstallOptions) (*Status, error) {
	label := launchdLabel(opts.ProjectRoot)
	path := m.plistPath(opts)
	st := &Status{ServiceName: label, Path: path}
	if _, err := os.Stat(path); err == nil {
		st.Installed = true
	}
	domain := fmt.Sprintf("gui/%d", os.Getuid())
	stderr, code := execLaunchctl("print", domain+"/"+label)
	st.Running = code == 0
	if code != 0 {
		st.Detail = strings.TrimSpace(stderr)
	}
	return st, nil
}

// BuildLaunchdPlist renders a LaunchAgent plist with KeepAlive so launchd
// restarts the daemon when it exits.
func BuildLaunchdPlist(label string, programArgs []string, workingDir string, env map[string]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">` + "\n")
	b.WriteString(`<plist version="1.0">` + "\n<dict>\n")
	b.WriteString("\t<key>Label</key>\n\t<string>" + xmlEscape(label) + "</string>\n")
	b.WriteString("\t<key>ProgramArguments</key>\n\t<array>\n")
	for _, a := range programArgs {
		b.WriteString("\t\t<string>" + xmlEscape(a) + "</string>\n")
	}
	b.WriteString("\t</array>\n")
	if workingDir != "" {
		b.WriteString("\t<key>WorkingDirectory</key>\n\t<string>" + xmlEscape(workingDir) + "</string>\n")
	}
	if len(env) > 0 {
		b.WriteString("\t<key>EnvironmentVariables</key>\n\t<dict>\n")
		for _, k := range sortedKeys(env) {
			b.WriteString("\t\t<key>" + xmlEscape(k) + "</key>\n")
			b.WriteString("\t\t<string>" + xmlEscape(env[k]) + "</string>\n")
		}
		b.WriteString("\t</dict>\n")
	}
	b.WriteString("\t<key>RunAtLoad</key>\n\t<true/>\n")
	b.WriteString("\t<key>KeepAlive</key>\n\t<true/>\n")
	b.WriteString("</dict>\n</plist>\n")
	return b.String()
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func execLaunchctl(args ...string) (stderr string, code int) {
	cmd := exec.Command("launchctl", args...)
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf
	err := cmd.Run()
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
