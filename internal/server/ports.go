package server

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Port derivation keeps one daemon per project on a stable port without
// coordination: hash the project path into a fixed range.
const (
	portRangeStart = 42000
	portRangeSize  = 5000
)

const (
	portFileName  = "oak.port"
	pidFileName   = "oak.pid"
	tokenFileName = "oak.token"
)

// DerivePort maps a project root to a deterministic loopback port, skipping
// the reserved relay port.
func DerivePort(projectRoot string, reserved int) int {
	h := fnv.New32a()
	h.Write([]byte(filepath.Clean(projectRoot)))
	port := portRangeStart + int(h.Sum32()%portRangeSize)
	if port == reserved {
		port = portRangeStart + (port-portRangeStart+1)%portRangeSize
	}
	return port
}

func writeRuntimeFiles(dataDir string, port int, token string) error {
	if dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, portFileName),
		[]byte(strconv.Itoa(port)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write port file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, pidFileName),
		[]byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	// Owner-only: the token gates every mutating endpoint.
	if err := os.WriteFile(filepath.Join(dataDir, tokenFileName),
		[]byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

func removeRuntimeFiles(dataDir string) {
	if dataDir == "" {
		return
	}
	os.Remove(filepath.Join(dataDir, portFileName))
	os.Remove(filepath.Join(dataDir, pidFileName))
	os.Remove(filepath.Join(dataDir, tokenFileName))
}

// ReadTokenFile returns the bearer token a running daemon recorded.
func ReadTokenFile(dataDir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, tokenFileName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// ReadPortFile returns the port a running daemon recorded for this data dir.
// The CLI uses it to find the daemon without configuration.
func ReadPortFile(dataDir string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, portFileName))
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse port file: %w", err)
	}
	return port, nil
}
