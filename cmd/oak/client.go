package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/oakmemory/oak/internal/config"
	"github.com/oakmemory/oak/internal/server"
)

// daemonClient talks to a running daemon found through the runtime files in
// the project's data dir.
type daemonClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// dialDaemon loads the config for projectRoot, reads the port and token files
// the daemon wrote at startup, and returns a client bound to it.
func dialDaemon(configPath, projectRoot string) (*daemonClient, error) {
	root, err := resolveProjectRoot(projectRoot)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(resolveConfigPath(configPath), root)
	if err != nil {
		return nil, err
	}
	port, err := server.ReadPortFile(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("no daemon running for %s (start one with 'oak serve'): %w", root, err)
	}
	token, err := server.ReadTokenFile(cfg.DataDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return &daemonClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func resolveProjectRoot(path string) (string, error) {
	if path == "" {
		return os.Getwd()
	}
	return filepath.Abs(path)
}

// get issues a GET and decodes the JSON response into out.
func (c *daemonClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// post issues a JSON POST. Auth and confirmation headers are added when the
// endpoint needs them.
func (c *daemonClient) post(ctx context.Context, path string, body any, confirm bool, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if confirm {
		req.Header.Set(server.ConfirmHeader, "yes")
	}
	return c.do(req, out)
}

func (c *daemonClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Detail != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, apiErr.Detail)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
