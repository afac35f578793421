package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oakmemory/oak/pkg/models"
)

// maxPlanBytes caps how much attached plan content is stored.
const maxPlanBytes = 32 * 1024

// normalizeToolOutput returns the canonical output string. Shims may deliver
// the output inline or base64-encoded; both decode to the same string and are
// truncated to the summary budget.
func normalizeToolOutput(env *models.Envelope, budget int) (string, error) {
	out := env.ToolOutput
	if env.ToolOutputB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(env.ToolOutputB64)
		if err != nil {
			return "", fmt.Errorf("decode tool output: %w", err)
		}
		out = string(decoded)
	}
	return truncate(out, budget), nil
}

// normalizeToolInput replaces oversized payloads with a size placeholder so
// bulk file writes do not bloat the store.
func normalizeToolInput(input string, budget int) string {
	if budget > 0 && len(input) > budget {
		return fmt.Sprintf("<%d chars>", len(input))
	}
	return input
}

func truncate(s string, budget int) string {
	if budget <= 0 || len(s) <= budget {
		return s
	}
	return s[:budget] + "..."
}

// extractFilePath pulls the target file path out of a JSON tool input. Shims
// disagree on the key name.
func extractFilePath(toolInput string) string {
	var fields map[string]any
	if err := json.Unmarshal([]byte(toolInput), &fields); err != nil {
		return ""
	}
	for _, key := range []string{"file_path", "filePath", "path", "notebook_path"} {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// extractFileContent pulls the written content out of a JSON tool input, used
// when a plan file write is captured.
func extractFileContent(toolInput string) string {
	var fields map[string]any
	if err := json.Unmarshal([]byte(toolInput), &fields); err != nil {
		return ""
	}
	for _, key := range []string{"content", "new_string", "text"} {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// fileTouchingTools are the tool names whose activities carry a file path and
// trigger file-scoped retrieval.
var fileTouchingTools = map[string]bool{
	"read":  true,
	"edit":  true,
	"write": true,
}

func isFileTouchingTool(name string) bool {
	return fileTouchingTools[strings.ToLower(name)]
}

var fileWritingTools = map[string]bool{
	"edit":  true,
	"write": true,
}

func isFileWritingTool(name string) bool {
	return fileWritingTools[strings.ToLower(name)]
}

// isPlanFile reports whether path sits under one of the configured plan
// directories, resolved against the project root for relative paths.
func isPlanFile(projectRoot string, planDirs []string, path string) bool {
	if path == "" {
		return false
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(projectRoot, abs)
	}
	for _, dir := range planDirs {
		planDir := dir
		if !filepath.IsAbs(planDir) {
			planDir = filepath.Join(projectRoot, planDir)
		}
		rel, err := filepath.Rel(planDir, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// classifyPrompt decides the batch's prompt source and, for plan prompts,
// loads the referenced plan content. A prompt is a plan prompt when its first
// token is a path under a plan directory.
func classifyPrompt(projectRoot string, planDirs []string, env *models.Envelope) (models.PromptSource, string) {
	if env.HookOrigin == "internal" {
		return models.PromptInternal, ""
	}

	fields := strings.Fields(env.Prompt)
	if len(fields) > 0 && isPlanFile(projectRoot, planDirs, fields[0]) {
		content := readPlanFile(projectRoot, fields[0])
		return models.PromptPlan, content
	}
	return models.PromptUser, ""
}

func readPlanFile(projectRoot, path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectRoot, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return truncate(string(data), maxPlanBytes)
}
