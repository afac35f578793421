package summarizer

import (
	"fmt"
	"strings"

	"github.com/oakmemory/oak/pkg/models"
)

// SystemPrompt instructs the model to extract durable project knowledge from
// one prompt batch and reply with strict JSON matching the result schema.
const SystemPrompt = `You are the memory extractor for a local developer-assist daemon. You receive one prompt an AI coding agent worked on, together with the tool executions it performed, and you extract durable project knowledge worth remembering across sessions.

Respond with a single JSON object and nothing else. No markdown fences, no prose. The object has this shape:

{
  "classification": "feature" | "exploration" | "bug_fix" | "refactor" | "unknown",
  "observations": [
    {
      "memory_type": "gotcha" | "bug_fix" | "decision" | "discovery" | "trade_off" | "session_summary" | "plan",
      "observation_text": "one self-contained sentence or two",
      "file_path": "optional path the observation is about",
      "tags": ["optional", "keywords"],
      "confidence": 0.0-1.0
    }
  ],
  "response_summary": "optional one-paragraph summary of what the agent did"
}

Guidelines:
- Extract only knowledge that stays true after this session: surprising behaviors (gotcha), root causes and their fixes (bug_fix), choices made and why (decision), how things work (discovery), accepted costs (trade_off).
- Write each observation so it makes sense without the conversation. Name files, functions, and error messages explicitly.
- Confidence reflects how certain you are the observation is correct and durable. Routine edits and transient state score low.
- An empty observations array is a valid answer for batches with nothing worth remembering.`

// maxActivityExcerpt bounds how much of each tool output reaches the model.
const maxActivityExcerpt = 600

// BuildUserPrompt renders the batch into the user message.
func BuildUserPrompt(req Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Agent: %s\n", orUnknown(req.AgentLabel))
	fmt.Fprintf(&b, "Prompt source: %s\n\n", req.PromptSource)

	b.WriteString("<prompt>\n")
	b.WriteString(req.PromptText)
	b.WriteString("\n</prompt>\n\n")

	if len(req.Activities) == 0 {
		b.WriteString("No tool executions were recorded for this prompt.\n")
	} else {
		fmt.Fprintf(&b, "<tool_executions count=\"%d\">\n", len(req.Activities))
		for _, act := range req.Activities {
			b.WriteString(formatActivity(act))
		}
		b.WriteString("</tool_executions>\n")
	}

	if req.SessionEnd {
		b.WriteString("\nThis batch ends the session. Include a response_summary describing what was accomplished.\n")
	}

	b.WriteString("\nExtract the observations as JSON.")
	return b.String()
}

func formatActivity(act models.Activity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- tool=%s", act.ToolName)
	if act.FilePath != "" {
		fmt.Fprintf(&b, " file=%s", act.FilePath)
	}
	if !act.Success {
		b.WriteString(" FAILED")
	}
	b.WriteString("\n")
	if act.ToolInput != "" {
		fmt.Fprintf(&b, "  input: %s\n", excerpt(act.ToolInput, maxActivityExcerpt))
	}
	if act.OutputSummary != "" {
		fmt.Fprintf(&b, "  output: %s\n", excerpt(act.OutputSummary, maxActivityExcerpt))
	}
	if act.ErrorMessage != "" {
		fmt.Fprintf(&b, "  error: %s\n", excerpt(act.ErrorMessage, maxActivityExcerpt))
	}
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func excerpt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
