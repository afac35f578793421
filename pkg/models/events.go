package models

// HookEvent names the lifecycle event a hook delivery carries.
type HookEvent string

const (
	EventSessionStart   HookEvent = "session-start"
	EventPromptSubmit   HookEvent = "prompt-submit"
	EventPostToolUse    HookEvent = "post-tool-use"
	EventPostToolFail   HookEvent = "post-tool-use-failure"
	EventStop           HookEvent = "stop"
	EventSessionEnd     HookEvent = "session-end"
	EventSubagentStart  HookEvent = "subagent-start"
	EventSubagentStop   HookEvent = "subagent-stop"
	EventPreCompact     HookEvent = "pre-compact"
	EventNotify         HookEvent = "notify"
)

// Envelope is the normalized JSON body every hook endpoint accepts. Agent
// shims map their native payloads onto this shape; SessionID falls back to
// ConversationID when absent.
type Envelope struct {
	Agent          string    `json:"agent"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	GenerationID   string    `json:"generation_id,omitempty"`
	ToolUseID      string    `json:"tool_use_id,omitempty"`
	HookOrigin     string    `json:"hook_origin,omitempty"`
	HookEventName  HookEvent `json:"hook_event_name,omitempty"`

	// session-start
	Source string `json:"source,omitempty"`

	// prompt-submit
	Prompt string `json:"prompt,omitempty"`

	// post-tool-use / post-tool-use-failure
	ToolName      string `json:"tool_name,omitempty"`
	ToolInput     string `json:"tool_input,omitempty"`
	ToolOutput    string `json:"tool_output,omitempty"`
	ToolOutputB64 string `json:"tool_output_b64,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`

	// subagent-start / subagent-stop
	SubagentID string `json:"subagent_id,omitempty"`

	// notify
	ThreadID             string `json:"thread-id,omitempty"`
	Cwd                  string `json:"cwd,omitempty"`
	LastAssistantMessage string `json:"last-assistant-message,omitempty"`
}

// EffectiveSessionID returns the session identifier, preferring the explicit
// session_id and falling back to conversation_id.
func (e *Envelope) EffectiveSessionID() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.ConversationID
}

// HookResponse is the envelope every hook endpoint returns. Hook callers must
// never be blocked by daemon errors, so Status is "ok" even on recoverable
// failures and Detail carries the structured reason.
type HookResponse struct {
	Status          string `json:"status"`
	Detail          string `json:"detail,omitempty"`
	InjectedContext string `json:"injected_context,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	PromptBatchID   int64  `json:"prompt_batch_id,omitempty"`
	ProjectRoot     string `json:"project_root,omitempty"`
	IndexedChunks   int64  `json:"indexed_chunks,omitempty"`
}
