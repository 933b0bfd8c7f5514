// Package protocol defines the method names and payload types of the
// stdio protocol spoken by the external agent runtime.
package protocol

// Client-to-runtime request methods
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionLoad   = "session/load"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
)

// Runtime-to-client methods
const (
	MethodSessionEvent      = "session/event"              // notification
	MethodRequestPermission = "session/request_permission" // request
)

// Event types carried by session/event notifications
const (
	EventText       = "text"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventResult     = "result"
	EventError      = "error"
)

// InitializeParams configures a new runtime process
type InitializeParams struct {
	ProtocolVersion int    `json:"protocol_version"`
	WorkingDir      string `json:"working_dir"`
}

// InitializeResult is the runtime's initialize response
type InitializeResult struct {
	ProtocolVersion int    `json:"protocol_version"`
	RuntimeVersion  string `json:"runtime_version,omitempty"`
}

// SessionNewParams starts a fresh conversation
type SessionNewParams struct {
	WorkingDir string `json:"working_dir"`
}

// SessionLoadParams resumes a prior conversation
type SessionLoadParams struct {
	ResumeToken string `json:"resume_token"`
	WorkingDir  string `json:"working_dir"`
}

// SessionResult is returned by session/new and session/load
type SessionResult struct {
	SessionID string `json:"session_id"`
}

// PromptParams submits a user message
type PromptParams struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// PromptResult ends an exchange
type PromptResult struct {
	StopReason  string `json:"stop_reason"` // end_turn, cancelled, error
	ResumeToken string `json:"resume_token,omitempty"`
}

// CancelParams aborts the in-flight exchange
type CancelParams struct {
	SessionID string `json:"session_id"`
}

// Event is a streamed session/event payload
type Event struct {
	Type        string                 `json:"type"`
	SessionID   string                 `json:"session_id,omitempty"`
	Text        string                 `json:"text,omitempty"`
	ToolName    string                 `json:"tool_name,omitempty"`
	ToolInput   map[string]interface{} `json:"tool_input,omitempty"`
	ToolOutput  string                 `json:"tool_output,omitempty"`
	ResumeToken string                 `json:"resume_token,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// PermissionParams is the runtime's request to execute a tool
type PermissionParams struct {
	SessionID string                 `json:"session_id"`
	ToolName  string                 `json:"tool_name"`
	Input     map[string]interface{} `json:"input"`
}

// PermissionResult is the tool-permission verdict
type PermissionResult struct {
	Behavior     string                 `json:"behavior"` // allow, deny
	UpdatedInput map[string]interface{} `json:"updated_input,omitempty"`
	Message      string                 `json:"message,omitempty"`
	SystemNote   string                 `json:"system_note,omitempty"`
}

// Permission behaviors
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// ProtocolVersion is the protocol revision this package implements
const ProtocolVersion = 1
