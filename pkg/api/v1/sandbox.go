package v1

import "time"

// SessionInfo describes one live agent session.
type SessionInfo struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	AgentID      string    `json:"agent_id"`
	WorkDir      string    `json:"work_dir"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// PortBlock is a tenant's allocated port range, inclusive on both ends.
type PortBlock struct {
	TenantID string `json:"tenant_id"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// StreamFrame is one message on the exchange websocket. Event frames
// carry runtime output; the final frame is either a result or an error.
type StreamFrame struct {
	Type string `json:"type"` // event, result, error

	// Event payload fields, set when Type is "event".
	EventType  string                 `json:"event_type,omitempty"`
	Text       string                 `json:"text,omitempty"`
	ToolName   string                 `json:"tool_name,omitempty"`
	ToolInput  map[string]interface{} `json:"tool_input,omitempty"`
	ToolOutput string                 `json:"tool_output,omitempty"`

	// Result fields, set when Type is "result".
	ResumeToken string `json:"resume_token,omitempty"`

	// Error fields, set when Type is "error".
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
