package api

import (
	v1 "github.com/agentcell/agentcell/pkg/api/v1"
)

// CreateSessionRequest opens (or returns) a session. ResumeToken, when
// set, names the conversation to resume; a live session carrying a
// different token is rebuilt on the requested one.
type CreateSessionRequest struct {
	SessionID   string `json:"session_id" binding:"required"`
	TenantID    string `json:"tenant_id" binding:"required"`
	AgentID     string `json:"agent_id" binding:"required"`
	ResumeToken string `json:"resume_token"`
}

// ExchangeRequest runs one exchange against a session. Used both by the
// synchronous HTTP endpoint and as the first frame on the websocket.
type ExchangeRequest struct {
	TenantID    string `json:"tenant_id" binding:"required"`
	AgentID     string `json:"agent_id" binding:"required"`
	Message     string `json:"message" binding:"required"`
	ResumeToken string `json:"resume_token"`
}

// ExchangeResponse is the synchronous exchange result: all streamed
// events buffered, plus the resume token.
type ExchangeResponse struct {
	Events      []v1.StreamFrame `json:"events"`
	ResumeToken string           `json:"resume_token,omitempty"`
}

// SessionsListResponse lists live sessions.
type SessionsListResponse struct {
	Sessions []v1.SessionInfo `json:"sessions"`
	Total    int              `json:"total"`
}

// ProvisionResponse reports a provisioning run.
type ProvisionResponse struct {
	TenantID  string         `json:"tenant_id"`
	Username  string         `json:"username"`
	Supported bool           `json:"supported"`
	Degraded  bool           `json:"degraded"`
	Steps     []StepResponse `json:"steps"`
	Block     *v1.PortBlock  `json:"block,omitempty"`
}

// StepResponse is one provisioning step outcome.
type StepResponse struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped"`
	Detail  string `json:"detail,omitempty"`
}
