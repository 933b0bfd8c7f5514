// Package runtime manages the external agent runtime process for one
// session: spawning it, speaking the stdio protocol, streaming events,
// and tearing it down.
package runtime

import (
	"context"

	"github.com/agentcell/agentcell/pkg/agentrt/protocol"
)

// PermissionFunc decides whether the runtime may execute a tool. The
// session registry binds the tenant identity and workspace into this
// closure when the client is created.
type PermissionFunc func(ctx context.Context, toolName string, input map[string]interface{}) protocol.PermissionResult

// EmitFunc receives streamed events during an exchange. Returning an
// error aborts the exchange.
type EmitFunc func(event protocol.Event) error

// Client is one connection to an agent runtime process.
type Client interface {
	// Connect spawns the process, initializes the protocol, and creates
	// or resumes the conversation.
	Connect(ctx context.Context) error

	// Query runs one exchange: it submits the message, streams events to
	// emit until the runtime finishes, and returns the resume token for
	// the next conversation turn.
	Query(ctx context.Context, message string, emit EmitFunc) (string, error)

	// Cancel aborts the in-flight exchange, if any.
	Cancel(ctx context.Context) error

	// Disconnect shuts the process down gracefully.
	Disconnect() error

	// Kill force-terminates the process.
	Kill() error
}

// Options configures a runtime client.
type Options struct {
	// Command and Args name the runtime binary.
	Command string
	Args    []string

	// WorkingDir is the session workspace the runtime operates in.
	WorkingDir string

	// ResumeToken, when non-empty, resumes a prior conversation.
	ResumeToken string

	// Permission gates tool execution. Nil allows everything.
	Permission PermissionFunc
}
