package registry

import (
	"context"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/agentcell/agentcell/internal/common/errors"
	"github.com/agentcell/agentcell/internal/events"
	"github.com/agentcell/agentcell/internal/session/runtime"
)

// fatalPatterns are error substrings that mean the runtime process is
// dead under the exchange rather than the exchange itself failing.
// Matched case-insensitively against the whole error chain.
var fatalPatterns = []string{
	"cannot write to terminated process",
	"terminated process",
	"message reader",
	"exit code",
}

// isFatalTransport reports whether the error indicates a dead runtime.
func isFatalTransport(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// RunExchange runs one serialized exchange against the session: at most
// one exchange is in flight per session id, enforced by the per-session
// lock held for the whole call. A non-empty resumeToken selects the
// conversation; a live session on a different one is rebuilt first. If
// the runtime died underneath the exchange the session is torn down,
// its resume token cleared, and the exchange retried once on a fresh
// runtime; a second failure surfaces as a transport error.
func (r *Registry) RunExchange(ctx context.Context, sessionID, tenantID, agentID, resumeToken, message string, emit runtime.EmitFunc) (string, error) {
	lock := r.locks.get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := r.getOrCreate(ctx, sessionID, tenantID, agentID, resumeToken, false)
	if err != nil {
		return "", err
	}

	token, err := s.client.Query(ctx, message, emit)
	if err == nil {
		return token, r.finishExchange(ctx, s, token)
	}
	if !isFatalTransport(err) {
		s.Touch()
		return "", apperrors.Wrap(err, "exchange failed")
	}

	r.logger.Warn("runtime died under exchange, recreating",
		zap.String("session_id", sessionID),
		zap.String("tenant_id", tenantID),
		zap.Error(err))

	// The dead runtime's conversation state is gone with it; resuming
	// from the old token would fail the same way.
	r.closeSession(ctx, s, events.SessionClosed)
	if clearErr := r.tokens.Clear(ctx, sessionID); clearErr != nil {
		r.logger.Error("failed to clear resume token",
			zap.String("session_id", sessionID),
			zap.Error(clearErr))
	}

	s, err = r.getOrCreate(ctx, sessionID, tenantID, agentID, "", true)
	if err != nil {
		return "", apperrors.TransportFatal("agent runtime could not be restarted", err)
	}

	token, err = s.client.Query(ctx, message, emit)
	if err != nil {
		r.closeSession(ctx, s, events.SessionClosed)
		return "", apperrors.TransportFatal("agent runtime failed twice on this exchange", err)
	}
	return token, r.finishExchange(ctx, s, token)
}

// finishExchange records activity and persists the new resume token.
func (r *Registry) finishExchange(ctx context.Context, s *Session, token string) error {
	s.Touch()
	if token == "" {
		return nil
	}
	s.setResumeToken(token)
	if err := r.tokens.Set(ctx, s.ID, s.TenantID, token); err != nil {
		// Losing the token degrades resume, not the exchange itself.
		r.logger.Error("failed to persist resume token",
			zap.String("session_id", s.ID),
			zap.Error(err))
	}
	return nil
}
