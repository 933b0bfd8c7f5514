// Package registry tracks live agent sessions. Each session owns one
// runtime process; the registry creates sessions on demand, serializes
// their exchanges, recovers from dead runtimes, and reaps idle ones.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentcell/agentcell/internal/common/config"
	apperrors "github.com/agentcell/agentcell/internal/common/errors"
	"github.com/agentcell/agentcell/internal/common/logger"
	"github.com/agentcell/agentcell/internal/events"
	"github.com/agentcell/agentcell/internal/events/bus"
	"github.com/agentcell/agentcell/internal/sandbox/cmdwrap"
	"github.com/agentcell/agentcell/internal/sandbox/identity"
	"github.com/agentcell/agentcell/internal/sandbox/provision"
	"github.com/agentcell/agentcell/internal/session/runtime"
	"github.com/agentcell/agentcell/internal/session/store"
	"github.com/agentcell/agentcell/pkg/agentrt/protocol"
)

// ClientFactory builds a runtime client for one session. Swapped for a
// fake in tests.
type ClientFactory func(opts runtime.Options) runtime.Client

// Session is one live conversation bound to a runtime process.
type Session struct {
	ID        string
	TenantID  string
	AgentID   string
	WorkDir   string
	CreatedAt time.Time

	client runtime.Client

	mu           sync.Mutex
	lastActivity time.Time
	resumeToken  string
}

// Touch records activity, deferring the idle reaper.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the session's last exchange.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ResumeToken returns the conversation token the live runtime carries.
func (s *Session) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

func (s *Session) setResumeToken(token string) {
	s.mu.Lock()
	s.resumeToken = token
	s.mu.Unlock()
}

// Registry is the session table plus everything needed to build and
// tear down sessions.
type Registry struct {
	cfg         *config.Config
	provisioner *provision.Provisioner
	tokens      store.TokenStore
	checker     *cmdwrap.Checker
	factory     ClientFactory
	eventBus    bus.EventBus
	logger      *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	locks *lockTable
}

// NewRegistry creates a registry. factory may be nil, in which case
// sessions run the configured runtime binary over stdio.
func NewRegistry(cfg *config.Config, provisioner *provision.Provisioner, tokens store.TokenStore, checker *cmdwrap.Checker, factory ClientFactory, eventBus bus.EventBus, log *logger.Logger) *Registry {
	r := &Registry{
		cfg:         cfg,
		provisioner: provisioner,
		tokens:      tokens,
		checker:     checker,
		factory:     factory,
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "session-registry")),
		sessions:    make(map[string]*Session),
		locks:       newLockTable(),
	}
	if r.factory == nil {
		r.factory = func(opts runtime.Options) runtime.Client {
			return runtime.NewStdioClient(opts, log)
		}
	}
	return r
}

// Get returns a live session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ListForTenant returns a snapshot of the tenant's live sessions.
func (r *Registry) ListForTenant(tenantID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// GetOrCreate returns the live session, creating and connecting it if
// needed. Creation provisions the tenant first; a pool-exhaustion error
// from provisioning propagates to the caller. A non-empty resumeToken
// names the conversation the caller wants: a live session carrying a
// different token is torn down and rebuilt on the requested one.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID, tenantID, agentID, resumeToken string) (*Session, error) {
	lock := r.locks.get(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return r.getOrCreate(ctx, sessionID, tenantID, agentID, resumeToken, false)
}

// getOrCreate does the real work. Caller holds the session lock.
// freshStart skips the stored resume token.
func (r *Registry) getOrCreate(ctx context.Context, sessionID, tenantID, agentID, requestedToken string, freshStart bool) (*Session, error) {
	r.mu.RLock()
	existing, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		if existing.TenantID != tenantID {
			return nil, apperrors.Conflict(fmt.Sprintf("session %s belongs to another tenant", sessionID))
		}
		if requestedToken == "" || existing.ResumeToken() == requestedToken {
			return existing, nil
		}
		// The runtime binds its conversation at connect time, so honoring
		// a different token means a rebuild, not an in-place switch.
		r.logger.Info("resume mismatch, rebuilding session",
			zap.String("session_id", sessionID),
			zap.String("tenant_id", tenantID))
		r.closeSession(ctx, existing, events.SessionClosed)
	}

	report, err := r.provisioner.EnsureTenantIsolation(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	workdir, err := r.provisioner.EnsureAgentWorkspace(ctx, tenantID, agentID)
	if err != nil {
		return nil, apperrors.InternalError("failed to prepare session workspace", err)
	}

	resumeToken := requestedToken
	if resumeToken == "" && !freshStart {
		token, found, err := r.tokens.Get(ctx, sessionID)
		if err != nil {
			r.logger.Warn("resume token lookup failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
		} else if found {
			resumeToken = token
		}
	}

	client, resumeToken, err := r.connectClient(ctx, sessionID, tenantID, workdir, resumeToken)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:           sessionID,
		TenantID:     tenantID,
		AgentID:      agentID,
		WorkDir:      workdir,
		CreatedAt:    time.Now(),
		client:       client,
		lastActivity: time.Now(),
		resumeToken:  resumeToken,
	}

	r.mu.Lock()
	r.sessions[sessionID] = s
	r.mu.Unlock()

	r.publish(ctx, events.SessionCreated, s, map[string]interface{}{
		"resumed":  resumeToken != "",
		"degraded": report.Degraded(),
	})

	r.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("tenant_id", tenantID),
		zap.String("agent_id", agentID),
		zap.Bool("resumed", resumeToken != ""))
	return s, nil
}

// connectClient builds and connects a runtime client, returning the
// resume token the connection actually carries. A stale resume token is
// cleared and the connect retried fresh.
func (r *Registry) connectClient(ctx context.Context, sessionID, tenantID, workdir, resumeToken string) (runtime.Client, string, error) {
	opts := runtime.Options{
		Command:     r.cfg.Runtime.Command,
		Args:        r.cfg.Runtime.Args,
		WorkingDir:  workdir,
		ResumeToken: resumeToken,
		Permission:  r.permissionFunc(tenantID, workdir),
	}

	client := r.factory(opts)
	err := client.Connect(ctx)
	if err == nil {
		return client, resumeToken, nil
	}

	if resumeToken != "" && errors.Is(err, runtime.ErrResumeFailed) {
		r.logger.Warn("stale resume token, starting fresh",
			zap.String("session_id", sessionID),
			zap.Error(err))
		client.Kill()
		if clearErr := r.tokens.Clear(ctx, sessionID); clearErr != nil {
			r.logger.Error("failed to clear resume token",
				zap.String("session_id", sessionID),
				zap.Error(clearErr))
		}

		opts.ResumeToken = ""
		client = r.factory(opts)
		if err := client.Connect(ctx); err != nil {
			return nil, "", apperrors.ServiceUnavailable("agent runtime failed to start", err)
		}
		return client, "", nil
	}

	return nil, "", apperrors.ServiceUnavailable("agent runtime failed to start", err)
}

// permissionFunc binds the tenant identity and workspace into the tool
// permission hook handed to the runtime client.
func (r *Registry) permissionFunc(tenantID, workdir string) runtime.PermissionFunc {
	return func(ctx context.Context, toolName string, input map[string]interface{}) protocol.PermissionResult {
		id, err := identity.Lookup(r.cfg.Sandbox.UserPrefix, tenantID)
		if err != nil {
			// No isolation identity on this host; the checker treats a nil
			// identity as pass-through for shell commands.
			id = nil
		}
		decision := r.checker.CheckPermission(ctx, toolName, input, id, workdir)
		return decisionToResult(decision)
	}
}

// decisionToResult maps a checker decision onto the wire shape the
// runtime expects.
func decisionToResult(d cmdwrap.Decision) protocol.PermissionResult {
	if !d.Allowed {
		return protocol.PermissionResult{
			Behavior: protocol.BehaviorDeny,
			Message:  d.Reason,
		}
	}
	return protocol.PermissionResult{
		Behavior:     protocol.BehaviorAllow,
		UpdatedInput: d.UpdatedInput,
		SystemNote:   d.SystemNote,
	}
}

// Close tears the session down and deregisters it. Waits for any
// in-flight exchange to finish first.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	lock := r.locks.get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}

	r.closeSession(ctx, s, events.SessionClosed)
	return nil
}

// CloseAllForTenant closes every session belonging to the tenant.
func (r *Registry) CloseAllForTenant(ctx context.Context, tenantID string) error {
	sessions := r.ListForTenant(tenantID)

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			lock := r.locks.get(s.ID)
			lock.Lock()
			defer lock.Unlock()

			r.mu.RLock()
			_, live := r.sessions[s.ID]
			r.mu.RUnlock()
			if live {
				r.closeSession(ctx, s, events.SessionClosed)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown closes every session. Used on service stop.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, s := range r.List() {
		lock := r.locks.get(s.ID)
		lock.Lock()
		r.mu.RLock()
		_, live := r.sessions[s.ID]
		r.mu.RUnlock()
		if live {
			r.closeSession(ctx, s, events.SessionClosed)
		}
		lock.Unlock()
	}
}

// closeSession runs the teardown ladder. Every rung is attempted even
// when an earlier one fails, so a wedged runtime still gets killed and
// the session still leaves the table. Caller holds the session lock.
func (r *Registry) closeSession(ctx context.Context, s *Session, subject string) {
	if err := s.client.Cancel(ctx); err != nil {
		r.logger.Debug("cancel during close failed",
			zap.String("session_id", s.ID), zap.Error(err))
	}
	if err := s.client.Disconnect(); err != nil {
		r.logger.Warn("disconnect failed",
			zap.String("session_id", s.ID), zap.Error(err))
	}
	if err := s.client.Kill(); err != nil {
		r.logger.Warn("kill failed",
			zap.String("session_id", s.ID), zap.Error(err))
	}

	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()

	r.publish(ctx, subject, s, nil)
	r.logger.Info("session closed",
		zap.String("session_id", s.ID),
		zap.String("tenant_id", s.TenantID),
		zap.String("event", subject))
}

// publish emits a session lifecycle event.
func (r *Registry) publish(ctx context.Context, subject string, s *Session, extra map[string]interface{}) {
	if r.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"session_id": s.ID,
		"tenant_id":  s.TenantID,
		"agent_id":   s.AgentID,
	}
	for k, v := range extra {
		data[k] = v
	}

	event := bus.NewEvent(subject, "sandbox-manager", data)
	if err := r.eventBus.Publish(ctx, subject, event); err != nil {
		r.logger.Error("failed to publish session event",
			zap.String("subject", subject),
			zap.String("session_id", s.ID),
			zap.Error(err))
	}
}
