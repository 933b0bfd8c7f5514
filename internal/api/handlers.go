package api

import (
	stderrors "errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentcell/agentcell/internal/common/errors"
	"github.com/agentcell/agentcell/internal/common/logger"
	"github.com/agentcell/agentcell/internal/sandbox/ports"
	"github.com/agentcell/agentcell/internal/sandbox/provision"
	"github.com/agentcell/agentcell/internal/sandbox/status"
	"github.com/agentcell/agentcell/internal/session/registry"
	"github.com/agentcell/agentcell/pkg/agentrt/protocol"
	v1 "github.com/agentcell/agentcell/pkg/api/v1"
)

// Handler contains the HTTP handlers for the sandbox manager API.
type Handler struct {
	registry    *registry.Registry
	provisioner *provision.Provisioner
	collector   *status.Collector
	allocator   *ports.Allocator
	logger      *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	reg *registry.Registry,
	prov *provision.Provisioner,
	collector *status.Collector,
	allocator *ports.Allocator,
	log *logger.Logger,
) *Handler {
	return &Handler{
		registry:    reg,
		provisioner: prov,
		collector:   collector,
		allocator:   allocator,
		logger:      log.WithFields(zap.String("component", "sandbox-api")),
	}
}

// respondError renders an AppError, or a generic 500 for anything else.
func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError("unexpected error", err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
}

// HealthCheck returns service health
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"sessions": h.registry.Count(),
	})
}

// CreateSession opens a session (or returns the live one)
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	s, err := h.registry.GetOrCreate(c.Request.Context(), req.SessionID, req.TenantID, req.AgentID, req.ResumeToken)
	if err != nil {
		h.logger.Error("failed to create session",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sessionToInfo(s))
}

// ListSessions lists live sessions, optionally filtered by tenant
// GET /api/v1/sessions?tenant_id=...
func (h *Handler) ListSessions(c *gin.Context) {
	var sessions []*registry.Session
	if tenantID := c.Query("tenant_id"); tenantID != "" {
		sessions = h.registry.ListForTenant(tenantID)
	} else {
		sessions = h.registry.List()
	}

	resp := SessionsListResponse{Sessions: make([]v1.SessionInfo, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, sessionToInfo(s))
	}
	resp.Total = len(resp.Sessions)

	c.JSON(http.StatusOK, resp)
}

// GetSession returns one live session
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	s, ok := h.registry.Get(c.Param("sessionId"))
	if !ok {
		respondError(c, errors.NotFound("session", c.Param("sessionId")))
		return
	}
	c.JSON(http.StatusOK, sessionToInfo(s))
}

// CloseSession tears a session down
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) CloseSession(c *gin.Context) {
	if err := h.registry.Close(c.Request.Context(), c.Param("sessionId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session closed"})
}

// Exchange runs one exchange synchronously, buffering streamed events
// POST /api/v1/sessions/:sessionId/exchange
func (h *Handler) Exchange(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	var mu sync.Mutex
	var events []v1.StreamFrame
	emit := func(event protocol.Event) error {
		mu.Lock()
		events = append(events, eventToFrame(event))
		mu.Unlock()
		return nil
	}

	token, err := h.registry.RunExchange(c.Request.Context(), sessionID, req.TenantID, req.AgentID, req.ResumeToken, req.Message, emit)
	if err != nil {
		h.logger.Error("exchange failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ExchangeResponse{Events: events, ResumeToken: token})
}

// CloseTenantSessions closes every session of a tenant
// DELETE /api/v1/tenants/:tenantId/sessions
func (h *Handler) CloseTenantSessions(c *gin.Context) {
	tenantID := c.Param("tenantId")
	if err := h.registry.CloseAllForTenant(c.Request.Context(), tenantID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "tenant sessions closed"})
}

// ProvisionTenant runs the isolation provisioning steps
// POST /api/v1/tenants/:tenantId/provision
func (h *Handler) ProvisionTenant(c *gin.Context) {
	tenantID := c.Param("tenantId")

	report, err := h.provisioner.EnsureTenantIsolation(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("provisioning failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, reportToResponse(report))
}

// GetTenantStatus returns the tenant's resource snapshot
// GET /api/v1/tenants/:tenantId/status
func (h *Handler) GetTenantStatus(c *gin.Context) {
	st, err := h.collector.GetResourceStatus(c.Request.Context(), c.Param("tenantId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetTenantPorts returns (allocating if needed) the tenant's port block
// GET /api/v1/tenants/:tenantId/ports
func (h *Handler) GetTenantPorts(c *gin.Context) {
	tenantID := c.Param("tenantId")

	block, err := h.allocator.EnsureAllocation(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("port allocation failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, v1.PortBlock{TenantID: block.TenantID, Start: block.Start, End: block.End})
}

// KillTenantJob stops one of the tenant's running command scopes
// DELETE /api/v1/tenants/:tenantId/jobs/:unit
func (h *Handler) KillTenantJob(c *gin.Context) {
	if err := h.collector.KillJob(c.Request.Context(), c.Param("tenantId"), c.Param("unit")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job stopped"})
}

func sessionToInfo(s *registry.Session) v1.SessionInfo {
	return v1.SessionInfo{
		ID:           s.ID,
		TenantID:     s.TenantID,
		AgentID:      s.AgentID,
		WorkDir:      s.WorkDir,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
	}
}

func eventToFrame(event protocol.Event) v1.StreamFrame {
	return v1.StreamFrame{
		Type:       "event",
		EventType:  event.Type,
		Text:       event.Text,
		ToolName:   event.ToolName,
		ToolInput:  event.ToolInput,
		ToolOutput: event.ToolOutput,
	}
}

func reportToResponse(report *provision.Report) ProvisionResponse {
	resp := ProvisionResponse{
		TenantID:  report.TenantID,
		Username:  report.Username,
		Supported: report.Supported,
		Degraded:  report.Degraded(),
		Steps:     make([]StepResponse, 0, len(report.Steps)),
	}
	for _, s := range report.Steps {
		resp.Steps = append(resp.Steps, StepResponse{
			Name:    s.Name,
			OK:      s.OK,
			Skipped: s.Skipped,
			Detail:  s.Detail,
		})
	}
	if report.Block != nil {
		resp.Block = &v1.PortBlock{
			TenantID: report.Block.TenantID,
			Start:    report.Block.Start,
			End:      report.Block.End,
		}
	}
	return resp
}
