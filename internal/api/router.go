package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentcell/agentcell/internal/common/logger"
	"github.com/agentcell/agentcell/internal/sandbox/ports"
	"github.com/agentcell/agentcell/internal/sandbox/provision"
	"github.com/agentcell/agentcell/internal/sandbox/status"
	"github.com/agentcell/agentcell/internal/session/registry"
)

// SetupRoutes configures the sandbox manager API routes.
// router should be the /api/v1 group.
func SetupRoutes(
	router *gin.RouterGroup,
	reg *registry.Registry,
	prov *provision.Provisioner,
	collector *status.Collector,
	allocator *ports.Allocator,
	log *logger.Logger,
) *Handler {
	handler := NewHandler(reg, prov, collector, allocator, log)

	// Session lifecycle and exchanges under /api/v1/sessions
	sessions := router.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.DELETE("/:sessionId", handler.CloseSession)

		// One exchange, buffered
		sessions.POST("/:sessionId/exchange", handler.Exchange)

		// Streamed exchanges over websocket
		sessions.GET("/:sessionId/stream", handler.StreamExchange)
	}

	// Tenant isolation operations under /api/v1/tenants
	tenants := router.Group("/tenants")
	{
		tenants.POST("/:tenantId/provision", handler.ProvisionTenant)
		tenants.GET("/:tenantId/status", handler.GetTenantStatus)
		tenants.GET("/:tenantId/ports", handler.GetTenantPorts)
		tenants.DELETE("/:tenantId/sessions", handler.CloseTenantSessions)
		tenants.DELETE("/:tenantId/jobs/:unit", handler.KillTenantJob)
	}

	return handler
}
