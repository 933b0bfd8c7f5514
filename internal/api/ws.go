package api

import (
	stderrors "errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentcell/agentcell/internal/common/errors"
	"github.com/agentcell/agentcell/pkg/agentrt/protocol"
	v1 "github.com/agentcell/agentcell/pkg/api/v1"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth happens upstream at the gateway; the manager itself is not
	// internet-facing.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamExchange runs exchanges over a websocket, streaming runtime
// events as they happen. Each client frame is one ExchangeRequest; the
// server answers with event frames followed by a result or error frame.
// GET /api/v1/sessions/:sessionId/stream
func (h *Handler) StreamExchange(c *gin.Context) {
	sessionID := c.Param("sessionId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	defer conn.Close()

	// Events arrive from the runtime's reader goroutine while results are
	// written from this one.
	var writeMu sync.Mutex
	writeFrame := func(f v1.StreamFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(f)
	}

	for {
		var req ExchangeRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended",
					zap.String("session_id", sessionID),
					zap.Error(err))
			}
			return
		}

		if missing := firstMissingField(req); missing != "" {
			if err := writeFrame(errorFrame(errors.ValidationError(missing, "required"))); err != nil {
				return
			}
			continue
		}

		emit := func(event protocol.Event) error {
			return writeFrame(eventToFrame(event))
		}

		token, err := h.registry.RunExchange(c.Request.Context(), sessionID, req.TenantID, req.AgentID, req.ResumeToken, req.Message, emit)
		if err != nil {
			h.logger.Error("streamed exchange failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
			if writeErr := writeFrame(errorFrame(err)); writeErr != nil {
				return
			}
			continue
		}

		if err := writeFrame(v1.StreamFrame{Type: "result", ResumeToken: token}); err != nil {
			return
		}
	}
}

// firstMissingField returns the name of the first required exchange
// field left empty, or "" when the frame is complete. Websocket frames
// bypass the binding validation the JSON endpoints get.
func firstMissingField(req ExchangeRequest) string {
	switch {
	case req.TenantID == "":
		return "tenant_id"
	case req.AgentID == "":
		return "agent_id"
	case req.Message == "":
		return "message"
	}
	return ""
}

// errorFrame renders an error as a terminal stream frame.
func errorFrame(err error) v1.StreamFrame {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError("unexpected error", err)
	}
	return v1.StreamFrame{
		Type:    "error",
		Code:    appErr.Code,
		Message: appErr.Message,
	}
}
