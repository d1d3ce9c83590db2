package chat

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowiselabs/flowise-proxy-service/internal/auth"
	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
)

// Handler serves the session and history endpoints.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates the chat handler.
func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{service: service, logger: log.WithComponent("chat")}
}

// ListSessions handles GET /chat/sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "Authentication required")
		return
	}

	sessions, err := h.service.ListSessions(c.Request.Context(), identity.UserID)
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// History handles GET /chat/sessions/:session_id/history.
func (h *Handler) History(c *gin.Context) {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "Authentication required")
		return
	}
	sessionID := c.Param("session_id")

	ctx := logger.WithSessionID(c.Request.Context(), sessionID)
	entries, err := h.service.History(ctx, identity.UserID, sessionID)
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "history": entries, "count": len(entries)})
}
