package user

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
)

// Handler serves the admin user-management endpoints.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates the user handler.
func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{service: service, logger: log.WithComponent("user")}
}

type syncRequest struct {
	Users []SyncUser `json:"users" binding:"required"`
}

// Sync handles POST /admin/users/sync: bulk upsert of principals.
func (h *Handler) Sync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Users) == 0 {
		apperrors.Abort(c, apperrors.New(apperrors.KindInvalidRequest, "users is required"))
		return
	}

	result, err := h.service.Sync(c.Request.Context(), req.Users)
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SyncByEmail handles POST /admin/users/sync-by-email: single-user upsert
// keyed by email.
func (h *Handler) SyncByEmail(c *gin.Context) {
	var entry SyncUser
	if err := c.ShouldBindJSON(&entry); err != nil {
		apperrors.Abort(c, apperrors.New(apperrors.KindInvalidRequest, "username and email are required"))
		return
	}

	result, err := h.service.Sync(c.Request.Context(), []SyncUser{entry})
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Get handles GET /admin/users/:user_id.
func (h *Handler) Get(c *gin.Context) {
	p, err := h.service.GetByID(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Deactivate handles DELETE /admin/users/:user_id.
func (h *Handler) Deactivate(c *gin.Context) {
	if err := h.service.Deactivate(c.Request.Context(), c.Param("user_id")); err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user deactivated"})
}
