package chatflow

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowiselabs/flowise-proxy-service/internal/auth"
	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
)

// Handler serves the chatflow endpoints, user-facing and admin.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates the chatflow handler.
func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{service: service, logger: log.WithComponent("chatflow")}
}

// ListMine handles GET /chatflows.
func (h *Handler) ListMine(c *gin.Context) {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "Authentication required")
		return
	}

	flows, err := h.service.ListForUser(c.Request.Context(), identity.UserID)
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatflows": flows, "count": len(flows)})
}

// GetOne handles GET /chatflows/:id. Visible only to users with access.
func (h *Handler) GetOne(c *gin.Context) {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "Authentication required")
		return
	}
	flowiseID := c.Param("id")

	if err := h.requireAccess(c, identity.UserID, flowiseID); err != nil {
		apperrors.Abort(c, err)
		return
	}

	cf, err := h.service.Get(c.Request.Context(), flowiseID)
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, cf)
}

// GetConfig handles GET /chatflows/:id/config.
func (h *Handler) GetConfig(c *gin.Context) {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "Authentication required")
		return
	}
	flowiseID := c.Param("id")

	if err := h.requireAccess(c, identity.UserID, flowiseID); err != nil {
		apperrors.Abort(c, err)
		return
	}

	cf, err := h.service.Get(c.Request.Context(), flowiseID)
	if err != nil {
		apperrors.Abort(c, err)
		return
	}

	// The stored blob is validated JSON; return it as an object rather
	// than a string.
	config := map[string]interface{}{}
	if cf.ChatbotConfig != "" {
		if err := json.Unmarshal([]byte(cf.ChatbotConfig), &config); err != nil {
			apperrors.AbortWithInternal(c, "stored chatbot config is unreadable")
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"flowise_id": cf.FlowiseID, "config": config})
}

func (h *Handler) requireAccess(c *gin.Context, userID, flowiseID string) error {
	ok, err := h.service.HasAccess(c.Request.Context(), userID, flowiseID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.New(apperrors.KindForbidden, "no access to this chatflow")
	}
	return nil
}

// SyncNow handles POST /admin/chatflows/sync.
func (h *Handler) SyncNow(c *gin.Context) {
	report, err := h.service.Sync(c.Request.Context())
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListAll handles GET /admin/chatflows.
func (h *Handler) ListAll(c *gin.Context) {
	flows, err := h.service.ListAll(c.Request.Context())
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatflows": flows, "count": len(flows)})
}

type assignRequest struct {
	Email  string   `json:"email"`
	Emails []string `json:"emails"`
}

// AssignUsers handles POST /admin/chatflows/:id/users. Accepts a single
// email or a bulk list.
func (h *Handler) AssignUsers(c *gin.Context) {
	flowiseID := c.Param("id")

	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Email == "" && len(req.Emails) == 0) {
		apperrors.Abort(c, apperrors.New(apperrors.KindInvalidRequest, "email or emails is required"))
		return
	}

	if req.Email != "" {
		grant, err := h.service.AssignByEmail(c.Request.Context(), flowiseID, req.Email)
		if err != nil {
			apperrors.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, grant)
		return
	}

	assigned, errs := h.service.BulkAssign(c.Request.Context(), flowiseID, req.Emails)
	c.JSON(http.StatusOK, gin.H{"assigned": assigned, "errors": errs})
}

// RevokeUser handles DELETE /admin/chatflows/:id/users/:user_id.
func (h *Handler) RevokeUser(c *gin.Context) {
	if err := h.service.Revoke(c.Request.Context(), c.Param("id"), c.Param("user_id")); err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "access revoked"})
}

// ListUsers handles GET /admin/chatflows/:id/users.
func (h *Handler) ListUsers(c *gin.Context) {
	grants, err := h.service.ListUsers(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": grants, "count": len(grants)})
}

// AuditUsers handles GET /admin/chatflows/audit-users.
func (h *Handler) AuditUsers(c *gin.Context) {
	orphans, err := h.service.AuditUsers(c.Request.Context())
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orphaned_assignments": orphans, "count": len(orphans)})
}

type cleanupRequest struct {
	Action string `json:"action"`
	DryRun *bool  `json:"dry_run"`
	Force  bool   `json:"force"`
}

// CleanupUsers handles POST /admin/chatflows/cleanup-users.
func (h *Handler) CleanupUsers(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Abort(c, apperrors.New(apperrors.KindInvalidRequest, "invalid cleanup request"))
		return
	}
	action := CleanupAction(req.Action)
	if action == "" {
		action = CleanupDeactivate
	}
	// Dry run unless explicitly disabled.
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	report, err := h.service.CleanupUsers(c.Request.Context(), action, dryRun, req.Force)
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
