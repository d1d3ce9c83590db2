package upload

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowiselabs/flowise-proxy-service/internal/auth"
	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
	"github.com/flowiselabs/flowise-proxy-service/internal/user"
)

// Handler serves stored files back to their owners.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates the upload handler.
func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{service: service, logger: log.WithComponent("upload")}
}

// canRead reports whether the caller may read a record: the owner always,
// admins and supervisors for any record.
func canRead(identity auth.Identity, rec *FileUpload) bool {
	if rec.UserID == identity.UserID {
		return true
	}
	return identity.Role == user.RoleAdmin || identity.Role == user.RoleSupervisor
}

// Download handles GET /chat/files/:file_id.
func (h *Handler) Download(c *gin.Context) {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "Authentication required")
		return
	}

	rec, err := h.service.Get(c.Request.Context(), c.Param("file_id"))
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	if !canRead(identity, rec) {
		apperrors.AbortWithForbidden(c, "no access to this file")
		return
	}

	c.Header("Content-Type", rec.Mime)
	c.Header("Content-Disposition", `inline; filename="`+rec.Name+`"`)
	c.Status(http.StatusOK)
	if err := h.service.Content(rec, c.Writer); err != nil {
		// Headers are already out; all we can do is log.
		h.logger.LogError(c.Request.Context(), err, "failed to stream file")
	}
}

// Thumbnail handles GET /chat/files/:file_id/thumbnail.
func (h *Handler) Thumbnail(c *gin.Context) {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "Authentication required")
		return
	}

	rec, err := h.service.Get(c.Request.Context(), c.Param("file_id"))
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	if !canRead(identity, rec) {
		apperrors.AbortWithForbidden(c, "no access to this file")
		return
	}

	thumb, err := h.service.Thumbnail(rec)
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", thumb)
}

// ListSession handles GET /chat/files/session/:session_id. Regular users
// see only their own files in the session.
func (h *Handler) ListSession(c *gin.Context) {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "Authentication required")
		return
	}

	files, err := h.service.ListBySession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		apperrors.Abort(c, err)
		return
	}

	privileged := identity.Role == user.RoleAdmin || identity.Role == user.RoleSupervisor
	refs := make([]FileRef, 0, len(files))
	for i := range files {
		if !privileged && files[i].UserID != identity.UserID {
			continue
		}
		refs = append(refs, files[i].Ref())
	}
	c.JSON(http.StatusOK, gin.H{"files": refs, "count": len(refs)})
}
