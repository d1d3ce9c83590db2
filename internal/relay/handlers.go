package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowiselabs/flowise-proxy-service/internal/auth"
	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
)

// Handler serves the prediction endpoints.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates the relay handler.
func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{service: service, logger: log.WithComponent("relay")}
}

// PredictStream handles POST /chat/predict/stream/store. Events go out as SSE
// data frames, one JSON object per frame.
func (h *Handler) PredictStream(c *gin.Context) {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "Authentication required")
		return
	}

	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Abort(c, apperrors.Wrap(apperrors.KindInvalidRequest, "chatflow_id and question are required", err))
		return
	}

	wroteHeader := false
	sink := func(ev *Event) error {
		if !wroteHeader {
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Header("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
			wroteHeader = true
		}
		if _, err := c.Writer.Write([]byte("data: ")); err != nil {
			return err
		}
		if _, err := c.Writer.Write(ev.Raw); err != nil {
			return err
		}
		if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	if err := h.service.PredictStream(c.Request.Context(), identity, &req, sink); err != nil {
		// The service only errors before the first event, so the status
		// line is still ours to write.
		apperrors.Abort(c, err)
	}
}

// Predict handles POST /chat/predict, the aggregated non-streaming form.
func (h *Handler) Predict(c *gin.Context) {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "Authentication required")
		return
	}

	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Abort(c, apperrors.Wrap(apperrors.KindInvalidRequest, "chatflow_id and question are required", err))
		return
	}

	result, err := h.service.Predict(c.Request.Context(), identity, &req)
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
