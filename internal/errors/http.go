package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError is the standardized JSON error body.
type APIError struct {
	Detail  string                 `json:"detail"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

var kindStatus = map[Kind]int{
	KindInvalidRequest:       http.StatusBadRequest,
	KindUnauthorized:         http.StatusUnauthorized,
	KindForbidden:            http.StatusForbidden,
	KindNotFound:             http.StatusNotFound,
	KindConflict:             http.StatusConflict,
	KindPaymentRequired:      http.StatusPaymentRequired,
	KindPayloadTooLarge:      http.StatusRequestEntityTooLarge,
	KindUnsupportedMediaType: http.StatusUnsupportedMediaType,
	KindUpstreamUnavailable:  http.StatusServiceUnavailable,
	KindUpstreamTimeout:      http.StatusGatewayTimeout,
	KindInternal:             http.StatusInternalServerError,
}

// StatusCode returns the HTTP status for an error kind.
func StatusCode(kind Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Abort sends the JSON error body for err and aborts the request.
func Abort(c *gin.Context, err error) {
	kind := KindOf(err)
	body := APIError{Detail: string(kind)}
	if e, ok := err.(*Error); ok {
		body.Message = e.Message
		body.Details = e.Details
	}
	c.AbortWithStatusJSON(StatusCode(kind), body)
}

// AbortWithUnauthorized sends a 401 response and aborts the request.
func AbortWithUnauthorized(c *gin.Context, message string) {
	Abort(c, New(KindUnauthorized, message))
}

// AbortWithForbidden sends a 403 response and aborts the request.
func AbortWithForbidden(c *gin.Context, message string) {
	Abort(c, New(KindForbidden, message))
}

// AbortWithNotFound sends a 404 response and aborts the request.
func AbortWithNotFound(c *gin.Context, message string) {
	Abort(c, New(KindNotFound, message))
}

// AbortWithInternal sends a 500 response and aborts the request.
func AbortWithInternal(c *gin.Context, message string) {
	Abort(c, New(KindInternal, message))
}
