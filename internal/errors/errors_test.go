package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	if got := KindOf(New(KindConflict, "busy")); got != KindConflict {
		t.Errorf("KindOf = %v", got)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("foreign error KindOf = %v, want Internal", got)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindInternal, "failed to persist", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost")
	}
	if !IsKind(err, KindInternal) {
		t.Error("kind lost")
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidRequest, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindPaymentRequired, http.StatusPaymentRequired},
		{KindPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{KindUnsupportedMediaType, http.StatusUnsupportedMediaType},
		{KindUpstreamUnavailable, http.StatusServiceUnavailable},
		{KindUpstreamTimeout, http.StatusGatewayTimeout},
		{KindInternal, http.StatusInternalServerError},
		{Kind("unknown"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.kind); got != tt.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
