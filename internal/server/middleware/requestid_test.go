package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDPropagation(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("EchoesCallerID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
		req.Header.Set(RequestIDHeader, "client-abc-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "client-abc-123", seen)
		assert.Equal(t, "client-abc-123", rec.Header().Get(RequestIDHeader))
	})

	t.Run("ReplacesUnsafeID", func(t *testing.T) {
		for _, bad := range []string{"has space", strings.Repeat("x", maxRequestIDLength+1), "tab\there"} {
			req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
			req.Header.Set(RequestIDHeader, bad)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.NotEqual(t, bad, seen)
			assert.Len(t, seen, 36, "generated uuid")
		}
	})
}

func TestRecoveryReturnsEnvelope(t *testing.T) {
	handler := RequestID(Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("coordinator exploded")
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/limits", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
}
