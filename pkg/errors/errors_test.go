package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAppErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		check     func(error) bool
		status    int
		retryable bool
	}{
		{"not found", NewNotFoundError("profile"), IsNotFound, http.StatusNotFound, false},
		{"validation", NewValidationError("bad"), IsValidation, http.StatusBadRequest, false},
		{"unavailable", NewUnavailableError("connection-store"), IsUnavailable, http.StatusServiceUnavailable, true},
		{"rate limited", NewRateLimitedError("slow down"), func(err error) bool { return IsType(err, ErrorTypeRateLimited) }, http.StatusTooManyRequests, true},
		{"forbidden", NewForbiddenError("admin only"), func(err error) bool { return IsType(err, ErrorTypeForbidden) }, http.StatusForbidden, false},
		{"database", NewDatabaseError("scan", fmt.Errorf("relation missing")), func(err error) bool { return IsType(err, ErrorTypeDatabase) }, http.StatusInternalServerError, false},
		{"wrapped", fmt.Errorf("outer: %w", NewNotFoundError("profile")), IsNotFound, http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			appErr := GetAppError(tt.err)
			require.NotNil(t, appErr)
			assert.Equal(t, tt.status, appErr.HTTPStatus)
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ctx"))

	plain := Wrap(fmt.Errorf("boom"), "loading profiles")
	appErr := GetAppError(plain)
	require.NotNil(t, appErr)
	assert.Equal(t, ErrorTypeInternal, appErr.Type)
	assert.Equal(t, "loading profiles", appErr.Message)

	nf := Wrap(NewNotFoundError("profile"), "breakdown")
	assert.True(t, IsNotFound(nf))
	assert.Equal(t, "breakdown: profile not found", GetAppError(nf).Message)
}

func TestErrorHandler(t *testing.T) {
	h := NewErrorHandler(zap.NewNop(), false)

	t.Run("app error keeps its status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		h.Handle(rec, req, NewUnavailableError("connection-store"))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, string(ErrorTypeUnavailable), body.Type)
		assert.True(t, body.Retryable)
	})

	t.Run("plain error is hidden", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		h.Handle(rec, req, fmt.Errorf("secret detail"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "secret detail")
	})
}
