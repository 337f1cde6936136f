package apierror

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMapsKnownCodes(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, New(CodeRateLimited, "slow down").Status())
	assert.Equal(t, http.StatusBadGateway, New(CodeProviderUnavailable, "down").Status())
}

func TestStatusDefaultsToInternalForUnknownCode(t *testing.T) {
	e := New(Code("made_up"), "???")
	assert.Equal(t, http.StatusInternalServerError, e.Status())
}

func TestWrapPreservesCauseForErrorsIs(t *testing.T) {
	sentinel := errors.New("boom")
	wrapped := Wrap(CodeToolFailed, "tool failed", sentinel)
	assert.ErrorIs(t, wrapped, sentinel)
}

func TestWriteHTTPEncodesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	WriteHTTP(rec, req, New(CodeNotFound, "trip not found"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"NOT_FOUND","message":"trip not found","details":null,"request_id":""}`, rec.Body.String())
}

func TestWriteHTTPMasksNonAPIErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	WriteHTTP(rec, req, errors.New("leaked internals"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"INTERNAL","message":"internal error","details":null,"request_id":""}`, rec.Body.String())
}

func TestWriteHTTPIncludesRequestIDFromContext(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), middleware.RequestIDKey, "req-123"))
	WriteHTTP(rec, req, New(CodeConflict, "dup"))

	assert.JSONEq(t, `{"error":"CONFLICT","message":"dup","details":null,"request_id":"req-123"}`, rec.Body.String())
}

func TestWriteHTTPHandlesNilRequest(t *testing.T) {
	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() { WriteHTTP(rec, nil, New(CodeInternal, "boom")) })
}

func TestAsExtractsWrappedError(t *testing.T) {
	inner := Wrap(CodeConflict, "dup", nil)
	outer := errors.Join(errors.New("context"), inner)

	got, ok := As(outer)
	require.True(t, ok)
	assert.Equal(t, CodeConflict, got.Code)
}
