// Package apierror implements the stable error-code envelope (spec.md §7):
// a small closed taxonomy of machine-readable codes, each carrying a
// human-readable message and an HTTP status, wrapped the way ToolError
// wraps underlying causes so errors.Is/As keep working across retries and
// middleware layers.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// Code is a stable, machine-readable error code. Callers (including
// external API consumers) may switch on Code but must never parse Message.
type Code string

// These values are spec.md §7's literal stable codes verbatim
// (UNAUTHORIZED, INVALID_INPUT, ...), since external API consumers switch
// on the wire value, not the Go identifier. CodeNotFound, CodeConflict,
// and CodeToolFailed have no entry in that taxonomy — they cover
// conditions the taxonomy doesn't name (an unknown route segment, an
// admission-layer in-flight conflict, an opaque tool-result error
// surfaced over the SSE wire) — and follow the same UPPER_SNAKE_CASE
// convention for consistency.
const (
	CodeValidation          Code = "INVALID_INPUT"
	CodeUnauthenticated     Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeToolFailed          Code = "TOOL_FAILED"
	CodeTimeout             Code = "TOOL_TIMEOUT"
	CodeInternal            Code = "INTERNAL"
	CodeInvalidKey          Code = "INVALID_KEY"
	CodeVaultUnavailable    Code = "VAULT_UNAVAILABLE"
	CodeIdempotentDuplicate Code = "IDEMPOTENT_DUPLICATE"
)

var statusByCode = map[Code]int{
	CodeValidation:          http.StatusBadRequest,
	CodeUnauthenticated:     http.StatusUnauthorized,
	CodeForbidden:           http.StatusForbidden,
	CodeNotFound:            http.StatusNotFound,
	CodeConflict:            http.StatusConflict,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeProviderUnavailable: http.StatusBadGateway,
	CodeToolFailed:          http.StatusUnprocessableEntity,
	CodeTimeout:             http.StatusGatewayTimeout,
	CodeInternal:            http.StatusInternalServerError,
	CodeInvalidKey:          http.StatusBadRequest,
	CodeVaultUnavailable:    http.StatusServiceUnavailable,
	CodeIdempotentDuplicate: http.StatusConflict,
}

// Error is the structured API error. It wraps an optional Cause the same
// way the tool-loop engine's internal ToolError chains wrap causes, so a
// provider error translated through several layers still satisfies
// errors.Is/As against the original sentinel.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"-"`
	Cause   error  `json:"-"`
}

// New constructs an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error that carries cause for errors.Is/As/Unwrap while
// presenting message to API consumers.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithDetails attaches a structured details payload (e.g. per-field
// validation failures for CodeValidation) and returns e for chaining.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code associated with e.Code, defaulting to
// 500 for an unrecognized code.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// envelope is the wire representation written to HTTP responses, matching
// spec.md §6's external error shape.
type envelope struct {
	Error     Code   `json:"error"`
	Message   string `json:"message"`
	Details   any    `json:"details"`
	RequestID string `json:"request_id"`
}

// WriteHTTP writes err as a JSON error envelope with the status matching
// its Code. Non-*Error values are wrapped as CodeInternal without leaking
// their message to the client. The request id is read from r's context,
// populated by chi's middleware.RequestID ahead of this handler.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = New(CodeInternal, "internal error")
	}
	ctx := context.Background()
	if r != nil {
		ctx = r.Context()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status())
	_ = json.NewEncoder(w).Encode(envelope{
		Error:     apiErr.Code,
		Message:   apiErr.Message,
		Details:   apiErr.Details,
		RequestID: middleware.GetReqID(ctx),
	})
}

// As reports whether err is (or wraps) an *Error, returning it when so.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
