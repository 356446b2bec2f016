// Package errors provides the application error type used by the CLI and the
// control API, and the JSON error envelope written to HTTP clients.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/3leaps/audioq/pkg/job"
)

// Error codes carried in HTTP error envelopes.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError is an error with an HTTP mapping.
type AppError struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewValidationError reports bad input on field.
func NewValidationError(field, message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message, Status: http.StatusNotFound}
}

// NewConflictError reports a request that is valid but cannot be applied in
// the current state.
func NewConflictError(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message, Status: http.StatusConflict}
}

// NewExternalServiceError reports a dependency that is unavailable.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeExternalService, Message: message, Status: http.StatusBadGateway}
}

// WrapInternal wraps err as an internal failure.
func WrapInternal(err error, message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Status: http.StatusInternalServerError, Err: err}
}

// ErrorDetail is the body of an error envelope.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON shape of every error returned by the API.
type HTTPErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type requestIDKey struct{}

// WithRequestID stores the request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RespondWithError maps err to a status and envelope and writes it.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := classify(err)
	if r != nil {
		detail.RequestID = RequestID(r.Context())
	}
	WriteEnvelope(w, status, detail)
}

// Respond writes an envelope with an explicit status and code.
func Respond(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	detail := ErrorDetail{Code: code, Message: message, Details: details}
	if r != nil {
		detail.RequestID = RequestID(r.Context())
	}
	WriteEnvelope(w, status, detail)
}

// WriteEnvelope writes detail wrapped in {"error": ...}.
func WriteEnvelope(w http.ResponseWriter, status int, detail ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: detail})
}

func classify(err error) (int, ErrorDetail) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Status, ErrorDetail{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	}

	var vErr *job.ValidationError
	if stderrors.As(err, &vErr) {
		d := ErrorDetail{Code: CodeValidation, Message: vErr.Error()}
		if vErr.Field != "" {
			d.Details = map[string]any{"field": vErr.Field}
		}
		return http.StatusBadRequest, d
	}

	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return http.StatusInternalServerError, ErrorDetail{Code: CodeInternal, Message: msg}
}
