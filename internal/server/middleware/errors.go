// Package middleware holds the HTTP middleware shared by the control API.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/audioq/internal/errors"
	"github.com/3leaps/audioq/internal/observability"
)

// ErrorResponse is the envelope written by this package.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a handler panic into a 500 INTERNAL_ERROR envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			observability.ServerLogger.Error("Handler panic",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.String("request_id", apperrors.RequestID(r.Context())),
				zap.ByteString("stack", debug.Stack()))

			env := errors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			detail := envelopeDetail(env)
			detail.RequestID = apperrors.RequestID(r.Context())
			apperrors.WriteEnvelope(w, http.StatusInternalServerError, detail)
		}()
		next.ServeHTTP(w, r)
	})
}

// envelopeFields is the subset of the envelope's JSON form that reaches HTTP
// clients.
type envelopeFields struct {
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlation_id"`
	Details       map[string]any `json:"details"`
	Context       map[string]any `json:"context"`
}

// writeErrorResponse renders a structured envelope in the API's error shape.
func writeErrorResponse(w http.ResponseWriter, env *errors.ErrorEnvelope, status int) {
	apperrors.WriteEnvelope(w, status, envelopeDetail(env))
}

func envelopeDetail(env *errors.ErrorEnvelope) apperrors.ErrorDetail {
	var f envelopeFields
	if b, err := json.Marshal(env); err == nil {
		_ = json.Unmarshal(b, &f)
	}

	details := f.Details
	for k, v := range f.Context {
		if details == nil {
			details = map[string]any{}
		}
		details[k] = v
	}
	return apperrors.ErrorDetail{
		Code:      f.Code,
		Message:   f.Message,
		RequestID: f.CorrelationID,
		Details:   details,
	}
}
