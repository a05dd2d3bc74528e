// Package apperr defines the error kinds shared by services and the HTTP boundary.
//
// Services return errors built from these kinds; callers match them with errors.Is and
// the HTTP layer maps them to status codes with HTTPStatus. Errors carry an oops code and
// structured context for logging.
package apperr

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/samber/oops"
)

// Error kinds.
var (
	ErrConflict     = errors.New("conflict")
	ErrNotFound     = errors.New("not found")
	ErrBadRequest   = errors.New("bad request")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
)

// Error codes attached to oops errors.
const (
	CodeConflict     = "CONFLICT"
	CodeNotFound     = "NOT_FOUND"
	CodeBadRequest   = "BAD_REQUEST"
	CodeValidation   = "VALIDATION"
	CodeForbidden    = "FORBIDDEN"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInternal     = "INTERNAL"
)

// Conflict returns an ErrConflict with a client-visible message.
func Conflict(msg string) error {
	return newKind(CodeConflict, ErrConflict, msg)
}

// NotFound returns an ErrNotFound with a client-visible message.
func NotFound(msg string) error {
	return newKind(CodeNotFound, ErrNotFound, msg)
}

// BadRequest returns an ErrBadRequest with a client-visible message.
func BadRequest(msg string) error {
	return newKind(CodeBadRequest, ErrBadRequest, msg)
}

// Validation returns an ErrValidation with a client-visible message.
func Validation(msg string) error {
	return newKind(CodeValidation, ErrValidation, msg)
}

// Forbidden returns an ErrForbidden with a client-visible message.
func Forbidden(msg string) error {
	return newKind(CodeForbidden, ErrForbidden, msg)
}

// Unauthorized returns an ErrUnauthorized with a client-visible message.
func Unauthorized(msg string) error {
	return newKind(CodeUnauthorized, ErrUnauthorized, msg)
}

// Internal wraps cause as an ErrInternal. The cause stays reachable through errors.Is/As
// and is recorded in the oops context under "cause"; it is never shown to clients.
func Internal(operation string, cause error) error {
	if cause == nil {
		cause = errors.New("unknown cause")
	}
	return oops.Code(CodeInternal).
		With("operation", operation).
		With("cause", cause.Error()).
		Wrapf(errors.Join(ErrInternal, cause), "%s failed", operation)
}

func newKind(code string, kind error, msg string) error {
	return oops.Code(code).With(publicKey, msg).Wrapf(kind, "%s", msg)
}

const publicKey = "public_message"

// HTTPStatus maps an error kind to an HTTP status code. Unknown errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show a client: the error text for known
// client-facing kinds, a generic message otherwise.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if HTTPStatus(err) == http.StatusInternalServerError {
		return "internal server error"
	}
	if o, ok := oops.AsOops(err); ok {
		if msg, ok := o.Context()[publicKey].(string); ok && msg != "" {
			return msg
		}
	}
	return err.Error()
}

// Log logs err with its oops code and context when present.
func Log(logger *slog.Logger, msg string, err error) {
	if o, ok := oops.AsOops(err); ok {
		attrs := []any{"error", o.Error()}
		if code := o.Code(); code != nil {
			attrs = append(attrs, "code", code)
		}
		if ctx := o.Context(); len(ctx) > 0 {
			attrs = append(attrs, "context", ctx)
		}
		logger.Error(msg, attrs...)
		return
	}
	logger.Error(msg, "error", err)
}
