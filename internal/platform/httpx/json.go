// Package httpx holds JSON request and response helpers shared by the HTTP handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"trade-machine/backend/internal/platform/apperr"
)

const maxBody = 1 << 20

// ReadJSON decodes the request body into v. An empty body leaves v untouched.
// Unknown fields are ignored. Returns a Validation error on malformed JSON.
func ReadJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("invalid JSON body")
	}
	return nil
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error string `json:"error"`
}

// WriteError maps err to a status code and a client-safe message. Server errors are logged.
func WriteError(logger *slog.Logger, r *http.Request, w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError && logger != nil {
		apperr.Log(logger.With("method", r.Method, "path", r.URL.Path), "request failed", err)
	}
	WriteJSON(w, status, ErrorBody{Error: apperr.PublicMessage(err)})
}
