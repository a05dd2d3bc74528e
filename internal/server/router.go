package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"trade-machine/backend/internal/server/middleware"
	"trade-machine/backend/internal/sso"
)

// RouteMounter mounts a feature's endpoints.
type RouteMounter interface {
	Routes(r chi.Router)
}

// Tracing extracts the caller's trace context and opens a server span per request.
type Tracing interface {
	Middleware(next http.Handler) http.Handler
}

// Deps holds the API server dependencies.
type Deps struct {
	// Tracing is applied first so every later layer runs inside the request span. Nil disables it.
	Tracing Tracing
	// Sessions resolves the session cookie into an identity on the request context.
	Sessions middleware.SessionGetter
	Cookies  middleware.Cookies
	// PreviewOrigins get the session cookie without its Domain attribute.
	PreviewOrigins []string
	// Identity serves /auth; SSO serves /auth/sso.
	Identity RouteMounter
	SSO      RouteMounter
	// Health serves GET /healthz. Nil leaves the route unmounted.
	Health http.Handler
	Logger *slog.Logger
}

// NewRouter builds the HTTP API.
//
// Middleware order:
//   - trace context extraction (server span)
//   - preview cookie rewrite
//   - session loader
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	if deps.Tracing != nil {
		r.Use(deps.Tracing.Middleware)
	}
	r.Use(sso.PreviewCookieRewrite(deps.Cookies.Options.Name, deps.PreviewOrigins))
	r.Use(middleware.Session(deps.Sessions, deps.Cookies, deps.Logger))

	if deps.Health != nil {
		r.Method(http.MethodGet, "/healthz", deps.Health)
	}
	if deps.Identity != nil {
		deps.Identity.Routes(r)
	}
	if deps.SSO != nil {
		deps.SSO.Routes(r)
	}
	return r
}
