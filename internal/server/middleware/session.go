package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"trade-machine/backend/internal/platform/apperr"
	"trade-machine/backend/internal/platform/httpx"
	sessiondomain "trade-machine/backend/internal/session/domain"
)

// SessionGetter loads a session by ID, returning nil when it does not exist.
type SessionGetter interface {
	GetByID(ctx context.Context, id string) (*sessiondomain.Session, error)
}

// Cookies writes and clears the session cookie.
type Cookies struct {
	Options sessiondomain.CookieOptions
}

// Set writes the session cookie for sessionID.
func (c Cookies) Set(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, c.cookie(sessionID, int(c.Options.MaxAge.Seconds())))
}

// Clear expires the session cookie.
func (c Cookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie("", -1))
}

func (c Cookies) cookie(value string, maxAge int) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	if c.Options.Secure {
		sameSite = http.SameSiteNoneMode
	}
	return &http.Cookie{
		Name:     c.Options.Name,
		Value:    value,
		Path:     "/",
		Domain:   c.Options.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.Options.Secure,
		SameSite: sameSite,
	}
}

// SessionID returns the session cookie value of r, or "".
func (c Cookies) SessionID(r *http.Request) string {
	ck, err := r.Cookie(c.Options.Name)
	if err != nil {
		return ""
	}
	return ck.Value
}

// Session loads the session named by the cookie and sets its identity on the request context.
// Requests without a valid session pass through anonymously; a store failure is logged and
// treated the same way.
func Session(store SessionGetter, cookies Cookies, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := cookies.SessionID(r)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			sess, err := store.GetByID(r.Context(), id)
			if err != nil {
				logger.WarnContext(r.Context(), "session lookup failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if sess == nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), sess.Data.User, sess.ID)))
		})
	}
}

// RequireSession rejects requests without an authenticated session with 401.
func RequireSession(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := GetUserID(r.Context()); !ok {
				httpx.WriteError(logger, r, w, apperr.Unauthorized("not signed in"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authorizer decides whether the session user holds one of the required roles.
type Authorizer interface {
	Authorize(ctx context.Context, sessionUserID string, requiredRoles []string) (bool, error)
}

// RequireRoles rejects requests whose user does not satisfy requiredRoles with 403.
func RequireRoles(authz Authorizer, logger *slog.Logger, requiredRoles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, _ := GetUserID(r.Context())
			ok, err := authz.Authorize(r.Context(), userID, requiredRoles)
			if err != nil {
				httpx.WriteError(logger, r, w, err)
				return
			}
			if !ok {
				if userID == "" {
					httpx.WriteError(logger, r, w, apperr.Unauthorized("not signed in"))
					return
				}
				httpx.WriteError(logger, r, w, apperr.Forbidden("insufficient role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
