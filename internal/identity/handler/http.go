// Package handler serves the authentication endpoints over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	jobdomain "trade-machine/backend/internal/jobs/domain"
	"trade-machine/backend/internal/jobs/dispatcher"
	"trade-machine/backend/internal/platform/apperr"
	"trade-machine/backend/internal/platform/httpx"
	"trade-machine/backend/internal/server/middleware"
	sessiondomain "trade-machine/backend/internal/session/domain"
	userdomain "trade-machine/backend/internal/user/domain"
)

// AuthService is the subset of the identity service used by the handlers.
type AuthService interface {
	SignUp(ctx context.Context, email, password string) (*userdomain.User, error)
	SignIn(ctx context.Context, email, password string) (*userdomain.User, error)
	RequestPasswordResetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	ApplyPasswordReset(ctx context.Context, token, newPassword string) error
	EstablishSession(ctx context.Context, existingSessionID, userID string) (*sessiondomain.Session, error)
	Logout(ctx context.Context, sessionID string) error
	LogoutAll(ctx context.Context, userID string) (int, error)
	CurrentUser(ctx context.Context, sessionID string) (*userdomain.User, error)
	Authorize(ctx context.Context, sessionUserID string, requiredRoles []string) (bool, error)
}

// Notifier queues account emails.
type Notifier interface {
	SendRegistrationEmail(ctx context.Context, u *userdomain.User) (*jobdomain.Job, error)
	SendResetPasswordEmail(ctx context.Context, u *userdomain.User) (*jobdomain.Job, error)
	SendTestEmail(ctx context.Context, u *userdomain.User) (*jobdomain.Job, error)
	BridgeResetPasswordEmail(ctx context.Context, u *userdomain.User) (dispatcher.BridgedJobRef, error)
}

type Handler struct {
	auth     AuthService
	notifier Notifier
	cookies  middleware.Cookies
	logger   *slog.Logger
}

func NewHandler(auth AuthService, notifier Notifier, cookies middleware.Cookies, logger *slog.Logger) *Handler {
	return &Handler{auth: auth, notifier: notifier, cookies: cookies, logger: logger}
}

// Routes mounts the /auth endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/signup", h.SignUp)
	r.Post("/auth/login", h.Login)
	r.Post("/auth/logout", h.Logout)
	r.Post("/auth/reset_password/request", h.RequestPasswordReset)
	r.Post("/auth/reset_password", h.ApplyPasswordReset)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(h.logger))
		r.Post("/auth/logout/all", h.LogoutAll)
		r.Get("/auth/me", h.Me)
	})
	r.With(middleware.RequireRoles(h.auth, h.logger, string(userdomain.RoleAdmin))).
		Post("/auth/test_email", h.SendTestEmail)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type applyResetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type logoutAllResponse struct {
	Revoked int `json:"revoked"`
}

func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	user, err := h.auth.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	if !h.startSession(w, r, user) {
		return
	}
	if _, err := h.notifier.SendRegistrationEmail(r.Context(), user); err != nil {
		apperr.Log(h.logger, "queue registration email failed", err)
	}
	httpx.WriteJSON(w, http.StatusOK, user.ToPublic())
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	user, err := h.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	if !h.startSession(w, r, user) {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, user.ToPublic())
}

// startSession binds user to the caller's session and writes the cookie. It writes the error
// response itself and returns false on failure.
func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, user *userdomain.User) bool {
	sess, err := h.auth.EstablishSession(r.Context(), h.cookies.SessionID(r), user.ID)
	if err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return false
	}
	h.cookies.Set(w, sess.ID)
	return true
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if id := h.cookies.SessionID(r); id != "" {
		if err := h.auth.Logout(r.Context(), id); err != nil {
			httpx.WriteError(h.logger, r, w, err)
			return
		}
	}
	h.cookies.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())
	n, err := h.auth.LogoutAll(r.Context(), userID)
	if err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	h.cookies.Clear(w)
	httpx.WriteJSON(w, http.StatusOK, logoutAllResponse{Revoked: n})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := middleware.GetSessionID(r.Context())
	user, err := h.auth.CurrentUser(r.Context(), sessionID)
	if err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, user.ToPublic())
}

// RequestPasswordReset issues a reset token, queues the email for the local worker and hands a
// copy to the external runner. A failure to bridge is returned to the client.
func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	user, err := h.auth.RequestPasswordResetByEmail(r.Context(), req.Email)
	if err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	if _, err := h.notifier.SendResetPasswordEmail(r.Context(), user); err != nil {
		apperr.Log(h.logger, "queue reset email failed", err)
	}
	if _, err := h.notifier.BridgeResetPasswordEmail(r.Context(), user); err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, statusResponse{Status: "reset email queued"})
}

func (h *Handler) ApplyPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req applyResetRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	if err := h.auth.ApplyPasswordReset(r.Context(), req.Token, req.Password); err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "password reset"})
}

// SendTestEmail queues a test email to the calling admin. A suppressed recipient still gets 202.
func (h *Handler) SendTestEmail(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := middleware.GetSessionID(r.Context())
	user, err := h.auth.CurrentUser(r.Context(), sessionID)
	if err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	if _, err := h.notifier.SendTestEmail(r.Context(), user); err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, statusResponse{Status: "test email queued"})
}
