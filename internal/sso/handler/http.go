// Package handler serves the session-transfer endpoints.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"trade-machine/backend/internal/platform/apperr"
	"trade-machine/backend/internal/platform/httpx"
	"trade-machine/backend/internal/server/middleware"
	sessiondomain "trade-machine/backend/internal/session/domain"
	"trade-machine/backend/internal/sso"
)

// Broker issues and redeems transfer tokens.
type Broker interface {
	Issue(ctx context.Context, sessionID, userID string) (string, error)
	Redeem(ctx context.Context, origin, token string) (*sso.Redemption, error)
}

// Sessions binds a user to the caller's session on the redeeming origin.
type Sessions interface {
	EstablishSession(ctx context.Context, existingSessionID, userID string) (*sessiondomain.Session, error)
}

// Handler serves POST /auth/sso/token and POST /auth/sso/redeem.
type Handler struct {
	broker   Broker
	sessions Sessions
	cookies  middleware.Cookies
	logger   *slog.Logger
}

func NewHandler(broker Broker, sessions Sessions, cookies middleware.Cookies, logger *slog.Logger) *Handler {
	return &Handler{broker: broker, sessions: sessions, cookies: cookies, logger: logger}
}

// Routes mounts the handlers on r. The token route requires a signed-in session.
func (h *Handler) Routes(r chi.Router) {
	r.With(middleware.RequireSession(h.logger)).Post("/auth/sso/token", h.IssueToken)
	r.Post("/auth/sso/redeem", h.Redeem)
}

type tokenResponse struct {
	Token string `json:"token"`
}

type redeemRequest struct {
	Token string `json:"token"`
}

type redeemResponse struct {
	UserID string `json:"userId"`
}

// IssueToken returns a single-use token for the current session.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())
	sessionID, _ := middleware.GetSessionID(r.Context())

	token, err := h.broker.Issue(r.Context(), sessionID, userID)
	if err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tokenResponse{Token: token})
}

// Redeem exchanges a token for a session on the calling origin and sets its cookie.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	if req.Token == "" {
		req.Token = r.URL.Query().Get("token")
	}

	red, err := h.broker.Redeem(r.Context(), sso.RequestOrigin(r), req.Token)
	if err != nil {
		h.logger.InfoContext(r.Context(), "session transfer rejected", "origin", sso.RequestOrigin(r), "reason", apperr.PublicMessage(err))
		httpx.WriteError(h.logger, r, w, err)
		return
	}

	sess, err := h.sessions.EstablishSession(r.Context(), h.cookies.SessionID(r), red.Payload.UserID)
	if err != nil {
		httpx.WriteError(h.logger, r, w, err)
		return
	}
	h.cookies.Set(w, sess.ID)
	httpx.WriteJSON(w, http.StatusOK, redeemResponse{UserID: red.Payload.UserID})
}
