package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"trade-machine/backend/internal/platform/apperr"
	"trade-machine/backend/internal/security"
	sessiondomain "trade-machine/backend/internal/session/domain"
	userdomain "trade-machine/backend/internal/user/domain"
	userrepo "trade-machine/backend/internal/user/repository"
)

// DefaultResetWindow is how long a password reset token stays valid when no window is configured.
const DefaultResetWindow = time.Hour

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// UserRepo is the user repository needed by the auth service.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	GetByResetToken(ctx context.Context, token string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
	Update(ctx context.Context, u *userdomain.User) error
	ClearResetToken(ctx context.Context, token, passwordHash string) error
}

// SessionRepo is the session repository needed by the auth service.
type SessionRepo interface {
	GetByID(ctx context.Context, id string) (*sessiondomain.Session, error)
	Create(ctx context.Context, userID string) (*sessiondomain.Session, error)
	Save(ctx context.Context, s *sessiondomain.Session) error
	Revoke(ctx context.Context, id string) error
	RevokeAllSessionsByUser(ctx context.Context, userID string) (int, error)
}

// RoleAuthorizer decides whether a role satisfies a set of required roles.
type RoleAuthorizer interface {
	Allow(ctx context.Context, role string, requiredRoles []string) (bool, error)
}

// AuthService implements password signup and signin, password reset, role checks and
// session establishment.
type AuthService struct {
	userRepo    UserRepo
	sessionRepo SessionRepo
	hasher      *security.Hasher
	authorizer  RoleAuthorizer
	resetWindow time.Duration
	nowF        func() time.Time
}

// NewAuthService returns an AuthService with the given dependencies. resetWindow <= 0 selects DefaultResetWindow.
func NewAuthService(
	userRepo UserRepo,
	sessionRepo SessionRepo,
	hasher *security.Hasher,
	authorizer RoleAuthorizer,
	resetWindow time.Duration,
) *AuthService {
	if resetWindow <= 0 {
		resetWindow = DefaultResetWindow
	}
	return &AuthService{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		hasher:      hasher,
		authorizer:  authorizer,
		resetWindow: resetWindow,
		nowF:        time.Now,
	}
}

func (s *AuthService) now() time.Time {
	return s.nowF().UTC()
}

// SignUp creates a user, or sets the password of a pre-provisioned passwordless user with the same email.
// Returns a Conflict error when the email already belongs to a user with a password.
func (s *AuthService) SignUp(ctx context.Context, email, password string) (*userdomain.User, error) {
	email = userdomain.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	existing, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return nil, apperr.Internal("find user by email", err)
	}
	if existing != nil && existing.HasPassword() {
		return nil, apperr.Conflict("email already in use")
	}

	hashed, err := s.hasher.Hash(password)
	if err != nil {
		return nil, apperr.Internal("hash password", err)
	}
	now := s.now()

	if existing != nil {
		existing.PasswordHash = &hashed
		existing.LastLoggedIn = &now
		existing.UpdatedAt = now
		if err := s.userRepo.Update(ctx, existing); err != nil {
			return nil, apperr.Internal("claim passwordless user", err)
		}
		return existing, nil
	}

	user := &userdomain.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: &hashed,
		Role:         userdomain.RoleOwner,
		LastLoggedIn: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := user.Validate(); err != nil {
		return nil, apperr.Validation(err.Error())
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, userrepo.ErrEmailTaken) {
			return nil, apperr.Conflict("email already in use")
		}
		return nil, apperr.Internal("create user", err)
	}
	return user, nil
}

// SignIn verifies email and password and records the login time.
func (s *AuthService) SignIn(ctx context.Context, email, password string) (*userdomain.User, error) {
	email = userdomain.NormalizeEmail(email)
	if email == "" {
		return nil, apperr.Validation("email is required")
	}
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return nil, apperr.Internal("find user by email", err)
	}
	if user == nil {
		return nil, apperr.NotFound("no user with that email")
	}
	if !user.HasPassword() {
		return nil, apperr.BadRequest("incorrect password")
	}
	ok, err := s.hasher.Verify(*user.PasswordHash, password)
	if err != nil {
		return nil, apperr.Internal("verify password", err)
	}
	if !ok {
		return nil, apperr.BadRequest("incorrect password")
	}
	if s.hasher.NeedsRehash(*user.PasswordHash) {
		if rehashed, err := s.hasher.Hash(password); err == nil {
			user.PasswordHash = &rehashed
		}
	}
	now := s.now()
	user.LastLoggedIn = &now
	user.UpdatedAt = now
	if err := s.userRepo.Update(ctx, user); err != nil {
		return nil, apperr.Internal("record login", err)
	}
	return user, nil
}

// RequestPasswordReset issues a reset token valid for the reset window. The current password keeps working.
func (s *AuthService) RequestPasswordReset(ctx context.Context, userID string) (*userdomain.User, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("find user", err)
	}
	if user == nil {
		return nil, apperr.NotFound("user not found")
	}
	token := security.NewResetToken()
	now := s.now()
	expires := now.Add(s.resetWindow)
	user.PasswordResetToken = &token
	user.PasswordResetExpiresOn = &expires
	user.UpdatedAt = now
	if err := s.userRepo.Update(ctx, user); err != nil {
		return nil, apperr.Internal("store reset token", err)
	}
	return user, nil
}

// RequestPasswordResetByEmail is RequestPasswordReset keyed by email.
func (s *AuthService) RequestPasswordResetByEmail(ctx context.Context, email string) (*userdomain.User, error) {
	user, err := s.userRepo.GetByEmail(ctx, userdomain.NormalizeEmail(email))
	if err != nil {
		return nil, apperr.Internal("find user by email", err)
	}
	if user == nil {
		return nil, apperr.NotFound("no user with that email")
	}
	return s.RequestPasswordReset(ctx, user.ID)
}

// ApplyPasswordReset sets a new password for the user holding token and clears the token.
// The token must expire strictly after now.
func (s *AuthService) ApplyPasswordReset(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return apperr.NotFound("reset token not found")
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	user, err := s.userRepo.GetByResetToken(ctx, token)
	if err != nil {
		return apperr.Internal("find user by reset token", err)
	}
	if user == nil {
		return apperr.NotFound("reset token not found")
	}
	if user.PasswordResetExpiresOn == nil || !user.PasswordResetExpiresOn.After(s.now()) {
		return apperr.Forbidden("reset token expired")
	}
	hashed, err := s.hasher.Hash(newPassword)
	if err != nil {
		return apperr.Internal("hash password", err)
	}
	if err := s.userRepo.ClearResetToken(ctx, token, hashed); err != nil {
		if errors.Is(err, userrepo.ErrTokenNotFound) {
			return apperr.NotFound("reset token not found")
		}
		return apperr.Internal("apply password reset", err)
	}
	return nil
}

// Authorize reports whether the session's user may act with one of requiredRoles.
// No session or an unknown user is never authorized.
func (s *AuthService) Authorize(ctx context.Context, sessionUserID string, requiredRoles []string) (bool, error) {
	if sessionUserID == "" {
		return false, nil
	}
	user, err := s.userRepo.GetByID(ctx, sessionUserID)
	if err != nil {
		return false, apperr.Internal("find user", err)
	}
	if user == nil {
		return false, nil
	}
	ok, err := s.authorizer.Allow(ctx, string(user.Role), requiredRoles)
	if err != nil {
		return false, apperr.Internal("evaluate role policy", err)
	}
	return ok, nil
}

// EstablishSession issues a fresh session for userID and revokes the presented one, so a session ID
// known before login never carries the new identity. The caller must set the returned ID as the cookie.
// A client that re-authenticates as another user ends up bound to the most recent login.
func (s *AuthService) EstablishSession(ctx context.Context, existingSessionID, userID string) (*sessiondomain.Session, error) {
	if existingSessionID != "" {
		if err := s.sessionRepo.Revoke(ctx, existingSessionID); err != nil {
			return nil, apperr.Internal("revoke presented session", err)
		}
	}
	sess, err := s.sessionRepo.Create(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("create session", err)
	}
	return sess, nil
}

// Logout destroys one session. Unknown sessions are ignored.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if err := s.sessionRepo.Revoke(ctx, sessionID); err != nil {
		return apperr.Internal("revoke session", err)
	}
	return nil
}

// LogoutAll destroys every session of userID and returns how many were removed.
func (s *AuthService) LogoutAll(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, apperr.Unauthorized("not signed in")
	}
	n, err := s.sessionRepo.RevokeAllSessionsByUser(ctx, userID)
	if err != nil {
		return 0, apperr.Internal("revoke user sessions", err)
	}
	return n, nil
}

// CurrentUser returns the user bound to sessionID.
func (s *AuthService) CurrentUser(ctx context.Context, sessionID string) (*userdomain.User, error) {
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal("load session", err)
	}
	if !sess.Authenticated() {
		return nil, apperr.Unauthorized("not signed in")
	}
	user, err := s.userRepo.GetByID(ctx, sess.Data.User)
	if err != nil {
		return nil, apperr.Internal("find user", err)
	}
	if user == nil {
		return nil, apperr.Unauthorized("not signed in")
	}
	return user, nil
}

func validateEmail(email string) error {
	if email == "" {
		return apperr.Validation("email is required")
	}
	if !emailPattern.MatchString(email) {
		return apperr.Validation("invalid email format")
	}
	return nil
}

func validatePassword(password string) error {
	if strings.TrimSpace(password) == "" {
		return apperr.Validation("password is required")
	}
	if len(password) > security.MaxPasswordBytes {
		return apperr.Validation("password is too long")
	}
	return nil
}
