package repository

import (
	"context"
	"errors"

	"trade-machine/backend/internal/user/domain"
)

// ErrTokenNotFound is returned by ClearResetToken when no user holds the token.
var ErrTokenNotFound = errors.New("reset token not found")

// ErrEmailTaken is returned by Create when another user already holds the email.
var ErrEmailTaken = errors.New("email already in use")

// Repository defines persistence for users. Lookups return (nil, nil) when no row matches.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// GetByEmail matches case-insensitively.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByResetToken(ctx context.Context, token string) (*domain.User, error)
	// Create returns ErrEmailTaken when the email is already registered.
	Create(ctx context.Context, u *domain.User) error
	Update(ctx context.Context, u *domain.User) error
	// ClearResetToken sets the password hash and clears both reset fields, matching on the token
	// itself. Returns ErrTokenNotFound when the token was already cleared.
	ClearResetToken(ctx context.Context, token, passwordHash string) error
}
