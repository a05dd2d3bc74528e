package domain

import (
	"errors"
	"strings"
	"time"
)

// Role is a user's role within the league.
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleOwner        Role = "owner"
	RoleCommissioner Role = "commissioner"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOwner, RoleCommissioner:
		return true
	}
	return false
}

// User is the core user entity.
type User struct {
	ID    string
	Email string
	Name  string
	// PasswordHash is nil for pre-provisioned accounts that have not claimed a password yet.
	PasswordHash *string
	Role         Role
	LastLoggedIn *time.Time
	// PasswordResetToken and PasswordResetExpiresOn are set and cleared together.
	PasswordResetToken     *string
	PasswordResetExpiresOn *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// NormalizeEmail lower-cases and trims an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HasPassword reports whether the user has set a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// IsAdmin reports whether the user bypasses role checks.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.Email == "" {
		return errors.New("email is required")
	}
	if u.Role == "" {
		u.Role = RoleOwner
	}
	if !u.Role.Valid() {
		return errors.New("role must be admin, owner or commissioner")
	}
	if u.PasswordResetToken != nil && u.PasswordResetExpiresOn == nil {
		return errors.New("password reset token requires an expiry")
	}
	return nil
}

// Public is the user as returned to clients. It never carries the password hash or reset token.
type Public struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name,omitempty"`
	Role         Role       `json:"role"`
	LastLoggedIn *time.Time `json:"lastLoggedIn,omitempty"`
}

// ToPublic strips credentials from u.
func (u *User) ToPublic() Public {
	return Public{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		Role:         u.Role,
		LastLoggedIn: u.LastLoggedIn,
	}
}
