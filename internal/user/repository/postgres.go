package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"trade-machine/backend/internal/db"
	"trade-machine/backend/internal/user/domain"
)

const userColumns = `id, email, name, password, role::text, last_logged_in,
	password_reset_token, password_reset_expires_on, created_at, updated_at`

type PostgresRepository struct {
	pool db.DBTX
}

// NewPostgresRepository returns a user repository backed by pool.
func NewPostgresRepository(pool db.DBTX) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, oops.With("operation", "get user by id").With("user_id", id).Wrap(err)
	}
	return u, nil
}

// GetByEmail returns the user whose email matches case-insensitively, or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, domain.NormalizeEmail(email)))
	if err != nil {
		return nil, oops.With("operation", "get user by email").Wrap(err)
	}
	return u, nil
}

// GetByResetToken returns the user holding token, or nil if none does.
func (r *PostgresRepository) GetByResetToken(ctx context.Context, token string) (*domain.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE password_reset_token = $1`, token))
	if err != nil {
		return nil, oops.With("operation", "get user by reset token").Wrap(err)
	}
	return u, nil
}

// Create persists the user. The user must have ID set; it is not assigned by this method.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	if err := u.Validate(); err != nil {
		return oops.With("operation", "create user").Wrap(err)
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, password, role, last_logged_in,
			password_reset_token, password_reset_expires_on, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, domain.NormalizeEmail(u.Email), u.Name, u.PasswordHash, string(u.Role), u.LastLoggedIn,
		u.PasswordResetToken, u.PasswordResetExpiresOn, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return oops.With("operation", "create user").With("user_id", u.ID).Wrap(err)
	}
	return nil
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Update writes every mutable column of u.
func (r *PostgresRepository) Update(ctx context.Context, u *domain.User) error {
	if err := u.Validate(); err != nil {
		return oops.With("operation", "update user").Wrap(err)
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET email = $2, name = $3, password = $4, role = $5, last_logged_in = $6,
			password_reset_token = $7, password_reset_expires_on = $8, updated_at = $9
		 WHERE id = $1`,
		u.ID, domain.NormalizeEmail(u.Email), u.Name, u.PasswordHash, string(u.Role), u.LastLoggedIn,
		u.PasswordResetToken, u.PasswordResetExpiresOn, u.UpdatedAt)
	if err != nil {
		return oops.With("operation", "update user").With("user_id", u.ID).Wrap(err)
	}
	return nil
}

// ClearResetToken stores passwordHash and clears the reset fields in one statement keyed on the
// token, so only one of two concurrent resets with the same token updates a row.
func (r *PostgresRepository) ClearResetToken(ctx context.Context, token, passwordHash string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET password = $2, password_reset_token = NULL,
			password_reset_expires_on = NULL, updated_at = $3
		 WHERE password_reset_token = $1`,
		token, passwordHash, time.Now().UTC())
	if err != nil {
		return oops.With("operation", "clear reset token").Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u    domain.User
		role string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.LastLoggedIn,
		&u.PasswordResetToken, &u.PasswordResetExpiresOn, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.Role = domain.Role(role)
	return &u, nil
}
