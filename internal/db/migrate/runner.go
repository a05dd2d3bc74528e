// Package migrate applies the embedded schema with golang-migrate over the pgx/v5 driver.
package migrate

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"trade-machine/backend/internal/db"
)

// ErrNoChange is golang-migrate's "already at target" result. Run never returns it.
var ErrNoChange = migrate.ErrNoChange

// Command is a migration action.
type Command string

const (
	Up      Command = "up"
	Down    Command = "down"
	Version Command = "version"
)

// Result is the schema state after a command.
type Result struct {
	Version uint
	Dirty   bool
}

// Run executes cmd against dsn. steps > 0 limits up/down to that many migrations; zero means all.
func Run(dsn string, cmd Command, steps int) (Result, error) {
	if dsn == "" {
		return Result{}, errors.New("DATABASE_URL is not set")
	}
	switch cmd {
	case Up, Down, Version:
	default:
		return Result{}, fmt.Errorf("command must be up, down or version, got %q", cmd)
	}
	if steps < 0 {
		return Result{}, fmt.Errorf("steps must not be negative, got %d", steps)
	}
	target, err := driverURL(dsn)
	if err != nil {
		return Result{}, err
	}

	src, err := Source()
	if err != nil {
		return Result{}, fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, target)
	if err != nil {
		return Result{}, fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch {
	case cmd == Up && steps > 0:
		err = m.Steps(steps)
	case cmd == Up:
		err = m.Up()
	case cmd == Down && steps > 0:
		err = m.Steps(-steps)
	case cmd == Down:
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Result{}, err
	}

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Version: v, Dirty: dirty}, nil
}

// Source returns the embedded migrations as a golang-migrate source driver.
func Source() (source.Driver, error) {
	fsys, err := db.Migrations()
	if err != nil {
		return nil, err
	}
	return iofs.New(fsys, ".")
}

// driverURL rewrites a postgres:// DSN to the pgx5:// scheme the pgx/v5 driver registers.
func driverURL(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql":
		u.Scheme = "pgx5"
	case "pgx5":
	default:
		return "", fmt.Errorf("DATABASE_URL scheme must be postgres or postgresql, got %q", u.Scheme)
	}
	return u.String(), nil
}
