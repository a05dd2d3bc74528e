package db

import (
	"embed"
	"io/fs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrations returns the versioned schema (users, emails, oban_jobs) rooted at the
// migrations directory.
func Migrations() (fs.FS, error) {
	return fs.Sub(migrationFS, "migrations")
}
