// seed inserts development accounts for local testing. Run via go run ./cmd/seed.
// Idempotent: accounts whose email already exists are skipped. Every address uses a reserved
// test domain, so notification jobs for them are suppressed by the dispatcher.
package main

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"trade-machine/backend/internal/config"
	"trade-machine/backend/internal/db"
	"trade-machine/backend/internal/security"
	userdomain "trade-machine/backend/internal/user/domain"
	userrepo "trade-machine/backend/internal/user/repository"
)

const devPassword = "password123"

type account struct {
	email string
	name  string
	role  userdomain.Role
	// pending accounts have no password and are claimed through signup.
	pending bool
}

var accounts = []account{
	{email: "admin@example.com", name: "Dev Admin", role: userdomain.RoleAdmin},
	{email: "commish@example.com", name: "Dev Commissioner", role: userdomain.RoleCommissioner},
	{email: "owner@example.com", name: "Dev Owner", role: userdomain.RoleOwner},
	{email: "invited@example.com", name: "Invited Owner", role: userdomain.RoleOwner, pending: true},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("seed: refusing to run with APP_ENV=production")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	users := userrepo.NewPostgresRepository(pool)
	hash, err := security.NewHasher(cfg.BcryptCost).Hash(devPassword)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	now := time.Now().UTC()
	for _, a := range accounts {
		existing, err := users.GetByEmail(ctx, a.email)
		if err != nil {
			log.Fatalf("seed check %s: %v", a.email, err)
		}
		if existing != nil {
			log.Printf("%s exists, skipping", a.email)
			continue
		}
		u := &userdomain.User{
			ID:        uuid.NewString(),
			Email:     a.email,
			Name:      a.name,
			Role:      a.role,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if !a.pending {
			u.PasswordHash = &hash
		}
		if err := users.Create(ctx, u); err != nil {
			log.Fatalf("create %s: %v", a.email, err)
		}
		log.Printf("created %s (%s)", a.email, a.role)
	}
	log.Printf("seed complete; password for active accounts is %q", devPassword)
}
