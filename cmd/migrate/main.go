// migrate applies the embedded schema: go run ./cmd/migrate [-command up|down|version] [-steps N].
package main

import (
	"flag"
	"log/slog"
	"os"

	"trade-machine/backend/internal/config"
	"trade-machine/backend/internal/db/migrate"
	"trade-machine/backend/internal/logging"
)

func main() {
	command := flag.String("command", "up", "up, down or version")
	steps := flag.Int("steps", 0, "limit up/down to N migrations; 0 applies all")
	flag.Parse()

	logger := logging.New(os.Stderr, logging.Options{Format: "text"})

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(os.Stderr, logging.Options{Level: cfg.LogLevel, Format: "text"})
	slog.SetDefault(logger)

	res, err := migrate.Run(cfg.DatabaseURL, migrate.Command(*command), *steps)
	if err != nil {
		logger.Error("migrate failed", "command", *command, "error", err)
		os.Exit(1)
	}
	if res.Dirty {
		logger.Warn("schema is dirty; fix the failed migration and force the version", "version", res.Version)
		os.Exit(1)
	}
	logger.Info("migrate complete", "command", *command, "version", res.Version)
}
