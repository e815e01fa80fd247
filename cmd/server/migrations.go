package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
)

// migrationsDir is the on-disk location of the goose migration files,
// relative to the server's working directory.
const migrationsDir = "migrations"

// runMigrations applies any pending schema migrations before the server
// starts accepting work.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.Up(db, migrationsDir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	logger.Info("Database migrations applied", "version", version)
	return nil
}
