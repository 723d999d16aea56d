package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"github.com/RezaEskandarii/bookingworker/internal/constants"
	"github.com/RezaEskandarii/bookingworker/internal/lock"
	"io/fs"
	"log/slog"
	"path"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// Init verifies the connection and applies every embedded migration script in
// file name order. Workers starting together serialize on the migration
// advisory lock; every script is idempotent so later workers re-run them
// harmlessly.
func Init(ctx context.Context, db *sql.DB, distributedLock lock.DistributedLockManager, logger *slog.Logger) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	scripts, err := readSQLScripts()
	if err != nil {
		return err
	}

	return lock.WithLock(ctx, distributedLock, constants.MigrationLock, func() error {
		for _, script := range scripts {
			logger.Info("applying migration", slog.String("script", script.name))
			if _, err := db.ExecContext(ctx, script.sql); err != nil {
				return fmt.Errorf("migration %s: %w", script.name, err)
			}
		}
		return nil
	})
}

type sqlScript struct {
	name string
	sql  string
}

// readSQLScripts returns the embedded scripts sorted by name.
func readSQLScripts() ([]sqlScript, error) {
	entries, err := fs.ReadDir(migrations, migrationsDir)
	if err != nil {
		return nil, err
	}

	var scripts []sqlScript
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		content, err := fs.ReadFile(migrations, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, sqlScript{name: entry.Name(), sql: string(content)})
	}

	return scripts, nil
}
