// Package postgres persists checkpoints, thread memory and the context
// library in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/malbeclabs/sqlflow/agent/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations applies all pending migrations.
func RunMigrations(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	log.Info("running PostgreSQL migrations with goose")

	// Create a database/sql connection for goose
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := store.Migrate(ctx, log, db, migrationsFS, "postgres", "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("PostgreSQL migrations completed successfully")
	return nil
}

// MigrationStatus logs the status of all migrations.
func MigrationStatus(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	log.Info("checking PostgreSQL migration status")
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return store.MigrationStatus(ctx, log, db, migrationsFS, "postgres", "migrations")
}
