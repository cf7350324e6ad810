package dbtesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresConfig holds the PostgreSQL test container configuration.
type PostgresConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "test"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// Postgres represents a PostgreSQL test container.
type Postgres struct {
	log       *slog.Logger
	cfg       *PostgresConfig
	host      string
	port      string
	container *tcpostgres.PostgresContainer
}

// NewPostgres starts a PostgreSQL container.
func NewPostgres(ctx context.Context, log *slog.Logger, cfg *PostgresConfig) (*Postgres, error) {
	if cfg == nil {
		cfg = &PostgresConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate Postgres config: %w", err)
	}

	container, err := startWithRetry(ctx, func() (*tcpostgres.PostgresContainer, error) {
		return tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Postgres container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to get Postgres container mapped port: %w", err)
	}

	return &Postgres{log: log, cfg: cfg, host: host, port: port.Port(), container: container}, nil
}

// Close terminates the PostgreSQL container.
func (db *Postgres) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate Postgres container", "error", err)
	}
}

func (db *Postgres) url(database string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", db.cfg.Username, db.cfg.Password, db.host, db.port, database)
}

// NewTestDatabase creates a uniquely named database, returns a pool for it,
// and drops it when the test ends.
func (db *Postgres) NewTestDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := t.Context()

	databaseName := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	admin, err := pgxpool.New(ctx, db.url(db.cfg.Database))
	require.NoError(t, err, "failed to create Postgres admin pool")
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", databaseName))
	require.NoError(t, err, "failed to create test database")

	pool, err := pgxpool.New(ctx, db.url(databaseName))
	require.NoError(t, err, "failed to create Postgres test pool")
	require.NoError(t, pool.Ping(ctx))

	t.Cleanup(func() {
		pool.Close()
		_, _ = admin.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", databaseName))
		admin.Close()
	})
	return pool
}
