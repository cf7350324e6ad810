// Package dbtesting starts database containers for integration tests and
// hands each test an isolated database.
package dbtesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
)

// ClickHouseConfig holds the ClickHouse test container configuration.
type ClickHouseConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

func (cfg *ClickHouseConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

// ClickHouse represents a ClickHouse test container.
type ClickHouse struct {
	log       *slog.Logger
	cfg       *ClickHouseConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// Addr returns the ClickHouse native protocol address (host:port).
func (db *ClickHouse) Addr() string {
	return db.addr
}

// Close terminates the ClickHouse container.
func (db *ClickHouse) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}

// NewClickHouse starts a ClickHouse container.
func NewClickHouse(ctx context.Context, log *slog.Logger, cfg *ClickHouseConfig) (*ClickHouse, error) {
	if cfg == nil {
		cfg = &ClickHouseConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate ClickHouse config: %w", err)
	}

	container, err := startWithRetry(ctx, func() (*tcch.ClickHouseContainer, error) {
		return tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start ClickHouse container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container host: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, nat.Port(fmt.Sprintf("%s/tcp", cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container mapped port: %w", err)
	}

	return &ClickHouse{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		container: container,
	}, nil
}

// NewTestDatabase creates a uniquely named database, returns a connection
// to it and the database name, and drops it when the test ends.
func (db *ClickHouse) NewTestDatabase(t *testing.T) (driver.Conn, string) {
	t.Helper()
	ctx := t.Context()

	databaseName := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	adminConn, err := Connect(ctx, db.addr, db.cfg.Database, db.cfg.Username, db.cfg.Password)
	require.NoError(t, err, "failed to create ClickHouse admin connection")

	err = adminConn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", databaseName))
	require.NoError(t, err, "failed to create test database")

	testConn, err := Connect(ctx, db.addr, databaseName, db.cfg.Username, db.cfg.Password)
	require.NoError(t, err, "failed to create ClickHouse test connection")

	t.Cleanup(func() {
		testConn.Close()
		_ = adminConn.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s", databaseName))
		adminConn.Close()
	})
	return testConn, databaseName
}

// Connect opens and pings a ClickHouse connection.
func Connect(ctx context.Context, addr, database, username, password string) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if err := conn.Ping(ctx); err != nil {
			if attempt < 3 {
				time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to ping ClickHouse after retries: %w", err)
		}
		break
	}
	return conn, nil
}

// startWithRetry retries container start up to 3 times for retryable errors.
func startWithRetry[C any](ctx context.Context, run func() (C, error)) (C, error) {
	var zero C
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		c, err := safeRun(run)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if !isRetryableContainerStartErr(err) || attempt == 3 {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(time.Duration(attempt) * 750 * time.Millisecond):
		}
	}
	return zero, lastErr
}

// safeRun converts the panic testcontainers raises when no Docker host is
// found into an error.
func safeRun[C any](run func() (C, error)) (c C, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker not available: %v", r)
		}
	}()
	return run()
}

func isRetryableContainerStartErr(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"wait until ready", "port not found", "connection refused", "context deadline exceeded", "no such container"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
