package dbtesting

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Redis represents a Redis test container.
type Redis struct {
	log       *slog.Logger
	addr      string
	container testcontainers.Container
}

// NewRedis starts a redis:7-alpine container.
func NewRedis(ctx context.Context, log *slog.Logger) (*Redis, error) {
	container, err := startWithRetry(ctx, func() (testcontainers.Container, error) {
		return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start Redis container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis container mapped port: %w", err)
	}
	return &Redis{log: log, addr: host + ":" + port.Port(), container: container}, nil
}

// Close terminates the Redis container.
func (r *Redis) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.container.Terminate(terminateCtx); err != nil {
		r.log.Error("failed to terminate Redis container", "error", err)
	}
}

// NewClient returns a client on a flushed database.
func (r *Redis) NewClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: r.addr})
	require.NoError(t, client.FlushDB(t.Context()).Err(), "failed to flush redis")
	t.Cleanup(func() { _ = client.Close() })
	return client
}
