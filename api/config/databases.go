package config

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var (
	// DB is the global ClickHouse connection pool when the target is ClickHouse.
	DB driver.Conn

	// PgPool is the global PostgreSQL pool backing the workflow stores.
	PgPool *pgxpool.Pool

	// TargetPool is the PostgreSQL pool of the target database.
	TargetPool *pgxpool.Pool

	// Redis holds thread memory when REDIS_ADDR is set.
	Redis *redis.Client
)

const pingTimeout = 5 * time.Second

// LoadClickHouse opens and pings the ClickHouse pool.
func LoadClickHouse(log *slog.Logger, cfg CHConfig) error {
	log.Info("connecting to ClickHouse", "addr", cfg.Addr, "database", cfg.Database, "username", cfg.Username, "secure", cfg.Secure)

	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
	// ClickHouse Cloud (port 9440)
	if cfg.Secure {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to create clickhouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	DB = conn
	log.Info("connected to ClickHouse")
	return nil
}

// LoadPostgres opens the store pool.
func LoadPostgres(log *slog.Logger, cfg PgConfig) error {
	log.Info("connecting to PostgreSQL", "host", cfg.Host, "port", cfg.Port, "database", cfg.Database, "username", cfg.Username)
	pool, err := connectPostgres(cfg.URL())
	if err != nil {
		return err
	}
	PgPool = pool
	log.Info("connected to PostgreSQL")
	return nil
}

// LoadTargetPostgres opens the target database pool.
func LoadTargetPostgres(log *slog.Logger, url string) error {
	log.Info("connecting to target PostgreSQL")
	pool, err := connectPostgres(url)
	if err != nil {
		return err
	}
	TargetPool = pool
	return nil
}

func connectPostgres(url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// LoadRedis connects the thread memory client.
func LoadRedis(log *slog.Logger, addr, password string, db int) error {
	log.Info("connecting to Redis", "addr", addr, "db", db)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	Redis = client
	return nil
}

// Close closes every open global handle.
func Close() error {
	var firstErr error
	if DB != nil {
		if err := DB.Close(); err != nil {
			firstErr = err
		}
		DB = nil
	}
	if Redis != nil {
		if err := Redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		Redis = nil
	}
	if TargetPool != nil {
		TargetPool.Close()
		TargetPool = nil
	}
	if PgPool != nil {
		PgPool.Close()
		PgPool = nil
	}
	return firstErr
}
