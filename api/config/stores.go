package config

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/sqlflow/agent/pkg/catalog"
	"github.com/malbeclabs/sqlflow/agent/pkg/store/memory"
	"github.com/malbeclabs/sqlflow/agent/pkg/store/postgres"
	redisstore "github.com/malbeclabs/sqlflow/agent/pkg/store/redis"
	"github.com/malbeclabs/sqlflow/agent/pkg/store/sqlite"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// Claimer finds interrupted threads for resume on startup.
type Claimer interface {
	ClaimIncomplete(ctx context.Context, owner string, staleAfter time.Duration) (string, bool, error)
}

// Stores is the persistence wired into the engine.
type Stores struct {
	Checkpoints workflow.CheckpointStore
	Memory      workflow.MemoryStore
	Contexts    workflow.ContextLibrary

	// Claimer is nil for the in-memory store.
	Claimer Claimer

	sqliteDB *sql.DB
}

// Close releases handles owned by the stores. Global pools are closed by Close.
func (s *Stores) Close() error {
	if s.sqliteDB != nil {
		return s.sqliteDB.Close()
	}
	return nil
}

// OpenStores connects the configured store backend and applies its migrations.
// owner identifies this process in claimed checkpoint rows.
func OpenStores(ctx context.Context, log *slog.Logger, cfg Config, owner string) (*Stores, error) {
	s := &Stores{}
	switch cfg.Store {
	case StorePostgres:
		if err := LoadPostgres(log, cfg.Postgres); err != nil {
			return nil, err
		}
		if err := postgres.RunMigrations(ctx, log, PgPool); err != nil {
			return nil, err
		}
		cps := postgres.NewCheckpointStore(PgPool, owner)
		s.Checkpoints = cps
		s.Claimer = cps
		s.Memory = postgres.NewMemoryStore(PgPool)
		s.Contexts = postgres.NewContextLibrary(PgPool)

	case StoreSQLite:
		db, err := sqlite.Open(ctx, log, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		clock := clockwork.NewRealClock()
		cps := sqlite.NewCheckpointStore(db, owner, clock)
		s.sqliteDB = db
		s.Checkpoints = cps
		s.Claimer = cps
		s.Memory = sqlite.NewMemoryStore(db)
		s.Contexts = sqlite.NewContextLibrary(db, clock)

	case StoreMemory:
		log.Warn("using in-memory stores; threads are lost on restart")
		s.Checkpoints = memory.NewCheckpointStore()
		s.Memory = memory.NewMemoryStore()
		s.Contexts = memory.NewContextLibrary()

	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	if cfg.RedisAddr != "" {
		if err := LoadRedis(log, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Memory = redisstore.NewMemoryStore(Redis, "", cfg.RedisMemoryTTL)
	}
	return s, nil
}

// Target is the database questions are answered from.
type Target struct {
	*catalog.Cached
	sqliteDB *catalog.SQLite
}

// Close stops the cache and closes a target owned by this process.
func (t *Target) Close() error {
	t.Stop()
	if t.sqliteDB != nil {
		return t.sqliteDB.Close()
	}
	return nil
}

// Ping checks the target is reachable.
func (t *Target) Ping(ctx context.Context) error {
	switch {
	case DB != nil:
		return DB.Ping(ctx)
	case TargetPool != nil:
		return TargetPool.Ping(ctx)
	case t.sqliteDB != nil:
		return t.sqliteDB.DB().PingContext(ctx)
	}
	return nil
}

// OpenTarget connects the configured target database behind a catalog cache.
func OpenTarget(log *slog.Logger, cfg Config, observer catalog.QueryObserver) (*Target, error) {
	opts := catalog.Options{
		Logger:       log,
		Observer:     observer,
		MaxRows:      cfg.MaxRows,
		SampleValues: cfg.SampleValues,
	}

	t := &Target{}
	var db workflow.Database
	switch cfg.Target {
	case catalog.BackendClickHouse:
		if err := LoadClickHouse(log, cfg.ClickHouse); err != nil {
			return nil, err
		}
		db = catalog.NewClickHouse(DB, cfg.ClickHouse.Database, opts)
	case catalog.BackendPostgres:
		if err := LoadTargetPostgres(log, cfg.TargetPostgres); err != nil {
			return nil, err
		}
		db = catalog.NewPostgres(TargetPool, cfg.TargetPgSchema, opts)
	case catalog.BackendSQLite:
		lite, err := catalog.OpenSQLite(cfg.TargetSQLitePath, opts)
		if err != nil {
			return nil, err
		}
		t.sqliteDB = lite
		db = lite
	default:
		return nil, fmt.Errorf("unknown target %q", cfg.Target)
	}
	t.Cached = catalog.NewCached(db, cfg.CatalogCacheTTL)
	log.Info("target database ready", "backend", cfg.Target, "dialect", cfg.Target.Dialect())
	return t, nil
}
