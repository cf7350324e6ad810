// Package admin implements the operator commands of the admin CLI: store
// migrations, thread inspection and context library maintenance.
package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/sqlflow/agent/pkg/store/postgres"
	"github.com/malbeclabs/sqlflow/agent/pkg/store/sqlite"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

const adminOwner = "admin"

// threadLister is implemented by the persistent checkpoint stores.
type threadLister interface {
	workflow.CheckpointStore
	Threads(ctx context.Context, limit int) ([]string, error)
}

// Store is an opened persistent store. Exactly one of pool or db is set.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
	db   *sql.DB

	checkpoints threadLister
	contexts    workflow.ContextLibrary
}

// NewPostgresStore wraps an open Postgres pool.
func NewPostgresStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{
		log:         log,
		pool:        pool,
		checkpoints: postgres.NewCheckpointStore(pool, adminOwner),
		contexts:    postgres.NewContextLibrary(pool),
	}
}

// NewSQLiteStore wraps an open SQLite database.
func NewSQLiteStore(log *slog.Logger, db *sql.DB) *Store {
	clock := clockwork.NewRealClock()
	return &Store{
		log:         log,
		db:          db,
		checkpoints: sqlite.NewCheckpointStore(db, adminOwner, clock),
		contexts:    sqlite.NewContextLibrary(db, clock),
	}
}

// Migrate applies pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if s.pool != nil {
		return postgres.RunMigrations(ctx, s.log, s.pool)
	}
	return sqlite.RunMigrations(ctx, s.log, s.db)
}

// MigrationStatus logs the status of every migration.
func (s *Store) MigrationStatus(ctx context.Context) error {
	if s.pool != nil {
		return postgres.MigrationStatus(ctx, s.log, s.pool)
	}
	return sqlite.MigrationStatus(ctx, s.log, s.db)
}

// ListThreads writes the most recently updated thread IDs to w, one per line.
func (s *Store) ListThreads(ctx context.Context, w io.Writer, limit int) error {
	ids, err := s.checkpoints.Threads(ctx, limit)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := fmt.Fprintln(w, id); err != nil {
			return err
		}
	}
	return nil
}

// PrintHistory writes a thread's checkpoints to w. With asJSON each checkpoint
// is a JSON line; otherwise one summary line per checkpoint.
func (s *Store) PrintHistory(ctx context.Context, w io.Writer, threadID string, asJSON bool) error {
	history, err := s.checkpoints.LoadHistory(ctx, threadID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return fmt.Errorf("thread %q not found", threadID)
	}
	if asJSON {
		enc := json.NewEncoder(w)
		for _, cp := range history {
			if err := enc.Encode(cp); err != nil {
				return err
			}
		}
		return nil
	}
	for _, cp := range history {
		question := cp.State.ClarifiedQuestion
		if question == "" {
			question = cp.State.RawQuestion
		}
		if _, err := fmt.Fprintf(w, "%4d  parent=%-4d  %-14s -> %-14s  %s  %s\n",
			cp.Step, cp.ParentStep, cp.Stage, cp.Next,
			cp.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), truncate(question, 60)); err != nil {
			return err
		}
	}
	return nil
}

// InsertContext adds an example context and returns its ID.
func (s *Store) InsertContext(ctx context.Context, question, text string) (string, error) {
	question = strings.TrimSpace(question)
	text = strings.TrimSpace(text)
	if question == "" || text == "" {
		return "", fmt.Errorf("question and context are both required")
	}
	return s.contexts.Insert(ctx, question, text)
}

// DeleteContext removes an example context.
func (s *Store) DeleteContext(ctx context.Context, id string) error {
	return s.contexts.Delete(ctx, id)
}

// SearchContexts writes the contexts most similar to question to w.
func (s *Store) SearchContexts(ctx context.Context, w io.Writer, question string, limit int) error {
	entries, err := s.contexts.Retrieve(ctx, question, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", e.ID, truncate(e.Question, 80)); err != nil {
			return err
		}
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
