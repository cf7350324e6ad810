package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/sqlflow/agent/pkg/store"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// ErrContextNotFound is returned when deleting an unknown entry.
var ErrContextNotFound = store.ErrContextNotFound

// ContextLibrary ranks example contexts with FTS5 bm25. Question matches
// weigh twice as much as context matches.
type ContextLibrary struct {
	db    *sql.DB
	clock clockwork.Clock
}

// NewContextLibrary returns a library on db. A nil clock means the real clock.
func NewContextLibrary(db *sql.DB, clock clockwork.Clock) *ContextLibrary {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ContextLibrary{db: db, clock: clock}
}

func (l *ContextLibrary) Insert(ctx context.Context, question, text string) (string, error) {
	if strings.TrimSpace(question) == "" || strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("question and context are required")
	}
	id := uuid.NewString()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO context_library (id, question, context, created_at)
		VALUES (?, ?, ?, ?)
	`, id, question, text, l.clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("failed to insert context: %w", err)
	}
	return id, nil
}

func (l *ContextLibrary) Retrieve(ctx context.Context, question string, limit int) ([]workflow.ContextEntry, error) {
	query := ftsQuery(question)
	if query == "" || limit <= 0 {
		return nil, nil
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT c.id, c.question, c.context, c.created_at, -bm25(context_library_fts, 2.0, 1.0) AS score
		FROM context_library_fts
		JOIN context_library c ON c.rowid = context_library_fts.rowid
		WHERE context_library_fts MATCH ?
		ORDER BY score DESC
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve contexts: %w", err)
	}
	defer rows.Close()

	var out []workflow.ContextEntry
	for rows.Next() {
		var e workflow.ContextEntry
		var created string
		if err := rows.Scan(&e.ID, &e.Question, &e.Context, &created, &e.Score); err != nil {
			return nil, fmt.Errorf("failed to scan context: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("failed to parse context time: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to retrieve contexts: %w", err)
	}
	return out, nil
}

func (l *ContextLibrary) Delete(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM context_library WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete context: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete context: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrContextNotFound, id)
	}
	return nil
}

// ftsQuery quotes each word so FTS5 treats it literally and matches any of
// them.
func ftsQuery(text string) string {
	words := store.Words(text)
	for i, w := range words {
		words[i] = `"` + w + `"`
	}
	return strings.Join(words, " OR ")
}
