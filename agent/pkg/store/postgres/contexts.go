package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/sqlflow/agent/pkg/store"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// ErrContextNotFound is returned when deleting an unknown entry.
var ErrContextNotFound = store.ErrContextNotFound

// ContextLibrary ranks example contexts with PostgreSQL full-text search.
// Question words weigh more than context words.
type ContextLibrary struct {
	pool *pgxpool.Pool
}

func NewContextLibrary(pool *pgxpool.Pool) *ContextLibrary {
	return &ContextLibrary{pool: pool}
}

func (l *ContextLibrary) Insert(ctx context.Context, question, text string) (string, error) {
	if strings.TrimSpace(question) == "" || strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("question and context are required")
	}
	id := uuid.New()
	_, err := l.pool.Exec(ctx, `
		INSERT INTO context_library (id, question, context, created_at)
		VALUES ($1, $2, $3, NOW())
	`, id, question, text)
	if err != nil {
		return "", fmt.Errorf("failed to insert context: %w", err)
	}
	return id.String(), nil
}

// Retrieve matches any word of the question and orders by ts_rank.
func (l *ContextLibrary) Retrieve(ctx context.Context, question string, limit int) ([]workflow.ContextEntry, error) {
	words := store.Words(question)
	if len(words) == 0 || limit <= 0 {
		return nil, nil
	}
	// Words are letters, digits and underscores only, so they are safe
	// tsquery operands.
	query := strings.Join(words, " | ")

	rows, err := l.pool.Query(ctx, `
		SELECT id, question, context, created_at, ts_rank(search, q) AS score
		FROM context_library, to_tsquery('english', $1) q
		WHERE search @@ q
		ORDER BY score DESC, created_at DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve contexts: %w", err)
	}
	defer rows.Close()

	var out []workflow.ContextEntry
	for rows.Next() {
		var e workflow.ContextEntry
		var id uuid.UUID
		var score float32
		if err := rows.Scan(&id, &e.Question, &e.Context, &e.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("failed to scan context: %w", err)
		}
		e.ID = id.String()
		e.Score = float64(score)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to retrieve contexts: %w", err)
	}
	return out, nil
}

func (l *ContextLibrary) Delete(ctx context.Context, id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrContextNotFound, id)
	}
	tag, err := l.pool.Exec(ctx, `DELETE FROM context_library WHERE id = $1`, parsed)
	if err != nil {
		return fmt.Errorf("failed to delete context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrContextNotFound, id)
	}
	return nil
}
