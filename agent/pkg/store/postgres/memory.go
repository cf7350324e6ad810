package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryStore keeps one free-text note per thread.
type MemoryStore struct {
	pool *pgxpool.Pool
}

func NewMemoryStore(pool *pgxpool.Pool) *MemoryStore {
	return &MemoryStore{pool: pool}
}

func (s *MemoryStore) Get(ctx context.Context, threadID string) (string, bool, error) {
	var info string
	err := s.pool.QueryRow(ctx, `SELECT info FROM thread_memory WHERE thread_id = $1`, threadID).Scan(&info)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get thread memory: %w", err)
	}
	return info, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, threadID, text string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO thread_memory (thread_id, info, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (thread_id) DO UPDATE SET info = EXCLUDED.info, updated_at = NOW()
	`, threadID, text)
	if err != nil {
		return fmt.Errorf("failed to put thread memory: %w", err)
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM thread_memory WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("failed to delete thread memory: %w", err)
	}
	return nil
}
