package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// MemoryStore keeps one free-text note per thread.
type MemoryStore struct {
	db *sql.DB
}

func NewMemoryStore(db *sql.DB) *MemoryStore {
	return &MemoryStore{db: db}
}

func (s *MemoryStore) Get(ctx context.Context, threadID string) (string, bool, error) {
	var info string
	err := s.db.QueryRowContext(ctx, `SELECT info FROM thread_memory WHERE thread_id = ?`, threadID).Scan(&info)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get thread memory: %w", err)
	}
	return info, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, threadID, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_memory (thread_id, info, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT (thread_id) DO UPDATE SET info = excluded.info, updated_at = excluded.updated_at
	`, threadID, text)
	if err != nil {
		return fmt.Errorf("failed to put thread memory: %w", err)
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM thread_memory WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete thread memory: %w", err)
	}
	return nil
}
