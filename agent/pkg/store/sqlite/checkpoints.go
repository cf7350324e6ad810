package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/sqlflow/agent/pkg/store"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// CheckpointStore mirrors the PostgreSQL store's tables. SQLite serialises
// writers, so claims need no row locking.
type CheckpointStore struct {
	db    *sql.DB
	owner string
	clock clockwork.Clock
}

// NewCheckpointStore returns a store whose saves claim threads for owner.
// A nil clock means the real clock.
func NewCheckpointStore(db *sql.DB, owner string, clock clockwork.Clock) *CheckpointStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CheckpointStore{db: db, owner: owner, clock: clock}
}

func (s *CheckpointStore) Save(ctx context.Context, cp workflow.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	now := s.clock.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var threadID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO workflow_threads (thread_id, latest_step, next, claimed_by, claimed_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)
		ON CONFLICT (thread_id) DO UPDATE
		SET latest_step = excluded.latest_step,
		    next = excluded.next,
		    claimed_by = excluded.claimed_by,
		    claimed_at = excluded.claimed_at,
		    updated_at = excluded.updated_at
		WHERE workflow_threads.latest_step < excluded.latest_step
		RETURNING thread_id
	`, cp.ThreadID, cp.Step, string(cp.Next), s.owner, now, now).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: step %d for thread %s", store.ErrStaleStep, cp.Step, cp.ThreadID)
	}
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (thread_id, step, parent_step, run_id, stage, next, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cp.ThreadID, cp.Step, cp.ParentStep, cp.RunID, string(cp.Stage), string(cp.Next), string(state),
		cp.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = `thread_id, step, parent_step, run_id, stage, next, state, created_at`

func (s *CheckpointStore) LoadLatest(ctx context.Context, threadID string) (*workflow.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM workflow_checkpoints
		WHERE thread_id = ?
		ORDER BY step DESC
		LIMIT 1
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	cps, err := collectCheckpoints(rows)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return &cps[0], nil
}

func (s *CheckpointStore) LoadHistory(ctx context.Context, threadID string) ([]workflow.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM workflow_checkpoints
		WHERE thread_id = ?
		ORDER BY step ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return collectCheckpoints(rows)
}

func collectCheckpoints(rows *sql.Rows) ([]workflow.Checkpoint, error) {
	defer rows.Close()
	var out []workflow.Checkpoint
	for rows.Next() {
		var cp workflow.Checkpoint
		var stage, next, state, created string
		if err := rows.Scan(&cp.ThreadID, &cp.Step, &cp.ParentStep, &cp.RunID, &stage, &next, &state, &created); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.Stage, cp.Next = workflow.Stage(stage), workflow.Stage(next)
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("failed to parse checkpoint time: %w", err)
		}
		cp.CreatedAt = t
		if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	return out, nil
}

// ClaimIncomplete claims one thread whose run has not finished and has made
// no progress for staleAfter.
func (s *CheckpointStore) ClaimIncomplete(ctx context.Context, owner string, staleAfter time.Duration) (string, bool, error) {
	now := s.clock.Now()
	cutoff := now.Add(-staleAfter).UnixMilli()

	var threadID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE workflow_threads
		SET claimed_by = ?, claimed_at = ?
		WHERE thread_id = (
			SELECT thread_id FROM workflow_threads
			WHERE next != ?
			  AND (claimed_at IS NULL OR claimed_at <= ?)
			  AND updated_at <= ?
			ORDER BY updated_at ASC
			LIMIT 1
		)
		RETURNING thread_id
	`, owner, now.UnixMilli(), string(workflow.StageEnd), cutoff, cutoff).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to claim thread: %w", err)
	}
	return threadID, true, nil
}

// Threads returns thread IDs, most recently updated first.
func (s *CheckpointStore) Threads(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id FROM workflow_threads
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
