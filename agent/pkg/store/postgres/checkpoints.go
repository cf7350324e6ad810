package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/sqlflow/agent/pkg/store"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// CheckpointStore keeps checkpoints in workflow_checkpoints and a per-thread
// summary row in workflow_threads used to find interrupted runs.
type CheckpointStore struct {
	pool  *pgxpool.Pool
	owner string
}

// NewCheckpointStore returns a store whose saves claim threads for owner,
// typically the ID of the serving process.
func NewCheckpointStore(pool *pgxpool.Pool, owner string) *CheckpointStore {
	return &CheckpointStore{pool: pool, owner: owner}
}

func (s *CheckpointStore) Save(ctx context.Context, cp workflow.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	// The summary row is only advanced by a strictly greater step.
	var threadID string
	err = tx.QueryRow(ctx, `
		INSERT INTO workflow_threads (thread_id, latest_step, next, claimed_by, claimed_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NOW(), NOW())
		ON CONFLICT (thread_id) DO UPDATE
		SET latest_step = EXCLUDED.latest_step,
		    next = EXCLUDED.next,
		    claimed_by = EXCLUDED.claimed_by,
		    claimed_at = EXCLUDED.claimed_at,
		    updated_at = EXCLUDED.updated_at
		WHERE workflow_threads.latest_step < EXCLUDED.latest_step
		RETURNING thread_id
	`, cp.ThreadID, cp.Step, string(cp.Next), s.owner).Scan(&threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: step %d for thread %s", store.ErrStaleStep, cp.Step, cp.ThreadID)
	}
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_checkpoints (thread_id, step, parent_step, run_id, stage, next, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cp.ThreadID, cp.Step, cp.ParentStep, cp.RunID, string(cp.Stage), string(cp.Next), state, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = `thread_id, step, parent_step, run_id, stage, next, state, created_at`

func (s *CheckpointStore) LoadLatest(ctx context.Context, threadID string) (*workflow.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+checkpointColumns+`
		FROM workflow_checkpoints
		WHERE thread_id = $1
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
	rows, err := s.pool.Query(ctx, `
		SELECT `+checkpointColumns+`
		FROM workflow_checkpoints
		WHERE thread_id = $1
		ORDER BY step ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return collectCheckpoints(rows)
}

func collectCheckpoints(rows pgx.Rows) ([]workflow.Checkpoint, error) {
	defer rows.Close()
	var out []workflow.Checkpoint
	for rows.Next() {
		var cp workflow.Checkpoint
		var stage, next string
		var state []byte
		if err := rows.Scan(&cp.ThreadID, &cp.Step, &cp.ParentStep, &cp.RunID, &stage, &next, &state, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.Stage, cp.Next = workflow.Stage(stage), workflow.Stage(next)
		cp.CreatedAt = cp.CreatedAt.UTC()
		if err := json.Unmarshal(state, &cp.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	return out, nil
}

// ClaimIncomplete atomically claims one thread whose run has not finished
// and has made no progress for staleAfter. It returns false when there is
// nothing to claim.
func (s *CheckpointStore) ClaimIncomplete(ctx context.Context, owner string, staleAfter time.Duration) (string, bool, error) {
	var threadID string
	err := s.pool.QueryRow(ctx, `
		UPDATE workflow_threads
		SET claimed_by = $1, claimed_at = NOW()
		WHERE thread_id = (
			SELECT thread_id FROM workflow_threads
			WHERE next != $2
			  AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $3))
			  AND updated_at < NOW() - make_interval(secs => $3)
			ORDER BY updated_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING thread_id
	`, owner, string(workflow.StageEnd), staleAfter.Seconds()).Scan(&threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to claim thread: %w", err)
	}
	return threadID, true, nil
}

// Threads returns thread IDs, most recently updated first.
func (s *CheckpointStore) Threads(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT thread_id FROM workflow_threads
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return ids, nil
}
