package store

import (
	"context"
	"fmt"
	"time"
)

// InsertExecutionSkeleton writes the Stage 1 skeleton row: id, workflow
// id, timestamps, status and mode, with every late-bound dimension left
// NULL for Stage 2 to fill in. ON CONFLICT DO NOTHING makes re-delivery of
// the same notify/poll signal harmless.
func (s *TargetStore) InsertExecutionSkeleton(ctx context.Context, exec SourceExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (id, workflow_id, execution_timestamp, completion_timestamp, duration_ms, status, mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, exec.ID, exec.WorkflowID, exec.StartedAt, exec.StoppedAt, DurationMillis(exec.StartedAt, exec.StoppedAt), exec.Status, exec.Mode)
	if err != nil {
		return fmt.Errorf("insert execution skeleton %d: %w", exec.ID, err)
	}
	return nil
}

// HasExecutionSkeleton reports whether a skeleton row already exists for
// id, letting Stage 1's polling fallback skip an unnecessary queue
// enqueue when asked to (the insert above is already idempotent, but
// avoiding the round trip keeps the fallback cheap under steady state).
func (s *TargetStore) HasExecutionSkeleton(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM executions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check execution skeleton %d: %w", id, err)
	}
	return exists, nil
}

// DurationMillis computes the duration between started and stopped, or
// nil when the execution has not yet stopped.
func DurationMillis(started time.Time, stopped *time.Time) *int64 {
	if stopped == nil {
		return nil
	}
	ms := stopped.Sub(started).Milliseconds()
	return &ms
}
