package store

import (
	"context"
	"fmt"
	"time"

	"github.com/altermundi/sai-etl/internal/domain"
)

const (
	DefaultMaxAttempts   = 5
	DefaultStaleThreshold = 5 * time.Minute
)

// Enqueue writes a processing_queue row for execId at the given priority,
// with maxAttempts carried onto the row so etl_mark_failed can decide
// retry-vs-permanent without a second configuration source. Duplicate
// enqueue is a no-op: the unique key is (execution_id, stage).
func (s *TargetStore) Enqueue(ctx context.Context, execID int64, priority, maxAttempts int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_queue (execution_id, stage, status, priority, attempts, max_attempts)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (execution_id, stage) DO NOTHING
	`, execID, domain.QueueStagePostProcess, domain.QueueStatusPending, priority, maxAttempts)
	if err != nil {
		return fmt.Errorf("enqueue execution %d: %w", execID, err)
	}
	return nil
}

// ClaimBatch atomically claims up to size pending rows via the schema's
// etl_claim_batch function, which owns the SKIP LOCKED selection and the
// status/claimed_by/claimed_at/attempts mutation as one statement. This
// core never reimplements that selection in application SQL — it is a
// stored-procedure contract (see the external interfaces this module
// depends on).
func (s *TargetStore) ClaimBatch(ctx context.Context, workerID string, size int) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT * FROM etl_claim_batch($1, $2)`, workerID, size)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claimed id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch rows: %w", err)
	}
	return ids, nil
}

// MarkCompleted records successful processing via etl_mark_completed.
// Idempotent: calling it twice for the same id is harmless.
func (s *TargetStore) MarkCompleted(ctx context.Context, execID int64, processingMS int64) error {
	_, err := s.pool.Exec(ctx, `SELECT etl_mark_completed($1, $2)`, execID, processingMS)
	if err != nil {
		return fmt.Errorf("mark completed %d: %w", execID, err)
	}
	return nil
}

// MarkFailed records a failure via etl_mark_failed. The function itself
// decides pending-for-retry versus permanently-failed based on the row's
// attempts/max_attempts; this caller only supplies the message.
func (s *TargetStore) MarkFailed(ctx context.Context, execID int64, errMessage string) error {
	_, err := s.pool.Exec(ctx, `SELECT etl_mark_failed($1, $2)`, execID, errMessage)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", execID, err)
	}
	return nil
}

// RecoverStale returns processing rows older than threshold to pending
// via etl_cleanup_stale_workers, returning the count recovered.
func (s *TargetStore) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	var recovered int
	err := s.pool.QueryRow(ctx, `SELECT etl_cleanup_stale_workers($1)`, threshold).Scan(&recovered)
	if err != nil {
		return 0, fmt.Errorf("recover stale claims: %w", err)
	}
	return recovered, nil
}

// QueueAttempts reports the current attempts count for a queue row, used
// only to enrich the best-effort failure event with a retry count; the
// worker loop never branches on this value.
func (s *TargetStore) QueueAttempts(ctx context.Context, execID int64) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		SELECT attempts FROM processing_queue WHERE execution_id = $1 AND stage = $2
	`, execID, domain.QueueStagePostProcess).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("queue attempts %d: %w", execID, err)
	}
	return attempts, nil
}

// QueueBacklog reports the pending+processing count for the backlog
// metric; observability surfaces this even though back-pressure never
// blocks Stage 1 from enqueuing.
func (s *TargetStore) QueueBacklog(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM processing_queue
		WHERE stage = $1 AND status IN ($2, $3)
	`, domain.QueueStagePostProcess, domain.QueueStatusPending, domain.QueueStatusProcessing).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("queue backlog: %w", err)
	}
	return count, nil
}
