package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SourceExecution mirrors one execution_entity row from the source
// engine's database.
type SourceExecution struct {
	ID         int64
	WorkflowID string
	StartedAt  time.Time
	StoppedAt  *time.Time
	Status     string
	Mode       string
}

// SourceStore is a read-only view over the source engine's tables. It
// never writes; the core's ownership boundary stops at the queue and the
// four analytics tables.
type SourceStore struct {
	pool *pgxpool.Pool
}

// NewSourceStore opens a (typically smaller) pool against the source
// engine's database.
func NewSourceStore(ctx context.Context, dsn string, maxConns int32) (*SourceStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("source postgres DSN is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse source dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create source pool: %w", err)
	}

	s := &SourceStore{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *SourceStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("source postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *SourceStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetExecutionEntity reads one execution_entity row.
func (s *SourceStore) GetExecutionEntity(ctx context.Context, id int64) (*SourceExecution, error) {
	var e SourceExecution
	err := s.pool.QueryRow(ctx, `
		SELECT id, "workflowId", "startedAt", "stoppedAt", status, mode
		FROM execution_entity
		WHERE id = $1 AND "deletedAt" IS NULL
	`, id).Scan(&e.ID, &e.WorkflowID, &e.StartedAt, &e.StoppedAt, &e.Status, &e.Mode)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution entity %d: %w", id, err)
	}
	return &e, nil
}

// GetExecutionBlob reads the raw reference-compressed JSON string for one
// execution. Returns ErrBlobNotFound when execution_data has no row for
// the id — queued work whose source payload never landed.
func (s *SourceStore) GetExecutionBlob(ctx context.Context, executionID int64) ([]byte, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM execution_data WHERE "executionId" = $1
	`, executionID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: execution %d", ErrBlobNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution blob %d: %w", executionID, err)
	}
	return []byte(raw), nil
}

// GetExecutionBlobs batch-fetches blobs for a claimed batch in one round
// trip. Ids absent from the result map had no execution_data row.
func (s *SourceStore) GetExecutionBlobs(ctx context.Context, executionIDs []int64) (map[int64][]byte, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT "executionId", data FROM execution_data WHERE "executionId" = ANY($1)
	`, executionIDs)
	if err != nil {
		return nil, fmt.Errorf("batch get execution blobs: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]byte, len(executionIDs))
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan execution blob: %w", err)
		}
		out[id] = []byte(raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch get execution blobs rows: %w", err)
	}
	return out, nil
}

// ListRecentExecutions supports Stage 1's polling fallback: a window of
// source executions started at or after since (finished or not), newest
// first. The caller attempts
// an idempotent skeleton insert for each — ON CONFLICT DO NOTHING makes
// re-scanning already-seen ids harmless, so no source-vs-target anti-join
// across two separate database servers is required.
func (s *SourceStore) ListRecentExecutions(ctx context.Context, since time.Time, limit int) ([]SourceExecution, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, "workflowId", "startedAt", "stoppedAt", status, mode
		FROM execution_entity
		WHERE "deletedAt" IS NULL AND "startedAt" >= $1
		ORDER BY "startedAt" DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent executions: %w", err)
	}
	defer rows.Close()

	var out []SourceExecution
	for rows.Next() {
		var e SourceExecution
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.StartedAt, &e.StoppedAt, &e.Status, &e.Mode); err != nil {
			return nil, fmt.Errorf("scan recent execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent executions rows: %w", err)
	}
	return out, nil
}
