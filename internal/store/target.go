// Package store owns every table and stored-procedure contract the ETL
// core reads from or writes to: the target analytics database (executions,
// execution_analysis, execution_images, execution_notifications, the
// processing queue) and the source engine's read-only tables.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TargetStore wraps the connection pool to the analytics database this
// core owns exclusively.
type TargetStore struct {
	pool *pgxpool.Pool
}

// NewTargetStore opens a pool against dsn sized to maxConns and verifies
// connectivity before returning.
func NewTargetStore(ctx context.Context, dsn string, maxConns int32) (*TargetStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("target postgres DSN is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse target dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create target pool: %w", err)
	}

	s := &TargetStore{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *TargetStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("target postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *TargetStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool for dedicated-connection use (the
// LISTEN notifier acquires its own connection outside of this pool since
// LISTEN state must never be returned to a shared pool).
func (s *TargetStore) Pool() *pgxpool.Pool { return s.pool }
