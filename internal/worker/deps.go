package worker

import (
	"context"
	"time"

	"github.com/altermundi/sai-etl/internal/domain"
	"github.com/altermundi/sai-etl/internal/store"
)

// QueueStore is the subset of *store.TargetStore the Stage 2 pool needs to
// claim, complete, fail, and recover queue rows. Declaring it here (rather
// than depending on the concrete type directly) lets tests substitute a
// fake without touching a database.
type QueueStore interface {
	ClaimBatch(ctx context.Context, workerID string, size int) ([]int64, error)
	MarkCompleted(ctx context.Context, execID int64, processingMS int64) error
	MarkFailed(ctx context.Context, execID int64, errMessage string) error
	QueueAttempts(ctx context.Context, execID int64) (int, error)
	RecoverStale(ctx context.Context, threshold time.Duration) (int, error)
	QueueBacklog(ctx context.Context) (int64, error)
}

// BlobStore is the subset of *store.SourceStore the Stage 2 pool needs to
// fetch a claimed batch's raw payloads in one round trip.
type BlobStore interface {
	GetExecutionBlobs(ctx context.Context, executionIDs []int64) (map[int64][]byte, error)
}

// Committer is the subset of *store.Writer the Stage 2 pool needs to
// commit one execution's four-table upsert.
type Committer interface {
	Write(ctx context.Context, execID int64, extracted *domain.Extracted, img *domain.ImageResult) error
}

// SkeletonStore is the subset of *store.TargetStore Stage 1 (and manual
// reprocessing) needs to materialize a skeleton row and enqueue Stage 2
// work.
type SkeletonStore interface {
	HasExecutionSkeleton(ctx context.Context, id int64) (bool, error)
	InsertExecutionSkeleton(ctx context.Context, exec store.SourceExecution) error
	Enqueue(ctx context.Context, execID int64, priority, maxAttempts int) error
}

// RecentExecutionLister is the subset of *store.SourceStore Stage 1 needs
// to poll the recent window.
type RecentExecutionLister interface {
	ListRecentExecutions(ctx context.Context, since time.Time, limit int) ([]store.SourceExecution, error)
}

// SingleExecutionSource is the subset of *store.SourceStore a manual,
// out-of-band reprocess of one execution needs: the row and its raw blob,
// fetched individually rather than in the claimed-batch shape
// GetExecutionBlobs returns.
type SingleExecutionSource interface {
	GetExecutionEntity(ctx context.Context, id int64) (*store.SourceExecution, error)
	GetExecutionBlob(ctx context.Context, executionID int64) ([]byte, error)
}

var (
	_ QueueStore              = (*store.TargetStore)(nil)
	_ BlobStore               = (*store.SourceStore)(nil)
	_ Committer               = (*store.Writer)(nil)
	_ SkeletonStore           = (*store.TargetStore)(nil)
	_ RecentExecutionLister   = (*store.SourceStore)(nil)
	_ SingleExecutionSource   = (*store.SourceStore)(nil)
)
