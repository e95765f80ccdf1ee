package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/altermundi/sai-etl/internal/domain"
	"github.com/altermundi/sai-etl/internal/imagepipe"
	"github.com/altermundi/sai-etl/internal/queue"
	"github.com/altermundi/sai-etl/internal/store"
)

// emptyBlob decodes to an empty top-level array, so extract.Extract sees no
// named nodes and returns every field at its nullability default. Worker
// tests care about the claim/fetch/commit/report plumbing, not extraction
// semantics, which already has its own coverage.
var emptyBlob = []byte("[]")

type fakeQueueStore struct {
	mu sync.Mutex

	claimBatches [][]int64
	claimCalls   int
	claimErr     error

	completed        []int64
	markCompletedErr error

	failedIDs  []int64
	failedMsgs []string

	attempts map[int64]int

	staleRecovered int
	backlog        int64
}

func (f *fakeQueueStore) ClaimBatch(ctx context.Context, workerID string, size int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if f.claimCalls >= len(f.claimBatches) {
		return nil, nil
	}
	ids := f.claimBatches[f.claimCalls]
	f.claimCalls++
	return ids, nil
}

func (f *fakeQueueStore) MarkCompleted(ctx context.Context, execID int64, processingMS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markCompletedErr != nil {
		return f.markCompletedErr
	}
	f.completed = append(f.completed, execID)
	return nil
}

func (f *fakeQueueStore) MarkFailed(ctx context.Context, execID int64, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedIDs = append(f.failedIDs, execID)
	f.failedMsgs = append(f.failedMsgs, errMessage)
	return nil
}

func (f *fakeQueueStore) QueueAttempts(ctx context.Context, execID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[execID], nil
}

func (f *fakeQueueStore) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	return f.staleRecovered, nil
}

func (f *fakeQueueStore) QueueBacklog(ctx context.Context) (int64, error) {
	return f.backlog, nil
}

type fakeBlobStore struct {
	blobs map[int64][]byte
	err   error
}

func (f *fakeBlobStore) GetExecutionBlobs(ctx context.Context, executionIDs []int64) (map[int64][]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[int64][]byte, len(executionIDs))
	for _, id := range executionIDs {
		if b, ok := f.blobs[id]; ok {
			out[id] = b
		}
	}
	return out, nil
}

type fakeCommitter struct {
	mu     sync.Mutex
	writes []int64
	err    error
}

func (f *fakeCommitter) Write(ctx context.Context, execID int64, extracted *domain.Extracted, img *domain.ImageResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, execID)
	return nil
}

type fakeEventSink struct {
	mu        sync.Mutex
	completed []CompletionEvent
	failed    []FailureEvent
}

func (f *fakeEventSink) Completed(e CompletionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, e)
}

func (f *fakeEventSink) Failed(e FailureEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, e)
}

func newTestPool(target *fakeQueueStore, source *fakeBlobStore, writer *fakeCommitter, events *fakeEventSink, batchSize int) *Pool {
	return New(target, source, writer, nil, events, Config{
		BatchSize:        batchSize,
		StatementTimeout: 5 * time.Second,
	})
}

func TestPool_ProcessOne_CommitsAndEmitsCompletion(t *testing.T) {
	target := &fakeQueueStore{}
	writer := &fakeCommitter{}
	events := &fakeEventSink{}
	p := newTestPool(target, &fakeBlobStore{}, writer, events, 10)

	p.processOne("w0", 42, emptyBlob)

	if len(writer.writes) != 1 || writer.writes[0] != 42 {
		t.Fatalf("expected a single write for id 42, got %+v", writer.writes)
	}
	if len(target.completed) != 1 || target.completed[0] != 42 {
		t.Fatalf("expected MarkCompleted(42), got %+v", target.completed)
	}
	if len(target.failedIDs) != 0 {
		t.Fatalf("expected no failures, got %+v", target.failedIDs)
	}
	if len(events.completed) != 1 {
		t.Fatalf("expected one completion event, got %d", len(events.completed))
	}
	got := events.completed[0]
	if got.ExecID != 42 || got.Stage != domain.QueueStagePostProcess || got.ImageMaterialized {
		t.Fatalf("unexpected completion event: %+v", got)
	}
}

func TestPool_ProcessOne_MissingBlobMarksFailed(t *testing.T) {
	target := &fakeQueueStore{attempts: map[int64]int{7: 2}}
	writer := &fakeCommitter{}
	events := &fakeEventSink{}
	p := newTestPool(target, &fakeBlobStore{}, writer, events, 10)

	p.processOne("w0", 7, nil)

	if len(writer.writes) != 0 {
		t.Fatalf("expected no write attempt for a missing blob, got %+v", writer.writes)
	}
	if len(target.failedIDs) != 1 || target.failedIDs[0] != 7 {
		t.Fatalf("expected MarkFailed(7), got %+v", target.failedIDs)
	}
	if len(events.failed) != 1 || events.failed[0].RetryCount != 2 {
		t.Fatalf("expected a failure event carrying the queued attempts count, got %+v", events.failed)
	}
}

func TestPool_ProcessOne_WriteErrorMarksFailed(t *testing.T) {
	target := &fakeQueueStore{}
	writer := &fakeCommitter{err: errors.New("tx rollback")}
	events := &fakeEventSink{}
	p := newTestPool(target, &fakeBlobStore{}, writer, events, 10)

	p.processOne("w0", 9, emptyBlob)

	if len(target.completed) != 0 {
		t.Fatalf("expected no completion on write error, got %+v", target.completed)
	}
	if len(target.failedIDs) != 1 || target.failedIDs[0] != 9 {
		t.Fatalf("expected MarkFailed(9), got %+v", target.failedIDs)
	}
	if len(events.failed) != 1 {
		t.Fatalf("expected one failure event, got %d", len(events.failed))
	}
}

func TestPool_RunCycle_SelfKicksOnFullBatch(t *testing.T) {
	target := &fakeQueueStore{claimBatches: [][]int64{{1, 2}, {}}}
	source := &fakeBlobStore{blobs: map[int64][]byte{1: emptyBlob, 2: emptyBlob}}
	writer := &fakeCommitter{}
	events := &fakeEventSink{}
	p := newTestPool(target, source, writer, events, 2)

	p.runCycle("w0")

	if target.claimCalls != 2 {
		t.Fatalf("expected a self-kicked second claim after a full batch, got %d claim calls", target.claimCalls)
	}
	if len(target.completed) != 2 {
		t.Fatalf("expected both claimed ids processed, got %+v", target.completed)
	}
}

func TestPool_RunCycle_PartialBatchSelfKicksUntilEmptyClaim(t *testing.T) {
	target := &fakeQueueStore{claimBatches: [][]int64{{1}, {}}}
	source := &fakeBlobStore{blobs: map[int64][]byte{1: emptyBlob}}
	p := newTestPool(target, source, &fakeCommitter{}, &fakeEventSink{}, 10)

	p.runCycle("w0")

	if target.claimCalls != 2 {
		t.Fatalf("expected a self-kicked second claim after a partial batch, got %d claim calls", target.claimCalls)
	}
}

func TestPool_RunCycle_BatchFetchErrorAbortsWithoutMarkingRows(t *testing.T) {
	target := &fakeQueueStore{claimBatches: [][]int64{{1, 2}}}
	source := &fakeBlobStore{err: errors.New("connection reset")}
	p := newTestPool(target, source, &fakeCommitter{}, &fakeEventSink{}, 10)

	p.runCycle("w0")

	if len(target.completed) != 0 || len(target.failedIDs) != 0 {
		t.Fatalf("expected claimed rows left untouched on batch-fetch failure, got completed=%+v failed=%+v",
			target.completed, target.failedIDs)
	}
}

func TestPool_RunCycle_EmptyClaimIsANoop(t *testing.T) {
	target := &fakeQueueStore{claimBatches: [][]int64{{}}}
	p := newTestPool(target, &fakeBlobStore{}, &fakeCommitter{}, &fakeEventSink{}, 10)

	p.runCycle("w0")

	if target.claimCalls != 1 {
		t.Fatalf("expected exactly one claim attempt, got %d", target.claimCalls)
	}
}

func TestPool_StartStop_Idempotent(t *testing.T) {
	target := &fakeQueueStore{claimBatches: [][]int64{{}}}
	p := New(target, &fakeBlobStore{}, &fakeCommitter{}, nil, nil, Config{
		WorkerCount:      1,
		PollInterval:     10 * time.Millisecond,
		CleanupInterval:  10 * time.Millisecond,
		StatementTimeout: time.Second,
	})

	p.Start()
	p.Start() // second call must be a no-op, not a second set of goroutines

	time.Sleep(30 * time.Millisecond)

	p.Stop()
	p.Stop() // second call must be a no-op, not a double-close panic
}

type fakeRecentLister struct {
	executions []store.SourceExecution
	err        error
}

func (f *fakeRecentLister) ListRecentExecutions(ctx context.Context, since time.Time, limit int) ([]store.SourceExecution, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.executions, nil
}

type fakeSkeletonStore struct {
	mu         sync.Mutex
	existing   map[int64]bool
	inserted   []int64
	enqueued   []int64
	insertErrs map[int64]error
}

func (f *fakeSkeletonStore) HasExecutionSkeleton(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[id], nil
}

func (f *fakeSkeletonStore) InsertExecutionSkeleton(ctx context.Context, exec store.SourceExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.insertErrs[exec.ID]; ok {
		return err
	}
	f.inserted = append(f.inserted, exec.ID)
	return nil
}

func (f *fakeSkeletonStore) Enqueue(ctx context.Context, execID int64, priority, maxAttempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, execID)
	return nil
}

func TestStage1_Scan_InsertsEnqueuesAndNotifies(t *testing.T) {
	lister := &fakeRecentLister{executions: []store.SourceExecution{{ID: 1}, {ID: 2}}}
	skeleton := &fakeSkeletonStore{}
	notifier := newFakeNotifier()

	s := NewStage1(lister, skeleton, notifier, Stage1Config{})
	s.scan()

	if len(skeleton.inserted) != 2 || len(skeleton.enqueued) != 2 {
		t.Fatalf("expected both rows inserted and enqueued, got inserted=%+v enqueued=%+v",
			skeleton.inserted, skeleton.enqueued)
	}
	if notifier.notified != 1 {
		t.Fatalf("expected exactly one stage2 notify after a non-empty scan, got %d", notifier.notified)
	}
}

func TestStage1_Scan_EmptyWindowSkipsNotify(t *testing.T) {
	lister := &fakeRecentLister{}
	skeleton := &fakeSkeletonStore{}
	notifier := newFakeNotifier()

	s := NewStage1(lister, skeleton, notifier, Stage1Config{})
	s.scan()

	if notifier.notified != 0 {
		t.Fatalf("expected no notify on an empty window, got %d", notifier.notified)
	}
}

func TestStage1_Scan_ContinuesPastPerRowInsertError(t *testing.T) {
	lister := &fakeRecentLister{executions: []store.SourceExecution{{ID: 1}, {ID: 2}}}
	skeleton := &fakeSkeletonStore{insertErrs: map[int64]error{1: errors.New("constraint violation")}}
	notifier := newFakeNotifier()

	s := NewStage1(lister, skeleton, notifier, Stage1Config{})
	s.scan()

	if len(skeleton.inserted) != 1 || skeleton.inserted[0] != 2 {
		t.Fatalf("expected row 1 skipped and row 2 inserted, got %+v", skeleton.inserted)
	}
	if len(skeleton.enqueued) != 1 || skeleton.enqueued[0] != 2 {
		t.Fatalf("expected only row 2 enqueued after row 1's insert failed, got %+v", skeleton.enqueued)
	}
}

func TestConfig_WithDefaults_MaxAttemptsFallsBackToStoreDefault(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaxAttempts != store.DefaultMaxAttempts {
		t.Fatalf("expected default max attempts %d, got %d", store.DefaultMaxAttempts, cfg.MaxAttempts)
	}

	cfg = Config{MaxAttempts: 9}.withDefaults()
	if cfg.MaxAttempts != 9 {
		t.Fatalf("expected configured max attempts to be preserved, got %d", cfg.MaxAttempts)
	}
}

func TestStage1Config_WithDefaults_MaxAttemptsFallsBackToStoreDefault(t *testing.T) {
	cfg := Stage1Config{}.withDefaults()
	if cfg.MaxAttempts != store.DefaultMaxAttempts {
		t.Fatalf("expected default max attempts %d, got %d", store.DefaultMaxAttempts, cfg.MaxAttempts)
	}

	cfg = Stage1Config{MaxAttempts: 3}.withDefaults()
	if cfg.MaxAttempts != 3 {
		t.Fatalf("expected configured max attempts to be preserved, got %d", cfg.MaxAttempts)
	}
}

func TestPool_MarkFailed_EmitsFailureEventWithQueuedAttempts(t *testing.T) {
	target := &fakeQueueStore{attempts: map[int64]int{5: 3}}
	events := &fakeEventSink{}
	p := New(target, &fakeBlobStore{}, &fakeCommitter{}, nil, events, Config{
		BatchSize:        1,
		StatementTimeout: time.Second,
		MaxAttempts:      3,
	})

	p.markFailed(context.Background(), 5, "boom")

	if len(events.failed) != 1 || events.failed[0].RetryCount != 3 {
		t.Fatalf("expected a failure event carrying the queued attempts count, got %+v", events.failed)
	}
}

type fakeSingleExecutionSource struct {
	entities map[int64]store.SourceExecution
	blobs    map[int64][]byte
	entityErr error
	blobErr   error
}

func (f *fakeSingleExecutionSource) GetExecutionEntity(ctx context.Context, id int64) (*store.SourceExecution, error) {
	if f.entityErr != nil {
		return nil, f.entityErr
	}
	e, ok := f.entities[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &e, nil
}

func (f *fakeSingleExecutionSource) GetExecutionBlob(ctx context.Context, executionID int64) ([]byte, error) {
	if f.blobErr != nil {
		return nil, f.blobErr
	}
	b, ok := f.blobs[executionID]
	if !ok {
		return nil, errors.New("not found")
	}
	return b, nil
}

func TestReprocess_MaterializesSkeletonWhenMissingThenWrites(t *testing.T) {
	source := &fakeSingleExecutionSource{
		entities: map[int64]store.SourceExecution{11: {ID: 11, WorkflowID: "wf-1"}},
		blobs:    map[int64][]byte{11: emptyBlob},
	}
	target := &fakeSkeletonStore{existing: map[int64]bool{}}
	writer := &fakeCommitter{}

	_, _, err := Reprocess(context.Background(), source, target, writer, imagepipe.Config{}, 11)
	if err != nil {
		t.Fatalf("Reprocess returned error: %v", err)
	}
	if len(target.inserted) != 1 || target.inserted[0] != 11 {
		t.Fatalf("expected a skeleton insert for the missing row, got %+v", target.inserted)
	}
	if len(writer.writes) != 1 || writer.writes[0] != 11 {
		t.Fatalf("expected a write for execution 11, got %+v", writer.writes)
	}
}

func TestReprocess_SkipsSkeletonInsertWhenAlreadyMaterialized(t *testing.T) {
	source := &fakeSingleExecutionSource{blobs: map[int64][]byte{11: emptyBlob}}
	target := &fakeSkeletonStore{existing: map[int64]bool{11: true}}
	writer := &fakeCommitter{}

	_, _, err := Reprocess(context.Background(), source, target, writer, imagepipe.Config{}, 11)
	if err != nil {
		t.Fatalf("Reprocess returned error: %v", err)
	}
	if len(target.inserted) != 0 {
		t.Fatalf("expected no skeleton insert when one already exists, got %+v", target.inserted)
	}
	if len(writer.writes) != 1 || writer.writes[0] != 11 {
		t.Fatalf("expected a write for execution 11, got %+v", writer.writes)
	}
}

func TestStage1_Scan_SkipsRowsWithExistingSkeleton(t *testing.T) {
	lister := &fakeRecentLister{executions: []store.SourceExecution{{ID: 1}, {ID: 2}}}
	skeleton := &fakeSkeletonStore{existing: map[int64]bool{1: true}}
	notifier := newFakeNotifier()

	s := NewStage1(lister, skeleton, notifier, Stage1Config{})
	s.scan()

	if len(skeleton.inserted) != 1 || skeleton.inserted[0] != 2 {
		t.Fatalf("expected only the not-yet-materialized row inserted, got %+v", skeleton.inserted)
	}
	if len(skeleton.enqueued) != 1 || skeleton.enqueued[0] != 2 {
		t.Fatalf("expected only the not-yet-materialized row enqueued, got %+v", skeleton.enqueued)
	}
}

// fakeNotifier counts Notify calls without needing a real pub/sub channel.
type fakeNotifier struct {
	mu       sync.Mutex
	notified int
}

func newFakeNotifier() *fakeNotifier { return &fakeNotifier{} }

func (f *fakeNotifier) Notify(ctx context.Context, channel queue.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified++
	return nil
}

func (f *fakeNotifier) Subscribe(ctx context.Context, channel queue.Channel) <-chan struct{} {
	ch := make(chan struct{})
	return ch
}

func (f *fakeNotifier) Close() error { return nil }
