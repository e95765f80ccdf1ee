// Package worker runs the Stage 2 claim→fetch→process→commit cycle
// against one or more concurrent worker loops, plus the independent
// stale-claim recovery tick. Workers never coordinate directly; claim
// exclusivity comes entirely from the queue's SKIP LOCKED selection.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/altermundi/sai-etl/internal/domain"
	"github.com/altermundi/sai-etl/internal/imagepipe"
	"github.com/altermundi/sai-etl/internal/logging"
	"github.com/altermundi/sai-etl/internal/metrics"
	"github.com/altermundi/sai-etl/internal/observability"
	"github.com/altermundi/sai-etl/internal/queue"
	"github.com/altermundi/sai-etl/internal/store"
)

const (
	defaultWorkerCount     = 4
	defaultBatchSize       = 10
	defaultPollInterval    = 30 * time.Second
	defaultCleanupInterval = 60 * time.Second
	defaultStaleThreshold  = store.DefaultStaleThreshold
	defaultStatementTimeout = 30 * time.Second
)

// Config configures the Stage 2 worker pool. Zero values fall back to the
// daemon's default configuration surface.
type Config struct {
	WorkerCount      int
	BatchSize        int
	PollInterval     time.Duration
	CleanupInterval  time.Duration
	StaleThreshold   time.Duration
	StatementTimeout time.Duration
	MaxAttempts      int
	ImagePipeline    imagepipe.Config
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = defaultWorkerCount
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = defaultStaleThreshold
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = defaultStatementTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = store.DefaultMaxAttempts
	}
	return c
}

// Pool runs Config.WorkerCount independent Stage 2 loops plus one
// cleanup loop. Start and Stop are idempotent.
type Pool struct {
	target     QueueStore
	source     BlobStore
	writer     Committer
	notifier   queue.Notifier
	events     EventSink
	cfg        Config
	instanceID string

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Stage 2 worker pool. events may be nil, in which case
// NoopEventSink is used. Each pool gets a short random instance id so
// claimed_by stays unique across concurrently deployed daemon processes,
// not just across one process's own worker loops.
func New(target QueueStore, source BlobStore, writer Committer, notifier queue.Notifier, events EventSink, cfg Config) *Pool {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	if events == nil {
		events = NoopEventSink{}
	}
	return &Pool{
		target:     target,
		source:     source,
		writer:     writer,
		notifier:   notifier,
		events:     events,
		cfg:        cfg.withDefaults(),
		instanceID: uuid.New().String()[:8],
	}
}

// Start launches the worker loops and the cleanup loop. Safe to call once;
// subsequent calls are no-ops until Stop.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.stopCh = make(chan struct{})

	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	p.wg.Add(1)
	go p.runCleanup()

	logging.Op().Info("stage2 worker pool started",
		"workers", p.cfg.WorkerCount,
		"batch_size", p.cfg.BatchSize,
		"poll_interval", p.cfg.PollInterval,
		"cleanup_interval", p.cfg.CleanupInterval,
		"stale_threshold", p.cfg.StaleThreshold,
	)
}

// Stop signals every loop to exit and waits for the current batch item
// (if any) in each worker to finish before returning.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logging.Op().Info("stage2 worker pool stopped")
}

// runWorker is one Idle/Processing loop: it wakes on the poll tick, on a
// push notification, or on its own self-kick after processing a batch.
func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	workerID := fmt.Sprintf("stage2-%s-%d", p.instanceID, id)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyCh := p.notifier.Subscribe(ctx, queue.ChannelStage2Queue)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runCycle(workerID)
		case <-notifyCh:
			p.runCycle(workerID)
		}
	}
}

// runCycle claims one batch and processes it sequentially in claim order.
// Any non-empty batch immediately schedules another cycle; an empty claim
// returns to Idle.
func (p *Pool) runCycle(workerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StatementTimeout)
	ids, err := p.target.ClaimBatch(ctx, workerID, p.cfg.BatchSize)
	cancel()
	if err != nil {
		logging.Op().Error("claim batch failed", "worker", workerID, "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	metrics.RecordClaimed(len(ids))

	fetchCtx, fetchCancel := context.WithTimeout(context.Background(), p.cfg.StatementTimeout)
	blobs, err := p.source.GetExecutionBlobs(fetchCtx, ids)
	fetchCancel()
	if err != nil {
		// Batch-fetch failure aborts only this cycle; the claimed rows age
		// into the stale-recovery pathway rather than being marked failed
		// here, since we don't yet know whether any of them are readable.
		logging.Op().Error("batch fetch failed", "worker", workerID, "ids", ids, "error", err)
		return
	}

	for _, id := range ids {
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.processOne(workerID, id, blobs[id])
	}

	select {
	case <-p.stopCh:
		return
	default:
		p.runCycle(workerID)
	}
}

// processOne runs one execution through extraction, image materialization,
// and the transactional write, then reports the outcome to the queue and
// the event sink. blob is nil when execution_data had no row for this id,
// a missing-source-blob condition treated as transient.
func (p *Pool) processOne(workerID string, execID int64, blob []byte) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StatementTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "stage2.process",
		observability.AttrExecutionID.Int64(execID),
		observability.AttrWorkerID.String(workerID),
		observability.AttrStage.String(domain.QueueStagePostProcess),
	)
	defer span.End()

	if blob == nil {
		observability.SetSpanError(span, store.ErrBlobNotFound)
		p.markFailed(ctx, execID, store.ErrBlobNotFound.Error())
		return
	}

	extracted, img, err := runStage2(ctx, execID, blob, p.cfg.ImagePipeline, p.writer)
	if err != nil {
		observability.SetSpanError(span, err)
		p.markFailed(ctx, execID, err.Error())
		return
	}
	observability.SetSpanOK(span)

	processingMS := time.Since(start).Milliseconds()
	if err := p.target.MarkCompleted(ctx, execID, processingMS); err != nil {
		logging.Op().Error("mark completed failed", "worker", workerID, "execution_id", execID, "error", err)
		return
	}

	metrics.RecordCompleted()
	metrics.ObserveStageDuration("stage2", time.Since(start).Seconds())
	if img != nil {
		metrics.RecordImageMaterialized()
	}

	p.events.Completed(CompletionEvent{
		ExecID:            execID,
		Stage:             domain.QueueStagePostProcess,
		HasSmoke:          extracted.HasSmoke,
		AlertLevel:        extracted.AlertLevel,
		DetectionCount:    extracted.DetectionCount,
		ProcessingTimeMS:  processingMS,
		ImageMaterialized: img != nil,
	})
}

func (p *Pool) markFailed(ctx context.Context, execID int64, message string) {
	if err := p.target.MarkFailed(ctx, execID, message); err != nil {
		logging.Op().Error("mark failed failed", "execution_id", execID, "error", err)
		return
	}
	logging.Op().Warn("stage2 item failed", "execution_id", execID, "error", message)

	retryCount := 0
	if attempts, err := p.target.QueueAttempts(ctx, execID); err == nil {
		retryCount = attempts
	}
	metrics.RecordFailed(retryCount >= p.cfg.MaxAttempts)
	p.events.Failed(FailureEvent{ExecID: execID, Error: message, RetryCount: retryCount})
}

// runCleanup periodically returns stale processing claims to pending.
func (p *Pool) runCleanup() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StatementTimeout)
			recovered, err := p.target.RecoverStale(ctx, p.cfg.StaleThreshold)
			cancel()
			if err != nil {
				logging.Op().Error("recover stale claims failed", "error", err)
				continue
			}
			metrics.RecordStaleRecovered(recovered)
			if recovered > 0 {
				logging.Op().Info("recovered stale claims", "count", recovered)
			}

			backlogCtx, backlogCancel := context.WithTimeout(context.Background(), p.cfg.StatementTimeout)
			if backlog, err := p.target.QueueBacklog(backlogCtx); err == nil {
				metrics.SetQueueBacklog(backlog)
			}
			backlogCancel()
		}
	}
}
