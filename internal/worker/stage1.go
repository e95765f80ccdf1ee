package worker

import (
	"context"
	"sync"
	"time"

	"github.com/altermundi/sai-etl/internal/domain"
	"github.com/altermundi/sai-etl/internal/logging"
	"github.com/altermundi/sai-etl/internal/queue"
	"github.com/altermundi/sai-etl/internal/store"
)

const (
	defaultStage1PollInterval = 30 * time.Second
	defaultStage1Lookback     = 10 * time.Minute
	defaultStage1Limit        = 200
)

// Stage1Config configures the trigger-stage ingest loop.
type Stage1Config struct {
	PollInterval time.Duration
	Lookback     time.Duration
	Limit        int
	MaxAttempts  int
}

func (c Stage1Config) withDefaults() Stage1Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultStage1PollInterval
	}
	if c.Lookback <= 0 {
		c.Lookback = defaultStage1Lookback
	}
	if c.Limit <= 0 {
		c.Limit = defaultStage1Limit
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = store.DefaultMaxAttempts
	}
	return c
}

// Stage1 reacts to a fresh source execution by writing its skeleton row
// and enqueuing Stage 2 work. A notification on sai_execution_ready and
// the poll ticker both just trigger a rescan of the recent window — the
// skeleton insert's ON CONFLICT DO NOTHING makes re-scanning idempotent,
// so the notify payload itself never needs parsing.
type Stage1 struct {
	source   RecentExecutionLister
	target   SkeletonStore
	notifier queue.Notifier
	cfg      Stage1Config

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewStage1(source RecentExecutionLister, target SkeletonStore, notifier queue.Notifier, cfg Stage1Config) *Stage1 {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Stage1{
		source:   source,
		target:   target,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
	}
}

func (s *Stage1) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	logging.Op().Info("stage1 ingest started", "poll_interval", s.cfg.PollInterval, "lookback", s.cfg.Lookback)
}

func (s *Stage1) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Op().Info("stage1 ingest stopped")
}

func (s *Stage1) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyCh := s.notifier.Subscribe(ctx, queue.ChannelExecutionReady)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scan()
		case <-notifyCh:
			s.scan()
		}
	}
}

// scan pulls the recent window from the source engine and idempotently
// materializes a skeleton + queue entry for each row.
func (s *Stage1) scan() {
	ctx := context.Background()
	since := time.Now().Add(-s.cfg.Lookback)

	executions, err := s.source.ListRecentExecutions(ctx, since, s.cfg.Limit)
	if err != nil {
		logging.Op().Error("stage1 list recent executions failed", "error", err)
		return
	}

	for _, exec := range executions {
		exists, err := s.target.HasExecutionSkeleton(ctx, exec.ID)
		if err != nil {
			logging.Op().Error("stage1 check skeleton failed", "execution_id", exec.ID, "error", err)
			continue
		}
		if exists {
			// Already materialized by an earlier, overlapping scan of the
			// lookback window. The insert and enqueue below are themselves
			// idempotent, but skipping them here avoids two round trips per
			// already-seen row on every steady-state rescan.
			continue
		}

		if err := s.target.InsertExecutionSkeleton(ctx, exec); err != nil {
			logging.Op().Error("stage1 insert skeleton failed", "execution_id", exec.ID, "error", err)
			continue
		}
		if err := s.target.Enqueue(ctx, exec.ID, domain.PriorityNormal, s.cfg.MaxAttempts); err != nil {
			logging.Op().Error("stage1 enqueue failed", "execution_id", exec.ID, "error", err)
			continue
		}
	}

	if len(executions) > 0 {
		if err := s.notifier.Notify(ctx, queue.ChannelStage2Queue); err != nil {
			logging.Op().Warn("stage1 notify stage2 failed", "error", err)
		}
	}
}
