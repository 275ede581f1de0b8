// Package scheduler drives periodic flushing of the mutation queue with
// per-item exponential backoff.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/projexhq/projex-sync/internal/logging"
	"github.com/projexhq/projex-sync/internal/queue"
)

// DefaultInterval is the wall-clock tick between flush cycles.
const DefaultInterval = 5 * time.Second

// ApplyFunc attempts one queued mutation against the remote store.
type ApplyFunc func(ctx context.Context, item *queue.Item) error

// Flusher scans the mutation queue on a fixed interval and retries every
// item whose backoff window has elapsed. Attempts within one tick run
// sequentially to bound remote load.
type Flusher struct {
	queue    *queue.MutationQueue
	apply    ApplyFunc
	interval time.Duration
	logger   *logging.Logger

	// flushMu is the re-entrancy guard: a tick that finds a flush still in
	// flight skips instead of stacking up.
	flushMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// New creates a Flusher. A non-positive interval falls back to
// DefaultInterval.
func New(q *queue.MutationQueue, apply ApplyFunc, interval time.Duration, logger *logging.Logger) *Flusher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logging.Get()
	}
	return &Flusher{
		queue:    q,
		apply:    apply,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the flush loop. Starting a running flusher is a no-op.
func (f *Flusher) Start(ctx context.Context) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.loop(ctx)

	f.logger.Info("Retry scheduler started",
		map[string]interface{}{"interval_seconds": f.interval.Seconds()})
}

// Stop stops the flush loop and waits for any in-flight tick to finish.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	close(f.stopCh)
	f.wg.Wait()

	f.logger.Info("Retry scheduler stopped", nil)
}

// IsRunning reports whether the flush loop is active.
func (f *Flusher) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *Flusher) loop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.TryFlush(ctx)
		}
	}
}

// TryFlush runs one flush cycle unless one is already in flight, in which
// case it returns false immediately.
func (f *Flusher) TryFlush(ctx context.Context) bool {
	if !f.flushMu.TryLock() {
		f.logger.Debug("Flush already in progress, skipping tick", nil)
		return false
	}
	defer f.flushMu.Unlock()

	f.flushLocked(ctx)
	return true
}

// Flush runs one flush cycle, waiting for any in-flight cycle first. Used
// by force-sync callers.
func (f *Flusher) Flush(ctx context.Context) {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()
	f.flushLocked(ctx)
}

// flushLocked scans the queue once in enqueue order. Items still inside
// their backoff window are skipped without blocking later-eligible items.
func (f *Flusher) flushLocked(ctx context.Context) {
	items := f.queue.Snapshot()
	if len(items) == 0 {
		return
	}

	f.logger.Info("Processing mutation queue",
		map[string]interface{}{"items": len(items)})

	now := f.now()
	var succeeded []string

	for _, item := range items {
		select {
		case <-ctx.Done():
			f.queue.RemoveSucceeded(succeeded)
			return
		case <-f.stopCh:
			f.queue.RemoveSucceeded(succeeded)
			return
		default:
		}

		if !item.Eligible(now) {
			continue
		}

		if err := f.apply(ctx, item); err != nil {
			f.logger.Warn("Queued mutation attempt failed",
				map[string]interface{}{
					"item_id": item.ID,
					"table":   item.Table.String(),
					"retries": item.RetryCount,
					"error":   err.Error(),
				})
			if _, ferr := f.queue.MarkFailed(item.ID); ferr != nil {
				f.logger.Error("Failed to record retry state", ferr,
					map[string]interface{}{"item_id": item.ID})
			}
			continue
		}

		succeeded = append(succeeded, item.ID)
		f.logger.Info("Queued mutation applied",
			map[string]interface{}{"item_id": item.ID})
	}

	if err := f.queue.RemoveSucceeded(succeeded); err != nil {
		f.logger.Error("Failed to remove applied mutations", err, nil)
	}
}
