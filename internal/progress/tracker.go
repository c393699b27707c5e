// Package progress accumulates per-pass outcome counts and surfaces them to
// operators via structured logs and Prometheus collectors.
package progress

import (
	"sync"

	"go.uber.org/zap"

	"github.com/histpull/histpull/internal/scraper"
)

// Tracker implements scraper.Reporter for one pass. It is safe for concurrent
// use; a worker-pool runner can share a single Tracker.
type Tracker struct {
	logger  *zap.Logger
	metrics *Metrics

	mu        sync.Mutex
	total     int
	completed int
	failed    int
	skipped   int
	finalized bool
}

// NewTracker builds a Tracker expecting total outcomes. Metrics is optional.
func NewTracker(total int, logger *zap.Logger, metrics *Metrics) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{total: total, logger: logger, metrics: metrics}
	if metrics != nil {
		metrics.setRemaining(total)
	}
	return t
}

// Record counts one outcome and logs it at a level matching its severity.
func (t *Tracker) Record(outcome scraper.Outcome, key string, detail string) {
	t.mu.Lock()
	switch outcome {
	case scraper.OutcomeCompleted:
		t.completed++
	case scraper.OutcomeFailed:
		t.failed++
	case scraper.OutcomeSkipped:
		t.skipped++
	}
	remaining := t.remainingLocked()
	t.mu.Unlock()

	fields := []zap.Field{
		zap.String("key", key),
		zap.String("detail", detail),
		zap.Int("remaining", remaining),
	}
	switch outcome {
	case scraper.OutcomeCompleted:
		t.logger.Info("key completed", fields...)
	case scraper.OutcomeFailed:
		t.logger.Error("key failed", fields...)
	case scraper.OutcomeSkipped:
		t.logger.Warn("key skipped", fields...)
	}

	if t.metrics != nil {
		t.metrics.observeOutcome(outcome)
		t.metrics.setRemaining(remaining)
	}
}

// Stats returns the running counts for the current pass.
func (t *Tracker) Stats() scraper.Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return scraper.Stats{
		Total:     t.total,
		Completed: t.completed,
		Failed:    t.failed,
		Skipped:   t.skipped,
		Remaining: t.remainingLocked(),
	}
}

// Finalize logs the pass summary. Repeated calls are ignored.
func (t *Tracker) Finalize() {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return
	}
	t.finalized = true
	stats := scraper.Stats{
		Total:     t.total,
		Completed: t.completed,
		Failed:    t.failed,
		Skipped:   t.skipped,
		Remaining: t.remainingLocked(),
	}
	t.mu.Unlock()

	rate := 0.0
	if stats.Total > 0 {
		rate = float64(stats.Completed) / float64(stats.Total) * 100
	}
	t.logger.Info("pass summary",
		zap.Int("total", stats.Total),
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Float64("success_rate", rate),
	)
}

func (t *Tracker) remainingLocked() int {
	remaining := t.total - t.completed - t.failed - t.skipped
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
