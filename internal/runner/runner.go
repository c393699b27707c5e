// Package runner implements the pass execution loop that ties resumption,
// admission control, retries, and state transitions together.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/histpull/histpull/internal/ratelimit"
	"github.com/histpull/histpull/internal/scraper"
	"github.com/histpull/histpull/internal/state"
)

// Config controls Engine behavior.
type Config struct {
	// MaxRetries is the attempt ceiling per key; at or beyond it a key is
	// skipped instead of re-attempted.
	MaxRetries int
	// RetryDelay is the cooldown handed to the rate controller when the
	// source signals overload without suggesting one itself.
	RetryDelay time.Duration
	// Validate gates the artifact validation step.
	Validate bool
	// EventTopic, when set, enables per-outcome event publishing.
	EventTopic string
}

// PassRecorder persists pass history rows. It is advisory: failures are
// logged and never affect the pass outcome, since the state snapshot remains
// the source of truth.
type PassRecorder interface {
	BeginPass(ctx context.Context, passID uuid.UUID, total int, startedAt time.Time) error
	RecordOutcome(ctx context.Context, passID uuid.UUID, key string, outcome scraper.Outcome, detail string, at time.Time) error
	CompletePass(ctx context.Context, passID uuid.UUID, stats scraper.Stats, finishedAt time.Time) error
}

// Engine drives one full pass over a set of keys to completion or recorded
// failure. It owns no state itself; everything durable lives in the store.
type Engine struct {
	store     *state.Store
	limiter   *ratelimit.Adaptive
	fetcher   scraper.Fetcher
	validator scraper.Validator
	reporter  scraper.Reporter
	publisher scraper.Publisher
	history   PassRecorder
	clock     scraper.Clock
	logger    *zap.Logger
	cfg       Config
}

// New constructs an Engine. Publisher and history are optional; everything
// else is required.
func New(
	store *state.Store,
	limiter *ratelimit.Adaptive,
	fetcher scraper.Fetcher,
	validator scraper.Validator,
	reporter scraper.Reporter,
	publisher scraper.Publisher,
	history PassRecorder,
	clock scraper.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Engine, error) {
	switch {
	case store == nil:
		return nil, errors.New("state store is required")
	case limiter == nil:
		return nil, errors.New("rate controller is required")
	case fetcher == nil:
		return nil, errors.New("fetcher is required")
	case reporter == nil:
		return nil, errors.New("reporter is required")
	case clock == nil:
		return nil, errors.New("clock is required")
	}
	if cfg.Validate && validator == nil {
		return nil, errors.New("validation enabled but no validator configured")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		limiter:   limiter,
		fetcher:   fetcher,
		validator: validator,
		reporter:  reporter,
		publisher: publisher,
		history:   history,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
	}, nil
}

// Run executes one pass over keys in input order. With resume set, keys the
// store already marks completed are excluded up front. Per-key failures are
// recorded, never raised: Run fails only on context cancellation or a fatal
// state-store write error.
func (e *Engine) Run(ctx context.Context, keys []string, resume bool) error {
	for _, key := range keys {
		if key == "" {
			return errors.New("empty job key")
		}
	}

	pending := keys
	if resume {
		pending = e.store.PendingKeys(keys)
	}
	passID := uuid.New()
	started := e.clock.Now()

	e.logger.Info("starting pass",
		zap.String("pass_id", passID.String()),
		zap.Int("total_keys", len(keys)),
		zap.Int("pending_keys", len(pending)),
		zap.Bool("resume", resume),
	)
	e.recordPassStart(ctx, passID, len(pending), started)

	for _, key := range pending {
		if err := ctx.Err(); err != nil {
			e.finish(ctx, passID)
			return err
		}
		if err := e.processKey(ctx, passID, key); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.finish(ctx, passID)
			}
			return err
		}
	}

	e.finish(ctx, passID)
	return nil
}

// processKey runs one key through admission, fetch, validation, and commit.
// The returned error is fatal (store persistence); everything per-key is
// swallowed into the state record.
func (e *Engine) processKey(ctx context.Context, passID uuid.UUID, key string) error {
	if attempts := e.store.GetAttempts(key); attempts >= e.cfg.MaxRetries {
		e.logger.Info("skipping key at attempt ceiling",
			zap.String("key", key), zap.Int("attempts", attempts))
		e.emit(ctx, passID, key, scraper.OutcomeSkipped,
			fmt.Sprintf("max attempts (%d) exceeded", attempts))
		return nil
	}

	if err := e.store.SetStatus(key, scraper.StatusInProgress, "", ""); err != nil {
		return fmt.Errorf("mark in progress %q: %w", key, err)
	}
	if err := e.limiter.Admit(ctx); err != nil {
		return err
	}

	path, fetchErr := e.fetch(ctx, key)
	switch {
	case fetchErr != nil:
		if err := e.store.SetStatus(key, scraper.StatusFailed, "", fetchErr.Error()); err != nil {
			return fmt.Errorf("mark failed %q: %w", key, err)
		}
		e.emit(ctx, passID, key, scraper.OutcomeFailed, fetchErr.Error())
		var overload *scraper.OverloadError
		if errors.As(fetchErr, &overload) {
			cooldown := overload.RetryAfter
			if cooldown <= 0 {
				cooldown = e.cfg.RetryDelay
			}
			e.limiter.OnOverload(ctx, cooldown)
		}

	case path == "":
		// A clean response with nothing in it is a data gap, not a rate
		// problem.
		if err := e.store.SetStatus(key, scraper.StatusFailed, "", "no artifact produced"); err != nil {
			return fmt.Errorf("mark failed %q: %w", key, err)
		}
		e.emit(ctx, passID, key, scraper.OutcomeFailed, "no artifact produced")
		e.limiter.OnSuccess()

	default:
		return e.commitArtifact(ctx, passID, key, path)
	}
	return nil
}

func (e *Engine) commitArtifact(ctx context.Context, passID uuid.UUID, key, path string) error {
	if e.cfg.Validate {
		if verr := e.validator.Validate(path); verr != nil {
			reason := fmt.Sprintf("validation failed: %v", verr)
			// The artifact path is kept on the record for diagnostics.
			if err := e.store.SetStatus(key, scraper.StatusFailed, path, reason); err != nil {
				return fmt.Errorf("mark failed %q: %w", key, err)
			}
			e.emit(ctx, passID, key, scraper.OutcomeFailed, reason)
			return nil
		}
	}
	if err := e.store.SetStatus(key, scraper.StatusCompleted, path, ""); err != nil {
		return fmt.Errorf("mark completed %q: %w", key, err)
	}
	e.emit(ctx, passID, key, scraper.OutcomeCompleted, path)
	e.limiter.OnSuccess()
	return nil
}

// fetch invokes the fetch strategy behind a fault boundary so a misbehaving
// collaborator surfaces as a per-key failure.
func (e *Engine) fetch(ctx context.Context, key string) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panic: %v", r)
		}
	}()
	return e.fetcher.Fetch(ctx, key)
}

// emit fans one outcome out to the reporter, the optional pass history, and
// the optional event topic.
func (e *Engine) emit(ctx context.Context, passID uuid.UUID, key string, outcome scraper.Outcome, detail string) {
	e.reporter.Record(outcome, key, detail)

	now := e.clock.Now()
	if e.history != nil {
		if err := e.history.RecordOutcome(ctx, passID, key, outcome, detail, now); err != nil {
			e.logger.Warn("pass history write failed",
				zap.String("key", key), zap.Error(err))
		}
	}
	if e.publisher != nil && e.cfg.EventTopic != "" {
		payload := map[string]any{
			"pass_id":   passID.String(),
			"key":       key,
			"outcome":   string(outcome),
			"detail":    detail,
			"timestamp": now.Format(time.RFC3339),
		}
		if _, err := e.publisher.Publish(ctx, e.cfg.EventTopic, payload); err != nil {
			e.logger.Warn("outcome publish failed",
				zap.String("key", key), zap.Error(err))
		}
	}
}

func (e *Engine) recordPassStart(ctx context.Context, passID uuid.UUID, total int, at time.Time) {
	if e.history == nil {
		return
	}
	if err := e.history.BeginPass(ctx, passID, total, at); err != nil {
		e.logger.Warn("pass history begin failed", zap.Error(err))
	}
}

// finish closes out the pass: the reporter flushes its summary and the
// store-level aggregate is logged.
func (e *Engine) finish(ctx context.Context, passID uuid.UUID) {
	stats := e.reporter.Stats()
	e.reporter.Finalize()

	if e.history != nil {
		if err := e.history.CompletePass(ctx, passID, stats, e.clock.Now()); err != nil {
			e.logger.Warn("pass history complete failed", zap.Error(err))
		}
	}
	if e.publisher != nil && e.cfg.EventTopic != "" {
		payload := map[string]any{
			"pass_id":   passID.String(),
			"event":     "pass_finished",
			"completed": stats.Completed,
			"failed":    stats.Failed,
			"skipped":   stats.Skipped,
			"timestamp": e.clock.Now().Format(time.RFC3339),
		}
		if _, err := e.publisher.Publish(ctx, e.cfg.EventTopic, payload); err != nil {
			e.logger.Warn("pass event publish failed", zap.Error(err))
		}
	}

	sum := e.store.Summary()
	e.logger.Info("pass finished",
		zap.String("pass_id", passID.String()),
		zap.Int("completed", sum.Completed),
		zap.Int("failed", sum.Failed),
		zap.Int("pending", sum.Pending),
		zap.Float64("success_rate", sum.SuccessRate),
	)
}

// Summary exposes the store-level aggregate for callers of the run surface.
func (e *Engine) Summary() scraper.Summary {
	return e.store.Summary()
}

// FailedKeys exposes failed keys with their stored reasons.
func (e *Engine) FailedKeys() []scraper.FailedKey {
	return e.store.FailedKeys()
}

// Status returns the stored status for one key.
func (e *Engine) Status(key string) scraper.Status {
	return e.store.GetStatus(key)
}

// Reset discards all recorded progress.
func (e *Engine) Reset() error {
	return e.store.Reset()
}
