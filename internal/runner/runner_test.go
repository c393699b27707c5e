package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/histpull/histpull/internal/progress"
	"github.com/histpull/histpull/internal/publisher/memory"
	"github.com/histpull/histpull/internal/ratelimit"
	"github.com/histpull/histpull/internal/scraper"
	"github.com/histpull/histpull/internal/state"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

// fakeFetcher maps keys to canned results and records call order.
type fakeFetcher struct {
	results map[string]fetchResult
	calls   []string
}

type fetchResult struct {
	path string
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, key string) (string, error) {
	f.calls = append(f.calls, key)
	res, ok := f.results[key]
	if !ok {
		return "/tmp/" + key + ".csv", nil
	}
	return res.path, res.err
}

type fakeValidator struct {
	failPaths map[string]error
	calls     []string
}

func (v *fakeValidator) Validate(path string) error {
	v.calls = append(v.calls, path)
	if v.failPaths == nil {
		return nil
	}
	return v.failPaths[path]
}

type recordedOutcome struct {
	outcome scraper.Outcome
	key     string
	detail  string
}

type fakeHistory struct {
	begun     int
	completed int
	outcomes  []recordedOutcome
	err       error
}

func (h *fakeHistory) BeginPass(_ context.Context, _ uuid.UUID, _ int, _ time.Time) error {
	h.begun++
	return h.err
}

func (h *fakeHistory) RecordOutcome(_ context.Context, _ uuid.UUID, key string, outcome scraper.Outcome, detail string, _ time.Time) error {
	h.outcomes = append(h.outcomes, recordedOutcome{outcome: outcome, key: key, detail: detail})
	return h.err
}

func (h *fakeHistory) CompletePass(_ context.Context, _ uuid.UUID, _ scraper.Stats, _ time.Time) error {
	h.completed++
	return h.err
}

type engineFixture struct {
	engine    *Engine
	store     *state.Store
	limiter   *ratelimit.Adaptive
	fetcher   *fakeFetcher
	validator *fakeValidator
	publisher *memory.Publisher
	history   *fakeHistory
	tracker   *progress.Tracker
}

func newFixture(t *testing.T, total int, cfg Config) *engineFixture {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	store, err := state.Open(filepath.Join(t.TempDir(), "state.json"), clock, zap.NewNop())
	require.NoError(t, err)

	f := &engineFixture{
		store:     store,
		limiter:   ratelimit.New(ratelimit.Config{InitialRPM: 1000, BackoffFactor: 2}, zap.NewNop()),
		fetcher:   &fakeFetcher{results: map[string]fetchResult{}},
		validator: &fakeValidator{},
		publisher: memory.New(),
		history:   &fakeHistory{},
		tracker:   progress.NewTracker(total, zap.NewNop(), nil),
	}

	f.engine, err = New(
		f.store, f.limiter, f.fetcher, f.validator, f.tracker,
		f.publisher, f.history, clock, cfg, zap.NewNop(),
	)
	require.NoError(t, err)
	return f
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	store, err := state.Open(filepath.Join(t.TempDir(), "state.json"), clock, zap.NewNop())
	require.NoError(t, err)
	limiter := ratelimit.New(ratelimit.Config{}, nil)
	fetcher := &fakeFetcher{}
	tracker := progress.NewTracker(1, zap.NewNop(), nil)

	_, err = New(nil, limiter, fetcher, nil, tracker, nil, nil, clock, Config{}, nil)
	require.Error(t, err)

	_, err = New(store, nil, fetcher, nil, tracker, nil, nil, clock, Config{}, nil)
	require.Error(t, err)

	_, err = New(store, limiter, nil, nil, tracker, nil, nil, clock, Config{}, nil)
	require.Error(t, err)

	// Validation on without a validator is a wiring mistake.
	_, err = New(store, limiter, fetcher, nil, tracker, nil, nil, clock, Config{Validate: true}, nil)
	require.Error(t, err)

	_, err = New(store, limiter, fetcher, nil, tracker, nil, nil, clock, Config{}, nil)
	require.NoError(t, err)
}

func TestRunCompletesAllKeys(t *testing.T) {
	t.Parallel()

	keys := []string{"2024-01-01", "2024-01-02", "2024-01-03"}
	f := newFixture(t, len(keys), Config{Validate: true})

	require.NoError(t, f.engine.Run(context.Background(), keys, true))

	require.Equal(t, keys, f.fetcher.calls)
	for _, key := range keys {
		require.Equal(t, scraper.StatusCompleted, f.store.GetStatus(key))
	}

	sum := f.engine.Summary()
	require.Equal(t, 3, sum.Completed)
	require.InDelta(t, 100.0, sum.SuccessRate, 0.001)

	stats := f.tracker.Stats()
	require.Equal(t, 3, stats.Completed)
	require.Equal(t, 0, stats.Remaining)

	require.Equal(t, 1, f.history.begun)
	require.Equal(t, 1, f.history.completed)
	require.Len(t, f.history.outcomes, 3)
}

func TestRunRecordsFetchFailure(t *testing.T) {
	t.Parallel()

	keys := []string{"2024-01-01", "2024-01-02"}
	f := newFixture(t, len(keys), Config{})
	f.fetcher.results["2024-01-01"] = fetchResult{err: errors.New("status 500")}

	require.NoError(t, f.engine.Run(context.Background(), keys, true))

	require.Equal(t, scraper.StatusFailed, f.store.GetStatus("2024-01-01"))
	require.Equal(t, scraper.StatusCompleted, f.store.GetStatus("2024-01-02"))

	failed := f.engine.FailedKeys()
	require.Len(t, failed, 1)
	require.Equal(t, "status 500", failed[0].Error)
}

func TestRunEmptyArtifactIsDataGap(t *testing.T) {
	t.Parallel()

	keys := []string{"2024-01-01"}
	f := newFixture(t, len(keys), Config{})
	f.fetcher.results["2024-01-01"] = fetchResult{path: ""}

	require.NoError(t, f.engine.Run(context.Background(), keys, true))

	rec, ok := f.store.Record("2024-01-01")
	require.True(t, ok)
	require.Equal(t, scraper.StatusFailed, rec.Status)
	require.Equal(t, "no artifact produced", rec.Error)

	// A clean empty response still counts as source health.
	require.Equal(t, 1000, f.limiter.CurrentRPM())
}

func TestRunOverloadShrinksCeiling(t *testing.T) {
	t.Parallel()

	keys := []string{"2024-01-01"}
	f := newFixture(t, len(keys), Config{RetryDelay: time.Nanosecond})
	f.fetcher.results["2024-01-01"] = fetchResult{
		err: &scraper.OverloadError{RetryAfter: time.Nanosecond, Err: errors.New("too many requests")},
	}

	require.NoError(t, f.engine.Run(context.Background(), keys, true))

	require.Equal(t, scraper.StatusFailed, f.store.GetStatus("2024-01-01"))
	require.Equal(t, 500, f.limiter.CurrentRPM())
}

func TestRunWrappedOverloadIsDetected(t *testing.T) {
	t.Parallel()

	keys := []string{"2024-01-01"}
	f := newFixture(t, len(keys), Config{RetryDelay: time.Nanosecond})
	wrapped := fmt.Errorf("fetch: %w",
		&scraper.OverloadError{Err: errors.New("too many requests")})
	f.fetcher.results["2024-01-01"] = fetchResult{err: wrapped}

	require.NoError(t, f.engine.Run(context.Background(), keys, true))
	require.Equal(t, 500, f.limiter.CurrentRPM())
}

func TestRunSkipsKeysAtAttemptCeiling(t *testing.T) {
	t.Parallel()

	keys := []string{"2024-01-01"}
	f := newFixture(t, len(keys), Config{MaxRetries: 2})
	for i := 0; i < 2; i++ {
		require.NoError(t, f.store.SetStatus("2024-01-01", scraper.StatusInProgress, "", ""))
		require.NoError(t, f.store.SetStatus("2024-01-01", scraper.StatusFailed, "", "boom"))
	}

	require.NoError(t, f.engine.Run(context.Background(), keys, true))

	require.Empty(t, f.fetcher.calls)
	stats := f.tracker.Stats()
	require.Equal(t, 1, stats.Skipped)
	require.Len(t, f.history.outcomes, 1)
	require.Equal(t, scraper.OutcomeSkipped, f.history.outcomes[0].outcome)
}

func TestRunResumeSkipsCompletedKeys(t *testing.T) {
	t.Parallel()

	keys := []string{"2024-01-01", "2024-01-02"}
	f := newFixture(t, 1, Config{})
	require.NoError(t, f.store.SetStatus("2024-01-01", scraper.StatusCompleted, "/tmp/a.csv", ""))

	require.NoError(t, f.engine.Run(context.Background(), keys, true))
	require.Equal(t, []string{"2024-01-02"}, f.fetcher.calls)
}

func TestRunWithoutResumeReprocessesCompleted(t *testing.T) {
	t.Parallel()

	keys := []string{"2024-01-01", "2024-01-02"}
	f := newFixture(t, len(keys), Config{})
	require.NoError(t, f.store.SetStatus("2024-01-01", scraper.StatusCompleted, "/tmp/a.csv", ""))

	require.NoError(t, f.engine.Run(context.Background(), keys, false))
	require.Equal(t, keys, f.fetcher.calls)
}

func TestRunValidationFailureKeepsArtifactPath(t *testing.T) {
	t.Parallel()

	keys := []string{"2024-01-01"}
	f := newFixture(t, len(keys), Config{Validate: true})
	f.validator.failPaths = map[string]error{
		"/tmp/2024-01-01.csv": errors.New("too few rows"),
	}

	require.NoError(t, f.engine.Run(context.Background(), keys, true))

	rec, ok := f.store.Record("2024-01-01")
	require.True(t, ok)
	require.Equal(t, scraper.StatusFailed, rec.Status)
	require.Equal(t, "/tmp/2024-01-01.csv", rec.FilePath)
	require.Contains(t, rec.Error, "validation failed")
}

func TestRunFetchPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	keys := []string{"2024-01-01", "2024-01-02"}
	f := newFixture(t, len(keys), Config{})
	f.fetcher.results["2024-01-01"] = fetchResult{err: nil}
	panicking := &panicFetcher{inner: f.fetcher, panicKey: "2024-01-01"}
	engine, err := New(
		f.store, f.limiter, panicking, nil, f.tracker,
		nil, nil, &fakeClock{now: time.Unix(1700000000, 0).UTC()}, Config{}, zap.NewNop(),
	)
	require.NoError(t, err)

	require.NoError(t, engine.Run(context.Background(), keys, true))

	rec, ok := f.store.Record("2024-01-01")
	require.True(t, ok)
	require.Equal(t, scraper.StatusFailed, rec.Status)
	require.Contains(t, rec.Error, "fetch panic")
	require.Equal(t, scraper.StatusCompleted, f.store.GetStatus("2024-01-02"))
}

type panicFetcher struct {
	inner    scraper.Fetcher
	panicKey string
}

func (p *panicFetcher) Fetch(ctx context.Context, key string) (string, error) {
	if key == p.panicKey {
		panic("boom")
	}
	return p.inner.Fetch(ctx, key)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	keys := []string{"2024-01-01", "2024-01-02"}
	f := newFixture(t, len(keys), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.engine.Run(ctx, keys, true)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, f.fetcher.calls)
	// Interrupted passes still flush their summary.
	require.Equal(t, 1, f.history.completed)
}

func TestRunRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, Config{})
	err := f.engine.Run(context.Background(), []string{"2024-01-01", ""}, true)
	require.Error(t, err)
	require.Empty(t, f.fetcher.calls)
}

func TestRunPublishesOutcomeEvents(t *testing.T) {
	t.Parallel()

	keys := []string{"2024-01-01"}
	f := newFixture(t, len(keys), Config{EventTopic: "pull-events"})

	require.NoError(t, f.engine.Run(context.Background(), keys, true))

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "pull-events", msgs[0].Topic)

	payload, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "2024-01-01", payload["key"])
	require.Equal(t, "completed", payload["outcome"])

	summary, ok := msgs[1].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "pass_finished", summary["event"])
	require.Equal(t, 1, summary["completed"])
}

func TestRunHistoryFailuresAreAdvisory(t *testing.T) {
	t.Parallel()

	keys := []string{"2024-01-01"}
	f := newFixture(t, len(keys), Config{})
	f.history.err = errors.New("db down")

	require.NoError(t, f.engine.Run(context.Background(), keys, true))
	require.Equal(t, scraper.StatusCompleted, f.store.GetStatus("2024-01-01"))
}

func TestAttemptsAccumulateAcrossPasses(t *testing.T) {
	t.Parallel()

	keys := []string{"2024-01-01"}
	f := newFixture(t, len(keys), Config{MaxRetries: 3})
	f.fetcher.results["2024-01-01"] = fetchResult{err: errors.New("flaky")}

	for pass := 1; pass <= 3; pass++ {
		require.NoError(t, f.engine.Run(context.Background(), keys, true))
		require.Equal(t, pass, f.store.GetAttempts("2024-01-01"))
	}

	// Fourth pass: the attempt ceiling binds and the fetcher stays cold.
	calls := len(f.fetcher.calls)
	require.NoError(t, f.engine.Run(context.Background(), keys, true))
	require.Len(t, f.fetcher.calls, calls)
	require.Equal(t, 3, f.store.GetAttempts("2024-01-01"))
}
