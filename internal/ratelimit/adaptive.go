// Package ratelimit implements the adaptive sliding-window controller that
// bounds outbound request rate and reacts to overload feedback.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// window is the fixed span the request ceiling applies to.
const window = time.Minute

// Config controls the adaptive controller.
type Config struct {
	// InitialRPM is the configured ceiling (requests per minute).
	InitialRPM int
	// BackoffFactor divides the ceiling on each overload signal.
	BackoffFactor float64
}

// Adaptive enforces at most `ceiling` admissions in any trailing 60-second
// span using a history of recent admission timestamps sized to the current
// ceiling. Overload signals shrink the ceiling multiplicatively; success
// signals probe it back toward the configured target.
//
// Every sleep happens with the internal lock released, so one blocked caller
// never stalls unrelated ones; the admission timestamp is recorded after the
// wait.
type Adaptive struct {
	mu          sync.Mutex
	ceiling     int
	initialRPM  int
	backoff     float64
	history     []time.Time
	consecutive int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	logger *zap.Logger
}

// New builds an Adaptive controller. A non-positive InitialRPM defaults to 60
// and a backoff factor below 1 defaults to 2.
func New(cfg Config, logger *zap.Logger) *Adaptive {
	if cfg.InitialRPM <= 0 {
		cfg.InitialRPM = 60
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adaptive{
		ceiling:    cfg.InitialRPM,
		initialRPM: cfg.InitialRPM,
		backoff:    cfg.BackoffFactor,
		now:        time.Now,
		sleep:      sleepCtx,
		logger:     logger,
	}
}

// Admit blocks until one more request fits under the current ceiling, then
// records the admission. It returns early with the context error if ctx is
// done while waiting. Blocking is bounded by the window length.
func (a *Adaptive) Admit(ctx context.Context) error {
	a.mu.Lock()
	a.trimLocked()
	if len(a.history) < a.ceiling {
		a.recordLocked()
		a.mu.Unlock()
		return nil
	}
	wait := window - a.now().Sub(a.history[0])
	a.mu.Unlock()

	if wait > 0 {
		a.sleep(ctx, wait)
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.recordLocked()
	a.mu.Unlock()
	return nil
}

// recordLocked appends an admission timestamp, evicting the oldest entries so
// the history never exceeds the window capacity.
func (a *Adaptive) recordLocked() {
	a.history = append(a.history, a.now())
	a.trimLocked()
}

// OnOverload applies multiplicative decrease, clears the window, and blocks
// the caller for the supplied cooldown. The ceiling never drops below 1.
func (a *Adaptive) OnOverload(ctx context.Context, cooldown time.Duration) {
	a.mu.Lock()
	a.consecutive++
	before := a.ceiling
	a.ceiling = int(float64(a.ceiling) / a.backoff)
	if a.ceiling < 1 {
		a.ceiling = 1
	}
	a.history = a.history[:0]
	a.logger.Warn("overload signal, reducing request ceiling",
		zap.Int("from_rpm", before),
		zap.Int("to_rpm", a.ceiling),
		zap.Duration("cooldown", cooldown),
		zap.Int("consecutive", a.consecutive),
	)
	a.mu.Unlock()

	if cooldown > 0 {
		a.sleep(ctx, cooldown)
	}
}

// OnSuccess probes the ceiling back toward the configured target. The step is
// at least 1 rpm: a bare floor(ceiling*1.1) stalls forever below 10 rpm.
func (a *Adaptive) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consecutive = 0
	if a.ceiling >= a.initialRPM {
		return
	}
	next := int(float64(a.ceiling) * 1.1)
	if next <= a.ceiling {
		next = a.ceiling + 1
	}
	if next > a.initialRPM {
		next = a.initialRPM
	}
	a.logger.Debug("recovering request ceiling",
		zap.Int("from_rpm", a.ceiling), zap.Int("to_rpm", next))
	a.ceiling = next
}

// CurrentRPM returns the effective ceiling.
func (a *Adaptive) CurrentRPM() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ceiling
}

// InitialRPM returns the configured ceiling.
func (a *Adaptive) InitialRPM() int {
	return a.initialRPM
}

// trimLocked drops history beyond the window capacity. The capacity tracks
// the current ceiling, so a shrunk ceiling also shrinks the window.
func (a *Adaptive) trimLocked() {
	if excess := len(a.history) - a.ceiling; excess > 0 {
		a.history = append(a.history[:0], a.history[excess:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
