// Package state implements the durable per-key download ledger that makes
// interrupted runs resumable.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/histpull/histpull/internal/scraper"
)

// snapshot is the single document persisted to disk on every mutation. Field
// names are a wire contract: older state files must keep loading.
type snapshot struct {
	CreatedAt   scraper.Time               `json:"created_at"`
	LastUpdated scraper.Time               `json:"last_updated"`
	Downloads   map[string]*scraper.Record `json:"downloads"`
	Metadata    map[string]any             `json:"metadata"`
}

// Store is the persistent key-state store. All read-modify-write sequences,
// including the disk write, run under a single mutex so concurrent callers
// never interleave partial snapshots.
type Store struct {
	path   string
	clock  scraper.Clock
	logger *zap.Logger

	mu   sync.Mutex
	snap snapshot
}

// Open loads the snapshot at path, treating a missing or malformed file as
// empty prior progress. It never fails on bad state content; only an empty
// path is rejected.
func Open(path string, clock scraper.Clock, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("state file path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{path: path, clock: clock, logger: logger}
	s.load()
	return s, nil
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("state file unreadable, starting fresh",
				zap.String("path", s.path), zap.Error(err))
		}
		s.snap = s.emptySnapshot()
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("state file malformed, starting fresh",
			zap.String("path", s.path), zap.Error(err))
		s.snap = s.emptySnapshot()
		return
	}
	if snap.Downloads == nil {
		snap.Downloads = make(map[string]*scraper.Record)
	}
	if snap.Metadata == nil {
		snap.Metadata = make(map[string]any)
	}
	s.snap = snap
	s.reconcileDangling()
}

// reconcileDangling normalizes in_progress records left by a crash back to
// pending. A single-process engine cannot have a key legitimately running at
// load time. Attempts are preserved so the retry ceiling still binds.
func (s *Store) reconcileDangling() {
	for key, rec := range s.snap.Downloads {
		if rec.Status == scraper.StatusInProgress {
			s.logger.Info("reclaiming in-progress key from prior run",
				zap.String("key", key), zap.Int("attempts", rec.Attempts))
			rec.Status = scraper.StatusPending
		}
	}
}

func (s *Store) emptySnapshot() snapshot {
	now := scraper.Time(s.now())
	return snapshot{
		CreatedAt:   now,
		LastUpdated: now,
		Downloads:   make(map[string]*scraper.Record),
		Metadata:    make(map[string]any),
	}
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}

// GetStatus returns the status for key, Pending when the key is unknown.
func (s *Store) GetStatus(key string) scraper.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.snap.Downloads[key]; ok {
		return rec.Status
	}
	return scraper.StatusPending
}

// GetAttempts returns the attempt count for key, zero when unknown.
func (s *Store) GetAttempts(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.snap.Downloads[key]; ok {
		return rec.Attempts
	}
	return 0
}

// SetStatus records a status transition for key, creating the record on first
// sight and merging result fields otherwise. The attempt counter increments
// once per attempt, on the transition into InProgress. Every call persists
// the full snapshot synchronously; a write failure is fatal to the caller
// since durability is the entire point of this component.
func (s *Store) SetStatus(key string, status scraper.Status, filePath, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := scraper.Time(s.now())
	rec, ok := s.snap.Downloads[key]
	if !ok {
		rec = &scraper.Record{CreatedAt: now}
		s.snap.Downloads[key] = rec
	}
	rec.Status = status
	if filePath != "" {
		rec.FilePath = filePath
	}
	if errMsg != "" {
		rec.Error = errMsg
	}
	rec.UpdatedAt = now
	if status == scraper.StatusInProgress {
		rec.Attempts++
	}
	return s.persistLocked()
}

// PendingKeys returns the subsequence of all whose status is not Completed,
// preserving input order.
func (s *Store) PendingKeys(all []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]string, 0, len(all))
	for _, key := range all {
		if rec, ok := s.snap.Downloads[key]; ok && rec.Status == scraper.StatusCompleted {
			continue
		}
		pending = append(pending, key)
	}
	return pending
}

// CompletedKeys returns every key currently marked completed.
func (s *Store) CompletedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, rec := range s.snap.Downloads {
		if rec.Status == scraper.StatusCompleted {
			keys = append(keys, key)
		}
	}
	return keys
}

// FailedKeys returns every failed key with its stored reason.
func (s *Store) FailedKeys() []scraper.FailedKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []scraper.FailedKey
	for key, rec := range s.snap.Downloads {
		if rec.Status == scraper.StatusFailed {
			failed = append(failed, scraper.FailedKey{Key: key, Error: rec.Error})
		}
	}
	return failed
}

// Record returns a copy of the record for key.
func (s *Store) Record(key string) (scraper.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.snap.Downloads[key]; ok {
		return *rec, true
	}
	return scraper.Record{}, false
}

// Summary scans all records and aggregates store-wide counts.
func (s *Store) Summary() scraper.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := scraper.Summary{Total: len(s.snap.Downloads)}
	for _, rec := range s.snap.Downloads {
		switch rec.Status {
		case scraper.StatusCompleted:
			sum.Completed++
		case scraper.StatusFailed:
			sum.Failed++
		case scraper.StatusInProgress:
			sum.InProgress++
		}
	}
	sum.Pending = sum.Total - sum.Completed - sum.Failed - sum.InProgress
	if sum.Total > 0 {
		sum.SuccessRate = float64(sum.Completed) / float64(sum.Total) * 100
	}
	return sum
}

// SetMetadata stores a free-form metadata value and persists.
func (s *Store) SetMetadata(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Metadata[key] = value
	return s.persistLocked()
}

// Metadata fetches a free-form metadata value.
func (s *Store) Metadata(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.snap.Metadata[key]
	return v, ok
}

// Reset discards all records, reinitializes the snapshot, and persists.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = s.emptySnapshot()
	return s.persistLocked()
}

// Path returns the on-disk location of the snapshot.
func (s *Store) Path() string {
	return s.path
}

// persistLocked writes the whole snapshot while the caller holds s.mu. The
// write goes to a sibling temp file first and is renamed into place so a
// crash mid-write leaves the previous snapshot intact.
func (s *Store) persistLocked() error {
	s.snap.LastUpdated = scraper.Time(s.now())
	data, err := json.MarshalIndent(s.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state snapshot: %w", err)
	}
	return nil
}
