package scraper

import (
	"context"
	"time"
)

// Fetcher downloads the artifact for one key. An empty path with a nil error
// means the source had nothing for that key; overload conditions must be
// signaled with OverloadError rather than encoded in the message text.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (string, error)
}

// Validator checks a downloaded artifact before the key is marked completed.
type Validator interface {
	Validate(path string) error
}

// Reporter accumulates per-pass outcomes for operator-facing progress output.
type Reporter interface {
	Record(outcome Outcome, key string, detail string)
	Stats() Stats
	Finalize()
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
