package scraper

import (
	"fmt"
	"time"
)

// OverloadError signals that the remote source rejected or throttled a
// request. Fetchers return it so the run loop can feed the rate controller
// without inspecting message text.
type OverloadError struct {
	// RetryAfter is the cooldown suggested by the source (zero if it gave
	// none; callers substitute their configured delay).
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *OverloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source overloaded: %v", e.Err)
	}
	return "source overloaded"
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *OverloadError) Unwrap() error {
	return e.Err
}
