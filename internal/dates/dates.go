// Package dates generates and validates the calendar-date job keys the
// engine iterates over.
package dates

import (
	"fmt"
	"time"
)

// KeyLayout is the canonical key format. Keys sort lexically in date order.
const KeyLayout = "2006-01-02"

// Parse converts a key back to a calendar date, rejecting malformed keys.
func Parse(key string) (time.Time, error) {
	t, err := time.Parse(KeyLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date key %q: %w", key, err)
	}
	return t, nil
}

// Format renders a calendar date as a job key.
func Format(t time.Time) string {
	return t.Format(KeyLayout)
}

// Range returns the inclusive day-by-day key sequence from start to end.
// An end before start yields an empty sequence.
func Range(start, end time.Time) []string {
	start = truncate(start)
	end = truncate(end)
	var keys []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		keys = append(keys, Format(d))
	}
	return keys
}

// RangeKeys is Range for callers holding string endpoints, validating both.
func RangeKeys(startKey, endKey string) ([]string, error) {
	start, err := Parse(startKey)
	if err != nil {
		return nil, err
	}
	end, err := Parse(endKey)
	if err != nil {
		return nil, err
	}
	return Range(start, end), nil
}

func truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
