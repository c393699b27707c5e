package scraper

import (
	"fmt"
	"strings"
	"time"
)

// Time marshals as RFC 3339 but also accepts the zone-less format older
// state files were written with, so they load without a manual migration.
type Time time.Time

// legacy timestamp layouts accepted on load.
var legacyLayouts = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// MarshalJSON encodes the time as RFC 3339.
func (t Time) MarshalJSON() ([]byte, error) {
	return time.Time(t).MarshalJSON()
}

// UnmarshalJSON decodes RFC 3339 first and falls back to legacy layouts.
func (t *Time) UnmarshalJSON(data []byte) error {
	var parsed time.Time
	if err := parsed.UnmarshalJSON(data); err == nil {
		*t = Time(parsed)
		return nil
	}
	raw := strings.Trim(string(data), `"`)
	for _, layout := range legacyLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			*t = Time(parsed.UTC())
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", raw)
}

// Std returns the underlying time.Time.
func (t Time) Std() time.Time {
	return time.Time(t)
}

// IsZero reports whether the timestamp is unset.
func (t Time) IsZero() bool {
	return time.Time(t).IsZero()
}
