// Package scraper defines core types shared across subsystems.
package scraper

// Status represents the lifecycle state of a single key's download.
type Status string

// Status values persisted in the state snapshot. The strings match the
// on-disk layout older state files were written with, so prior runs resume
// cleanly.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status ends a key's lifecycle for a pass.
// Completed is the only globally terminal state; Failed keys are re-attempted
// on later passes until the attempt ceiling binds.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the persisted bookkeeping entry for one key.
type Record struct {
	Status    Status `json:"status"`
	FilePath  string `json:"file_path,omitempty"`
	Error     string `json:"error,omitempty"`
	Attempts  int    `json:"attempts"`
	CreatedAt Time   `json:"created_at"`
	UpdatedAt Time   `json:"updated_at"`
}

// Summary aggregates store-wide counts for reporting.
type Summary struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	InProgress  int     `json:"in_progress"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// Outcome classifies how one key finished within a pass.
type Outcome string

// Outcomes reported per key per pass.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Stats holds the reporter's running counts for the current pass.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Remaining int `json:"remaining"`
}

// FailedKey pairs a failed key with its stored reason.
type FailedKey struct {
	Key   string `json:"key"`
	Error string `json:"error,omitempty"`
}
