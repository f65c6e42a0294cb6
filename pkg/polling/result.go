package polling

import (
	"errors"
	"time"
)

const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// ErrSyncInProgress is returned when a run is requested while another one
// holds the single-flight slot. Such requests are rejected, never queued.
var ErrSyncInProgress = errors.New("a sync is already in progress")

// Phase is the position of the current or last attempt.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseFetching    Phase = "fetching"
	PhaseNormalizing Phase = "normalizing"
	PhaseReconciling Phase = "reconciling"
	PhaseCommitted   Phase = "committed"
	PhaseFailed      Phase = "failed"
)

// SyncResult summarizes one orchestrated run.
type SyncResult struct {
	RunID   string `json:"run_id"`
	Trigger string `json:"trigger"`
	Status  string `json:"status"`
	Message string `json:"message"`

	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	StatusQuery string    `json:"status_filter,omitempty"`
	Force       bool      `json:"force,omitempty"`

	Attempts  int  `json:"attempts"`
	Pages     int  `json:"pages"`
	Fetched   int  `json:"fetched"`
	Validated int  `json:"validated"`
	Dropped   int  `json:"dropped"`
	Inserted  int  `json:"inserted"`
	Updated   int  `json:"updated"`
	Skipped   int  `json:"skipped"`
	Truncated bool `json:"truncated,omitempty"`
	Published bool `json:"published,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Err is the underlying failure for Go callers.
	Err error `json:"-"`
}

// Duration of the run.
func (r *SyncResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *SyncResult) resetCounts() {
	r.Pages, r.Fetched, r.Validated, r.Dropped = 0, 0, 0, 0
	r.Inserted, r.Updated, r.Skipped = 0, 0, 0
	r.Truncated = false
}

// CleanupResult summarizes one cleanup job.
type CleanupResult struct {
	Pruned     int64     `json:"pruned"`
	Cutoff     time.Time `json:"cutoff"`
	FinishedAt time.Time `json:"finished_at"`
}
