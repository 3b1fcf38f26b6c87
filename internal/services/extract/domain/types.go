// Package domain holds the core data types shared by the extract pipeline
package domain

import "time"

// TimeWindow is a half-open UTC interval [From, To) used for both
// upstream filtering and planning. From must be strictly before To for
// any window that has not already collapsed to empty
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// Empty reports whether the window has zero width
func (w TimeWindow) Empty() bool { return !w.From.Before(w.To) }

// Mid returns the midpoint instant of the window, used by bisection
func (w TimeWindow) Mid() time.Time {
	return w.From.Add(w.To.Sub(w.From) / 2)
}

// Record is an opaque, late-bound mapping from source keys to
// JSON-compatible values. The pipeline never interprets a Record's
// contents except to rename and coerce top-level keys in Transform
type Record map[string]any

// CountEstimate is the server's declared total for a window, or absent
// when the probe failed or the server reported no total. The planner
// treats an absent estimate as "unsafe, shrink the window"
type CountEstimate struct {
	Value  int
	Absent bool
}

// AbsentCount is the sentinel CountEstimate for "server gave us nothing"
func AbsentCount() CountEstimate { return CountEstimate{Absent: true} }

// PipelineSummary is produced exactly once per orchestrator run
type PipelineSummary struct {
	RunID            string    `json:"runId"`
	Status           string    `json:"status"`
	RecordsProcessed int       `json:"recordsProcessed"`
	DurationMs       int64     `json:"durationMs"`
	BatchCount       int       `json:"batchCount"`
	SampleRecords    []Record  `json:"sampleRecords,omitempty"`
	Error            string    `json:"error,omitempty"`
	From             time.Time `json:"from"`
	To               time.Time `json:"to"`
}

// Status values for PipelineSummary.Status
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// RunOptions selects the effective time range for a Pipeline Orchestrator run
type RunOptions struct {
	Incremental bool
	FullRefresh bool
	From        time.Time
	To          time.Time
}

// ExplicitRange reports whether both From and To were supplied verbatim
func (o RunOptions) ExplicitRange() bool { return !o.From.IsZero() && !o.To.IsZero() }
