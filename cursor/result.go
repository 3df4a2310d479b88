package cursor

import "time"

// Status is the terminal state of an ingest run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	// StatusPartial is a run that stopped on an error after writing at
	// least one message. Those messages stay; the next run resumes after them.
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Succeeded reports whether the run counts as a success for exit codes:
// completed or partial.
func (s Status) Succeeded() bool {
	return s == StatusCompleted || s == StatusPartial
}

// Result is returned by every Ingest call, including failed ones.
type Result struct {
	RunID           string    `json:"run_id"`
	ChannelID       string    `json:"channel_id"`
	Source          string    `json:"source"`
	Status          Status    `json:"status"`
	Written         int       `json:"written"`
	Skipped         int       `json:"skipped"`
	Rejected        int       `json:"rejected"`
	WatermarkBefore *int64    `json:"watermark_before,omitempty"`
	WatermarkAfter  *int64    `json:"watermark_after,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	Err             string    `json:"error,omitempty"`
}
