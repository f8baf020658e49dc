// Package workflow keeps a persisted record of every process invocation.
package workflow

import (
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run records one process invocation.
type Run struct {
	ID         string     `json:"id"`
	Process    string     `json:"process"`
	SessionID  string     `json:"session_id,omitempty"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	// Chunks counts the content items streamed to the caller.
	Chunks int `json:"chunks"`

	// version is the resource version last written.
	version string
}

// Duration returns how long the run took, or has been running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}
