package models

import "time"

const (
	RunEntity = "run"
	JobEntity = "job"
)

// TransitionRecord is the audit trail entry written for every committed
// run or job status change.
type TransitionRecord struct {
	ID         int64     `json:"id" db:"id"`                     // Auto-incremented log ID
	RunID      string    `json:"run_id" db:"run_id"`             // Run the change belongs to
	JobID      *string   `json:"job_id,omitempty" db:"job_id"`   // Nil for run transitions
	Entity     string    `json:"entity" db:"entity"`             // "run" or "job"
	FromStatus string    `json:"from_status" db:"from_status"`   // Status before the change
	ToStatus   string    `json:"to_status" db:"to_status"`       // Status after the change
	Message    string    `json:"message,omitempty" db:"message"` // Error text or operator note
	LoggedAt   time.Time `json:"logged_at" db:"logged_at"`
}

// Event types published after a transition commits.
const (
	JobTransitionEvent = "job.transition"
	RunTransitionEvent = "run.transition"
)

// Event is the notification fanned out to subscribers once a transition
// has been committed to the store.
type Event struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	JobID     string    `json:"job_id,omitempty"`
	JobName   string    `json:"job_name,omitempty"`
	QueueName string    `json:"queue_name,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Progress  float64   `json:"progress"`
	At        time.Time `json:"at"`
}
