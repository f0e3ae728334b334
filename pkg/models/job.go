package models

import "time"

// WorkflowJob is one unit of work within a run, routed to a worker queue.
type WorkflowJob struct {
	ID           string     `json:"id" db:"id"`                                 // Opaque identifier (uuid)
	RunID        string     `json:"run_id" db:"run_id"`                         // Back-reference to the run
	Seq          int        `json:"seq" db:"seq"`                               // Position in the expanded plan
	Status       JobStatus  `json:"status" db:"status"`                         // PENDING .. SKIPPED
	JobName      string     `json:"job_name" db:"job_name"`                     // Logical step, e.g. "generate-images"
	QueueName    string     `json:"queue_name" db:"queue_name"`                 // Worker pool routing key
	ScheduledFor *time.Time `json:"scheduled_for,omitempty" db:"scheduled_for"` // Not dispatched before this time
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"` // Only set while FAILED
	Result       Payload    `json:"result,omitempty" db:"result"`               // Set on COMPLETED
	RetryCount   int        `json:"retry_count" db:"retry_count"`               // Manual retries so far
	Attempts     int        `json:"attempts" db:"attempts"`                     // Times the job entered RUNNING
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

func (j WorkflowJob) Clone() WorkflowJob {
	j.Result = j.Result.Clone()
	return j
}

// DueAt reports whether the job's schedule allows dispatch at now.
func (j WorkflowJob) DueAt(now time.Time) bool {
	return j.ScheduledFor == nil || !j.ScheduledFor.After(now)
}
