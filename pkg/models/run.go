package models

import "time"

// WorkflowRun is one execution of a campaign's automation pipeline.
// Counters and Progress are derived from the run's jobs and are only ever
// written by the controller.
type WorkflowRun struct {
	ID          string     `json:"id" db:"id"`                               // Opaque identifier (uuid)
	Status      RunStatus  `json:"status" db:"status"`                       // PENDING, ACTIVE, PAUSED, COMPLETED, FAILED, CANCELLED
	Progress    float64    `json:"progress" db:"progress"`                   // Succeeded jobs / total jobs
	CampaignRef string     `json:"campaign_ref" db:"campaign_ref"`           // Owning campaign
	TemplateID  *string    `json:"template_id,omitempty" db:"template_id"`   // Plan the run was expanded from
	OwnerRef    string     `json:"owner_ref,omitempty" db:"owner_ref"`       // Owning user
	TotalJobs   int        `json:"total_jobs" db:"total_jobs"`               // Fixed after expansion
	QueuedJobs  int        `json:"queued_jobs" db:"queued_jobs"`             // Jobs in QUEUED
	FailedJobs  int        `json:"failed_jobs" db:"failed_jobs"`             // Jobs in FAILED
	Metadata    JSONMap    `json:"metadata" db:"metadata"`                   // Never interpreted
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`     // First activation
	PausedAt    *time.Time `json:"paused_at,omitempty" db:"paused_at"`       // Latest pause
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"` // COMPLETED or CANCELLED
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy that does not share the metadata map.
func (r WorkflowRun) Clone() WorkflowRun {
	r.Metadata = r.Metadata.Clone()
	return r
}

// WorkflowRunSummary is the list view of a run, without job detail.
type WorkflowRunSummary struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	Progress    float64    `json:"progress"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	CampaignRef string     `json:"campaign_ref"`
	TemplateID  *string    `json:"template_id,omitempty"`
	TotalJobs   int        `json:"total_jobs"`
	FailedJobs  int        `json:"failed_jobs"`
	QueuedJobs  int        `json:"queued_jobs"`
	CreatedAt   time.Time  `json:"created_at"`
	Metadata    JSONMap    `json:"metadata"`
}

// WorkflowRunDetail is a summary plus the run's jobs in creation order.
type WorkflowRunDetail struct {
	WorkflowRunSummary
	OwnerRef string        `json:"owner_ref,omitempty"`
	Jobs     []WorkflowJob `json:"jobs"`
}

func (r WorkflowRun) Summary() WorkflowRunSummary {
	return WorkflowRunSummary{
		ID:          r.ID,
		Status:      r.Status,
		Progress:    r.Progress,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		PausedAt:    r.PausedAt,
		CampaignRef: r.CampaignRef,
		TemplateID:  r.TemplateID,
		TotalJobs:   r.TotalJobs,
		FailedJobs:  r.FailedJobs,
		QueuedJobs:  r.QueuedJobs,
		CreatedAt:   r.CreatedAt,
		Metadata:    r.Metadata,
	}
}
