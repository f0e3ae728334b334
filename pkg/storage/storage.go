package storage

import (
	"context"
	"time"

	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store defines the storage operations for campaignflow.
// Begin returns a Store bound to a transaction; Commit and Rollback are only
// valid on such a Store.
type Store interface {
	Begin(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// LockRun takes an exclusive lock on the run row for the rest of the
	// transaction. Stores with in-process serialization may no-op.
	LockRun(ctx context.Context, runID string) error

	// Run operations
	SaveRun(ctx context.Context, r models.WorkflowRun) error
	GetRun(ctx context.Context, id string) (models.WorkflowRun, error)
	ListRuns(ctx context.Context, status *models.RunStatus) ([]models.WorkflowRun, error)
	UpdateRun(ctx context.Context, r models.WorkflowRun) error

	// Job operations
	SaveJob(ctx context.Context, j models.WorkflowJob) error
	GetJob(ctx context.Context, id string) (models.WorkflowJob, error)
	ListJobs(ctx context.Context, runID string) ([]models.WorkflowJob, error)
	UpdateJob(ctx context.Context, j models.WorkflowJob) error

	// ListDispatchable returns PENDING jobs due at now whose run is PENDING
	// or ACTIVE, oldest first.
	ListDispatchable(ctx context.Context, now time.Time, limit int) ([]models.WorkflowJob, error)
	// ListQueued returns QUEUED jobs routed to any of queues, oldest first.
	ListQueued(ctx context.Context, queues []string, limit int) ([]models.WorkflowJob, error)

	// Audit trail
	SaveTransition(ctx context.Context, rec models.TransitionRecord) error
	ListTransitions(ctx context.Context, runID string) ([]models.TransitionRecord, error)
}
