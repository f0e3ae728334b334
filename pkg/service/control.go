package service

import (
	"context"

	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/storage"
	"github.com/pkg/errors"
)

// ControlService is the operator-facing surface: listing and inspecting runs,
// pause/resume/cancel, manual job retry, and the worker report callback.
type ControlService struct {
	store      storage.Store
	controller *Controller
	logger     Logger
}

func NewControlService(store storage.Store, controller *Controller, logger Logger) *ControlService {
	return &ControlService{store: store, controller: controller, logger: logger}
}

// ListRuns returns run summaries, newest first, optionally filtered by exact
// status.
func (s *ControlService) ListRuns(ctx context.Context, status *models.RunStatus) ([]models.WorkflowRunSummary, error) {
	if status != nil && !status.Valid() {
		return nil, errors.Wrapf(ErrBadRequest, "unknown run status %q", *status)
	}
	runs, err := s.store.ListRuns(ctx, status)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	summaries := make([]models.WorkflowRunSummary, 0, len(runs))
	for _, r := range runs {
		summaries = append(summaries, r.Summary())
	}
	return summaries, nil
}

// GetRun returns the run with its jobs ordered by creation time. Both are
// read under the run lock, so the counters match the job set.
func (s *ControlService) GetRun(ctx context.Context, runID string) (detail models.WorkflowRunDetail, err error) {
	unlock := s.controller.locks.lock(runID)
	defer unlock()

	txStore, err := s.store.Begin(ctx)
	if err != nil {
		return models.WorkflowRunDetail{}, storeErr("begin", err)
	}
	defer func() {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			s.logger.Debugf("Read transaction rollback: %v", rollbackErr)
		}
	}()

	if err := txStore.LockRun(ctx, runID); err != nil {
		return models.WorkflowRunDetail{}, storeErr("lock run "+runID, err)
	}
	run, err := txStore.GetRun(ctx, runID)
	if err != nil {
		return models.WorkflowRunDetail{}, storeErr("get run "+runID, err)
	}
	jobs, err := txStore.ListJobs(ctx, runID)
	if err != nil {
		return models.WorkflowRunDetail{}, storeErr("list jobs of run "+runID, err)
	}
	if jobs == nil {
		jobs = []models.WorkflowJob{}
	}
	return models.WorkflowRunDetail{
		WorkflowRunSummary: run.Summary(),
		OwnerRef:           run.OwnerRef,
		Jobs:               jobs,
	}, nil
}

// History returns the transition audit log of a run in the order it was
// written.
func (s *ControlService) History(ctx context.Context, runID string) ([]models.TransitionRecord, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, storeErr("get run "+runID, err)
	}
	records, err := s.store.ListTransitions(ctx, runID)
	if err != nil {
		return nil, storeErr("list transitions of run "+runID, err)
	}
	if records == nil {
		records = []models.TransitionRecord{}
	}
	return records, nil
}

// PauseRun stops dispatch for a PENDING or ACTIVE run. QUEUED and RUNNING jobs
// are untouched. Pausing a PAUSED run is a no-op.
func (s *ControlService) PauseRun(ctx context.Context, runID string) (models.WorkflowRun, error) {
	return s.controller.apply(ctx, runID, func(t *runTxn) error {
		switch t.run.Status {
		case models.PausedRunStatus:
			return nil
		case models.PendingRunStatus, models.ActiveRunStatus:
			return t.transitionRun(models.PausedRunStatus, "paused by operator")
		}
		return errors.Wrapf(ErrInvalidState, "cannot pause run %s in status %s", runID, t.run.Status)
	})
}

// ResumeRun re-enables dispatch for a PAUSED run. Outcomes reported while the
// run was paused are settled as part of the resume.
func (s *ControlService) ResumeRun(ctx context.Context, runID string) (models.WorkflowRun, error) {
	return s.controller.apply(ctx, runID, func(t *runTxn) error {
		if t.run.Status != models.PausedRunStatus {
			return errors.Wrapf(ErrInvalidState, "cannot resume run %s in status %s", runID, t.run.Status)
		}
		return t.transitionRun(models.ActiveRunStatus, "resumed by operator")
	})
}

// CancelRun cancels a run and every job not yet handed to a worker. Cancelling
// a CANCELLED run is a no-op.
func (s *ControlService) CancelRun(ctx context.Context, runID string) (models.WorkflowRun, error) {
	return s.controller.apply(ctx, runID, func(t *runTxn) error {
		switch t.run.Status {
		case models.CancelledRunStatus:
			return nil
		case models.PendingRunStatus, models.ActiveRunStatus, models.PausedRunStatus:
			return t.cancel("cancelled by operator")
		}
		return errors.Wrapf(ErrInvalidState, "cannot cancel run %s in status %s", runID, t.run.Status)
	})
}

// RetryJob re-queues a FAILED job. A FAILED run re-enters ACTIVE as a side
// effect.
func (s *ControlService) RetryJob(ctx context.Context, jobID string) (models.WorkflowJob, error) {
	runID, err := s.controller.runOf(ctx, jobID)
	if err != nil {
		return models.WorkflowJob{}, err
	}
	var updated models.WorkflowJob
	_, err = s.controller.apply(ctx, runID, func(t *runTxn) error {
		j, err := t.job(jobID)
		if err != nil {
			return err
		}
		if j.Status != models.FailedJobStatus {
			return errors.Wrapf(ErrInvalidState, "cannot retry job %s in status %s", jobID, j.Status)
		}
		if t.run.Status == models.CancelledRunStatus {
			return errors.Wrapf(ErrInvalidState, "cannot retry job %s: run %s is cancelled", jobID, runID)
		}
		if err := t.moveJob(j, models.QueuedJobStatus, JobOutcome{}); err != nil {
			return err
		}
		updated = j.Clone()
		return nil
	})
	if err != nil {
		return models.WorkflowJob{}, err
	}
	return updated, nil
}

// ReportJob is the worker callback. It accepts RUNNING and the terminal job
// statuses; anything else belongs to the dispatcher or an operator.
func (s *ControlService) ReportJob(ctx context.Context, jobID string, to models.JobStatus, out JobOutcome) (models.WorkflowJob, error) {
	switch to {
	case models.RunningJobStatus, models.CompletedJobStatus, models.FailedJobStatus,
		models.SkippedJobStatus, models.CancelledJobStatus:
	default:
		return models.WorkflowJob{}, errors.Wrapf(ErrBadRequest, "workers cannot report status %q", to)
	}
	return s.controller.TransitionJob(ctx, jobID, to, out)
}

// CreateRun stores a new run from an expanded job plan.
func (s *ControlService) CreateRun(ctx context.Context, spec RunSpec) (models.WorkflowRun, error) {
	return s.controller.CreateRun(ctx, spec)
}
