package service

import (
	"context"
	"time"

	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/storage"
	"github.com/pkg/errors"
)

// JobOutcome carries what a worker reports alongside a job transition.
type JobOutcome struct {
	ErrorMessage string         `json:"error_message,omitempty"`
	Result       models.Payload `json:"result,omitempty"`
}

// runTxn is the working set of one serialized mutation of a run: the run,
// all of its jobs, and the events to publish once the store commits.
type runTxn struct {
	ctx    context.Context
	store  storage.Store
	policy RetryPolicy
	now    time.Time
	run    models.WorkflowRun
	jobs   []models.WorkflowJob
	events []models.Event
	dirty  bool
}

func (t *runTxn) job(id string) (*models.WorkflowJob, error) {
	for i := range t.jobs {
		if t.jobs[i].ID == id {
			return &t.jobs[i], nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "job %s", id)
}

// dispatchable reports whether PENDING jobs of the run may be queued.
func (t *runTxn) dispatchable() bool {
	return t.run.Status == models.PendingRunStatus || t.run.Status == models.ActiveRunStatus
}

func (t *runTxn) record(jobID *string, entity, from, to, msg string) error {
	rec := models.TransitionRecord{
		RunID:      t.run.ID,
		JobID:      jobID,
		Entity:     entity,
		FromStatus: from,
		ToStatus:   to,
		Message:    msg,
		LoggedAt:   t.now,
	}
	return storeErr("save transition", t.store.SaveTransition(t.ctx, rec))
}

// transitionJob applies a single legal job status change and writes it.
func (t *runTxn) transitionJob(j *models.WorkflowJob, to models.JobStatus, out JobOutcome) error {
	from := j.Status
	if !from.CanTransitionTo(to) {
		return errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", j.ID, from, to)
	}

	next := *j
	switch to {
	case models.QueuedJobStatus:
		if from == models.FailedJobStatus {
			next.RetryCount++
			next.ErrorMessage = ""
		}
	case models.RunningJobStatus:
		next.Attempts++
	case models.CompletedJobStatus:
		next.Result = out.Result.Clone()
		next.ErrorMessage = ""
	case models.FailedJobStatus:
		next.ErrorMessage = out.ErrorMessage
		if next.ErrorMessage == "" {
			next.ErrorMessage = "job reported failure without a message"
		}
	}
	next.Status = to
	next.UpdatedAt = t.now

	if err := t.store.UpdateJob(t.ctx, next); err != nil {
		return storeErr("update job", err)
	}
	jobID := j.ID
	if err := t.record(&jobID, models.JobEntity, string(from), string(to), next.ErrorMessage); err != nil {
		return err
	}
	*j = next
	t.dirty = true
	t.events = append(t.events, models.Event{
		Type:      models.JobTransitionEvent,
		RunID:     t.run.ID,
		JobID:     j.ID,
		JobName:   j.JobName,
		QueueName: j.QueueName,
		From:      string(from),
		To:        string(to),
		At:        t.now,
	})
	return nil
}

// moveJob is transitionJob plus the run-level consequences of a job being
// queued: activation of a PENDING run and recovery of a FAILED one.
func (t *runTxn) moveJob(j *models.WorkflowJob, to models.JobStatus, out JobOutcome) error {
	from := j.Status
	if to == models.QueuedJobStatus {
		switch {
		case from == models.PendingJobStatus && !t.dispatchable():
			return errors.Wrapf(ErrInvalidTransition, "job %s: run %s is %s", j.ID, t.run.ID, t.run.Status)
		case from == models.FailedJobStatus && t.run.Status == models.CancelledRunStatus:
			return errors.Wrapf(ErrInvalidTransition, "job %s: run %s is cancelled", j.ID, t.run.ID)
		}
	}
	if err := t.transitionJob(j, to, out); err != nil {
		return err
	}
	if to != models.QueuedJobStatus {
		return nil
	}
	switch t.run.Status {
	case models.PendingRunStatus:
		return t.transitionRun(models.ActiveRunStatus, "first job dispatched")
	case models.FailedRunStatus:
		return t.transitionRun(models.ActiveRunStatus, "job "+j.ID+" retried")
	}
	return nil
}

func (t *runTxn) transitionRun(to models.RunStatus, note string) error {
	from := t.run.Status
	if !from.CanTransitionTo(to) {
		return errors.Wrapf(ErrInvalidTransition, "run %s: %s -> %s", t.run.ID, from, to)
	}
	now := t.now
	switch to {
	case models.ActiveRunStatus:
		if t.run.StartedAt == nil {
			t.run.StartedAt = &now
		}
	case models.PausedRunStatus:
		t.run.PausedAt = &now
	case models.CompletedRunStatus, models.CancelledRunStatus:
		if t.run.CompletedAt == nil {
			t.run.CompletedAt = &now
		}
	}
	t.run.Status = to
	if err := t.record(nil, models.RunEntity, string(from), string(to), note); err != nil {
		return err
	}
	t.dirty = true
	t.events = append(t.events, models.Event{
		Type:  models.RunTransitionEvent,
		RunID: t.run.ID,
		From:  string(from),
		To:    string(to),
		At:    t.now,
	})
	return nil
}

// cancel moves the run to CANCELLED and cancels every job that has not been
// handed to a worker yet. RUNNING jobs are left to report on their own.
func (t *runTxn) cancel(note string) error {
	if err := t.transitionRun(models.CancelledRunStatus, note); err != nil {
		return err
	}
	for i := range t.jobs {
		switch t.jobs[i].Status {
		case models.PendingJobStatus, models.QueuedJobStatus:
			if err := t.transitionJob(&t.jobs[i], models.CancelledJobStatus, JobOutcome{}); err != nil {
				return err
			}
		}
	}
	return nil
}

// settle re-runs the aggregator over the job set, applies its verdict to an
// active run, and persists the derived counters.
func (t *runTxn) settle() error {
	if !t.dirty {
		return nil
	}
	sum := Aggregate(t.jobs, t.policy)
	switch sum.Verdict {
	case VerdictComplete:
		if t.run.Status == models.PendingRunStatus {
			if err := t.transitionRun(models.ActiveRunStatus, "all jobs settled before dispatch"); err != nil {
				return err
			}
		}
		if t.run.Status == models.ActiveRunStatus {
			if err := t.transitionRun(models.CompletedRunStatus, "all jobs finished"); err != nil {
				return err
			}
		}
	case VerdictFail:
		if t.run.Status == models.ActiveRunStatus {
			if err := t.transitionRun(models.FailedRunStatus, "job retries exhausted"); err != nil {
				return err
			}
		}
	}
	sum.apply(&t.run)
	t.run.UpdatedAt = t.now
	if err := t.store.UpdateRun(t.ctx, t.run); err != nil {
		return storeErr("update run", err)
	}
	for i := range t.events {
		t.events[i].Progress = t.run.Progress
	}
	return nil
}
