package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface used by the services.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Controller is the only writer of run and job status. Mutations of one run
// are serialized; mutations of different runs run in parallel.
type Controller struct {
	store    storage.Store
	logger   Logger
	locks    *runLocks
	policy   RetryPolicy
	sinks    []EventSink
	now      func() time.Time
	newID    func() string
	onReject func(kind string)
}

type ControllerOption func(*Controller)

// WithRetryPolicy sets the policy that escalates failed jobs to a FAILED run.
func WithRetryPolicy(p RetryPolicy) ControllerOption {
	return func(c *Controller) { c.policy = p }
}

// WithEventSink registers sinks that receive committed transitions.
func WithEventSink(sinks ...EventSink) ControllerOption {
	return func(c *Controller) { c.sinks = append(c.sinks, sinks...) }
}

func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

func WithIDGenerator(newID func() string) ControllerOption {
	return func(c *Controller) { c.newID = newID }
}

// WithRejectHook is called with the error kind of every rejected mutation.
func WithRejectHook(fn func(kind string)) ControllerOption {
	return func(c *Controller) { c.onReject = fn }
}

func NewController(store storage.Store, logger Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:    store,
		logger:   logger,
		locks:    newRunLocks(),
		policy:   MaxRetriesPolicy{Max: 3},
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		onReject: func(string) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddSink registers an additional event sink. It must be called before the
// controller is used concurrently.
func (c *Controller) AddSink(sink EventSink) {
	c.sinks = append(c.sinks, sink)
}

// Now returns the controller's clock reading.
func (c *Controller) Now() time.Time {
	return c.now()
}

// apply runs fn against the run's working set under the run lock and inside
// a store transaction. Events are published only after a successful commit.
func (c *Controller) apply(ctx context.Context, runID string, fn func(t *runTxn) error) (run models.WorkflowRun, err error) {
	unlock := c.locks.lock(runID)
	defer unlock()

	txStore, err := c.store.Begin(ctx)
	if err != nil {
		return models.WorkflowRun{}, storeErr("begin", err)
	}
	var t *runTxn
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				c.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			c.reject(err)
			run = models.WorkflowRun{}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			c.logger.Errorf("Failed to commit run %s: %v", runID, commitErr)
			err = storeErr("commit", commitErr)
			c.reject(err)
			run = models.WorkflowRun{}
			return
		}
		c.publish(ctx, t.events)
	}()

	if err = txStore.LockRun(ctx, runID); err != nil {
		return models.WorkflowRun{}, storeErr("lock run "+runID, err)
	}
	current, err := txStore.GetRun(ctx, runID)
	if err != nil {
		return models.WorkflowRun{}, storeErr("get run "+runID, err)
	}
	jobs, err := txStore.ListJobs(ctx, runID)
	if err != nil {
		return models.WorkflowRun{}, storeErr("list jobs of run "+runID, err)
	}
	t = &runTxn{
		ctx:    ctx,
		store:  txStore,
		policy: c.policy,
		now:    c.now(),
		run:    current,
		jobs:   jobs,
	}
	if err = fn(t); err != nil {
		return models.WorkflowRun{}, err
	}
	if err = t.settle(); err != nil {
		return models.WorkflowRun{}, err
	}
	return t.run.Clone(), nil
}

func (c *Controller) reject(err error) {
	kind := Kind(err)
	switch kind {
	case KindInvalidTransition, KindInvalidState:
		c.logger.Infof("Rejected: %v", err)
	default:
		c.logger.Errorf("Mutation failed: %v", err)
	}
	c.onReject(kind)
}

func (c *Controller) publish(ctx context.Context, events []models.Event) {
	for _, evt := range events {
		if evt.JobID != "" {
			c.logger.Infof("Job %s (%s) of run %s: %s -> %s", evt.JobID, evt.JobName, evt.RunID, evt.From, evt.To)
		} else {
			c.logger.Infof("Run %s: %s -> %s (progress %.2f)", evt.RunID, evt.From, evt.To, evt.Progress)
		}
		for _, sink := range c.sinks {
			sink.Publish(ctx, evt)
		}
	}
}

// runOf resolves the run a job belongs to. The back-reference is immutable,
// so reading it outside the run lock is safe.
func (c *Controller) runOf(ctx context.Context, jobID string) (string, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return "", storeErr("get job "+jobID, err)
	}
	return job.RunID, nil
}

// TransitionJob moves a job to a new status. Workers report QUEUED->RUNNING
// and the terminal outcomes through it. A FAILED->QUEUED transition is a
// retry: the error is cleared and RetryCount incremented.
func (c *Controller) TransitionJob(ctx context.Context, jobID string, to models.JobStatus, out JobOutcome) (models.WorkflowJob, error) {
	if !to.Valid() {
		return models.WorkflowJob{}, errors.Wrapf(ErrBadRequest, "unknown job status %q", to)
	}
	runID, err := c.runOf(ctx, jobID)
	if err != nil {
		return models.WorkflowJob{}, err
	}
	var updated models.WorkflowJob
	_, err = c.apply(ctx, runID, func(t *runTxn) error {
		j, err := t.job(jobID)
		if err != nil {
			return err
		}
		if err := t.moveJob(j, to, out); err != nil {
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

// TransitionRun moves a run to a new status. COMPLETED requires every job to
// be settled without failures; FAILED requires that no job is in flight;
// CANCELLED cascades to jobs not yet handed to a worker.
func (c *Controller) TransitionRun(ctx context.Context, runID string, to models.RunStatus) (models.WorkflowRun, error) {
	if !to.Valid() {
		return models.WorkflowRun{}, errors.Wrapf(ErrBadRequest, "unknown run status %q", to)
	}
	return c.apply(ctx, runID, func(t *runTxn) error {
		switch to {
		case models.CompletedRunStatus:
			if Aggregate(t.jobs, t.policy).Verdict != VerdictComplete {
				return errors.Wrapf(ErrInvalidTransition, "run %s: jobs are still outstanding or failed", runID)
			}
		case models.FailedRunStatus:
			sum := Aggregate(t.jobs, t.policy)
			if sum.QueuedJobs+sum.RunningJobs > 0 {
				return errors.Wrapf(ErrInvalidTransition, "run %s: %d jobs in flight", runID, sum.QueuedJobs+sum.RunningJobs)
			}
		case models.CancelledRunStatus:
			return t.cancel("cancelled")
		}
		return t.transitionRun(to, "")
	})
}

// DispatchJob promotes a PENDING job to QUEUED if it is still eligible once
// the run lock is held. It reports false without error when the job is no
// longer eligible, e.g. because its run was paused after the sweep read it.
func (c *Controller) DispatchJob(ctx context.Context, jobID string) (bool, error) {
	runID, err := c.runOf(ctx, jobID)
	if err != nil {
		return false, err
	}
	promoted := false
	_, err = c.apply(ctx, runID, func(t *runTxn) error {
		j, err := t.job(jobID)
		if err != nil {
			return err
		}
		if j.Status != models.PendingJobStatus || !t.dispatchable() || !j.DueAt(t.now) {
			return nil
		}
		if err := t.moveJob(j, models.QueuedJobStatus, JobOutcome{}); err != nil {
			return err
		}
		promoted = true
		return nil
	})
	return promoted, err
}

// RunSpec is the expanded job plan handed over by the template expansion
// step. Jobs must already be in dependency order.
type RunSpec struct {
	CampaignRef string         `json:"campaign_ref"`
	TemplateID  *string        `json:"template_id,omitempty"`
	OwnerRef    string         `json:"owner_ref,omitempty"`
	Metadata    models.JSONMap `json:"metadata,omitempty"`
	Jobs        []JobSpec      `json:"jobs"`
}

type JobSpec struct {
	JobName      string     `json:"job_name"`
	QueueName    string     `json:"queue_name"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

func (s RunSpec) validate() error {
	if strings.TrimSpace(s.CampaignRef) == "" {
		return errors.Wrap(ErrBadRequest, "campaign_ref is required")
	}
	for i, j := range s.Jobs {
		if strings.TrimSpace(j.JobName) == "" {
			return errors.Wrapf(ErrBadRequest, "job %d: job_name is required", i)
		}
		if strings.TrimSpace(j.QueueName) == "" {
			return errors.Wrapf(ErrBadRequest, "job %d (%s): queue_name is required", i, j.JobName)
		}
	}
	return nil
}

// CreateRun persists a new run with all of its jobs PENDING. A run without
// jobs is created COMPLETED with progress 1.
func (c *Controller) CreateRun(ctx context.Context, spec RunSpec) (run models.WorkflowRun, err error) {
	if err := spec.validate(); err != nil {
		c.reject(err)
		return models.WorkflowRun{}, err
	}
	now := c.now()
	run = models.WorkflowRun{
		ID:          c.newID(),
		Status:      models.PendingRunStatus,
		CampaignRef: spec.CampaignRef,
		TemplateID:  spec.TemplateID,
		OwnerRef:    spec.OwnerRef,
		Metadata:    spec.Metadata.Clone(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if run.Metadata == nil {
		run.Metadata = models.JSONMap{}
	}
	jobs := make([]models.WorkflowJob, len(spec.Jobs))
	for i, js := range spec.Jobs {
		jobs[i] = models.WorkflowJob{
			ID:           c.newID(),
			RunID:        run.ID,
			Seq:          i,
			Status:       models.PendingJobStatus,
			JobName:      js.JobName,
			QueueName:    js.QueueName,
			ScheduledFor: js.ScheduledFor,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	Aggregate(jobs, c.policy).apply(&run)
	if len(jobs) == 0 {
		run.Status = models.CompletedRunStatus
		run.CompletedAt = &now
	}

	txStore, err := c.store.Begin(ctx)
	if err != nil {
		err = storeErr("begin", err)
		c.reject(err)
		return models.WorkflowRun{}, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				c.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			c.reject(err)
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			c.logger.Errorf("Failed to commit: %v", commitErr)
			err = storeErr("commit", commitErr)
			c.reject(err)
			run = models.WorkflowRun{}
			return
		}
		c.logger.Infof("Created run %s for campaign %s with %d jobs", run.ID, run.CampaignRef, run.TotalJobs)
		c.publish(ctx, []models.Event{{
			Type:     models.RunTransitionEvent,
			RunID:    run.ID,
			To:       string(run.Status),
			Progress: run.Progress,
			At:       now,
		}})
	}()

	if err = txStore.SaveRun(ctx, run); err != nil {
		return models.WorkflowRun{}, storeErr("save run", err)
	}
	for _, j := range jobs {
		if err = txStore.SaveJob(ctx, j); err != nil {
			return models.WorkflowRun{}, storeErr("save job", err)
		}
	}
	err = txStore.SaveTransition(ctx, models.TransitionRecord{
		RunID:    run.ID,
		Entity:   models.RunEntity,
		ToStatus: string(run.Status),
		Message:  "created",
		LoggedAt: now,
	})
	if err != nil {
		return models.WorkflowRun{}, storeErr("save transition", err)
	}
	return run.Clone(), nil
}
