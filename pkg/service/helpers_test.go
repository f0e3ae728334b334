package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/service"
	"github.com/ignatij/campaignflow/pkg/storage"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Debugf(format string, args ...interface{}) {
	// no-op
}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(_ context.Context, evt models.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

func (r *recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type env struct {
	store      *storage.MemoryStore
	clock      *clock
	events     *recorder
	controller *service.Controller
	control    *service.ControlService
	dispatcher *service.Dispatcher
	rejects    []string
	rejectsMu  sync.Mutex
}

func newEnv(t *testing.T, opts ...service.ControllerOption) *env {
	t.Helper()
	e := &env{
		store:  storage.NewMemoryStore(),
		clock:  newClock(),
		events: &recorder{},
	}
	var seq int
	var seqMu sync.Mutex
	base := []service.ControllerOption{
		service.WithClock(e.clock.Now),
		service.WithIDGenerator(func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
		service.WithEventSink(e.events),
		service.WithRejectHook(func(kind string) {
			e.rejectsMu.Lock()
			e.rejects = append(e.rejects, kind)
			e.rejectsMu.Unlock()
		}),
	}
	e.controller = service.NewController(e.store, logger{}, append(base, opts...)...)
	e.control = service.NewControlService(e.store, e.controller, logger{})
	e.dispatcher = service.NewDispatcher(e.store, e.controller, logger{})
	return e
}

// createRun creates a run and returns its jobs keyed by job name.
func (e *env) createRun(t *testing.T, jobs ...service.JobSpec) (models.WorkflowRun, map[string]models.WorkflowJob) {
	t.Helper()
	run, err := e.controller.CreateRun(context.Background(), service.RunSpec{
		CampaignRef: "campaign-1",
		OwnerRef:    "user-1",
		Jobs:        jobs,
	})
	require.NoError(t, err)
	return run, e.jobs(t, run.ID)
}

func (e *env) jobs(t *testing.T, runID string) map[string]models.WorkflowJob {
	t.Helper()
	list, err := e.store.ListJobs(context.Background(), runID)
	require.NoError(t, err)
	byName := make(map[string]models.WorkflowJob, len(list))
	for _, j := range list {
		byName[j.JobName] = j
	}
	return byName
}

func (e *env) run(t *testing.T, runID string) models.WorkflowRun {
	t.Helper()
	run, err := e.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func (e *env) job(t *testing.T, jobID string) models.WorkflowJob {
	t.Helper()
	job, err := e.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

// report moves a job through the given statuses, failing the test on error.
func (e *env) report(t *testing.T, jobID string, statuses ...models.JobStatus) {
	t.Helper()
	for _, st := range statuses {
		out := service.JobOutcome{}
		if st == models.FailedJobStatus {
			out.ErrorMessage = "boom"
		}
		_, err := e.controller.TransitionJob(context.Background(), jobID, st, out)
		require.NoError(t, err, "transition %s -> %s", jobID, st)
	}
}

func job(name, queue string) service.JobSpec {
	return service.JobSpec{JobName: name, QueueName: queue}
}
