package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_Sweep(t *testing.T) {
	ctx := context.Background()

	t.Run("RespectsScheduleAndRunState", func(t *testing.T) {
		e := newEnv(t)
		later := e.clock.Now().Add(time.Hour)
		active, activeJobs := e.createRun(t, job("now", "q"), service.JobSpec{JobName: "later", QueueName: "q", ScheduledFor: &later})
		paused, pausedJobs := e.createRun(t, job("held", "q"))
		cancelled, cancelledJobs := e.createRun(t, job("dropped", "q"))
		_, err := e.control.PauseRun(ctx, paused.ID)
		require.NoError(t, err)
		_, err = e.control.CancelRun(ctx, cancelled.ID)
		require.NoError(t, err)

		res, err := e.dispatcher.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Candidates)
		assert.Equal(t, 1, res.Promoted)

		assert.Equal(t, models.QueuedJobStatus, e.job(t, activeJobs["now"].ID).Status)
		assert.Equal(t, models.PendingJobStatus, e.job(t, activeJobs["later"].ID).Status)
		assert.Equal(t, models.PendingJobStatus, e.job(t, pausedJobs["held"].ID).Status)
		assert.Equal(t, models.CancelledJobStatus, e.job(t, cancelledJobs["dropped"].ID).Status)
		assert.Equal(t, models.ActiveRunStatus, e.run(t, active.ID).Status)
	})

	t.Run("DoesNotDoubleDispatch", func(t *testing.T) {
		e := newEnv(t)
		_, jobs := e.createRun(t, job("a", "q"))
		promoted, err := e.controller.DispatchJob(ctx, jobs["a"].ID)
		require.NoError(t, err)
		assert.True(t, promoted)

		promoted, err = e.controller.DispatchJob(ctx, jobs["a"].ID)
		require.NoError(t, err)
		assert.False(t, promoted)
		history, err := e.control.History(ctx, jobs["a"].RunID)
		require.NoError(t, err)
		queued := 0
		for _, h := range history {
			if h.ToStatus == string(models.QueuedJobStatus) {
				queued++
			}
		}
		assert.Equal(t, 1, queued)
	})

	t.Run("BatchLimit", func(t *testing.T) {
		e := newEnv(t)
		specs := make([]service.JobSpec, 5)
		for i := range specs {
			specs[i] = job(fmt.Sprintf("job-%d", i), "q")
		}
		run, _ := e.createRun(t, specs...)
		d := service.NewDispatcher(e.store, e.controller, logger{}, service.WithDispatchBatch(2))

		res, err := d.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Promoted)
		assert.Equal(t, 2, e.run(t, run.ID).QueuedJobs)

		jobs := e.jobs(t, run.ID)
		assert.Equal(t, models.QueuedJobStatus, jobs["job-0"].Status, "oldest first")
		assert.Equal(t, models.QueuedJobStatus, jobs["job-1"].Status)
		assert.Equal(t, models.PendingJobStatus, jobs["job-2"].Status)
	})

	t.Run("StoreUnavailable", func(t *testing.T) {
		e := newEnv(t)
		_, _ = e.createRun(t, job("a", "q"))
		var observed []service.SweepResult
		d := service.NewDispatcher(e.store, e.controller, logger{}, service.WithSweepObserver(func(r service.SweepResult) {
			observed = append(observed, r)
		}))
		e.store.FailWrites(errors.New("disk full"))
		_, err := d.Sweep(ctx)
		assert.ErrorIs(t, err, service.ErrStoreUnavailable)
		require.Len(t, observed, 1)
		assert.Equal(t, 1, observed[0].Errors)
	})
}

func TestDispatcher_Run(t *testing.T) {
	e := newEnv(t)
	d := service.NewDispatcher(e.store, e.controller, logger{}, service.WithDispatchInterval(time.Hour))
	e.controller.AddSink(d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// The first sweep happens immediately; later ones are triggered by the
	// resume nudge rather than the hour-long ticker.
	run, jobs := e.createRun(t, job("a", "q"))
	_, err := e.control.PauseRun(context.Background(), run.ID)
	require.NoError(t, err)
	_, err = e.control.ResumeRun(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return e.job(t, jobs["a"].ID).Status == models.QueuedJobStatus
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on cancellation")
	}
}
