package storage_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	internal_storage "github.com/ignatij/campaignflow/internal/storage"
	"github.com/ignatij/campaignflow/internal/testutil"
	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/service"
	"github.com/ignatij/campaignflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Debugf(format string, args ...interface{}) {}
func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t, "../../migrations")
	defer testDB.Teardown(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		txStore, err := store.Begin(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore.(*internal_storage.PostgresStore)
	}

	newRun := func(id string, status models.RunStatus, createdAt time.Time) models.WorkflowRun {
		return models.WorkflowRun{
			ID:          id,
			Status:      status,
			CampaignRef: "campaign-" + id,
			OwnerRef:    "user-1",
			Metadata:    models.JSONMap{"channel": "instagram"},
			CreatedAt:   createdAt,
			UpdatedAt:   createdAt,
		}
	}
	newJob := func(id, runID string, seq int, queue string) models.WorkflowJob {
		return models.WorkflowJob{
			ID:        id,
			RunID:     runID,
			Seq:       seq,
			Status:    models.PendingJobStatus,
			JobName:   "job-" + id,
			QueueName: queue,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	t.Run("SaveAndGetRun", func(t *testing.T) {
		store := newTxStore(t)
		templateID := "tpl-launch"
		run := newRun("r1", models.PendingRunStatus, now)
		run.TemplateID = &templateID
		require.NoError(t, store.SaveRun(ctx, run))

		saved, err := store.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, run.CampaignRef, saved.CampaignRef)
		assert.Equal(t, models.PendingRunStatus, saved.Status)
		require.NotNil(t, saved.TemplateID)
		assert.Equal(t, templateID, *saved.TemplateID)
		assert.Equal(t, "instagram", saved.Metadata["channel"])
		assert.True(t, run.CreatedAt.Equal(saved.CreatedAt))
		assert.Nil(t, saved.StartedAt)

		err = store.SaveRun(ctx, run)
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	})

	t.Run("GetNonExistingRun", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		err = store.LockRun(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		err = store.UpdateRun(ctx, newRun("missing", models.ActiveRunStatus, now))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateRun", func(t *testing.T) {
		store := newTxStore(t)
		run := newRun("r1", models.PendingRunStatus, now)
		require.NoError(t, store.SaveRun(ctx, run))

		started := now.Add(time.Minute)
		run.Status = models.ActiveRunStatus
		run.StartedAt = &started
		run.Progress = 0.5
		run.TotalJobs = 2
		run.QueuedJobs = 1
		require.NoError(t, store.UpdateRun(ctx, run))

		updated, err := store.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, models.ActiveRunStatus, updated.Status)
		assert.Equal(t, 0.5, updated.Progress)
		assert.Equal(t, 1, updated.QueuedJobs)
		require.NotNil(t, updated.StartedAt)
		assert.True(t, started.Equal(*updated.StartedAt))
	})

	t.Run("ListRunsNewestFirstWithFilter", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveRun(ctx, newRun("old", models.ActiveRunStatus, now.Add(-2*time.Hour))))
		require.NoError(t, store.SaveRun(ctx, newRun("mid", models.PausedRunStatus, now.Add(-time.Hour))))
		require.NoError(t, store.SaveRun(ctx, newRun("new", models.ActiveRunStatus, now)))

		runs, err := store.ListRuns(ctx, nil)
		require.NoError(t, err)
		require.Len(t, runs, 3)
		assert.Equal(t, "new", runs[0].ID)
		assert.Equal(t, "mid", runs[1].ID)
		assert.Equal(t, "old", runs[2].ID)

		active := models.ActiveRunStatus
		runs, err = store.ListRuns(ctx, &active)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "new", runs[0].ID)
	})

	t.Run("JobsRoundTrip", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveRun(ctx, newRun("r1", models.ActiveRunStatus, now)))
		require.NoError(t, store.SaveJob(ctx, newJob("j2", "r1", 1, "content")))
		require.NoError(t, store.SaveJob(ctx, newJob("j1", "r1", 0, "images")))

		jobs, err := store.ListJobs(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "j1", jobs[0].ID, "ordered by creation time then seq")

		j := jobs[0]
		j.Status = models.CompletedJobStatus
		j.Result = models.Payload(`{"images":["a.png"]}`)
		j.Attempts = 1
		require.NoError(t, store.UpdateJob(ctx, j))
		got, err := store.GetJob(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, models.CompletedJobStatus, got.Status)
		assert.JSONEq(t, `{"images":["a.png"]}`, string(got.Result))

		empty, err := store.GetJob(ctx, "j2")
		require.NoError(t, err)
		assert.Nil(t, empty.Result)

		// A failed statement aborts the transaction, so this goes last.
		err = store.SaveJob(ctx, newJob("orphan", "missing", 0, "images"))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListDispatchable", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveRun(ctx, newRun("active", models.ActiveRunStatus, now)))
		require.NoError(t, store.SaveRun(ctx, newRun("paused", models.PausedRunStatus, now)))
		due := newJob("due", "active", 0, "q")
		later := now.Add(time.Hour)
		scheduled := newJob("scheduled", "active", 1, "q")
		scheduled.ScheduledFor = &later
		require.NoError(t, store.SaveJob(ctx, due))
		require.NoError(t, store.SaveJob(ctx, scheduled))
		require.NoError(t, store.SaveJob(ctx, newJob("held", "paused", 0, "q")))

		jobs, err := store.ListDispatchable(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "due", jobs[0].ID)

		jobs, err = store.ListDispatchable(ctx, later, 0)
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
	})

	t.Run("ListQueued", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveRun(ctx, newRun("r1", models.ActiveRunStatus, now)))
		for i, q := range []string{"images", "content", "social"} {
			j := newJob(fmt.Sprintf("j%d", i), "r1", i, q)
			j.Status = models.QueuedJobStatus
			j.UpdatedAt = now.Add(time.Duration(i) * time.Second)
			require.NoError(t, store.SaveJob(ctx, j))
		}
		jobs, err := store.ListQueued(ctx, []string{"social", "images"}, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "images", jobs[0].QueueName)
		assert.Equal(t, "social", jobs[1].QueueName)
	})

	t.Run("Transitions", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveRun(ctx, newRun("r1", models.ActiveRunStatus, now)))
		require.NoError(t, store.SaveJob(ctx, newJob("j1", "r1", 0, "q")))
		jobID := "j1"
		require.NoError(t, store.SaveTransition(ctx, models.TransitionRecord{RunID: "r1", Entity: models.RunEntity, ToStatus: "PENDING", Message: "created", LoggedAt: now}))
		require.NoError(t, store.SaveTransition(ctx, models.TransitionRecord{RunID: "r1", JobID: &jobID, Entity: models.JobEntity, FromStatus: "PENDING", ToStatus: "QUEUED", LoggedAt: now}))

		recs, err := store.ListTransitions(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Nil(t, recs[0].JobID)
		require.NotNil(t, recs[1].JobID)
		assert.Equal(t, "j1", *recs[1].JobID)
		assert.Less(t, recs[0].ID, recs[1].ID)
	})
}

// Two controllers in separate "processes" share one database; the row lock
// keeps their updates to the same run serialized.
func TestPostgresStore_SharedRunAcrossControllers(t *testing.T) {
	testDB := testutil.SetupTestDB(t, "../../migrations")
	defer testDB.Teardown(t)
	ctx := context.Background()

	store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
	require.NoError(t, err)
	defer store.Close()

	a := service.NewController(store, logger{})
	b := service.NewController(store, logger{})

	specs := make([]service.JobSpec, 20)
	for i := range specs {
		specs[i] = service.JobSpec{JobName: fmt.Sprintf("post-%d", i), QueueName: "social"}
	}
	run, err := a.CreateRun(ctx, service.RunSpec{CampaignRef: "campaign-1", Jobs: specs})
	require.NoError(t, err)

	jobs, err := store.ListJobs(ctx, run.ID)
	require.NoError(t, err)
	for _, j := range jobs {
		promoted, err := a.DispatchJob(ctx, j.ID)
		require.NoError(t, err)
		require.True(t, promoted)
	}

	var wg sync.WaitGroup
	for i, j := range jobs {
		ctrl := a
		if i%2 == 1 {
			ctrl = b
		}
		wg.Add(1)
		go func(ctrl *service.Controller, id string) {
			defer wg.Done()
			_, err := ctrl.TransitionJob(ctx, id, models.RunningJobStatus, service.JobOutcome{})
			assert.NoError(t, err)
			_, err = ctrl.TransitionJob(ctx, id, models.CompletedJobStatus, service.JobOutcome{})
			assert.NoError(t, err)
		}(ctrl, j.ID)
	}
	wg.Wait()

	final, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedRunStatus, final.Status)
	assert.Equal(t, 1.0, final.Progress)
	assert.Equal(t, 20, final.TotalJobs)
	assert.Equal(t, 0, final.QueuedJobs)

	history, err := store.ListTransitions(ctx, run.ID)
	require.NoError(t, err)
	// created + run activation + completion, and three per job
	assert.Len(t, history, 3+3*len(jobs))
}
