package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

const (
	runColumns = `id, status, progress, campaign_ref, template_id, owner_ref, total_jobs, queued_jobs, failed_jobs,
		metadata, started_at, paused_at, completed_at, created_at, updated_at`
	jobColumns = `id, run_id, seq, status, job_name, queue_name, scheduled_for, error_message, result,
		retry_count, attempts, created_at, updated_at`
)

// Postgres error codes mapped onto storage errors.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin(ctx context.Context) (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.PingContext(ctx)
	}
	return nil
}

// LockRun takes a row lock on the run that is held until the transaction
// ends, so several processes can share one database.
func (s *PostgresStore) LockRun(ctx context.Context, runID string) error {
	var id string
	err := s.db.GetContext(ctx, &id, "SELECT id FROM workflow_runs WHERE id = $1 FOR UPDATE", runID)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	return err
}

func mapWriteErr(err error, what string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return errors.Wrap(storage.ErrAlreadyExists, what)
		case foreignKeyViolation:
			return errors.Wrap(storage.ErrNotFound, what)
		}
	}
	return errors.Wrap(err, what)
}

func expectOne(res sql.Result, err error, what string) error {
	if err != nil {
		return errors.Wrap(err, what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, what)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveRun inserts a new run
func (s *PostgresStore) SaveRun(ctx context.Context, r models.WorkflowRun) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES (:id, :status, :progress, :campaign_ref, :template_id, :owner_ref, :total_jobs, :queued_jobs, :failed_jobs,
			:metadata, :started_at, :paused_at, :completed_at, :created_at, :updated_at)`, r)
	if err != nil {
		return mapWriteErr(err, "save run "+r.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := s.db.GetContext(ctx, &run, "SELECT "+runColumns+" FROM workflow_runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowRun{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowRun{}, errors.Wrapf(err, "get run %s", id)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, status *models.RunStatus) ([]models.WorkflowRun, error) {
	runs := []models.WorkflowRun{}
	query := "SELECT " + runColumns + " FROM workflow_runs"
	args := []interface{}{}
	if status != nil {
		query += " WHERE status = $1"
		args = append(args, *status)
	}
	query += " ORDER BY created_at DESC, id"
	if err := s.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	return runs, nil
}

// UpdateRun overwrites the mutable columns of a run
func (s *PostgresStore) UpdateRun(ctx context.Context, r models.WorkflowRun) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE workflow_runs
		SET status = :status,
		progress = :progress,
		total_jobs = :total_jobs,
		queued_jobs = :queued_jobs,
		failed_jobs = :failed_jobs,
		metadata = :metadata,
		started_at = :started_at,
		paused_at = :paused_at,
		completed_at = :completed_at,
		updated_at = :updated_at
		WHERE id = :id`, r)
	return expectOne(res, err, "update run "+r.ID)
}

// SaveJob inserts a new job within a run
func (s *PostgresStore) SaveJob(ctx context.Context, j models.WorkflowJob) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workflow_jobs (`+jobColumns+`)
		VALUES (:id, :run_id, :seq, :status, :job_name, :queue_name, :scheduled_for, :error_message, :result,
			:retry_count, :attempts, :created_at, :updated_at)`, j)
	if err != nil {
		return mapWriteErr(err, "save job "+j.ID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (models.WorkflowJob, error) {
	var job models.WorkflowJob
	err := s.db.GetContext(ctx, &job, "SELECT "+jobColumns+" FROM workflow_jobs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowJob{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowJob{}, errors.Wrapf(err, "get job %s", id)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, runID string) ([]models.WorkflowJob, error) {
	jobs := []models.WorkflowJob{}
	err := s.db.SelectContext(ctx, &jobs,
		"SELECT "+jobColumns+" FROM workflow_jobs WHERE run_id = $1 ORDER BY created_at, seq", runID)
	if err != nil {
		return nil, errors.Wrapf(err, "list jobs of run %s", runID)
	}
	return jobs, nil
}

// UpdateJob overwrites the mutable columns of a job
func (s *PostgresStore) UpdateJob(ctx context.Context, j models.WorkflowJob) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE workflow_jobs
		SET status = :status,
		error_message = :error_message,
		result = :result,
		retry_count = :retry_count,
		attempts = :attempts,
		updated_at = :updated_at
		WHERE id = :id`, j)
	return expectOne(res, err, "update job "+j.ID)
}

func (s *PostgresStore) ListDispatchable(ctx context.Context, now time.Time, limit int) ([]models.WorkflowJob, error) {
	jobs := []models.WorkflowJob{}
	query := `
		SELECT ` + prefixed("j", jobColumns) + `
		FROM workflow_jobs j
		JOIN workflow_runs r ON r.id = j.run_id
		WHERE j.status = $1
		AND (j.scheduled_for IS NULL OR j.scheduled_for <= $2)
		AND r.status IN ($3, $4)
		ORDER BY j.created_at, j.run_id, j.seq`
	args := []interface{}{models.PendingJobStatus, now, models.PendingRunStatus, models.ActiveRunStatus}
	if limit > 0 {
		query += " LIMIT $5"
		args = append(args, limit)
	}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, errors.Wrap(err, "list dispatchable jobs")
	}
	return jobs, nil
}

func (s *PostgresStore) ListQueued(ctx context.Context, queues []string, limit int) ([]models.WorkflowJob, error) {
	jobs := []models.WorkflowJob{}
	query := `
		SELECT ` + jobColumns + `
		FROM workflow_jobs
		WHERE status = $1 AND queue_name = ANY($2)
		ORDER BY updated_at, id`
	args := []interface{}{models.QueuedJobStatus, pq.Array(queues)}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, errors.Wrap(err, "list queued jobs")
	}
	return jobs, nil
}

// SaveTransition appends an entry to the audit log
func (s *PostgresStore) SaveTransition(ctx context.Context, rec models.TransitionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transition_log (run_id, job_id, entity, from_status, to_status, message, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.RunID, rec.JobID, rec.Entity, rec.FromStatus, rec.ToStatus, rec.Message, rec.LoggedAt)
	if err != nil {
		return mapWriteErr(err, "save transition")
	}
	return nil
}

func (s *PostgresStore) ListTransitions(ctx context.Context, runID string) ([]models.TransitionRecord, error) {
	records := []models.TransitionRecord{}
	err := s.db.SelectContext(ctx, &records, `
		SELECT id, run_id, job_id, entity, from_status, to_status, message, logged_at
		FROM transition_log WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "list transitions of run %s", runID)
	}
	return records, nil
}
