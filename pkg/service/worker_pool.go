package service

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/storage"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of job execution spans.
const tracerName = "github.com/ignatij/campaignflow"

const (
	// default job timeout is 1m
	DefaultJobTimeout = 60 * time.Second
	// default poll interval for QUEUED jobs
	DefaultPollInterval = 500 * time.Millisecond
)

// JobHandler executes the body of a job and returns its result payload.
type JobHandler func(ctx context.Context, job models.WorkflowJob) (models.Payload, error)

// WorkerPool is an in-process worker: it pulls QUEUED jobs from the queues it
// has handlers for, claims them (QUEUED->RUNNING) and reports the outcome
// through the controller. Any number of pools may share a store; a claim lost
// to another worker is skipped.
type WorkerPool struct {
	store        storage.Store
	controller   *Controller
	logger       Logger
	handlers     map[string]JobHandler
	inflight     map[string]struct{}
	jobChan      chan models.WorkflowJob
	timeout      time.Duration
	pollInterval time.Duration
	tracer       trace.Tracer
	mu           sync.RWMutex
	wg           sync.WaitGroup
	pollWg       sync.WaitGroup
	stop         context.CancelFunc
}

type WorkerPoolOption func(*WorkerPool)

func WithJobTimeout(d time.Duration) WorkerPoolOption {
	return func(wp *WorkerPool) {
		if d > 0 {
			wp.timeout = d
		}
	}
}

func WithPollInterval(d time.Duration) WorkerPoolOption {
	return func(wp *WorkerPool) {
		if d > 0 {
			wp.pollInterval = d
		}
	}
}

// WithTracer sets the tracer used for job execution spans. Without it the
// global provider is used, which is a no-op unless one is installed.
func WithTracer(tracer trace.Tracer) WorkerPoolOption {
	return func(wp *WorkerPool) { wp.tracer = tracer }
}

func NewWorkerPool(store storage.Store, controller *Controller, logger Logger, opts ...WorkerPoolOption) *WorkerPool {
	wp := &WorkerPool{
		store:        store,
		controller:   controller,
		logger:       logger,
		handlers:     make(map[string]JobHandler),
		inflight:     make(map[string]struct{}),
		timeout:      DefaultJobTimeout,
		pollInterval: DefaultPollInterval,
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(wp)
	}
	return wp
}

// Register binds a handler to a queue name.
func (wp *WorkerPool) Register(queue string, handler JobHandler) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.handlers[queue] = handler
}

func (wp *WorkerPool) queues() []string {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	queues := make([]string, 0, len(wp.handlers))
	for q := range wp.handlers {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}

// InFlight returns the number of jobs currently handed to workers.
func (wp *WorkerPool) InFlight() int {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return len(wp.inflight)
}

// Start begins polling with the specified number of workers
func (wp *WorkerPool) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	pollCtx, cancel := context.WithCancel(ctx)
	wp.stop = cancel
	wp.jobChan = make(chan models.WorkflowJob, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx)
	}
	wp.pollWg.Add(1)
	go wp.poll(pollCtx)
}

// Stop stops polling and waits for the jobs already claimed to be reported.
func (wp *WorkerPool) Stop() {
	if wp.stop == nil {
		return
	}
	wp.stop()
	wp.pollWg.Wait()
	close(wp.jobChan)
	wp.wg.Wait()
	wp.stop = nil
}

func (wp *WorkerPool) poll(ctx context.Context) {
	defer wp.pollWg.Done()
	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()
	for {
		wp.fill(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fill hands QUEUED jobs to idle workers without blocking on a full channel.
func (wp *WorkerPool) fill(ctx context.Context) {
	queues := wp.queues()
	if len(queues) == 0 {
		return
	}
	jobs, err := wp.store.ListQueued(ctx, queues, cap(wp.jobChan))
	if err != nil {
		if ctx.Err() == nil {
			wp.logger.Errorf("Failed to list queued jobs: %v", err)
		}
		return
	}
	for _, job := range jobs {
		wp.mu.Lock()
		if _, busy := wp.inflight[job.ID]; busy {
			wp.mu.Unlock()
			continue
		}
		wp.inflight[job.ID] = struct{}{}
		wp.mu.Unlock()

		select {
		case wp.jobChan <- job:
		case <-ctx.Done():
			wp.release(job.ID)
			return
		default:
			wp.release(job.ID)
			return
		}
	}
}

func (wp *WorkerPool) release(jobID string) {
	wp.mu.Lock()
	delete(wp.inflight, jobID)
	wp.mu.Unlock()
}

func (wp *WorkerPool) worker(ctx context.Context) {
	defer wp.wg.Done()
	for job := range wp.jobChan {
		wp.executeJob(ctx, job)
		wp.release(job.ID)
	}
}

func (wp *WorkerPool) executeJob(ctx context.Context, job models.WorkflowJob) {
	claimed, err := wp.controller.TransitionJob(ctx, job.ID, models.RunningJobStatus, JobOutcome{})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			wp.logger.Debugf("Job %s already claimed or cancelled, skipping", job.ID)
			return
		}
		wp.logger.Errorf("Failed to claim job %s: %v", job.ID, err)
		return
	}

	wp.mu.RLock()
	handler, ok := wp.handlers[claimed.QueueName]
	wp.mu.RUnlock()
	if !ok {
		wp.report(ctx, claimed, nil, fmt.Errorf("no handler registered for queue %s", claimed.QueueName))
		return
	}

	// Claimed work runs to completion even when the pool is shutting down;
	// only the job timeout bounds it.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wp.timeout)
	defer cancel()

	execCtx, span := wp.tracer.Start(execCtx, "campaignflow.job.execute",
		trace.WithAttributes(
			attribute.String("campaignflow.job.id", claimed.ID),
			attribute.String("campaignflow.job.name", claimed.JobName),
			attribute.String("campaignflow.queue", claimed.QueueName),
			attribute.String("campaignflow.run.id", claimed.RunID),
			attribute.Int("campaignflow.retry_count", claimed.RetryCount),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	wp.logger.Infof("Starting job %s (%s) attempt %d", claimed.ID, claimed.JobName, claimed.Attempts)
	result, jobErr := wp.run(execCtx, handler, claimed)
	if jobErr == nil && execCtx.Err() != nil {
		jobErr = execCtx.Err()
	}
	if jobErr != nil {
		span.RecordError(jobErr)
		span.SetStatus(codes.Error, jobErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	wp.report(ctx, claimed, result, jobErr)
}

func (wp *WorkerPool) run(ctx context.Context, handler JobHandler, job models.WorkflowJob) (result models.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return handler(ctx, job)
}

func (wp *WorkerPool) report(ctx context.Context, job models.WorkflowJob, result models.Payload, jobErr error) {
	to := models.CompletedJobStatus
	out := JobOutcome{Result: result}
	if jobErr != nil {
		to = models.FailedJobStatus
		out = JobOutcome{ErrorMessage: jobErr.Error()}
		wp.logger.Infof("Job %s (%s) failed: %v", job.ID, job.JobName, jobErr)
	} else {
		wp.logger.Infof("Job %s (%s) completed successfully", job.ID, job.JobName)
	}
	if _, err := wp.controller.TransitionJob(context.WithoutCancel(ctx), job.ID, to, out); err != nil {
		wp.logger.Errorf("Failed to update job %s status to %s: %v", job.ID, to, err)
	}
}
