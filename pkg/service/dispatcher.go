package service

import (
	"context"
	"time"

	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/storage"
	"github.com/pkg/errors"
)

const (
	DefaultDispatchInterval = 2 * time.Second
	DefaultDispatchBatch    = 100
)

// SweepResult describes one dispatcher pass.
type SweepResult struct {
	Candidates int
	Promoted   int
	Skipped    int
	Errors     int
	Duration   time.Duration
}

// Dispatcher promotes eligible PENDING jobs to QUEUED. It sweeps on a fixed
// interval and additionally whenever a job finishes or a run becomes ACTIVE.
type Dispatcher struct {
	store      storage.Store
	controller *Controller
	logger     Logger
	interval   time.Duration
	batch      int
	nudge      chan struct{}
	observe    func(SweepResult)
}

type DispatcherOption func(*Dispatcher)

func WithDispatchInterval(d time.Duration) DispatcherOption {
	return func(ds *Dispatcher) {
		if d > 0 {
			ds.interval = d
		}
	}
}

func WithDispatchBatch(n int) DispatcherOption {
	return func(ds *Dispatcher) {
		if n > 0 {
			ds.batch = n
		}
	}
}

// WithSweepObserver is called after every sweep, e.g. to record metrics.
func WithSweepObserver(fn func(SweepResult)) DispatcherOption {
	return func(ds *Dispatcher) { ds.observe = fn }
}

func NewDispatcher(store storage.Store, controller *Controller, logger Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		controller: controller,
		logger:     logger,
		interval:   DefaultDispatchInterval,
		batch:      DefaultDispatchBatch,
		nudge:      make(chan struct{}, 1),
		observe:    func(SweepResult) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish implements EventSink. Finished jobs and newly active runs schedule
// an extra sweep so chained work does not wait for the next tick.
func (d *Dispatcher) Publish(_ context.Context, evt models.Event) {
	switch evt.Type {
	case models.JobTransitionEvent:
		if !models.JobStatus(evt.To).Terminal() {
			return
		}
	case models.RunTransitionEvent:
		if evt.To != string(models.ActiveRunStatus) {
			return
		}
	default:
		return
	}
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Sweep promotes up to one batch of eligible jobs. Eligibility is re-checked
// by the controller under the run lock, so a run paused after the candidate
// read is never dispatched.
func (d *Dispatcher) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var res SweepResult
	defer func() {
		res.Duration = time.Since(start)
		d.observe(res)
	}()

	candidates, err := d.store.ListDispatchable(ctx, d.controller.Now(), d.batch)
	if err != nil {
		res.Errors++
		return res, storeErr("list dispatchable", err)
	}
	res.Candidates = len(candidates)
	for _, job := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		promoted, err := d.controller.DispatchJob(ctx, job.ID)
		switch {
		case err != nil && errors.Is(err, ErrStoreUnavailable):
			res.Errors++
			return res, err
		case err != nil:
			res.Errors++
			d.logger.Errorf("Failed to dispatch job %s of run %s: %v", job.ID, job.RunID, err)
		case promoted:
			res.Promoted++
		default:
			res.Skipped++
		}
	}
	if res.Promoted > 0 {
		d.logger.Debugf("Dispatch sweep promoted %d of %d candidates", res.Promoted, res.Candidates)
	}
	return res, nil
}

// Run sweeps until ctx is cancelled. Sweep errors are logged and the loop
// keeps going; a store outage only delays dispatch.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Infof("Dispatcher started (interval %s, batch %d)", d.interval, d.batch)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		res, err := d.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Errorf("Dispatch sweep failed: %v", err)
		}
		// A full batch means there is probably more to do right away.
		if err == nil && d.batch > 0 && res.Candidates == d.batch && res.Promoted > 0 {
			select {
			case <-ctx.Done():
				d.logger.Infof("Dispatcher stopped")
				return nil
			default:
				continue
			}
		}
		select {
		case <-ctx.Done():
			d.logger.Infof("Dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.nudge:
		}
	}
}
