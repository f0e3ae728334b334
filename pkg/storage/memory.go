package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/pkg/errors"
)

var errTxDone = errors.New("transaction already committed or rolled back")

type memData struct {
	mu          sync.RWMutex
	runs        map[string]models.WorkflowRun
	jobs        map[string]models.WorkflowJob
	transitions []models.TransitionRecord
	nextLogID   int64
	writeErr    error
}

// memTx buffers writes until Commit. Reads see the buffered writes layered
// over the committed data.
type memTx struct {
	runs        map[string]models.WorkflowRun
	jobs        map[string]models.WorkflowJob
	transitions []models.TransitionRecord
	done        bool
}

// MemoryStore implements Store in memory. It is used by unit tests, the
// examples and `serve --memory`. Safe for concurrent use.
type MemoryStore struct {
	data *memData
	tx   *memTx
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		runs: make(map[string]models.WorkflowRun),
		jobs: make(map[string]models.WorkflowJob),
	}}
}

// FailWrites makes every subsequent write and commit return err, simulating
// an unavailable store. Pass nil to recover.
func (m *MemoryStore) FailWrites(err error) {
	m.data.mu.Lock()
	m.data.writeErr = err
	m.data.mu.Unlock()
}

func (m *MemoryStore) Begin(_ context.Context) (Store, error) {
	if m.tx != nil {
		return nil, errors.New("cannot begin: already in a transaction")
	}
	return &MemoryStore{data: m.data, tx: &memTx{
		runs: make(map[string]models.WorkflowRun),
		jobs: make(map[string]models.WorkflowJob),
	}}, nil
}

func (m *MemoryStore) Commit() error {
	if m.tx == nil {
		return errors.New("cannot commit: not a transaction")
	}
	if m.tx.done {
		return errTxDone
	}
	m.tx.done = true

	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if m.data.writeErr != nil {
		return m.data.writeErr
	}
	for id, r := range m.tx.runs {
		m.data.runs[id] = r
	}
	for id, j := range m.tx.jobs {
		m.data.jobs[id] = j
	}
	for _, rec := range m.tx.transitions {
		m.data.nextLogID++
		rec.ID = m.data.nextLogID
		m.data.transitions = append(m.data.transitions, rec)
	}
	return nil
}

func (m *MemoryStore) Rollback() error {
	if m.tx == nil {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.tx.done {
		return errTxDone
	}
	m.tx.done = true
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// LockRun is a no-op: callers serialize per run in process.
func (m *MemoryStore) LockRun(ctx context.Context, runID string) error {
	_, err := m.GetRun(ctx, runID)
	return err
}

func (m *MemoryStore) checkWritable() error {
	if m.tx != nil && m.tx.done {
		return errTxDone
	}
	if m.data.writeErr != nil {
		return m.data.writeErr
	}
	return nil
}

func (m *MemoryStore) lookupRun(id string) (models.WorkflowRun, bool) {
	if m.tx != nil {
		if r, ok := m.tx.runs[id]; ok {
			return r, true
		}
	}
	r, ok := m.data.runs[id]
	return r, ok
}

func (m *MemoryStore) lookupJob(id string) (models.WorkflowJob, bool) {
	if m.tx != nil {
		if j, ok := m.tx.jobs[id]; ok {
			return j, true
		}
	}
	j, ok := m.data.jobs[id]
	return j, ok
}

// allJobs must be called with data.mu held.
func (m *MemoryStore) allJobs() []models.WorkflowJob {
	out := make([]models.WorkflowJob, 0, len(m.data.jobs))
	for id, j := range m.data.jobs {
		if m.tx != nil {
			if override, ok := m.tx.jobs[id]; ok {
				j = override
			}
		}
		out = append(out, j.Clone())
	}
	if m.tx != nil {
		for id, j := range m.tx.jobs {
			if _, ok := m.data.jobs[id]; !ok {
				out = append(out, j.Clone())
			}
		}
	}
	return out
}

func sortJobs(jobs []models.WorkflowJob) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		if jobs[i].RunID != jobs[k].RunID {
			return jobs[i].RunID < jobs[k].RunID
		}
		return jobs[i].Seq < jobs[k].Seq
	})
}

func (m *MemoryStore) SaveRun(_ context.Context, r models.WorkflowRun) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if err := m.checkWritable(); err != nil {
		return err
	}
	if _, exists := m.lookupRun(r.ID); exists {
		return errors.Wrapf(ErrAlreadyExists, "run %s", r.ID)
	}
	if m.tx != nil {
		m.tx.runs[r.ID] = r.Clone()
		return nil
	}
	m.data.runs[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (models.WorkflowRun, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	r, ok := m.lookupRun(id)
	if !ok {
		return models.WorkflowRun{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRuns(_ context.Context, status *models.RunStatus) ([]models.WorkflowRun, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	seen := make(map[string]struct{})
	runs := []models.WorkflowRun{}
	add := func(r models.WorkflowRun) {
		if _, dup := seen[r.ID]; dup {
			return
		}
		seen[r.ID] = struct{}{}
		if status != nil && r.Status != *status {
			return
		}
		runs = append(runs, r.Clone())
	}
	if m.tx != nil {
		for _, r := range m.tx.runs {
			add(r)
		}
	}
	for _, r := range m.data.runs {
		add(r)
	}
	sort.SliceStable(runs, func(i, k int) bool {
		if !runs[i].CreatedAt.Equal(runs[k].CreatedAt) {
			return runs[i].CreatedAt.After(runs[k].CreatedAt)
		}
		return runs[i].ID < runs[k].ID
	})
	return runs, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, r models.WorkflowRun) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if err := m.checkWritable(); err != nil {
		return err
	}
	if _, ok := m.lookupRun(r.ID); !ok {
		return ErrNotFound
	}
	if m.tx != nil {
		m.tx.runs[r.ID] = r.Clone()
		return nil
	}
	m.data.runs[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) SaveJob(_ context.Context, j models.WorkflowJob) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if err := m.checkWritable(); err != nil {
		return err
	}
	if _, exists := m.lookupJob(j.ID); exists {
		return errors.Wrapf(ErrAlreadyExists, "job %s", j.ID)
	}
	if _, ok := m.lookupRun(j.RunID); !ok {
		return errors.Wrapf(ErrNotFound, "run %s for job %s", j.RunID, j.ID)
	}
	if m.tx != nil {
		m.tx.jobs[j.ID] = j.Clone()
		return nil
	}
	m.data.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (models.WorkflowJob, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	j, ok := m.lookupJob(id)
	if !ok {
		return models.WorkflowJob{}, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, runID string) ([]models.WorkflowJob, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	jobs := []models.WorkflowJob{}
	for _, j := range m.allJobs() {
		if j.RunID == runID {
			jobs = append(jobs, j)
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, j models.WorkflowJob) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if err := m.checkWritable(); err != nil {
		return err
	}
	if _, ok := m.lookupJob(j.ID); !ok {
		return ErrNotFound
	}
	if m.tx != nil {
		m.tx.jobs[j.ID] = j.Clone()
		return nil
	}
	m.data.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryStore) ListDispatchable(_ context.Context, now time.Time, limit int) ([]models.WorkflowJob, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	jobs := []models.WorkflowJob{}
	for _, j := range m.allJobs() {
		if j.Status != models.PendingJobStatus || !j.DueAt(now) {
			continue
		}
		r, ok := m.lookupRun(j.RunID)
		if !ok || (r.Status != models.PendingRunStatus && r.Status != models.ActiveRunStatus) {
			continue
		}
		jobs = append(jobs, j)
	}
	sortJobs(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MemoryStore) ListQueued(_ context.Context, queues []string, limit int) ([]models.WorkflowJob, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}
	jobs := []models.WorkflowJob{}
	for _, j := range m.allJobs() {
		if j.Status != models.QueuedJobStatus {
			continue
		}
		if _, ok := queueSet[j.QueueName]; !ok {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].UpdatedAt.Equal(jobs[k].UpdatedAt) {
			return jobs[i].UpdatedAt.Before(jobs[k].UpdatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MemoryStore) SaveTransition(_ context.Context, rec models.TransitionRecord) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if err := m.checkWritable(); err != nil {
		return err
	}
	if m.tx != nil {
		m.tx.transitions = append(m.tx.transitions, rec)
		return nil
	}
	m.data.nextLogID++
	rec.ID = m.data.nextLogID
	m.data.transitions = append(m.data.transitions, rec)
	return nil
}

func (m *MemoryStore) ListTransitions(_ context.Context, runID string) ([]models.TransitionRecord, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	out := []models.TransitionRecord{}
	for _, rec := range m.data.transitions {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	if m.tx != nil {
		for _, rec := range m.tx.transitions {
			if rec.RunID == runID {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}
