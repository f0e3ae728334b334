package service

import "github.com/ignatij/campaignflow/pkg/models"

// Verdict is the run-level outcome the aggregator asks the controller to
// apply.
type Verdict int

const (
	VerdictNone Verdict = iota
	VerdictComplete
	VerdictFail
)

func (v Verdict) String() string {
	switch v {
	case VerdictComplete:
		return "complete"
	case VerdictFail:
		return "fail"
	}
	return "none"
}

// RetryPolicy decides whether a FAILED job has used up its retries. Retries
// themselves are always manual; the policy only drives run-level escalation.
type RetryPolicy interface {
	Exhausted(job models.WorkflowJob) bool
}

// MaxRetriesPolicy escalates once a job has failed after Max manual retries.
type MaxRetriesPolicy struct {
	Max int
}

func (p MaxRetriesPolicy) Exhausted(job models.WorkflowJob) bool {
	return job.Status == models.FailedJobStatus && job.RetryCount >= p.Max
}

// Summary is the derived view of a run's job set.
type Summary struct {
	TotalJobs     int
	PendingJobs   int
	QueuedJobs    int
	RunningJobs   int
	SucceededJobs int
	FailedJobs    int
	CancelledJobs int
	Progress      float64
	Verdict       Verdict
}

// Aggregate recomputes a run's counters and progress from its jobs. It has
// no side effects; the controller applies the verdict.
func Aggregate(jobs []models.WorkflowJob, policy RetryPolicy) Summary {
	s := Summary{TotalJobs: len(jobs)}
	exhausted := false
	for _, j := range jobs {
		switch j.Status {
		case models.PendingJobStatus:
			s.PendingJobs++
		case models.QueuedJobStatus:
			s.QueuedJobs++
		case models.RunningJobStatus:
			s.RunningJobs++
		case models.CompletedJobStatus, models.SkippedJobStatus:
			s.SucceededJobs++
		case models.FailedJobStatus:
			s.FailedJobs++
			if policy != nil && policy.Exhausted(j) {
				exhausted = true
			}
		case models.CancelledJobStatus:
			s.CancelledJobs++
		}
	}

	if s.TotalJobs == 0 {
		s.Progress = 1.0
	} else {
		s.Progress = float64(s.SucceededJobs) / float64(s.TotalJobs)
	}

	// Never conclude a run while a worker may still report back.
	switch {
	case s.QueuedJobs+s.RunningJobs > 0:
		s.Verdict = VerdictNone
	case exhausted:
		s.Verdict = VerdictFail
	case s.FailedJobs == 0 && s.PendingJobs == 0:
		s.Verdict = VerdictComplete
	}
	return s
}

// apply copies the derived counters onto the run.
func (s Summary) apply(run *models.WorkflowRun) {
	run.TotalJobs = s.TotalJobs
	run.QueuedJobs = s.QueuedJobs
	run.FailedJobs = s.FailedJobs
	run.Progress = s.Progress
}
