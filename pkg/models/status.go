package models

import (
	"encoding/json"
	"fmt"
)

type RunStatus string

const (
	PendingRunStatus   RunStatus = "PENDING"
	ActiveRunStatus    RunStatus = "ACTIVE"
	PausedRunStatus    RunStatus = "PAUSED"
	CompletedRunStatus RunStatus = "COMPLETED"
	FailedRunStatus    RunStatus = "FAILED"
	CancelledRunStatus RunStatus = "CANCELLED"
)

type JobStatus string

const (
	PendingJobStatus   JobStatus = "PENDING"
	QueuedJobStatus    JobStatus = "QUEUED"
	RunningJobStatus   JobStatus = "RUNNING"
	CompletedJobStatus JobStatus = "COMPLETED"
	FailedJobStatus    JobStatus = "FAILED"
	CancelledJobStatus JobStatus = "CANCELLED"
	SkippedJobStatus   JobStatus = "SKIPPED"
)

// runTransitions lists every legal run status change. FAILED -> ACTIVE is
// only taken when a failed job of the run is retried.
var runTransitions = map[RunStatus][]RunStatus{
	PendingRunStatus: {ActiveRunStatus, PausedRunStatus, CancelledRunStatus},
	ActiveRunStatus:  {PausedRunStatus, CompletedRunStatus, FailedRunStatus, CancelledRunStatus},
	PausedRunStatus:  {ActiveRunStatus, CancelledRunStatus},
	FailedRunStatus:  {ActiveRunStatus},
}

// jobTransitions lists every legal job status change. FAILED -> QUEUED is the
// retry path.
var jobTransitions = map[JobStatus][]JobStatus{
	PendingJobStatus: {QueuedJobStatus, CancelledJobStatus, SkippedJobStatus},
	QueuedJobStatus:  {RunningJobStatus, CancelledJobStatus},
	RunningJobStatus: {CompletedJobStatus, FailedJobStatus, CancelledJobStatus},
	FailedJobStatus:  {QueuedJobStatus},
}

var runStatuses = []RunStatus{
	PendingRunStatus, ActiveRunStatus, PausedRunStatus,
	CompletedRunStatus, FailedRunStatus, CancelledRunStatus,
}

var jobStatuses = []JobStatus{
	PendingJobStatus, QueuedJobStatus, RunningJobStatus,
	CompletedJobStatus, FailedJobStatus, CancelledJobStatus, SkippedJobStatus,
}

// ParseRunStatus accepts only the exact upper-case run status names.
func ParseRunStatus(s string) (RunStatus, error) {
	for _, st := range runStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown run status %q", s)
}

// ParseJobStatus accepts only the exact upper-case job status names.
func ParseJobStatus(s string) (JobStatus, error) {
	for _, st := range jobStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

func (s RunStatus) Valid() bool {
	_, err := ParseRunStatus(string(s))
	return err == nil
}

func (s JobStatus) Valid() bool {
	_, err := ParseJobStatus(string(s))
	return err == nil
}

// CanTransitionTo reports whether the run may move from s to next.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether the job may move from s to next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are expected for the run.
// A FAILED run can still be recovered through a job retry.
func (s RunStatus) Terminal() bool {
	return s == CompletedRunStatus || s == FailedRunStatus || s == CancelledRunStatus
}

func (s JobStatus) Terminal() bool {
	switch s {
	case CompletedJobStatus, FailedJobStatus, CancelledJobStatus, SkippedJobStatus:
		return true
	}
	return false
}

// Succeeded reports whether the job counts towards run progress.
func (s JobStatus) Succeeded() bool {
	return s == CompletedJobStatus || s == SkippedJobStatus
}

// InFlight reports whether a worker owns or is about to own the job.
func (s JobStatus) InFlight() bool {
	return s == QueuedJobStatus || s == RunningJobStatus
}

func (s *RunStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseRunStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s *JobStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseJobStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
