package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the queue-visible state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDelayed   JobStatus = "delayed"
)

// IsValid reports whether s is a known status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusActive, JobStatusCompleted, JobStatusFailed, JobStatusDelayed:
		return true
	}
	return false
}

// JobEvent drives a job from one status to the next.
type JobEvent string

const (
	JobEventEnqueue  JobEvent = "enqueue"
	JobEventSchedule JobEvent = "schedule"
	JobEventPromote  JobEvent = "promote"
	JobEventStart    JobEvent = "start"
	JobEventSucceed  JobEvent = "succeed"
	JobEventFail     JobEvent = "fail"
	JobEventRetry    JobEvent = "retry"
	JobEventExhaust  JobEvent = "exhaust"
	JobEventRecover  JobEvent = "recover"
)

// JobType names a registered job handler.
type JobType string

const (
	JobTypeEnrichSubject JobType = "enrich_subject"
	JobTypeEnrichBatch   JobType = "enrich_batch"
	JobTypePruneCache    JobType = "prune_cache"
)

// JobRun is the durable, queue-visible record of one job.
type JobRun struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Queue       string          `json:"queue"`
	Status      JobStatus       `json:"status"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Terminal reports whether the job will never run again.
func (j *JobRun) Terminal() bool {
	if j.Status == JobStatusCompleted {
		return true
	}
	return j.Status == JobStatusFailed && j.Attempts >= j.MaxAttempts
}

// DeadLetterEntry is the audit record of a job that exhausted its attempts.
// It is written once and never replayed automatically.
type DeadLetterEntry struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	JobType    JobType         `json:"job_type"`
	Queue      string          `json:"queue"`
	Attempts   int             `json:"attempts"`
	FinalError string          `json:"final_error"`
	ErrorType  string          `json:"error_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}
