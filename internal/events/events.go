// Package events publishes job lifecycle events.
package events

import (
	"context"
	"strconv"
	"time"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

// Kind names a lifecycle event.
type Kind string

const (
	KindEnqueued     Kind = "job.enqueued"
	KindStarted      Kind = "job.started"
	KindSucceeded    Kind = "job.succeeded"
	KindRetrying     Kind = "job.retrying"
	KindDeadLettered Kind = "job.dead_lettered"
	KindRecovered    Kind = "job.recovered"
)

// Event is one job state change.
type Event struct {
	Kind       Kind              `json:"kind"`
	JobID      string            `json:"job_id"`
	JobType    model.JobType     `json:"job_type"`
	Queue      string            `json:"queue,omitempty"`
	Status     model.JobStatus   `json:"status"`
	Attempt    int               `json:"attempt"`
	At         time.Time         `json:"at"`
	Error      string            `json:"error,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ForJob builds an event from the current state of job.
func ForJob(kind Kind, job *model.JobRun, at time.Time) Event {
	return Event{
		Kind:    kind,
		JobID:   job.ID,
		JobType: job.Type,
		Queue:   job.Queue,
		Status:  job.Status,
		Attempt: job.Attempts,
		At:      at.UTC(),
		Error:   job.Error,
	}
}

// attributes are the message attributes subscribers filter on.
func (e Event) attributes() map[string]string {
	attrs := make(map[string]string, len(e.Attributes)+4)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs["kind"] = string(e.Kind)
	attrs["job_type"] = string(e.JobType)
	attrs["status"] = string(e.Status)
	attrs["attempt"] = strconv.Itoa(e.Attempt)
	return attrs
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
