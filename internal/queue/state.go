// Package queue runs background jobs with priority, delay, retry with
// backoff, and dead-lettering, mirroring every state change into a JobStore.
package queue

import (
	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

// ErrIllegalTransition is returned for a status/event pair the state machine
// does not allow.
var ErrIllegalTransition = eris.New("queue: illegal transition")

// statusNew is the status of a job that has not been enqueued yet.
const statusNew model.JobStatus = ""

var transitions = map[model.JobStatus]map[model.JobEvent]model.JobStatus{
	statusNew: {
		model.JobEventEnqueue:  model.JobStatusPending,
		model.JobEventSchedule: model.JobStatusDelayed,
	},
	model.JobStatusDelayed: {
		model.JobEventPromote: model.JobStatusPending,
	},
	model.JobStatusPending: {
		model.JobEventStart: model.JobStatusActive,
	},
	model.JobStatusActive: {
		model.JobEventSucceed: model.JobStatusCompleted,
		model.JobEventFail:    model.JobStatusFailed,
		model.JobEventRecover: model.JobStatusPending,
	},
	model.JobStatusFailed: {
		model.JobEventRetry:    model.JobStatusPending,
		model.JobEventSchedule: model.JobStatusDelayed,
		model.JobEventExhaust:  model.JobStatusFailed,
	},
}

// Transition returns the status reached by applying event to status.
// A failed job goes back to pending on retry, or to delayed when it is
// rescheduled with a backoff.
func Transition(status model.JobStatus, event model.JobEvent) (model.JobStatus, error) {
	if next, ok := transitions[status][event]; ok {
		return next, nil
	}
	from := string(status)
	if from == "" {
		from = "new"
	}
	return status, eris.Wrapf(ErrIllegalTransition, "queue: %s on %s", event, from)
}
