// Package enrichlog records per-source enrichment events and run summaries.
package enrichlog

import (
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

// Event names written to the enrichment log.
const (
	EventSourceAttempt  = "source_attempt"
	EventSourceSuccess  = "source_success"
	EventSourceFailure  = "source_failure"
	EventSourceBlocked  = "source_blocked"
	EventSourceNotFound = "source_not_found"
	EventSourceSkipped  = "source_skipped"
	EventCacheHit       = "cache_hit"
	EventRunStarted     = "run_started"
	EventRunCompleted   = "run_completed"
)

// Observer receives orchestrator progress for one subject.
type Observer interface {
	AttemptStarted(subject model.Subject, source model.SourceType)
	AttemptFinished(subject model.Subject, attempt model.SourceAttempt)
}

// Observers fans events out to several observers.
type Observers []Observer

func (obs Observers) AttemptStarted(s model.Subject, src model.SourceType) {
	for _, o := range obs {
		o.AttemptStarted(s, src)
	}
}

func (obs Observers) AttemptFinished(s model.Subject, a model.SourceAttempt) {
	for _, o := range obs {
		o.AttemptFinished(s, a)
	}
}

// Logger writes structured enrichment events.
type Logger struct {
	z *zap.Logger
}

// New creates a Logger. A nil zap logger uses the global one at call time.
func New(z *zap.Logger) *Logger {
	return &Logger{z: z}
}

func (l *Logger) log() *zap.Logger {
	if l == nil || l.z == nil {
		return zap.L().Named("enrichment")
	}
	return l.z
}

// EventName maps an attempt onto its log event.
func EventName(a model.SourceAttempt) string {
	if a.Cached && a.Status == model.AttemptFound {
		return EventCacheHit
	}
	switch a.Status {
	case model.AttemptFound:
		return EventSourceSuccess
	case model.AttemptNotFound:
		return EventSourceNotFound
	case model.AttemptFailed:
		return EventSourceFailure
	case model.AttemptBlocked:
		return EventSourceBlocked
	}
	return EventSourceSkipped
}

func (l *Logger) AttemptStarted(s model.Subject, src model.SourceType) {
	l.log().Debug(EventSourceAttempt,
		zap.String("event", EventSourceAttempt),
		zap.Int64("actor_id", s.ID),
		zap.String("actor_name", s.Name),
		zap.String("source", string(src)),
	)
}

func (l *Logger) AttemptFinished(s model.Subject, a model.SourceAttempt) {
	event := EventName(a)
	fields := []zap.Field{
		zap.String("event", event),
		zap.Int64("actor_id", s.ID),
		zap.String("actor_name", s.Name),
		zap.String("source", string(a.Source)),
		zap.String("outcome", string(a.Status)),
		zap.Int64("latency_ms", a.Latency.Milliseconds()),
		zap.Float64("cost_usd", a.CostUSD),
	}
	if a.Status == model.AttemptFound {
		fields = append(fields, zap.Float64("confidence", a.Confidence))
	}
	if a.Strategy != "" {
		fields = append(fields, zap.String("strategy", a.Strategy))
	}
	if a.Error != "" {
		fields = append(fields, zap.String("error", a.Error))
	}

	switch event {
	case EventSourceFailure:
		l.log().Warn(event, fields...)
	case EventSourceBlocked:
		l.log().Info(event, fields...)
	case EventSourceSkipped:
		l.log().Debug(event, fields...)
	default:
		l.log().Info(event, fields...)
	}
}

// RunStarted logs the start of a run.
func (l *Logger) RunStarted(run model.EnrichmentRun, total int) {
	l.log().Info(EventRunStarted,
		zap.String("event", EventRunStarted),
		zap.String("run_id", run.ID),
		zap.String("kind", string(run.Kind)),
		zap.Bool("dry_run", run.DryRun),
		zap.Int("subjects", total),
	)
}

// RunCompleted logs the final summary of a run.
func (l *Logger) RunCompleted(run model.EnrichmentRun, sum model.RunSummary) {
	l.log().Info(EventRunCompleted,
		zap.String("event", EventRunCompleted),
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("processed", sum.Processed),
		zap.Int("enriched", sum.Enriched),
		zap.Int("not_found", sum.NotFound),
		zap.Int("errored", sum.Errored),
		zap.Int("skipped", sum.Skipped),
		zap.Float64("fill_rate", sum.FillRate),
		zap.Float64("total_cost_usd", sum.TotalCostUSD),
		zap.Int64("duration_ms", sum.DurationMs),
	)
}
