// Package pipeline runs enrichment for one subject or a batch: it drives the
// orchestrator, applies the canonical result to the stored record, and keeps
// run audit rows.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/internal/enrichlog"
	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/orchestrator"
	"github.com/deadonfilm/enrich-cli/internal/store"
)

// Enricher is the orchestrator surface the pipeline drives.
type Enricher interface {
	Enrich(ctx context.Context, subject model.Subject, opts ...orchestrator.RunOption) (*orchestrator.Outcome, error)
}

// Store is the persistence the pipeline needs.
type Store interface {
	GetSubject(ctx context.Context, id int64) (*model.Subject, error)
	ListSubjectsForEnrichment(ctx context.Context, filter store.SubjectFilter) ([]model.Subject, error)
	SaveEnrichment(ctx context.Context, subjectID int64, data *model.EnrichmentData, sources []string) error
	CreateEnrichmentRun(ctx context.Context, run *model.EnrichmentRun) error
	FinishEnrichmentRun(ctx context.Context, run *model.EnrichmentRun) error
}

// Pipeline applies orchestrator outcomes to stored subjects.
type Pipeline struct {
	enricher Enricher
	store    Store
	log      *enrichlog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithIDs injects the run id generator.
func WithIDs(fn func() string) Option {
	return func(p *Pipeline) { p.newID = fn }
}

// WithLogger sets the enrichment logger used for run events.
func WithLogger(l *enrichlog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// New creates a Pipeline. A nil store runs without persistence.
func New(enricher Enricher, st Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		enricher: enricher,
		store:    st,
		log:      enrichlog.New(nil),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, fn := range opts {
		fn(p)
	}
	return p
}

// RunOptions adjusts a single enrichment.
type RunOptions struct {
	DryRun  bool
	Sources []model.SourceType
}

// Result is what enriching one subject produced.
type Result struct {
	Subject   model.Subject         `json:"subject"`
	Outcome   *orchestrator.Outcome `json:"outcome"`
	Merged    *model.EnrichmentData `json:"merged,omitempty"`
	Changes   []FieldChange         `json:"changes,omitempty"`
	Persisted bool                  `json:"persisted"`
	DryRun    bool                  `json:"dry_run"`
}

// Classify maps the result onto a run-summary outcome.
func (r *Result) Classify() enrichlog.SubjectOutcome {
	switch {
	case r == nil || r.Outcome == nil:
		return enrichlog.SubjectErrored
	case r.Outcome.Found:
		return enrichlog.SubjectEnriched
	case r.Outcome.SourceLevelFailure():
		return enrichlog.SubjectErrored
	default:
		return enrichlog.SubjectNotFound
	}
}

// RunByID loads a subject and enriches it.
func (p *Pipeline) RunByID(ctx context.Context, id int64, opts RunOptions) (*Result, error) {
	if p.store == nil {
		return nil, eris.New("pipeline: no store configured")
	}
	subject, err := p.store.GetSubject(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load subject %d", id)
	}
	return p.Run(ctx, *subject, opts)
}

// Run enriches one subject and, unless DryRun, persists the merged record.
func (p *Pipeline) Run(ctx context.Context, subject model.Subject, opts RunOptions) (*Result, error) {
	outcome, err := p.enricher.Enrich(ctx, subject,
		orchestrator.DryRun(opts.DryRun),
		orchestrator.OnlySources(opts.Sources...),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: enrich subject %d", subject.ID)
	}

	res := &Result{Subject: subject, Outcome: outcome, DryRun: opts.DryRun}
	if !outcome.Found {
		return res, nil
	}

	merged := Apply(&subject.Known, outcome.Canonical)
	res.Merged = merged
	res.Changes = Diff(&subject.Known, merged)

	log := zap.L().With(zap.Int64("actor_id", subject.ID), zap.String("actor_name", subject.Name))
	if opts.DryRun || p.store == nil {
		log.Info("pipeline: dry run, not persisting", zap.Int("changes", len(res.Changes)))
		return res, nil
	}
	if len(res.Changes) == 0 {
		log.Debug("pipeline: no changes")
		return res, nil
	}
	if err := p.store.SaveEnrichment(ctx, subject.ID, merged, merged.Sources); err != nil {
		return res, eris.Wrapf(err, "pipeline: save subject %d", subject.ID)
	}
	res.Persisted = true
	log.Info("pipeline: subject enriched",
		zap.Int("changes", len(res.Changes)),
		zap.Float64("confidence", outcome.Confidence()),
		zap.Float64("cost_usd", outcome.TotalCostUSD),
	)
	return res, nil
}

func (p *Pipeline) startRun(ctx context.Context, kind model.RunKind, dryRun bool, total int) *model.EnrichmentRun {
	run := &model.EnrichmentRun{
		ID:        p.newID(),
		Kind:      kind,
		Status:    model.RunStatusRunning,
		DryRun:    dryRun,
		StartedAt: p.now().UTC(),
	}
	p.log.RunStarted(*run, total)
	if p.store != nil && !dryRun {
		if err := p.store.CreateEnrichmentRun(ctx, run); err != nil {
			zap.L().Warn("pipeline: record run start failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return run
}

func (p *Pipeline) finishRun(ctx context.Context, run *model.EnrichmentRun, status model.RunStatus, sum model.RunSummary) {
	finished := p.now().UTC()
	run.Status = status
	run.FinishedAt = &finished
	run.Summary = &sum
	p.log.RunCompleted(*run, sum)
	if p.store != nil && !run.DryRun {
		// The batch context may already be cancelled; the audit row still gets written.
		if err := p.store.FinishEnrichmentRun(context.WithoutCancel(ctx), run); err != nil {
			zap.L().Warn("pipeline: record run finish failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
}
