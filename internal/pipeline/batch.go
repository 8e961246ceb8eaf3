package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deadonfilm/enrich-cli/internal/config"
	"github.com/deadonfilm/enrich-cli/internal/enrichlog"
	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/resilience"
	"github.com/deadonfilm/enrich-cli/internal/store"
)

// ItemStatus is the batch-level outcome of one subject.
type ItemStatus string

const (
	ItemEnriched ItemStatus = "enriched"
	ItemNotFound ItemStatus = "not_found"
	ItemErrored  ItemStatus = "errored"
)

// BatchOptions configures a backfill.
type BatchOptions struct {
	Concurrency int
	DryRun      bool
	// Limit caps how many subjects are dispatched. Zero means all.
	Limit   int
	Sources []model.SourceType
	// CircuitThreshold is the number of consecutive source-level failures
	// that aborts the batch. Ignored when Breaker is set.
	CircuitThreshold int
	Breaker          *resilience.CircuitBreaker
	Kind             model.RunKind
}

// BatchOptionsFromConfig maps configuration onto BatchOptions.
func BatchOptionsFromConfig(cfg *config.Config) BatchOptions {
	return BatchOptions{
		Concurrency:      cfg.Batch.Concurrency,
		Limit:            cfg.Batch.Limit,
		CircuitThreshold: cfg.Batch.CircuitThreshold,
	}
}

// ItemResult records one processed subject.
type ItemResult struct {
	SubjectID  int64      `json:"subject_id"`
	Name       string     `json:"name"`
	Status     ItemStatus `json:"status"`
	Confidence float64    `json:"confidence"`
	CostUSD    float64    `json:"cost_usd"`
	Changes    int        `json:"changes"`
	Persisted  bool       `json:"persisted"`
	Sources    []string   `json:"sources,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// BatchSummary is the result of a backfill.
type BatchSummary struct {
	RunID       string           `json:"run_id"`
	Status      model.RunStatus  `json:"status"`
	Summary     model.RunSummary `json:"summary"`
	Items       []ItemResult     `json:"items"`
	Attempted   int              `json:"attempted"`
	CircuitOpen bool             `json:"circuit_open"`
}

var errSourceLevel = eris.New("pipeline: every source that ran failed")

// Backfill enriches subjects concurrently. It checks the batch breaker
// before each item and stops dispatching once it opens, returning
// resilience.ErrCircuitOpen alongside the summary of what ran.
func (p *Pipeline) Backfill(ctx context.Context, subjects []model.Subject, opts BatchOptions) (*BatchSummary, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Kind == "" {
		opts.Kind = model.RunKindBackfill
	}
	if opts.Limit > 0 && len(subjects) > opts.Limit {
		subjects = subjects[:opts.Limit]
	}
	cb := opts.Breaker
	if cb == nil {
		threshold := opts.CircuitThreshold
		if threshold <= 0 {
			threshold = 5
		}
		cb = resilience.NewCircuitBreaker(resilience.BatchBreakerConfig(threshold))
	}

	run := p.startRun(ctx, opts.Kind, opts.DryRun, len(subjects))
	summary := enrichlog.NewSummary(p.now)
	results := make([]*itemOutcome, len(subjects))

	// The breaker is checked and fed under one lock so an item never starts
	// between a failure being counted and the circuit opening.
	var mu sync.Mutex
	admit := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return cb.Allow() == nil
	}
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		cb.Record(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

dispatch:
	for i, subject := range subjects {
		if gctx.Err() != nil || !admit() {
			break dispatch
		}
		g.Go(func() error {
			if gctx.Err() != nil || !admit() {
				return nil
			}
			item, err := p.runItem(gctx, subject, opts, summary)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
			}
			results[i] = item
			if item.Status == ItemErrored && item.sourceLevel {
				record(errSourceLevel)
			} else if item.Status != ItemErrored {
				record(nil)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := &BatchSummary{RunID: run.ID}
	for _, r := range results {
		if r != nil {
			out.Items = append(out.Items, r.ItemResult)
		}
	}
	out.Attempted = len(out.Items)
	out.Summary = summary.Snapshot()
	out.CircuitOpen = cb.State() == resilience.CircuitOpen

	switch {
	case out.CircuitOpen:
		out.Status = model.RunStatusCircuitOpen
	case ctx.Err() != nil:
		out.Status = model.RunStatusFailed
	default:
		out.Status = model.RunStatusComplete
	}
	p.finishRun(ctx, run, out.Status, out.Summary)

	switch {
	case out.CircuitOpen:
		zap.L().Error("pipeline: batch aborted, circuit open",
			zap.String("run_id", run.ID),
			zap.Int("attempted", out.Attempted),
			zap.Int("remaining", len(subjects)-out.Attempted),
		)
		return out, eris.Wrapf(resilience.ErrCircuitOpen, "pipeline: batch stopped after %d items", out.Attempted)
	case ctx.Err() != nil:
		return out, eris.Wrap(ctx.Err(), "pipeline: batch cancelled")
	}
	return out, nil
}

type itemOutcome struct {
	ItemResult
	sourceLevel bool
}

func (p *Pipeline) runItem(ctx context.Context, subject model.Subject, opts BatchOptions, summary *enrichlog.Summary) (*itemOutcome, error) {
	item := &itemOutcome{ItemResult: ItemResult{SubjectID: subject.ID, Name: subject.Name}}
	res, err := p.Run(ctx, subject, RunOptions{DryRun: opts.DryRun, Sources: opts.Sources})
	if res != nil && res.Outcome != nil {
		for _, a := range res.Outcome.Attempts {
			summary.AttemptFinished(subject, a)
		}
		item.Confidence = res.Outcome.Confidence()
		item.CostUSD = res.Outcome.TotalCostUSD
		item.Changes = len(res.Changes)
		item.Persisted = res.Persisted
		if res.Merged != nil {
			item.Sources = res.Merged.Sources
		}
	}
	if err != nil {
		item.Status = ItemErrored
		item.Error = err.Error()
		summary.Subject(enrichlog.SubjectErrored)
		zap.L().Warn("pipeline: item failed", zap.Int64("actor_id", subject.ID), zap.Error(err))
		return item, err
	}

	switch res.Classify() {
	case enrichlog.SubjectEnriched:
		item.Status = ItemEnriched
		summary.Subject(enrichlog.SubjectEnriched)
	case enrichlog.SubjectErrored:
		item.Status = ItemErrored
		item.sourceLevel = true
		item.Error = errSourceLevel.Error()
		summary.Subject(enrichlog.SubjectErrored)
	default:
		item.Status = ItemNotFound
		summary.Subject(enrichlog.SubjectNotFound)
	}
	return item, nil
}

// BackfillFromStore selects subjects with filter and backfills them.
func (p *Pipeline) BackfillFromStore(ctx context.Context, filter store.SubjectFilter, opts BatchOptions) (*BatchSummary, error) {
	if p.store == nil {
		return nil, eris.New("pipeline: no store configured")
	}
	subjects, err := p.store.ListSubjectsForEnrichment(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: select subjects")
	}
	return p.Backfill(ctx, subjects, opts)
}
