// Package orchestrator walks the source registry for one subject, scoring
// and merging what each source returns until the result is good enough or
// the cost budget runs out.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/internal/cache"
	"github.com/deadonfilm/enrich-cli/internal/confidence"
	"github.com/deadonfilm/enrich-cli/internal/config"
	"github.com/deadonfilm/enrich-cli/internal/enrichlog"
	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/resilience"
	"github.com/deadonfilm/enrich-cli/internal/source"
)

// StopReason says why the orchestrator stopped visiting sources.
type StopReason string

const (
	StopConfidence StopReason = "confidence"
	StopBudget     StopReason = "budget"
	StopExhausted  StopReason = "exhausted"
)

// Options are the stop conditions and merge settings.
type Options struct {
	// GoodEnough stops the walk once the top candidate reaches it.
	GoodEnough float64
	// CostBudgetUSD caps spend per subject. Zero means unlimited.
	CostBudgetUSD float64
	Merge         confidence.Options
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		GoodEnough:    cfg.Orchestrator.GoodEnough,
		CostBudgetUSD: cfg.Orchestrator.CostBudgetUSD,
		Merge: confidence.Options{
			MaterialityThreshold: cfg.Confidence.MaterialityThreshold,
			CorroborationBonus:   cfg.Confidence.CorroborationBonus,
			Rules:                confidence.RulesFromConfig(cfg.Confidence.Rules),
		},
	}
}

// Outcome is the result of enriching one subject.
type Outcome struct {
	Subject      model.Subject          `json:"subject"`
	Canonical    *model.EnrichmentData  `json:"canonical,omitempty"`
	Ranked       []confidence.Candidate `json:"ranked,omitempty"`
	Attempts     []model.SourceAttempt  `json:"attempts"`
	TotalCostUSD float64                `json:"total_cost_usd"`
	StopReason   StopReason             `json:"stop_reason"`
	Found        bool                   `json:"found"`
	CauseSource  model.SourceType       `json:"cause_source,omitempty"`
	AppliedRules []string               `json:"applied_rules,omitempty"`
}

// Confidence returns the top candidate's confidence, or 0.
func (o *Outcome) Confidence() float64 {
	if o == nil || len(o.Ranked) == 0 {
		return 0
	}
	return o.Ranked[0].Confidence
}

// SourceLevelFailure reports whether nothing was found and every source that
// ran failed or was blocked. Outcomes where no source ran are not failures.
func (o *Outcome) SourceLevelFailure() bool {
	if o == nil || o.Found {
		return false
	}
	ran := 0
	for _, a := range o.Attempts {
		if !a.Status.Ran() {
			continue
		}
		ran++
		if !a.Status.IsFailure() {
			return false
		}
	}
	return ran > 0
}

// Orchestrator runs the source walk. It is safe for concurrent use across
// subjects; each Enrich call is sequential over sources.
type Orchestrator struct {
	registry *source.Registry
	cache    *cache.QueryCache
	breakers *resilience.ServiceBreakers
	observer enrichlog.Observer
	opts     Options
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCache enables the query cache.
func WithCache(c *cache.QueryCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithBreakers sets the per-source circuit breakers.
func WithBreakers(sb *resilience.ServiceBreakers) Option {
	return func(o *Orchestrator) { o.breakers = sb }
}

// WithObserver receives every attempt.
func WithObserver(obs enrichlog.Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithClock injects the time source used for latency.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator over registry.
func New(registry *source.Registry, opts Options, options ...Option) *Orchestrator {
	if opts.GoodEnough <= 0 {
		opts.GoodEnough = 0.85
	}
	o := &Orchestrator{
		registry: registry,
		opts:     opts,
		breakers: resilience.NewServiceBreakers(resilience.FromCircuitConfig(0, 0)),
		observer: enrichlog.New(nil),
		now:      time.Now,
	}
	for _, fn := range options {
		fn(o)
	}
	return o
}

// Registry returns the registry the orchestrator walks.
func (o *Orchestrator) Registry() *source.Registry { return o.registry }

// Breakers returns the per-source circuit breakers.
func (o *Orchestrator) Breakers() *resilience.ServiceBreakers { return o.breakers }

type runConfig struct {
	dryRun  bool
	sources map[model.SourceType]bool
}

// RunOption adjusts a single Enrich call.
type RunOption func(*runConfig)

// DryRun skips cache writes.
func DryRun(on bool) RunOption {
	return func(rc *runConfig) { rc.dryRun = on }
}

// OnlySources restricts the walk to the named sources, in registry order.
func OnlySources(types ...model.SourceType) RunOption {
	return func(rc *runConfig) {
		if len(types) == 0 {
			return
		}
		rc.sources = make(map[model.SourceType]bool, len(types))
		for _, t := range types {
			rc.sources[t] = true
		}
	}
}

// Enrich visits sources in registry order. Per-source failures never abort
// the walk; only an invalid subject or context cancellation return an error.
func (o *Orchestrator) Enrich(ctx context.Context, subject model.Subject, runOpts ...RunOption) (*Outcome, error) {
	if err := subject.Validate(); err != nil {
		return nil, eris.Wrap(err, "orchestrator: enrich")
	}
	var rc runConfig
	for _, fn := range runOpts {
		fn(&rc)
	}

	out := &Outcome{Subject: subject, StopReason: StopExhausted}
	var cands []confidence.Candidate
	spent := 0.0
	budget := o.opts.CostBudgetUSD

walk:
	for pos, src := range o.registry.All() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		desc := src.Descriptor()
		if rc.sources != nil && !rc.sources[desc.Type] {
			continue
		}
		attempt := model.SourceAttempt{Source: desc.Type, Tier: desc.ReliabilityTier}

		if !src.IsAvailable() {
			attempt.Status = model.AttemptUnavailable
			o.finish(subject, out, attempt)
			continue
		}
		if res, ok := o.cache.Get(ctx, subject, desc); ok {
			cands = append(cands, candidate(res, desc, pos))
			attempt.Status = model.AttemptFound
			attempt.Cached = true
			attempt.URL = res.Entry.URL
			attempt.Confidence = score(res, desc)
			o.finish(subject, out, attempt)
			if top := confidence.Merge(cands, o.opts.Merge).Top(); top != nil && top.Confidence >= o.opts.GoodEnough {
				out.StopReason = StopConfidence
				break walk
			}
			continue
		}

		if budget > 0 && !desc.IsFree && spent+desc.EstimatedCostPerQuery > budget+1e-9 {
			attempt.Status = model.AttemptBudgetSkipped
			o.finish(subject, out, attempt)
			continue
		}

		cb := o.breakers.Get(string(desc.Type))
		if err := cb.Allow(); err != nil {
			attempt.Status = model.AttemptCircuitOpen
			o.finish(subject, out, attempt)
			continue
		}

		o.observer.AttemptStarted(subject, desc.Type)
		start := o.now()
		res, err := src.Lookup(ctx, subject)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				// Release a half-open trial without counting it either way.
				cb.Release()
				return nil, ctxErr
			}
			cb.Record(err)
			attempt.Latency = o.now().Sub(start)
			attempt.Error = err.Error()
			attempt.Status = model.AttemptFailed
			var ab *resilience.AccessBlockedError
			if errors.As(err, &ab) {
				attempt.Status = model.AttemptBlocked
				attempt.URL = ab.URL
			}
			o.finish(subject, out, attempt)
			continue
		}

		spent += res.Entry.CostUSD
		attempt.CostUSD = res.Entry.CostUSD
		attempt.Latency = res.Entry.Duration
		attempt.Strategy = res.Entry.Strategy
		attempt.URL = res.Entry.URL

		switch {
		case res.Success:
			cb.Record(nil)
			cands = append(cands, candidate(res, desc, pos))
			attempt.Status = model.AttemptFound
			attempt.Confidence = score(res, desc)
			res.Entry.Confidence = attempt.Confidence
			if !rc.dryRun {
				if err := o.cache.Put(ctx, subject, desc, res); err != nil {
					zap.L().Warn("orchestrator: cache write failed",
						zap.Int64("actor_id", subject.ID),
						zap.String("source", string(desc.Type)),
						zap.Error(err),
					)
				}
			}
		case res.IsNotFound():
			cb.Record(nil)
			attempt.Status = model.AttemptNotFound
		default:
			cb.Record(eris.New(res.Error))
			attempt.Status = model.AttemptFailed
			attempt.Error = res.Error
		}
		o.finish(subject, out, attempt)

		if attempt.Status == model.AttemptFound {
			if top := confidence.Merge(cands, o.opts.Merge).Top(); top != nil && top.Confidence >= o.opts.GoodEnough {
				out.StopReason = StopConfidence
				break walk
			}
		}
		if budget > 0 && spent >= budget-1e-9 {
			out.StopReason = StopBudget
			break walk
		}
	}

	out.TotalCostUSD = spent
	merged := confidence.Merge(cands, o.opts.Merge)
	out.Canonical = merged.Canonical
	out.Ranked = merged.Ranked
	out.CauseSource = merged.CauseSource
	out.AppliedRules = merged.AppliedRules
	out.Found = merged.Canonical != nil
	return out, nil
}

func (o *Orchestrator) finish(subject model.Subject, out *Outcome, a model.SourceAttempt) {
	out.Attempts = append(out.Attempts, a)
	o.observer.AttemptFinished(subject, a)
}

func candidate(res *model.SourceLookupResult, desc model.SourceDescriptor, pos int) confidence.Candidate {
	return confidence.Candidate{
		Source:          desc.Type,
		Tier:            desc.ReliabilityTier,
		Position:        pos,
		Data:            res.Data,
		SelfReportedLow: res.Entry.SelfReportedLow,
	}
}

func score(res *model.SourceLookupResult, desc model.SourceDescriptor) float64 {
	return confidence.Score(confidence.ScoreInput{
		Tier:            desc.ReliabilityTier,
		Data:            res.Data,
		SelfReportedLow: res.Entry.SelfReportedLow,
	})
}
