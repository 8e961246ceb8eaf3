package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/internal/enrichlog"
	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/queue"
	"github.com/deadonfilm/enrich-cli/internal/resilience"
	"github.com/deadonfilm/enrich-cli/internal/store"
)

// Pruner removes expired cache rows.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// EnrichJobResult is stored as the result of an enrich_subject job.
type EnrichJobResult struct {
	SubjectID  int64   `json:"subject_id"`
	Found      bool    `json:"found"`
	Confidence float64 `json:"confidence"`
	CostUSD    float64 `json:"cost_usd"`
	Changes    int     `json:"changes"`
	Persisted  bool    `json:"persisted"`
	StopReason string  `json:"stop_reason"`
}

// EnrichJobHandler runs enrich_subject jobs. A source-level failure is
// returned as transient so the job retries with backoff.
func (p *Pipeline) EnrichJobHandler() queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *model.JobRun) (any, error) {
		payload, err := queue.DecodePayload[queue.EnrichSubjectPayload](job)
		if err != nil {
			return nil, err
		}
		res, err := p.RunByID(ctx, payload.SubjectID, RunOptions{
			DryRun:  payload.DryRun,
			Sources: sourceTypes(payload.Sources),
		})
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				return nil, eris.Wrapf(resilience.ErrPayloadInvalid, "pipeline: subject %d does not exist", payload.SubjectID)
			}
			return nil, err
		}
		if res.Classify() == enrichlog.SubjectErrored {
			return nil, resilience.NewTransientError(
				eris.Wrapf(errSourceLevel, "pipeline: subject %d", payload.SubjectID), 0)
		}
		return EnrichJobResult{
			SubjectID:  payload.SubjectID,
			Found:      res.Outcome.Found,
			Confidence: res.Outcome.Confidence(),
			CostUSD:    res.Outcome.TotalCostUSD,
			Changes:    len(res.Changes),
			Persisted:  res.Persisted,
			StopReason: string(res.Outcome.StopReason),
		}, nil
	})
}

// BatchJobHandler runs enrich_batch jobs as a queue-kind backfill.
func (p *Pipeline) BatchJobHandler(opts BatchOptions) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, job *model.JobRun) (any, error) {
		payload, err := queue.DecodePayload[queue.EnrichBatchPayload](job)
		if err != nil {
			return nil, err
		}
		run := opts
		run.DryRun = payload.DryRun
		run.Kind = model.RunKindQueue
		run.Limit = 0
		run.Breaker = nil
		return p.BackfillFromStore(ctx, store.SubjectFilter{IDs: payload.SubjectIDs}, run)
	})
}

// PruneCacheHandler runs prune_cache jobs.
func PruneCacheHandler(pr Pruner) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, _ *model.JobRun) (any, error) {
		n, err := pr.Prune(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: prune cache")
		}
		zap.L().Info("pipeline: cache pruned", zap.Int("deleted", n))
		return map[string]int{"deleted": n}, nil
	})
}

// Register wires the enrichment job handlers onto rt.
func (p *Pipeline) Register(rt *queue.Runtime, pr Pruner, opts BatchOptions) {
	rt.Register(model.JobTypeEnrichSubject, p.EnrichJobHandler())
	rt.Register(model.JobTypeEnrichBatch, p.BatchJobHandler(opts))
	if pr != nil {
		rt.Register(model.JobTypePruneCache, PruneCacheHandler(pr))
	}
}

func sourceTypes(names []string) []model.SourceType {
	if len(names) == 0 {
		return nil
	}
	out := make([]model.SourceType, len(names))
	for i, n := range names {
		out[i] = model.SourceType(n)
	}
	return out
}
