package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/internal/cache"
	"github.com/deadonfilm/enrich-cli/internal/cost"
	"github.com/deadonfilm/enrich-cli/internal/enrichlog"
	"github.com/deadonfilm/enrich-cli/internal/events"
	"github.com/deadonfilm/enrich-cli/internal/orchestrator"
	"github.com/deadonfilm/enrich-cli/internal/pipeline"
	"github.com/deadonfilm/enrich-cli/internal/queue"
	"github.com/deadonfilm/enrich-cli/internal/resilience"
	"github.com/deadonfilm/enrich-cli/internal/source"
	"github.com/deadonfilm/enrich-cli/internal/store"
)

// appEnv holds the store, registry, orchestrator, and pipeline needed by
// the enrich/batch/worker/serve commands.
type appEnv struct {
	Store        store.Store
	Registry     *source.Registry
	Orchestrator *orchestrator.Orchestrator
	Pipeline     *pipeline.Pipeline
	Cache        *cache.QueryCache

	closers []func() error
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens the store, builds the fetch chain and source registry, and
// assembles the orchestrator and pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	calc := cost.NewCalculator(cost.RatesFromConfig(cfg.Pricing))
	fetcher, closeFetch, err := source.NewFetcher(cfg, calc)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closers = append(env.closers, closeFetch)

	deps := source.DepsFromConfig(cfg, fetcher)
	deps.Calc = calc
	env.Registry, err = source.BuildRegistry(cfg, deps)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "build source registry")
	}

	logger := enrichlog.New(zap.L())
	opts := []orchestrator.Option{
		orchestrator.WithObserver(logger),
		orchestrator.WithBreakers(resilience.NewServiceBreakers(
			resilience.FromCircuitConfig(cfg.Orchestrator.BreakerThreshold, cfg.Orchestrator.BreakerResetSecs),
		)),
	}
	if cfg.Cache.Enabled {
		policy, err := cache.PolicyFromConfig(cfg.Cache.TTLHours)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Cache = cache.New(st, policy, cache.WithMemo())
		opts = append(opts, orchestrator.WithCache(env.Cache))
	}

	env.Orchestrator = orchestrator.New(env.Registry, orchestrator.OptionsFromConfig(cfg), opts...)
	env.Pipeline = pipeline.New(env.Orchestrator, st, pipeline.WithLogger(logger))

	zap.L().Debug("environment ready",
		zap.Int("sources", env.Registry.Len()),
		zap.Int("available", len(env.Registry.Available())),
		zap.Bool("cache", env.Cache != nil),
	)
	return env, nil
}

// pruner returns the cache pruner for prune_cache jobs, falling back to
// deleting expired rows directly when the cache is disabled.
func (e *appEnv) pruner() pipeline.Pruner {
	if e.Cache != nil {
		return e.Cache
	}
	return storePruner{e.Store}
}

type storePruner struct{ st store.Store }

func (p storePruner) Prune(ctx context.Context) (int, error) {
	return p.st.DeleteExpiredLookups(ctx, time.Now().UTC())
}

// initPublisher returns the Pub/Sub publisher when a project is configured.
func initPublisher(ctx context.Context) (events.Publisher, error) {
	if cfg.Events.ProjectID == "" {
		return events.NopPublisher{}, nil
	}
	return events.NewPubSubPublisher(ctx, cfg.Events.ProjectID, cfg.Events.Topic)
}

// initRuntime builds the job runtime with every handler registered.
func initRuntime(ctx context.Context, env *appEnv) (*queue.Runtime, error) {
	pub, err := initPublisher(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init publisher")
	}
	env.closers = append(env.closers, pub.Close)

	rt := queue.New(queue.ConfigFromApp(cfg), env.Store, queue.WithPublisher(pub))
	env.Pipeline.Register(rt, env.pruner(), pipeline.BatchOptionsFromConfig(cfg))
	return rt, nil
}
