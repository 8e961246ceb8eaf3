// Package fetch retrieves web pages through an escalating list of strategies:
// direct HTTP, archived snapshot, then an authenticated browser session.
package fetch

import (
	"context"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/internal/resilience"
)

// Result is the uniform output of every strategy.
type Result struct {
	URL        string
	FinalURL   string
	Title      string
	Content    string
	StatusCode int
	Strategy   string
	CostUSD    float64
	Duration   time.Duration
	// Tried lists every strategy attempted, in order, including the winner.
	Tried []string
}

// Strategy fetches a single URL one way.
type Strategy interface {
	Name() string
	Applies(target *url.URL) bool
	Fetch(ctx context.Context, target *url.URL) (*Result, error)
}

// Fetcher tries strategies in order. A later strategy only runs once an
// earlier one reported access-blocked; any other failure ends the chain.
type Fetcher struct {
	strategies []Strategy
}

// New creates a Fetcher. Strategies are tried in the given order.
func New(strategies ...Strategy) *Fetcher {
	return &Fetcher{strategies: strategies}
}

// Strategies returns the configured strategy names in order.
func (f *Fetcher) Strategies() []string {
	names := make([]string, len(f.strategies))
	for i, s := range f.strategies {
		names[i] = s.Name()
	}
	return names
}

// Fetch retrieves rawURL. When every escalation fails after an access-blocked
// response, the original *resilience.AccessBlockedError is returned.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: parse url %q", rawURL)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, eris.Errorf("fetch: url %q must be absolute", rawURL)
	}

	var (
		tried   []string
		blocked error
	)
	for _, s := range f.strategies {
		if !s.Applies(target) {
			continue
		}
		tried = append(tried, s.Name())

		start := time.Now()
		res, err := s.Fetch(ctx, target)
		if err == nil && res != nil {
			res.Strategy = s.Name()
			res.Tried = tried
			if res.Duration == 0 {
				res.Duration = time.Since(start)
			}
			if blocked != nil {
				zap.L().Info("fetch: escalation succeeded",
					zap.String("url", rawURL),
					zap.String("strategy", s.Name()),
					zap.Strings("tried", tried),
				)
			}
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, eris.Wrap(ctxErr, "fetch: cancelled")
		}
		if err == nil {
			err = eris.Errorf("fetch: %s returned no result", s.Name())
		}

		if blocked == nil {
			if !resilience.IsAccessBlocked(err) {
				return nil, err
			}
			blocked = err
		}
		zap.L().Debug("fetch: strategy failed, escalating",
			zap.String("url", rawURL),
			zap.String("strategy", s.Name()),
			zap.Error(err),
		)
	}

	if blocked != nil {
		zap.L().Warn("fetch: all strategies failed after block",
			zap.String("url", rawURL),
			zap.Strings("tried", tried),
		)
		return nil, blocked
	}
	return nil, eris.Errorf("fetch: no strategy applies to %s", rawURL)
}
