package cache

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

const day = 24 * time.Hour

// TTLPolicy maps reliability tiers to cache lifetimes. A zero TTL disables
// caching for the tier.
type TTLPolicy map[model.ReliabilityTier]time.Duration

// DefaultTTLPolicy returns the built-in lifetimes.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		model.TierArchival:         90 * day,
		model.TierReference:        30 * day,
		model.TierTier1News:        7 * day,
		model.TierTradePress:       7 * day,
		model.TierSecondaryNews:    7 * day,
		model.TierSearchAggregator: 3 * day,
		model.TierAIModel:          14 * day,
		model.TierMarginal:         day,
		model.TierUnreliableUGC:    day,
	}
}

// PolicyFromConfig overlays per-tier hours, keyed by tier name, onto the
// defaults.
func PolicyFromConfig(hours map[string]int) (TTLPolicy, error) {
	p := DefaultTTLPolicy()
	for name, h := range hours {
		tier, err := model.ParseReliabilityTier(name)
		if err != nil {
			return nil, eris.Wrap(err, "cache: ttl_hours")
		}
		if h < 0 {
			return nil, eris.Errorf("cache: ttl_hours.%s must not be negative", name)
		}
		p[tier] = time.Duration(h) * time.Hour
	}
	return p, nil
}

// TTL returns the lifetime for tier.
func (p TTLPolicy) TTL(tier model.ReliabilityTier) time.Duration {
	return p[tier]
}
