// Package confidence scores source claims by reliability tier and payload
// richness, and merges candidates from several sources into one record.
package confidence

import (
	"math"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

// DefaultCorroborationBonus is added per corroborating source.
const DefaultCorroborationBonus = 0.1

const (
	maxCorroboration = 0.2
	maxSpecifics     = 0.1
	specificBonus    = 0.05
	longTextBonus    = 0.05
	shortTextFactor  = 0.8
	lowSelfReport    = 0.5
	shortTextLimit   = 40
	longTextLimit    = 200
)

var baseWeights = map[model.ReliabilityTier]float64{
	model.TierArchival:         0.95,
	model.TierTier1News:        0.90,
	model.TierReference:        0.85,
	model.TierTradePress:       0.75,
	model.TierSecondaryNews:    0.65,
	model.TierSearchAggregator: 0.50,
	model.TierAIModel:          0.55,
	model.TierMarginal:         0.45,
	model.TierUnreliableUGC:    0.35,
}

// BaseWeight returns the starting confidence of a claim from tier.
func BaseWeight(tier model.ReliabilityTier) float64 {
	if w, ok := baseWeights[tier]; ok {
		return w
	}
	return baseWeights[model.TierUnreliableUGC]
}

// ScoreInput is everything Score needs about one claim.
type ScoreInput struct {
	Tier            model.ReliabilityTier
	Data            *model.EnrichmentData
	SelfReportedLow bool
	// Corroborations is the number of other sources agreeing with this one.
	Corroborations int
	// CorroborationBonus overrides DefaultCorroborationBonus when > 0.
	CorroborationBonus float64
}

// Score computes a confidence in [0,1] for a single claim.
func Score(in ScoreInput) float64 {
	if in.Data.IsEmpty() {
		return 0
	}
	score := BaseWeight(in.Tier)

	switch n := in.Data.TextLength(); {
	case n < shortTextLimit:
		score *= shortTextFactor
	case n > longTextLimit:
		score += longTextBonus
	}

	specifics := 0.0
	if in.Data.CauseOfDeath != "" {
		specifics += specificBonus
	}
	if in.Data.Location != "" {
		specifics += specificBonus
	}
	if len(in.Data.RelatedPeople) > 0 {
		specifics += specificBonus
	}
	score += math.Min(specifics, maxSpecifics)

	bonus := in.CorroborationBonus
	if bonus <= 0 {
		bonus = DefaultCorroborationBonus
	}
	if in.Corroborations > 0 {
		score += math.Min(float64(in.Corroborations)*bonus, maxCorroboration)
	}

	if in.SelfReportedLow {
		score *= lowSelfReport
	}
	return clamp(score)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return math.Round(v*1e6) / 1e6
}
