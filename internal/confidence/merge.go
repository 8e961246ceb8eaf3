package confidence

import (
	"sort"
	"strings"
	"unicode"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

// DefaultMaterialityThreshold separates material claims from rumors.
const DefaultMaterialityThreshold = 0.5

// Candidate is one successful source result awaiting ranking.
type Candidate struct {
	Source          model.SourceType      `json:"source"`
	Tier            model.ReliabilityTier `json:"tier"`
	Position        int                   `json:"position"`
	Data            *model.EnrichmentData `json:"data"`
	SelfReportedLow bool                  `json:"self_reported_low,omitempty"`
	Corroborations  int                   `json:"corroborations"`
	Confidence      float64               `json:"confidence"`
	// Rumored is set when the candidate's claim diverges from the canonical one.
	Rumored bool `json:"rumored,omitempty"`
}

// Options configures Merge.
type Options struct {
	MaterialityThreshold float64
	CorroborationBonus   float64
	Rules                RuleSet
}

func (o Options) withDefaults() Options {
	if o.MaterialityThreshold <= 0 {
		o.MaterialityThreshold = DefaultMaterialityThreshold
	}
	if o.CorroborationBonus <= 0 {
		o.CorroborationBonus = DefaultCorroborationBonus
	}
	if o.Rules == nil {
		o.Rules = DefaultRules()
	}
	return o
}

// Merged is the ranked result of Merge.
type Merged struct {
	Canonical *model.EnrichmentData `json:"canonical"`
	Ranked    []Candidate           `json:"ranked"`
	// CauseSource is the candidate whose cause of death was kept.
	CauseSource  model.SourceType `json:"cause_source,omitempty"`
	AppliedRules []string         `json:"applied_rules,omitempty"`
}

// Top returns the highest-ranked candidate, or nil.
func (m *Merged) Top() *Candidate {
	if m == nil || len(m.Ranked) == 0 {
		return nil
	}
	return &m.Ranked[0]
}

// Corroborate returns, per candidate index, how many candidates from other
// sources agree with it. Two candidates agree when their cause tokens or
// notable-factor sets overlap.
func Corroborate(cands []Candidate) []int {
	counts := make([]int, len(cands))
	for i := range cands {
		for j := range cands {
			if i == j || cands[i].Source == cands[j].Source {
				continue
			}
			if agree(cands[i].Data, cands[j].Data) {
				counts[i]++
			}
		}
	}
	return counts
}

// Merge rescores candidates with corroboration, ranks them, and builds the
// canonical record. Diverging claims are kept as rumored circumstances.
// Agreeing candidates at or above the materiality threshold back-fill
// fields the top candidate left empty.
func Merge(cands []Candidate, opts Options) *Merged {
	opts = opts.withDefaults()
	out := &Merged{}
	if len(cands) == 0 {
		return out
	}

	ranked := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Data.IsEmpty() {
			continue
		}
		ranked = append(ranked, c)
	}
	if len(ranked) == 0 {
		return out
	}

	counts := Corroborate(ranked)
	for i := range ranked {
		ranked[i].Corroborations = counts[i]
		ranked[i].Confidence = Score(ScoreInput{
			Tier:               ranked[i].Tier,
			Data:               ranked[i].Data,
			SelfReportedLow:    ranked[i].SelfReportedLow,
			Corroborations:     counts[i],
			CorroborationBonus: opts.CorroborationBonus,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Tier != b.Tier {
			return a.Tier.MoreReliableThan(b.Tier)
		}
		return a.Position < b.Position
	})

	top := ranked[0]
	canonical := top.Data.Clone()
	if canonical.CauseOfDeath != "" {
		out.CauseSource = top.Source
	}

	var rumors []string
	if canonical.RumoredCircumstances != "" {
		rumors = append(rumors, canonical.RumoredCircumstances)
	}
	for i := 1; i < len(ranked); i++ {
		c := &ranked[i]
		if diverges(canonical, c.Data) {
			c.Rumored = true
			if r := claimText(c.Data); r != "" {
				rumors = append(rumors, r)
			}
			if c.Data.RumoredCircumstances != "" {
				rumors = append(rumors, c.Data.RumoredCircumstances)
			}
			continue
		}
		if c.Confidence < opts.MaterialityThreshold {
			continue
		}
		hadCause := canonical.CauseOfDeath != ""
		canonical.FillFrom(c.Data)
		if !hadCause && canonical.CauseOfDeath != "" {
			out.CauseSource = c.Source
		}
		if c.Data.RumoredCircumstances != "" {
			rumors = append(rumors, c.Data.RumoredCircumstances)
		}
	}
	canonical.RumoredCircumstances = strings.Join(dedupe(rumors), "\n")
	canonical.Sources = collectSources(ranked)

	if opts.Rules.Enabled(RulePreferAICause) {
		if src, cause, ok := preferAICause(ranked, out.CauseSource); ok {
			canonical.CauseOfDeath = cause
			out.CauseSource = src
			out.AppliedRules = append(out.AppliedRules, RulePreferAICause)
		}
	}

	out.Canonical = canonical
	out.Ranked = ranked
	return out
}

// preferAICause returns the best AI cause when the kept cause came from a
// reference-tier source.
func preferAICause(ranked []Candidate, causeSource model.SourceType) (model.SourceType, string, bool) {
	var causeTier model.ReliabilityTier = -1
	for _, c := range ranked {
		if c.Source == causeSource {
			causeTier = c.Tier
			break
		}
	}
	if causeTier != model.TierReference {
		return "", "", false
	}
	for _, c := range ranked {
		if c.Tier == model.TierAIModel && c.Data.CauseOfDeath != "" {
			return c.Source, c.Data.CauseOfDeath, true
		}
	}
	return "", "", false
}

// claimText is the candidate's own account: its circumstances, or its
// cause when it gave no narrative.
func claimText(d *model.EnrichmentData) string {
	if claim := strings.TrimSpace(d.Circumstances); claim != "" {
		return claim
	}
	return strings.TrimSpace(d.CauseOfDeath)
}

// claimAgreement is the share of the smaller claim's tokens that the other
// claim repeats for the two to count as the same account.
const claimAgreement = 0.5

// diverges reports whether other makes a claim that conflicts with
// canonical. Two causes are compared directly; otherwise the full claim
// text (circumstances plus cause) is compared by tokens. Absent claims
// never conflict.
func diverges(canonical, other *model.EnrichmentData) bool {
	if canonical.CauseOfDeath != "" && other.CauseOfDeath != "" {
		return !overlap(causeTokens(canonical.CauseOfDeath), causeTokens(other.CauseOfDeath))
	}
	theirs := claimTokens(other)
	ours := claimTokens(canonical)
	if len(theirs) == 0 || len(ours) == 0 {
		return false
	}
	return shared(ours, theirs) < claimAgreement
}

func claimTokens(d *model.EnrichmentData) map[string]bool {
	return causeTokens(d.Circumstances + " " + d.CauseOfDeath)
}

// shared is the fraction of the smaller set found in the larger one.
func shared(a, b map[string]bool) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	if len(a) == 0 {
		return 0
	}
	n := 0
	for k := range a {
		if b[k] {
			n++
		}
	}
	return float64(n) / float64(len(a))
}

func agree(a, b *model.EnrichmentData) bool {
	if a == nil || b == nil {
		return false
	}
	if a.CauseOfDeath != "" && b.CauseOfDeath != "" &&
		overlap(causeTokens(a.CauseOfDeath), causeTokens(b.CauseOfDeath)) {
		return true
	}
	return overlap(set(a.NotableFactors), set(b.NotableFactors))
}

var causeStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "from": true, "and": true,
	"with": true, "due": true, "to": true, "after": true, "by": true, "in": true,
	"on": true, "his": true, "her": true, "their": true, "complications": true,
	"related": true, "caused": true, "apparent": true, "possible": true, "possibly": true,
	"died": true, "dies": true, "death": true, "was": true, "were": true, "said": true,
	"who": true, "age": true, "aged": true, "years": true, "old": true, "him": true, "had": true,
}

func causeTokens(cause string) map[string]bool {
	words := strings.FieldsFunc(model.NormalizeName(cause), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) < 3 || causeStopwords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

func set(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(strings.ToLower(s)); s != "" {
			out[s] = true
		}
	}
	return out
}

func overlap(a, b map[string]bool) bool {
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}

func collectSources(ranked []Candidate) []string {
	var out []string
	seen := make(map[string]bool)
	for _, c := range ranked {
		for _, s := range c.Data.Sources {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, s := range items {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
