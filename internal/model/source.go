package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// SourceType is the unique tag of a registered lookup source.
type SourceType string

// ReliabilityTier orders sources by how trustworthy their claims are.
// Lower values are more reliable.
type ReliabilityTier int

const (
	TierArchival ReliabilityTier = iota
	TierTier1News
	TierReference
	TierTradePress
	TierSecondaryNews
	TierSearchAggregator
	TierAIModel
	TierMarginal
	TierUnreliableUGC
)

var tierNames = map[ReliabilityTier]string{
	TierArchival:         "archival",
	TierTier1News:        "tier1_news",
	TierReference:        "reference",
	TierTradePress:       "trade_press",
	TierSecondaryNews:    "secondary_news",
	TierSearchAggregator: "search_aggregator",
	TierAIModel:          "ai_model",
	TierMarginal:         "marginal",
	TierUnreliableUGC:    "unreliable_ugc",
}

func (t ReliabilityTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "unknown"
}

// MoreReliableThan reports whether t ranks above other.
func (t ReliabilityTier) MoreReliableThan(other ReliabilityTier) bool {
	return t < other
}

// ParseReliabilityTier converts a tier name to a ReliabilityTier.
func ParseReliabilityTier(s string) (ReliabilityTier, error) {
	for t, name := range tierNames {
		if name == s {
			return t, nil
		}
	}
	return 0, eris.Errorf("model: unknown reliability tier %q", s)
}

// MarshalJSON encodes the tier by name.
func (t ReliabilityTier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a tier name.
func (t *ReliabilityTier) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return eris.Wrap(err, "model: decode reliability tier")
	}
	parsed, err := ParseReliabilityTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// SourceDescriptor is the static metadata of a source. It is registered once
// and never changes for the life of the process.
type SourceDescriptor struct {
	Type                  SourceType      `json:"type"`
	Name                  string          `json:"name"`
	IsFree                bool            `json:"is_free"`
	EstimatedCostPerQuery float64         `json:"estimated_cost_per_query"`
	ReliabilityTier       ReliabilityTier `json:"reliability_tier"`
	MinDelay              time.Duration   `json:"min_delay"`
	Timeout               time.Duration   `json:"timeout"`
	RequiresLogin         bool            `json:"requires_login,omitempty"`
}

// SourceEntry records one source invocation for audit and scoring.
type SourceEntry struct {
	Source      SourceType      `json:"source"`
	RetrievedAt time.Time       `json:"retrieved_at"`
	Duration    time.Duration   `json:"duration"`
	Confidence  float64         `json:"confidence"`
	CostUSD     float64         `json:"cost_usd"`
	URL         string          `json:"url,omitempty"`
	RawPayload  json.RawMessage `json:"raw_payload,omitempty"`
	Strategy    string          `json:"strategy,omitempty"`
	Cached      bool            `json:"cached,omitempty"`

	// SelfReportedLow is set when an AI source flagged its own answer as
	// low confidence.
	SelfReportedLow bool `json:"self_reported_low,omitempty"`
}

// SourceLookupResult is the outcome of one source call. It is never mutated
// after the source returns it.
type SourceLookupResult struct {
	Success bool            `json:"success"`
	Entry   SourceEntry     `json:"entry"`
	Data    *EnrichmentData `json:"data"`
	Error   string          `json:"error,omitempty"`
}

// Found builds a successful result.
func Found(entry SourceEntry, data *EnrichmentData) *SourceLookupResult {
	return &SourceLookupResult{Success: true, Entry: entry, Data: data}
}

// NotFound builds a clean miss: the source ran but had nothing to say.
func NotFound(entry SourceEntry) *SourceLookupResult {
	return &SourceLookupResult{Entry: entry}
}

// Failed builds a failed result carrying the error text.
func Failed(entry SourceEntry, err error) *SourceLookupResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &SourceLookupResult{Entry: entry, Error: msg}
}

// IsNotFound reports whether the result is a clean miss.
func (r *SourceLookupResult) IsNotFound() bool {
	return r != nil && !r.Success && r.Error == ""
}

// Validate checks the success/data invariant and the confidence range.
func (r *SourceLookupResult) Validate() error {
	if r == nil {
		return eris.New("model: nil lookup result")
	}
	if r.Success && r.Data == nil {
		return eris.Errorf("model: successful result from %s has no data", r.Entry.Source)
	}
	if r.Entry.Confidence < 0 || r.Entry.Confidence > 1 {
		return eris.Errorf("model: confidence %f out of range", r.Entry.Confidence)
	}
	return nil
}
