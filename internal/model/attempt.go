package model

import "time"

// AttemptStatus is the outcome of visiting one source for one subject.
type AttemptStatus string

const (
	AttemptFound         AttemptStatus = "found"
	AttemptNotFound      AttemptStatus = "not_found"
	AttemptFailed        AttemptStatus = "failed"
	AttemptBlocked       AttemptStatus = "blocked"
	AttemptUnavailable   AttemptStatus = "unavailable"
	AttemptCircuitOpen   AttemptStatus = "circuit_open"
	AttemptBudgetSkipped AttemptStatus = "budget_skipped"
)

// Ran reports whether the source was actually consulted.
func (s AttemptStatus) Ran() bool {
	switch s {
	case AttemptFound, AttemptNotFound, AttemptFailed, AttemptBlocked:
		return true
	}
	return false
}

// IsFailure reports whether the attempt points at a source problem.
func (s AttemptStatus) IsFailure() bool {
	return s == AttemptFailed || s == AttemptBlocked
}

// SourceAttempt records one orchestrator step.
type SourceAttempt struct {
	Source     SourceType      `json:"source"`
	Tier       ReliabilityTier `json:"tier"`
	Status     AttemptStatus   `json:"status"`
	Confidence float64         `json:"confidence,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	Latency    time.Duration   `json:"latency"`
	Strategy   string          `json:"strategy,omitempty"`
	URL        string          `json:"url,omitempty"`
	Cached     bool            `json:"cached,omitempty"`
	Error      string          `json:"error,omitempty"`
}
