package model

import "time"

// RunStatus represents the state of an enrichment batch run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
	RunStatusCircuitOpen RunStatus = "circuit_open"
)

// RunKind distinguishes batch drivers from queue-driven runs.
type RunKind string

const (
	RunKindBackfill RunKind = "backfill"
	RunKindQueue    RunKind = "queue"
	RunKindSingle   RunKind = "single"
)

// SourceStats aggregates per-source outcomes within a run.
type SourceStats struct {
	Attempts int     `json:"attempts"`
	Found    int     `json:"found"`
	NotFound int     `json:"not_found"`
	Failed   int     `json:"failed"`
	Blocked  int     `json:"blocked"`
	CacheHit int     `json:"cache_hit"`
	CostUSD  float64 `json:"cost_usd"`
}

// RunSummary is the start/complete summary of an enrichment run.
type RunSummary struct {
	Processed    int                        `json:"processed"`
	Enriched     int                        `json:"enriched"`
	NotFound     int                        `json:"not_found"`
	Errored      int                        `json:"errored"`
	Skipped      int                        `json:"skipped"`
	FillRate     float64                    `json:"fill_rate"`
	TotalCostUSD float64                    `json:"total_cost_usd"`
	DurationMs   int64                      `json:"duration_ms"`
	Sources      map[SourceType]SourceStats `json:"sources,omitempty"`
}

// EnrichmentRun is the persisted audit row for a batch.
type EnrichmentRun struct {
	ID         string      `json:"id"`
	Kind       RunKind     `json:"kind"`
	Status     RunStatus   `json:"status"`
	DryRun     bool        `json:"dry_run"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Summary    *RunSummary `json:"summary,omitempty"`
}
