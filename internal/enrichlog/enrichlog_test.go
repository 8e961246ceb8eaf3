package enrichlog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

var jane = model.Subject{ID: 3, Name: "Jane Doe"}

func TestEventName(t *testing.T) {
	tests := []struct {
		attempt model.SourceAttempt
		want    string
	}{
		{model.SourceAttempt{Status: model.AttemptFound}, EventSourceSuccess},
		{model.SourceAttempt{Status: model.AttemptFound, Cached: true}, EventCacheHit},
		{model.SourceAttempt{Status: model.AttemptNotFound}, EventSourceNotFound},
		{model.SourceAttempt{Status: model.AttemptFailed}, EventSourceFailure},
		{model.SourceAttempt{Status: model.AttemptBlocked}, EventSourceBlocked},
		{model.SourceAttempt{Status: model.AttemptCircuitOpen}, EventSourceSkipped},
		{model.SourceAttempt{Status: model.AttemptBudgetSkipped}, EventSourceSkipped},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, EventName(tt.attempt))
		})
	}
}

func TestLogger_AttemptFinished(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.AttemptStarted(jane, "claude")
	l.AttemptFinished(jane, model.SourceAttempt{
		Source: "claude", Status: model.AttemptFound, Confidence: 0.8, CostUSD: 0.01,
		Latency: 1500 * time.Millisecond,
	})
	l.AttemptFinished(jane, model.SourceAttempt{
		Source: "legacy", Status: model.AttemptFailed, Strategy: "archive", Error: "timed out",
	})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, EventSourceAttempt, entries[0].Message)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)

	ok := entries[1].ContextMap()
	assert.Equal(t, int64(3), ok["actor_id"])
	assert.Equal(t, "claude", ok["source"])
	assert.Equal(t, "found", ok["outcome"])
	assert.Equal(t, int64(1500), ok["latency_ms"])
	assert.Equal(t, 0.8, ok["confidence"])

	failed := entries[2]
	assert.Equal(t, zapcore.WarnLevel, failed.Level)
	assert.Equal(t, "archive", failed.ContextMap()["strategy"])
	assert.Equal(t, "timed out", failed.ContextMap()["error"])
	assert.NotContains(t, failed.ContextMap(), "confidence")
}

func TestLogger_Run(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := New(zap.New(core))
	run := model.EnrichmentRun{ID: "r1", Kind: model.RunKindBackfill, Status: model.RunStatusCircuitOpen}

	l.RunStarted(run, 10)
	l.RunCompleted(run, model.RunSummary{Processed: 4, Enriched: 1, FillRate: 0.25})

	require.Equal(t, 2, logs.Len())
	done := logs.FilterMessage(EventRunCompleted).All()[0].ContextMap()
	assert.Equal(t, "circuit_open", done["status"])
	assert.Equal(t, int64(4), done["processed"])
	assert.Equal(t, 0.25, done["fill_rate"])
}

func TestSummary(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	s := NewSummary(func() time.Time { return now })

	s.AttemptFinished(jane, model.SourceAttempt{Source: "wikidata", Status: model.AttemptNotFound})
	s.AttemptFinished(jane, model.SourceAttempt{Source: "claude", Status: model.AttemptFound, CostUSD: 0.012})
	s.AttemptFinished(jane, model.SourceAttempt{Source: "claude", Status: model.AttemptFound, Cached: true})
	s.AttemptFinished(jane, model.SourceAttempt{Source: "legacy", Status: model.AttemptBlocked})
	s.AttemptFinished(jane, model.SourceAttempt{Source: "perplexity", Status: model.AttemptUnavailable})
	s.Subject(SubjectEnriched)
	s.Subject(SubjectNotFound)
	s.Subject(SubjectErrored)
	now = now.Add(2 * time.Second)

	sum := s.Snapshot()
	assert.Equal(t, 3, sum.Processed)
	assert.Equal(t, 1, sum.Enriched)
	assert.Equal(t, 1, sum.NotFound)
	assert.Equal(t, 1, sum.Errored)
	assert.InDelta(t, 0.3333, sum.FillRate, 1e-9)
	assert.InDelta(t, 0.012, sum.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(2000), sum.DurationMs)

	assert.Equal(t, model.SourceStats{Attempts: 2, Found: 2, CacheHit: 1, CostUSD: 0.012}, sum.Sources["claude"])
	assert.Equal(t, 1, sum.Sources["legacy"].Blocked)
	assert.NotContains(t, sum.Sources, model.SourceType("perplexity"))
}

func TestSummary_Concurrent(t *testing.T) {
	s := NewSummary(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AttemptFinished(jane, model.SourceAttempt{Source: "claude", Status: model.AttemptFound, CostUSD: 0.001})
			s.Subject(SubjectEnriched)
		}()
	}
	wg.Wait()
	sum := s.Snapshot()
	assert.Equal(t, 50, sum.Processed)
	assert.Equal(t, 1.0, sum.FillRate)
	assert.InDelta(t, 0.05, sum.TotalCostUSD, 1e-9)
}

func TestObservers(t *testing.T) {
	a, b := NewSummary(nil), NewSummary(nil)
	obs := Observers{a, b}
	obs.AttemptStarted(jane, "x")
	obs.AttemptFinished(jane, model.SourceAttempt{Source: "x", Status: model.AttemptFound})
	assert.Equal(t, 1, a.Snapshot().Sources["x"].Found)
	assert.Equal(t, 1, b.Snapshot().Sources["x"].Found)
}
