package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReliabilityTierOrdering(t *testing.T) {
	t.Parallel()

	assert.True(t, TierArchival.MoreReliableThan(TierTier1News))
	assert.True(t, TierAIModel.MoreReliableThan(TierUnreliableUGC))
	assert.False(t, TierUnreliableUGC.MoreReliableThan(TierArchival))
	assert.False(t, TierReference.MoreReliableThan(TierReference))
}

func TestParseReliabilityTier(t *testing.T) {
	t.Parallel()

	for tier, name := range tierNames {
		got, err := ParseReliabilityTier(name)
		require.NoError(t, err)
		assert.Equal(t, tier, got)
		assert.Equal(t, name, tier.String())
	}

	_, err := ParseReliabilityTier("gossip")
	assert.Error(t, err)
	assert.Equal(t, "unknown", ReliabilityTier(99).String())
}

func TestReliabilityTierJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(SourceDescriptor{Type: "wikidata", ReliabilityTier: TierReference})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"reliability_tier":"reference"`)

	var d SourceDescriptor
	require.NoError(t, json.Unmarshal(b, &d))
	assert.Equal(t, TierReference, d.ReliabilityTier)

	assert.Error(t, json.Unmarshal([]byte(`{"reliability_tier":"bogus"}`), &d))
}

func TestSourceLookupResultConstructors(t *testing.T) {
	t.Parallel()

	entry := SourceEntry{Source: "claude", Confidence: 0.5}

	found := Found(entry, &EnrichmentData{Circumstances: "x"})
	assert.True(t, found.Success)
	assert.NoError(t, found.Validate())
	assert.False(t, found.IsNotFound())

	miss := NotFound(entry)
	assert.False(t, miss.Success)
	assert.True(t, miss.IsNotFound())
	assert.NoError(t, miss.Validate())

	failed := Failed(entry, errors.New("timeout"))
	assert.Equal(t, "timeout", failed.Error)
	assert.False(t, failed.IsNotFound())
}

func TestSourceLookupResultValidate(t *testing.T) {
	t.Parallel()

	bad := &SourceLookupResult{Success: true, Entry: SourceEntry{Source: "x"}}
	assert.Error(t, bad.Validate())

	outOfRange := NotFound(SourceEntry{Confidence: 1.2})
	assert.Error(t, outOfRange.Validate())

	var nilResult *SourceLookupResult
	assert.Error(t, nilResult.Validate())
}

func TestJobRunTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, (&JobRun{Status: JobStatusCompleted}).Terminal())
	assert.True(t, (&JobRun{Status: JobStatusFailed, Attempts: 3, MaxAttempts: 3}).Terminal())
	assert.False(t, (&JobRun{Status: JobStatusFailed, Attempts: 1, MaxAttempts: 3}).Terminal())
	assert.False(t, (&JobRun{Status: JobStatusPending}).Terminal())
	assert.True(t, JobStatusDelayed.IsValid())
	assert.False(t, JobStatus("paused").IsValid())
}
