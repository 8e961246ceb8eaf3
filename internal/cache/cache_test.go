package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

type memBackend struct {
	rows   map[model.CacheKey]model.CachedLookup
	gets   int
	getErr error
	setErr error
}

func newMemBackend() *memBackend {
	return &memBackend{rows: make(map[model.CacheKey]model.CachedLookup)}
}

func (b *memBackend) GetCachedLookup(_ context.Context, key model.CacheKey) (*model.CachedLookup, error) {
	b.gets++
	if b.getErr != nil {
		return nil, b.getErr
	}
	e, ok := b.rows[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (b *memBackend) SetCachedLookup(_ context.Context, e model.CachedLookup) error {
	if b.setErr != nil {
		return b.setErr
	}
	b.rows[e.Key] = e
	return nil
}

func (b *memBackend) DeleteExpiredLookups(_ context.Context, now time.Time) (int, error) {
	n := 0
	for k, e := range b.rows {
		if !now.Before(e.ExpiresAt) {
			delete(b.rows, k)
			n++
		}
	}
	return n, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func subject() model.Subject {
	d := time.Date(1999, 7, 16, 0, 0, 0, 0, time.UTC)
	return model.Subject{ID: 7, Name: "Jane Doe", Deathday: &d, ExternalIDs: model.ExternalIDs{IMDbID: "nm0000007"}}
}

func found(cost float64) *model.SourceLookupResult {
	return model.Found(model.SourceEntry{Source: "variety", CostUSD: cost, Duration: time.Second},
		&model.EnrichmentData{CauseOfDeath: "plane crash"})
}

var trade = model.SourceDescriptor{Type: "variety", ReliabilityTier: model.TierTradePress}

func TestFingerprint(t *testing.T) {
	s := subject()
	fp := Fingerprint(s)
	assert.Len(t, fp, fingerprintLen)

	accented := s
	accented.Name = "  JANE   Doé "
	assert.Equal(t, fp, Fingerprint(accented), "name normalization")

	moved := s
	d := s.Deathday.AddDate(0, 0, 1)
	moved.Deathday = &d
	assert.NotEqual(t, fp, Fingerprint(moved))

	linked := s
	linked.ExternalIDs.WikidataID = "Q1"
	assert.NotEqual(t, fp, Fingerprint(linked))

	assert.Equal(t, model.CacheKey{SubjectID: 7, Source: "x", Fingerprint: fp}, KeyFor(s, "x"))
}

func TestPolicyFromConfig(t *testing.T) {
	p, err := PolicyFromConfig(map[string]int{"ai_model": 48, "marginal": 0})
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, p.TTL(model.TierAIModel))
	assert.Equal(t, time.Duration(0), p.TTL(model.TierMarginal))
	assert.Equal(t, 90*day, p.TTL(model.TierArchival))

	_, err = PolicyFromConfig(map[string]int{"gossip": 1})
	assert.Error(t, err)
	_, err = PolicyFromConfig(map[string]int{"archival": -1})
	assert.Error(t, err)
}

func TestQueryCache_PutGet(t *testing.T) {
	b := newMemBackend()
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(b, nil, WithClock(clk.now))
	ctx := context.Background()

	_, ok := c.Get(ctx, subject(), trade)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, subject(), trade, found(0.02)))
	require.Len(t, b.rows, 1)

	got, ok := c.Get(ctx, subject(), trade)
	require.True(t, ok)
	assert.True(t, got.Entry.Cached)
	assert.Zero(t, got.Entry.CostUSD)
	assert.Zero(t, got.Entry.Duration)
	assert.Equal(t, "plane crash", got.Data.CauseOfDeath)

	clk.advance(7*day - time.Second)
	_, ok = c.Get(ctx, subject(), trade)
	assert.True(t, ok)

	clk.advance(time.Second)
	_, ok = c.Get(ctx, subject(), trade)
	assert.False(t, ok, "entry at its ttl is stale")
}

func TestQueryCache_NeverWritesMisses(t *testing.T) {
	b := newMemBackend()
	c := New(b, nil)
	ctx := context.Background()

	entry := model.SourceEntry{Source: "variety"}
	require.NoError(t, c.Put(ctx, subject(), trade, model.NotFound(entry)))
	require.NoError(t, c.Put(ctx, subject(), trade, model.Failed(entry, errors.New("boom"))))
	require.NoError(t, c.Put(ctx, subject(), trade, model.Found(entry, &model.EnrichmentData{})))
	require.NoError(t, c.Put(ctx, subject(), trade, nil))
	assert.Empty(t, b.rows)
}

func TestQueryCache_TightenedPolicyApplies(t *testing.T) {
	b := newMemBackend()
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	ctx := context.Background()
	require.NoError(t, New(b, nil, WithClock(clk.now)).Put(ctx, subject(), trade, found(0)))

	clk.advance(2 * day)
	tight, err := PolicyFromConfig(map[string]int{"trade_press": 24})
	require.NoError(t, err)
	_, ok := New(b, tight, WithClock(clk.now)).Get(ctx, subject(), trade)
	assert.False(t, ok)
}

func TestQueryCache_BackendErrorIsMiss(t *testing.T) {
	b := newMemBackend()
	b.getErr = errors.New("database is locked")
	_, ok := New(b, nil).Get(context.Background(), subject(), trade)
	assert.False(t, ok)

	b.setErr = errors.New("disk full")
	assert.Error(t, New(b, nil).Put(context.Background(), subject(), trade, found(0)))
}

func TestQueryCache_Memo(t *testing.T) {
	b := newMemBackend()
	c := New(b, nil, WithMemo())
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, subject(), trade, found(0)))

	_, ok := c.Get(ctx, subject(), trade)
	require.True(t, ok)
	_, ok = c.Get(ctx, subject(), trade)
	require.True(t, ok)
	assert.Zero(t, b.gets, "memo answers without the backend")
}

func TestQueryCache_Prune(t *testing.T) {
	b := newMemBackend()
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(b, nil, WithClock(clk.now), WithMemo())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, subject(), trade, found(0)))
	ai := model.SourceDescriptor{Type: "claude", ReliabilityTier: model.TierAIModel}
	require.NoError(t, c.Put(ctx, subject(), ai, found(0)))

	clk.advance(8 * day)
	n, err := c.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, b.rows, 1)
	assert.Len(t, c.memo, 1)
}

func TestQueryCache_Nil(t *testing.T) {
	var c *QueryCache
	_, ok := c.Get(context.Background(), subject(), trade)
	assert.False(t, ok)
	assert.NoError(t, c.Put(context.Background(), subject(), trade, found(0)))
	n, err := c.Prune(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}
