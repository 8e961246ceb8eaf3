package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func breakerWithClock(cfg CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(cfg)
	cb.now = clk.now
	return cb, clk
}

func fail(cb *CircuitBreaker, n int, err error) {
	for i := 0; i < n; i++ {
		if cb.Allow() == nil {
			cb.Record(err)
		}
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	assert.Equal(t, 5, cb.cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cb.cfg.ResetTimeout)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb, _ := breakerWithClock(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	fail(cb, 2, errors.New("boom"))
	assert.Equal(t, CircuitClosed, cb.State())

	fail(cb, 1, errors.New("boom"))
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessClearsStreak(t *testing.T) {
	cb, _ := breakerWithClock(CircuitBreakerConfig{FailureThreshold: 3})

	fail(cb, 2, errors.New("boom"))
	assert.Equal(t, 2, cb.Status().Failures)

	cb.Record(nil)
	st := cb.Status()
	assert.Zero(t, st.Failures)
	assert.Equal(t, CircuitClosed, st.State)
}

func TestCircuitBreaker_SingleTrialAfterTimeout(t *testing.T) {
	cb, clk := breakerWithClock(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	fail(cb, 2, errors.New("boom"))

	clk.advance(30 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	clk.advance(31 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.NoError(t, cb.Allow(), "first caller is the trial")
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "second caller waits for the trial")

	cb.Record(nil)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	cb, clk := breakerWithClock(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	fail(cb, 2, errors.New("boom"))

	clk.advance(2 * time.Minute)
	require.NoError(t, cb.Allow())
	cb.Record(errors.New("still down"))

	st := cb.Status()
	assert.Equal(t, CircuitOpen, st.State)
	assert.Equal(t, 3, st.Failures)
	assert.Equal(t, clk.t, st.OpenedAt)
	assert.Equal(t, "still down", st.LastError)

	clk.advance(30 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "timeout restarts from the failed trial")
}

func TestCircuitBreaker_ReleaseFreesTrial(t *testing.T) {
	cb, clk := breakerWithClock(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	fail(cb, 2, errors.New("boom"))

	clk.advance(2 * time.Minute)
	require.NoError(t, cb.Allow())
	cb.Release()

	st := cb.Status()
	assert.Equal(t, CircuitHalfOpen, st.State, "release records nothing")
	assert.Equal(t, 2, st.Failures)
	require.NoError(t, cb.Allow(), "next caller gets the trial")
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_BatchStaysOpen(t *testing.T) {
	cb, clk := breakerWithClock(BatchBreakerConfig(2))
	fail(cb, 2, NewTransientError(errors.New("bad gateway"), 502))
	require.Equal(t, CircuitOpen, cb.State())

	clk.advance(48 * time.Hour)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
	assert.Equal(t, "batch", cb.Status().Name)
}

func TestCircuitBreaker_BatchCountsOnlySourceLevelFailures(t *testing.T) {
	cb := NewCircuitBreaker(BatchBreakerConfig(3))
	blocked := NewAccessBlocked("https://example.com/obit", 403, "")

	cb.Record(blocked)
	cb.Record(blocked)
	cb.Record(eris.Wrap(ErrNotFound, "no obituary"))
	require.Equal(t, CircuitClosed, cb.State())
	require.Zero(t, cb.Status().Failures, "not found resets the streak")

	cb.Record(blocked)
	cb.Record(blocked)
	assert.Equal(t, CircuitClosed, cb.State())
	cb.Record(blocked)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(0, 0)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.ResetTimeout)

	cfg = FromCircuitConfig(2, 300)
	assert.Equal(t, 2, cfg.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.ResetTimeout)
	require.NotNil(t, cfg.ShouldTrip)
	assert.False(t, cfg.ShouldTrip(ErrNotFound))
	assert.True(t, cfg.ShouldTrip(NewTransientError(errors.New("x"), 503)))
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := breakerWithClock(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	fail(cb, 1, errors.New("boom"))
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	st := cb.Status()
	assert.Equal(t, CircuitClosed, st.State)
	assert.Empty(t, st.LastError)
	assert.True(t, st.OpenedAt.IsZero())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_ConcurrentUse(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() != nil {
				return
			}
			if i%2 == 0 {
				cb.Record(errors.New("boom"))
				return
			}
			cb.Record(nil)
			_ = cb.Status()
		}()
	}
	wg.Wait()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestServiceBreakers(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	claude := sb.Get("claude")
	assert.Same(t, claude, sb.Get("claude"))
	assert.NotSame(t, claude, sb.Get("wikidata"))

	claude.Record(errors.New("boom"))

	snap := sb.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "claude", snap[0].Name)
	assert.Equal(t, "open", snap[0].StateName)
	assert.Equal(t, "wikidata", snap[1].Name)
	assert.Equal(t, CircuitClosed, snap[1].State)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}
