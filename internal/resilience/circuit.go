// Package resilience holds the failure handling shared by enrichment
// sources, the fetch layer, the job queue and batch drivers.
package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is where a breaker sits in its closed/open cycle.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	// CircuitHalfOpen admits a single trial call after the reset timeout.
	CircuitHalfOpen
)

var stateNames = map[CircuitState]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half-open",
}

func (s CircuitState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig configures one breaker.
type CircuitBreakerConfig struct {
	Name string
	// FailureThreshold consecutive tripping failures open the circuit. Default 5.
	FailureThreshold int
	// ResetTimeout is how long an open circuit waits before a trial call. Default 30s.
	ResetTimeout time.Duration
	// NoAutoReset keeps an open circuit open for the breaker's lifetime.
	NoAutoReset bool
	// ShouldTrip selects the errors that count. Others reset the streak.
	// Nil counts every non-nil error.
	ShouldTrip func(err error) bool
}

// DefaultCircuitBreakerConfig is the per-source breaker used when nothing is configured.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// FromCircuitConfig builds a per-source breaker config from the settings
// file. Only source-level failures trip it.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	cfg.ShouldTrip = IsSourceLevelFailure
	return cfg
}

// BatchBreakerConfig is the breaker a batch driver checks before each item.
// Once open it never closes, so an aborted batch stays aborted.
func BatchBreakerConfig(threshold int) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             "batch",
		FailureThreshold: threshold,
		NoAutoReset:      true,
		ShouldTrip:       IsSourceLevelFailure,
	}
}

// BreakerStatus is a point-in-time view of a breaker.
type BreakerStatus struct {
	Name      string       `json:"name"`
	State     CircuitState `json:"-"`
	StateName string       `json:"state"`
	Failures  int          `json:"consecutive_failures"`
	OpenedAt  time.Time    `json:"opened_at,omitzero"`
	LastError string       `json:"last_error,omitempty"`
}

// CircuitBreaker tracks consecutive failures of one dependency.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trialing  bool
	lastErr  error
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Allow returns ErrCircuitOpen when the call must not proceed. Once the
// reset timeout passes, exactly one caller is admitted as a trial and the
// rest are rejected until Record sees its outcome.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitHalfOpen:
		if cb.trialing {
			return ErrCircuitOpen
		}
		cb.trialing = true
		return nil
	}
	if !cb.cooledDown() {
		return ErrCircuitOpen
	}
	cb.moveTo(CircuitHalfOpen)
	cb.trialing = true
	return nil
}

// Record feeds a call outcome into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialing = false
	if !cb.trips(err) {
		cb.failures = 0
		if cb.state == CircuitHalfOpen {
			cb.moveTo(CircuitClosed)
		}
		return
	}

	cb.failures++
	cb.lastErr = err
	reopen := cb.state == CircuitHalfOpen
	if reopen || (cb.state == CircuitClosed && cb.failures >= cb.cfg.FailureThreshold) {
		cb.openedAt = cb.now()
		cb.moveTo(CircuitOpen)
	}
}

// Release abandons an admitted call without recording an outcome, freeing
// the half-open trial slot for the next caller.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialing = false
}

// State reports the current state. An open breaker past its reset timeout
// reads as half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cooledDown() {
		return CircuitHalfOpen
	}
	return cb.state
}

// Status snapshots the breaker.
func (cb *CircuitBreaker) Status() BreakerStatus {
	state := cb.State()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := BreakerStatus{
		Name:      cb.cfg.Name,
		State:     state,
		StateName: state.String(),
		Failures:  cb.failures,
	}
	if state != CircuitClosed {
		st.OpenedAt = cb.openedAt
	}
	if cb.lastErr != nil {
		st.LastError = cb.lastErr.Error()
	}
	return st
}

// Reset closes the breaker and clears its streak.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.trialing = false
	cb.lastErr = nil
	if cb.state != CircuitClosed {
		cb.moveTo(CircuitClosed)
	}
}

func (cb *CircuitBreaker) trips(err error) bool {
	if err == nil {
		return false
	}
	if cb.cfg.ShouldTrip == nil {
		return true
	}
	return cb.cfg.ShouldTrip(err)
}

func (cb *CircuitBreaker) cooledDown() bool {
	return !cb.cfg.NoAutoReset && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) moveTo(to CircuitState) {
	zap.L().Debug("resilience: breaker state change",
		zap.String("breaker", cb.cfg.Name),
		zap.Stringer("from", cb.state),
		zap.Stringer("to", to),
		zap.Int("consecutive_failures", cb.failures),
	)
	cb.state = to
}

// ServiceBreakers lazily creates one breaker per source name.
type ServiceBreakers struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewServiceBreakers returns an empty registry whose breakers share cfg.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{cfg: cfg, breakers: map[string]*CircuitBreaker{}}
}

// Get returns the breaker for name, creating it on first use.
func (sb *ServiceBreakers) Get(name string) *CircuitBreaker {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if cb, ok := sb.breakers[name]; ok {
		return cb
	}
	cfg := sb.cfg
	cfg.Name = name
	cb := NewCircuitBreaker(cfg)
	sb.breakers[name] = cb
	return cb
}

// Snapshot returns every breaker's status, sorted by name.
func (sb *ServiceBreakers) Snapshot() []BreakerStatus {
	sb.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(sb.breakers))
	for _, cb := range sb.breakers {
		list = append(list, cb)
	}
	sb.mu.Unlock()

	out := make([]BreakerStatus, len(list))
	for i, cb := range list {
		out[i] = cb.Status()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
