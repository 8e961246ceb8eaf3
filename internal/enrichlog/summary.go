package enrichlog

import (
	"math"
	"sync"
	"time"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

// SubjectOutcome classifies a processed subject for the run summary.
type SubjectOutcome int

const (
	SubjectEnriched SubjectOutcome = iota
	SubjectNotFound
	SubjectErrored
	SubjectSkipped
)

// Summary accumulates a RunSummary. It is safe for concurrent use and also
// acts as an Observer so per-source stats come from the same events the
// logger sees.
type Summary struct {
	mu      sync.Mutex
	start   time.Time
	now     func() time.Time
	counts  model.RunSummary
	sources map[model.SourceType]model.SourceStats
}

// NewSummary starts a summary clock. A nil now uses time.Now.
func NewSummary(now func() time.Time) *Summary {
	if now == nil {
		now = time.Now
	}
	return &Summary{start: now(), now: now, sources: make(map[model.SourceType]model.SourceStats)}
}

func (s *Summary) AttemptStarted(model.Subject, model.SourceType) {}

func (s *Summary) AttemptFinished(_ model.Subject, a model.SourceAttempt) {
	if !a.Status.Ran() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.sources[a.Source]
	st.Attempts++
	st.CostUSD += a.CostUSD
	switch a.Status {
	case model.AttemptFound:
		st.Found++
		if a.Cached {
			st.CacheHit++
		}
	case model.AttemptNotFound:
		st.NotFound++
	case model.AttemptFailed:
		st.Failed++
	case model.AttemptBlocked:
		st.Blocked++
	}
	s.sources[a.Source] = st
	s.counts.TotalCostUSD += a.CostUSD
}

// Subject records the final outcome of one subject.
func (s *Summary) Subject(o SubjectOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.Processed++
	switch o {
	case SubjectEnriched:
		s.counts.Enriched++
	case SubjectNotFound:
		s.counts.NotFound++
	case SubjectErrored:
		s.counts.Errored++
	case SubjectSkipped:
		s.counts.Skipped++
	}
}

// Snapshot returns the summary so far.
func (s *Summary) Snapshot() model.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.counts
	out.TotalCostUSD = math.Round(out.TotalCostUSD*1e6) / 1e6
	out.DurationMs = s.now().Sub(s.start).Milliseconds()
	if out.Processed > 0 {
		out.FillRate = math.Round(float64(out.Enriched)/float64(out.Processed)*1e4) / 1e4
	}
	if len(s.sources) > 0 {
		out.Sources = make(map[model.SourceType]model.SourceStats, len(s.sources))
		for k, v := range s.sources {
			out.Sources[k] = v
		}
	}
	return out
}
