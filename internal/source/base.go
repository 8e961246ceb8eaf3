package source

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/resilience"
)

// wrapped applies pacing, timeout, and result shaping around a Performer.
type wrapped struct {
	p       Performer
	desc    model.SourceDescriptor
	limiter *rate.Limiter
	now     func() time.Time
}

// Wrap turns a Performer into a Source. Each wrapped source paces itself
// to its own MinDelay; there is no global limiter.
func Wrap(p Performer) Source {
	desc := p.Descriptor()
	limit := rate.Inf
	if desc.MinDelay > 0 {
		limit = rate.Every(desc.MinDelay)
	}
	return &wrapped{
		p:       p,
		desc:    desc,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
}

func (w *wrapped) Descriptor() model.SourceDescriptor { return w.desc }

func (w *wrapped) IsAvailable() bool { return w.p.IsAvailable() }

func (w *wrapped) Lookup(ctx context.Context, subject model.Subject) (*model.SourceLookupResult, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "source: %s: wait for rate limit", w.desc.Type)
	}

	if w.desc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.desc.Timeout)
		defer cancel()
	}

	start := w.now()
	lk, err := w.p.PerformLookup(ctx, subject)
	entry := model.SourceEntry{
		Source:      w.desc.Type,
		RetrievedAt: start,
		Duration:    w.now().Sub(start),
	}
	if lk != nil {
		entry.CostUSD = lk.CostUSD
		entry.URL = lk.URL
		entry.Strategy = lk.Strategy
	}

	if err != nil {
		if IsAccessBlocked(err) {
			return nil, err
		}
		if errors.Is(err, resilience.ErrNotFound) {
			return model.NotFound(entry), nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = eris.Wrapf(err, "source: %s: timed out after %s", w.desc.Type, w.desc.Timeout)
		}
		return model.Failed(entry, err), nil
	}

	if lk == nil {
		return model.NotFound(entry), nil
	}

	entry.SelfReportedLow = lk.SelfReportedLow
	if len(lk.RawPayload) > 0 {
		entry.RawPayload = rawJSON(lk.RawPayload)
	}

	if lk.Data.IsEmpty() {
		return model.NotFound(entry), nil
	}
	return model.Found(entry, lk.Data), nil
}

// rawJSON keeps valid JSON payloads as-is and quotes anything else so the
// entry always marshals.
func rawJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
