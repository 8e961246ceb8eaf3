// Package source defines the lookup-source contract, the shared lookup
// decorator, the ordered registry, and the concrete sources.
package source

import (
	"context"

	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/resilience"
)

// Source is one external lookup site.
//
// Lookup returns a non-nil result for every outcome except access-blocked,
// which comes back as an *AccessBlockedError and no result.
type Source interface {
	Descriptor() model.SourceDescriptor
	IsAvailable() bool
	Lookup(ctx context.Context, subject model.Subject) (*model.SourceLookupResult, error)
}

// Performer is the site-specific half of a source. PerformLookup may return
// (nil, nil) for a clean miss; Wrap turns it into a NotFound result. A paid
// call that fails after billing returns its Lookup alongside the error so
// the cost still reaches the entry.
type Performer interface {
	Descriptor() model.SourceDescriptor
	IsAvailable() bool
	PerformLookup(ctx context.Context, subject model.Subject) (*Lookup, error)
}

// Lookup is what a performer hands back on a hit.
type Lookup struct {
	Data            *model.EnrichmentData
	CostUSD         float64
	URL             string
	Strategy        string
	RawPayload      []byte
	SelfReportedLow bool
}

// AccessBlockedError is the distinguished access-denied error.
type AccessBlockedError = resilience.AccessBlockedError

// IsAccessBlocked reports whether err is or wraps an AccessBlockedError.
func IsAccessBlocked(err error) bool {
	return resilience.IsAccessBlocked(err)
}
