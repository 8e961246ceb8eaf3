package fetch

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich-cli/internal/resilience"
	"github.com/deadonfilm/enrich-cli/pkg/wayback"
)

// ArchiveStrategy substitutes the closest Wayback Machine capture for a
// page the live site refused to serve.
type ArchiveStrategy struct {
	client wayback.Client
	direct *DirectStrategy
}

// NewArchive creates an ArchiveStrategy. Snapshots are fetched with direct.
func NewArchive(client wayback.Client, direct *DirectStrategy) *ArchiveStrategy {
	return &ArchiveStrategy{client: client, direct: direct}
}

func (a *ArchiveStrategy) Name() string { return "archive" }

func (a *ArchiveStrategy) Applies(target *url.URL) bool {
	host := strings.ToLower(target.Hostname())
	return host != "web.archive.org" && host != "archive.org"
}

func (a *ArchiveStrategy) Fetch(ctx context.Context, target *url.URL) (*Result, error) {
	start := time.Now()
	snap, err := a.client.Closest(ctx, target.String())
	if err != nil {
		return nil, eris.Wrap(err, "fetch: archive lookup")
	}
	if snap == nil {
		return nil, eris.Wrapf(resilience.ErrNotFound, "fetch: no archived snapshot for %s", target)
	}

	raw := wayback.RawURL(snap)
	res, err := a.direct.get(ctx, raw)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: archive snapshot %s", snap.Timestamp)
	}
	res.URL = target.String()
	res.FinalURL = raw
	res.Duration = time.Since(start)
	return res, nil
}
