package source

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich-cli/internal/fetch"
	"github.com/deadonfilm/enrich-cli/internal/model"
)

// PageFetcher retrieves a page through the resilient fetch layer.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Result, error)
}

// PageSite describes a configured news or obituary site.
type PageSite struct {
	Type          model.SourceType
	Name          string
	Tier          model.ReliabilityTier
	URLTemplate   string
	CostPerQuery  float64
	MinDelay      time.Duration
	Timeout       time.Duration
	RequiresLogin bool
}

// Page fetches a templated URL for the subject and extracts death sentences.
type Page struct {
	site    PageSite
	fetcher PageFetcher
}

// NewPage creates a page source. The template may use {name}, {slug},
// {year}, and {imdb} placeholders.
func NewPage(site PageSite, fetcher PageFetcher) (*Page, error) {
	if site.Type == "" {
		return nil, eris.New("source: page site without type")
	}
	if site.URLTemplate == "" {
		return nil, eris.Errorf("source: page site %s without url template", site.Type)
	}
	if site.Name == "" {
		site.Name = string(site.Type)
	}
	if site.Timeout == 0 {
		site.Timeout = 45 * time.Second
	}
	return &Page{site: site, fetcher: fetcher}, nil
}

func (p *Page) Descriptor() model.SourceDescriptor {
	return model.SourceDescriptor{
		Type:                  p.site.Type,
		Name:                  p.site.Name,
		IsFree:                p.site.CostPerQuery == 0,
		EstimatedCostPerQuery: p.site.CostPerQuery,
		ReliabilityTier:       p.site.Tier,
		MinDelay:              p.site.MinDelay,
		Timeout:               p.site.Timeout,
		RequiresLogin:         p.site.RequiresLogin,
	}
}

func (p *Page) IsAvailable() bool { return p.fetcher != nil }

func (p *Page) PerformLookup(ctx context.Context, subject model.Subject) (*Lookup, error) {
	target, ok := expandTemplate(p.site.URLTemplate, subject)
	if !ok {
		return nil, nil
	}

	res, err := p.fetcher.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}

	lk := &Lookup{
		CostUSD:  res.CostUSD,
		URL:      target,
		Strategy: res.Strategy,
	}
	d := FromText(res.Content, subject, target)
	if d == nil {
		return lk, nil
	}
	lk.Data = d
	lk.RawPayload, _ = json.Marshal(map[string]any{
		"title":     res.Title,
		"final_url": res.FinalURL,
		"tried":     res.Tried,
		"excerpt":   d.Circumstances,
	})
	return lk, nil
}

// expandTemplate fills the URL placeholders. It reports false when the
// template needs a value the subject does not have.
func expandTemplate(tmpl string, s model.Subject) (string, bool) {
	if strings.Contains(tmpl, "{year}") && s.DeathYear() == 0 {
		return "", false
	}
	if strings.Contains(tmpl, "{imdb}") && s.ExternalIDs.IMDbID == "" {
		return "", false
	}
	r := strings.NewReplacer(
		"{name}", url.QueryEscape(s.Name),
		"{slug}", slugify(s.Name),
		"{year}", strconv.Itoa(s.DeathYear()),
		"{imdb}", s.ExternalIDs.IMDbID,
	)
	return r.Replace(tmpl), true
}

func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range model.NormalizeName(name) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
