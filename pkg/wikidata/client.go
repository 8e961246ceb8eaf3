// Package wikidata queries the Wikidata SPARQL endpoint for structured
// death facts about a person.
package wikidata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
)

// DefaultEndpoint is the public Wikidata Query Service.
const DefaultEndpoint = "https://query.wikidata.org/sparql"

// Person holds the death-related statements found for one entity.
type Person struct {
	QID           string
	Label         string
	CausesOfDeath []string
	MannerOfDeath string
	PlaceOfDeath  string
	DateOfDeath   string
	Article       string
}

// Client looks up people by external identifier.
type Client interface {
	// ByIMDbID resolves a person through the IMDb identifier property (P345).
	ByIMDbID(ctx context.Context, nconst string) (*Person, error)
	// ByQID resolves a person by Wikidata item id.
	ByQID(ctx context.Context, qid string) (*Person, error)
}

// StatusError is returned for non-200 endpoint responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wikidata: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithEndpoint overrides the SPARQL endpoint (for testing).
func WithEndpoint(u string) Option {
	return func(c *httpClient) { c.endpoint = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithUserAgent sets the User-Agent; the query service rejects anonymous agents.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) { c.userAgent = ua }
}

type httpClient struct {
	endpoint  string
	userAgent string
	http      *http.Client
}

// NewClient creates a SPARQL client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		endpoint:  DefaultEndpoint,
		userAgent: "enrich-cli/1.0 (https://deadonfilm.com)",
		http:      &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	nconstRe = regexp.MustCompile(`^nm\d+$`)
	qidRe    = regexp.MustCompile(`^Q\d+$`)
)

const personQuery = `SELECT ?person ?personLabel ?causeLabel ?mannerLabel ?placeLabel ?dod ?article WHERE {
  %s
  OPTIONAL { ?person wdt:P509 ?cause . }
  OPTIONAL { ?person wdt:P1196 ?manner . }
  OPTIONAL { ?person wdt:P20 ?place . }
  OPTIONAL { ?person wdt:P570 ?dod . }
  OPTIONAL { ?article schema:about ?person ; schema:isPartOf <https://en.wikipedia.org/> . }
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
}
LIMIT 20`

func (c *httpClient) ByIMDbID(ctx context.Context, nconst string) (*Person, error) {
	if !nconstRe.MatchString(nconst) {
		return nil, eris.Errorf("wikidata: invalid imdb id %q", nconst)
	}
	return c.query(ctx, fmt.Sprintf(personQuery, fmt.Sprintf(`?person wdt:P345 "%s" .`, nconst)))
}

func (c *httpClient) ByQID(ctx context.Context, qid string) (*Person, error) {
	if !qidRe.MatchString(qid) {
		return nil, eris.Errorf("wikidata: invalid qid %q", qid)
	}
	return c.query(ctx, fmt.Sprintf(personQuery, fmt.Sprintf(`VALUES ?person { wd:%s }`, qid)))
}

// query runs the SPARQL request and folds result rows into one Person.
// Returns nil, nil when no entity matched.
func (c *httpClient) query(ctx context.Context, sparql string) (*Person, error) {
	reqURL := c.endpoint + "?" + url.Values{"query": {sparql}, "format": {"json"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "wikidata: create request")
	}
	req.Header.Set("Accept", "application/sparql-results+json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "wikidata: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrap(err, "wikidata: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if !gjson.ValidBytes(body) {
		return nil, eris.New("wikidata: invalid json response")
	}

	return parseBindings(body), nil
}

func parseBindings(body []byte) *Person {
	rows := gjson.GetBytes(body, "results.bindings").Array()
	if len(rows) == 0 {
		return nil
	}

	p := &Person{}
	seen := map[string]bool{}
	for _, row := range rows {
		if p.QID == "" {
			uri := row.Get("person.value").String()
			p.QID = uri[strings.LastIndex(uri, "/")+1:]
			p.Label = row.Get("personLabel.value").String()
		}
		if cause := row.Get("causeLabel.value").String(); cause != "" && !isUnresolved(cause) && !seen[cause] {
			seen[cause] = true
			p.CausesOfDeath = append(p.CausesOfDeath, cause)
		}
		if m := row.Get("mannerLabel.value").String(); p.MannerOfDeath == "" && !isUnresolved(m) {
			p.MannerOfDeath = m
		}
		if pl := row.Get("placeLabel.value").String(); p.PlaceOfDeath == "" && !isUnresolved(pl) {
			p.PlaceOfDeath = pl
		}
		if d := row.Get("dod.value").String(); p.DateOfDeath == "" && len(d) >= 10 {
			p.DateOfDeath = strings.TrimPrefix(d, "+")[:10]
		}
		if a := row.Get("article.value").String(); p.Article == "" {
			p.Article = a
		}
	}
	return p
}

// isUnresolved reports labels the label service falls back to when an item
// has no English label (a bare QID) or the value is empty.
func isUnresolved(label string) bool {
	return label == "" || qidRe.MatchString(label)
}
