package fetch

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich-cli/internal/resilience"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	defaultMaxBody   = 1 << 20
	minContentBytes  = 100
)

// DirectStrategy fetches HTML over plain HTTP with a browser-like identity.
type DirectStrategy struct {
	client    *http.Client
	userAgent string
	maxBody   int64
}

// DirectOption configures a DirectStrategy.
type DirectOption func(*DirectStrategy)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) DirectOption {
	return func(d *DirectStrategy) { d.client = hc }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) DirectOption {
	return func(d *DirectStrategy) {
		if ua != "" {
			d.userAgent = ua
		}
	}
}

// WithMaxBodyBytes caps how much of a response body is read.
func WithMaxBodyBytes(n int64) DirectOption {
	return func(d *DirectStrategy) {
		if n > 0 {
			d.maxBody = n
		}
	}
}

// WithTimeout sets the overall request timeout.
func WithTimeout(timeout time.Duration) DirectOption {
	return func(d *DirectStrategy) {
		if timeout > 0 {
			d.client.Timeout = timeout
		}
	}
}

// NewDirect creates a DirectStrategy with sensible defaults.
func NewDirect(opts ...DirectOption) *DirectStrategy {
	d := &DirectStrategy{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		userAgent: defaultUserAgent,
		maxBody:   defaultMaxBody,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DirectStrategy) Name() string { return "direct" }

func (d *DirectStrategy) Applies(target *url.URL) bool {
	return target.Scheme == "http" || target.Scheme == "https"
}

// Fetch retrieves target. 401/403/429 and detected bot walls return an
// access-blocked error; 404 wraps resilience.ErrNotFound; 5xx is transient.
func (d *DirectStrategy) Fetch(ctx context.Context, target *url.URL) (*Result, error) {
	return d.get(ctx, target.String())
}

func (d *DirectStrategy) get(ctx context.Context, rawURL string) (*Result, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetch: direct create request")
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "fetch: direct request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBody))
	if err != nil {
		return nil, eris.Wrap(err, "fetch: direct read body")
	}

	if kind := ClassifyBlock(resp.StatusCode, resp.Header, body); kind != BlockNone {
		code := resp.StatusCode
		if code < 400 {
			code = http.StatusForbidden
		}
		return nil, resilience.NewAccessBlocked(rawURL, code, string(kind))
	}
	switch {
	case resilience.IsAccessBlockedStatus(resp.StatusCode):
		return nil, resilience.NewAccessBlocked(rawURL, resp.StatusCode, "")
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, eris.Wrapf(resilience.ErrNotFound, "fetch: direct status %d for %s", resp.StatusCode, rawURL)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(eris.Errorf("fetch: direct status %d for %s", resp.StatusCode, rawURL), resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, eris.Errorf("fetch: direct status %d for %s", resp.StatusCode, rawURL)
	}

	if len(body) < minContentBytes {
		return nil, eris.Errorf("fetch: direct empty page %s", rawURL)
	}

	html := string(body)
	return &Result{
		URL:        rawURL,
		FinalURL:   resp.Request.URL.String(),
		Title:      ExtractTitle(html),
		Content:    StripHTML(html),
		StatusCode: resp.StatusCode,
		Duration:   time.Since(start),
	}, nil
}
