// Package wayback provides a client for the Internet Archive availability API.
package wayback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Client looks up archived snapshots.
type Client interface {
	// Closest returns the snapshot closest to now, or nil when the URL was
	// never archived.
	Closest(ctx context.Context, targetURL string) (*Snapshot, error)
}

// Snapshot is a single archived capture.
type Snapshot struct {
	URL       string `json:"url"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	Available bool   `json:"available"`
}

type availabilityResponse struct {
	ArchivedSnapshots struct {
		Closest *Snapshot `json:"closest"`
	} `json:"archived_snapshots"`
}

// Option configures the wayback client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a new availability API client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "https://archive.org",
		http:    &http.Client{Timeout: 20 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Closest(ctx context.Context, targetURL string) (*Snapshot, error) {
	endpoint := fmt.Sprintf("%s/wayback/available?url=%s", c.baseURL, url.QueryEscape(targetURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "wayback: create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "wayback: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, eris.Wrap(err, "wayback: read body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var ar availabilityResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, eris.Wrap(err, "wayback: decode response")
	}
	snap := ar.ArchivedSnapshots.Closest
	if snap == nil || !snap.Available || snap.URL == "" {
		return nil, nil
	}
	return snap, nil
}

// StatusError is returned for non-200 availability responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wayback: status %d: %s", e.StatusCode, e.Body)
}

// RawURL rewrites a snapshot URL into id_ mode, which serves the original
// bytes without the archive toolbar or rewritten links.
func RawURL(s *Snapshot) string {
	if s == nil {
		return ""
	}
	if s.Timestamp == "" {
		return s.URL
	}
	marker := "/web/" + s.Timestamp + "/"
	if !strings.Contains(s.URL, marker) {
		return s.URL
	}
	return strings.Replace(s.URL, marker, "/web/"+s.Timestamp+"id_/", 1)
}
