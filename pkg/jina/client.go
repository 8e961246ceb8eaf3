// Package jina is a client for the Jina AI search endpoint (s.jina.ai).
package jina

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

const defaultSearchBaseURL = "https://s.jina.ai"

// Client searches the web.
type Client interface {
	Search(ctx context.Context, req Request) (*Results, error)
}

// Request is one search. Sites restricts results to those domains.
type Request struct {
	Query string
	Sites []string
	Count int
}

// Results holds the hits in rank order. An empty Hits slice means the
// engine had nothing for the query.
type Results struct {
	Hits   []Hit
	Tokens int
}

// Hit is one search result. Content is the page text when Jina read it.
type Hit struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Content     string `json:"content"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Usage       struct {
		Tokens int `json:"tokens"`
	} `json:"usage"`
}

// Text returns the page content, or the description when Jina returned none.
func (h Hit) Text() string {
	if strings.TrimSpace(h.Content) != "" {
		return h.Content
	}
	return h.Description
}

// StatusError is returned for non-200 responses other than 422.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("jina: search unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithSearchBaseURL sets the search base URL.
func WithSearchBaseURL(url string) Option {
	return func(c *httpClient) { c.searchBaseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRetries sets how many times a 5xx or network failure is attempted in
// total, and the delay before the first retry. The delay doubles each time.
func WithRetries(attempts int, backoff time.Duration) Option {
	return func(c *httpClient) {
		c.attempts = attempts
		c.backoff = backoff
	}
}

type httpClient struct {
	apiKey        string
	searchBaseURL string
	attempts      int
	backoff       time.Duration
	http          *http.Client
}

// NewClient creates a Jina search client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:        apiKey,
		searchBaseURL: defaultSearchBaseURL,
		attempts:      3,
		backoff:       time.Second,
		http:          &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts < 1 {
		c.attempts = 1
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, req Request) (*Results, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, eris.New("jina: empty query")
	}
	q := url.Values{}
	for _, s := range req.Sites {
		q.Add("site", s)
	}
	if req.Count > 0 {
		q.Set("num", fmt.Sprint(req.Count))
	}
	reqURL := c.searchBaseURL + "/" + url.PathEscape(req.Query)
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	body, status, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, eris.Wrap(err, "jina: search request failed")
	}
	switch status {
	case http.StatusOK:
	case http.StatusUnprocessableEntity:
		return &Results{}, nil
	default:
		return nil, &StatusError{StatusCode: status, Body: string(body)}
	}

	var payload struct {
		Data []Hit `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal search response")
	}
	out := &Results{Hits: payload.Data}
	for _, h := range payload.Data {
		out.Tokens += h.Usage.Tokens
	}
	return out, nil
}

// get retries network errors and 500/502/503. 429 is returned to the
// caller, which treats it as access-blocked.
func (c *httpClient) get(ctx context.Context, reqURL string) ([]byte, int, error) {
	backoff := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, 0, ctx.Err()
			case <-t.C:
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, 0, eris.Wrap(err, "jina: create search request")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, resp.StatusCode, eris.Wrap(err, "jina: read response body")
		}
		if retryable(resp.StatusCode) && attempt < c.attempts {
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
			continue
		}
		return body, resp.StatusCode, nil
	}
	return nil, 0, lastErr
}

func retryable(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}
