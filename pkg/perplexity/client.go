// Package perplexity asks Perplexity's search-grounded models a question and
// returns the answer with the pages it cited.
package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
)

const (
	defaultBaseURL = "https://api.perplexity.ai"
	defaultModel   = "sonar-pro"
	maxErrorBody   = 512
)

// Client runs search-grounded questions.
type Client interface {
	Research(ctx context.Context, q Query) (*Answer, error)
}

// Query is one question with optional search constraints.
type Query struct {
	Model       string
	System      string
	Question    string
	Temperature *float64
	MaxTokens   int
	// Recency limits web results: "day", "week", "month" or "year".
	Recency string
	// Domains restricts (or with a "-" prefix excludes) search domains.
	Domains []string
}

// Answer is the model reply and the URLs backing it, best first.
type Answer struct {
	ID        string
	Model     string
	Text      string
	Citations []string
	Usage     Usage
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = url }
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *httpClient) { c.model = model }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewClient creates a Perplexity client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model              string        `json:"model"`
	Messages           []chatMessage `json:"messages"`
	Temperature        *float64      `json:"temperature,omitempty"`
	MaxTokens          int           `json:"max_tokens,omitempty"`
	SearchRecency      string        `json:"search_recency_filter,omitempty"`
	SearchDomainFilter []string      `json:"search_domain_filter,omitempty"`
}

func (c *httpClient) Research(ctx context.Context, q Query) (*Answer, error) {
	if q.Question == "" {
		return nil, eris.New("perplexity: empty question")
	}
	req := chatRequest{
		Model:              q.Model,
		Temperature:        q.Temperature,
		MaxTokens:          q.MaxTokens,
		SearchRecency:      q.Recency,
		SearchDomainFilter: q.Domains,
	}
	if req.Model == "" {
		req.Model = c.model
	}
	if q.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: q.System})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: q.Question})

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: read response")
	}
	if resp.StatusCode != http.StatusOK {
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return parseAnswer(raw)
}

// parseAnswer reads the first choice. Citations come from the legacy
// "citations" array, or from "search_results" when that is absent.
func parseAnswer(raw []byte) (*Answer, error) {
	if !gjson.ValidBytes(raw) {
		return nil, eris.New("perplexity: unmarshal response: invalid json")
	}
	doc := gjson.ParseBytes(raw)
	a := &Answer{
		ID:    doc.Get("id").String(),
		Model: doc.Get("model").String(),
		Text:  doc.Get("choices.0.message.content").String(),
		Usage: Usage{
			PromptTokens:     doc.Get("usage.prompt_tokens").Int(),
			CompletionTokens: doc.Get("usage.completion_tokens").Int(),
		},
	}
	cites := doc.Get("citations").Array()
	if len(cites) == 0 {
		cites = doc.Get("search_results.#.url").Array()
	}
	for _, c := range cites {
		if u := c.String(); u != "" {
			a.Citations = append(a.Citations, u)
		}
	}
	return a, nil
}

// StatusError is returned for non-200 responses so callers can classify
// rate limits and outages.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("perplexity: unexpected status %d: %s", e.StatusCode, e.Body)
}
