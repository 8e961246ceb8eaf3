// Package captcha provides a client for the 2Captcha solving service.
package captcha

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

// Kind selects the 2Captcha method.
type Kind string

const (
	KindRecaptchaV2 Kind = "recaptcha_v2"
	KindHCaptcha    Kind = "hcaptcha"
	KindTurnstile   Kind = "turnstile"
)

// Task describes a challenge to solve.
type Task struct {
	Kind    Kind
	SiteKey string
	PageURL string
}

// Client submits tasks and polls for their tokens.
type Client interface {
	Submit(ctx context.Context, task Task) (string, error)
	Result(ctx context.Context, id string) (token string, ready bool, err error)
}

// ErrUnsolvable is returned when the service reports the task cannot be solved.
var ErrUnsolvable = eris.New("captcha: unsolvable")

type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Option configures the client.
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
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a 2Captcha client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://2captcha.com",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Submit(ctx context.Context, task Task) (string, error) {
	form := url.Values{}
	form.Set("key", c.apiKey)
	form.Set("json", "1")
	form.Set("pageurl", task.PageURL)
	switch task.Kind {
	case KindHCaptcha:
		form.Set("method", "hcaptcha")
		form.Set("sitekey", task.SiteKey)
	case KindTurnstile:
		form.Set("method", "turnstile")
		form.Set("sitekey", task.SiteKey)
	default:
		form.Set("method", "userrecaptcha")
		form.Set("googlekey", task.SiteKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/in.php", strings.NewReader(form.Encode()))
	if err != nil {
		return "", eris.Wrap(err, "captcha: create submit request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	ar, err := c.do(req)
	if err != nil {
		return "", eris.Wrap(err, "captcha: submit")
	}
	if ar.Status != 1 {
		return "", eris.Errorf("captcha: submit rejected: %s", ar.Request)
	}
	return ar.Request, nil
}

func (c *httpClient) Result(ctx context.Context, id string) (string, bool, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("action", "get")
	q.Set("id", id)
	q.Set("json", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/res.php?"+q.Encode(), nil)
	if err != nil {
		return "", false, eris.Wrap(err, "captcha: create result request")
	}

	ar, err := c.do(req)
	if err != nil {
		return "", false, eris.Wrap(err, "captcha: result")
	}
	switch {
	case ar.Status == 1:
		return ar.Request, true, nil
	case ar.Request == "CAPCHA_NOT_READY":
		return "", false, nil
	case ar.Request == "ERROR_CAPTCHA_UNSOLVABLE":
		return "", false, ErrUnsolvable
	default:
		return "", false, eris.Errorf("captcha: result error: %s", ar.Request)
	}
}

func (c *httpClient) do(req *http.Request) (*apiResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, eris.Wrap(err, "read body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	var ar apiResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, eris.Wrap(err, "decode response")
	}
	return &ar, nil
}

// Solve submits task and polls every interval until a token arrives, the
// service gives up, or ctx ends.
func Solve(ctx context.Context, c Client, task Task, interval time.Duration) (string, error) {
	id, err := c.Submit(ctx, task)
	if err != nil {
		return "", err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", eris.Wrap(ctx.Err(), "captcha: poll")
		case <-ticker.C:
			token, ready, err := c.Result(ctx, id)
			if err != nil {
				return "", err
			}
			if ready {
				return token, nil
			}
		}
	}
}
