package fetch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/pkg/captcha"
)

// CaptchaChallenge describes a CAPTCHA found on a page.
type CaptchaChallenge struct {
	Type    string
	SiteKey string
	PageURL string
}

// CaptchaSolution carries the response token and what solving it cost.
type CaptchaSolution struct {
	Token   string
	CostUSD float64
}

// CaptchaSolver turns a challenge into a response token.
type CaptchaSolver interface {
	Solve(ctx context.Context, ch CaptchaChallenge) (*CaptchaSolution, error)
}

// TwoCaptchaSolver solves challenges through the 2Captcha service.
type TwoCaptchaSolver struct {
	client       captcha.Client
	costPerSolve float64
	pollInterval time.Duration
	timeout      time.Duration
}

// NewTwoCaptchaSolver creates a solver. Zero durations fall back to 5s
// polling and a 2 minute ceiling.
func NewTwoCaptchaSolver(client captcha.Client, costPerSolve float64, pollInterval, timeout time.Duration) *TwoCaptchaSolver {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &TwoCaptchaSolver{
		client:       client,
		costPerSolve: costPerSolve,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

func (s *TwoCaptchaSolver) Solve(ctx context.Context, ch CaptchaChallenge) (*CaptchaSolution, error) {
	if ch.SiteKey == "" {
		return nil, eris.New("fetch: captcha challenge has no site key")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	token, err := captcha.Solve(ctx, s.client, captcha.Task{
		Kind:    captcha.Kind(ch.Type),
		SiteKey: ch.SiteKey,
		PageURL: ch.PageURL,
	}, s.pollInterval)
	if err != nil {
		return nil, eris.Wrap(err, "fetch: solve captcha")
	}

	zap.L().Debug("fetch: captcha solved",
		zap.String("type", ch.Type),
		zap.String("page", ch.PageURL),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &CaptchaSolution{Token: token, CostUSD: s.costPerSolve}, nil
}
