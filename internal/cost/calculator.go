// Package cost prices the paid calls an enrichment makes.
package cost

import (
	"github.com/deadonfilm/enrich-cli/internal/config"
	"github.com/deadonfilm/enrich-cli/pkg/anthropic"
)

// Item is a flat-priced unit of paid work.
type Item string

const (
	JinaSearch      Item = "jina_search"
	PerplexityQuery Item = "perplexity_query"
	CaptchaSolve    Item = "captcha_solve"
	BrowserPage     Item = "browser_page"
)

// Anthropic bills cache writes and reads as multiples of the input rate.
const (
	defaultCacheWriteMul = 1.25
	defaultCacheReadMul  = 0.1
)

// promptTokenEstimate is the typical system plus subject prompt size.
const promptTokenEstimate = 1500

// TokenRate is USD per million tokens for one model.
type TokenRate struct {
	Input         float64
	Output        float64
	CacheWriteMul float64
	CacheReadMul  float64
}

func (r TokenRate) price(u anthropic.TokenUsage) float64 {
	const perM = 1e6
	in := float64(u.InputTokens) * r.Input
	out := float64(u.OutputTokens) * r.Output
	write := float64(u.CacheCreationInputTokens) * r.Input * r.CacheWriteMul
	read := float64(u.CacheReadInputTokens) * r.Input * r.CacheReadMul
	return (in + out + write + read) / perM
}

// Rates is the full price list.
type Rates struct {
	Models map[string]TokenRate
	Flat   map[Item]float64
}

// DefaultRates is the built-in price list.
func DefaultRates() Rates {
	model := func(in, out float64) TokenRate {
		return TokenRate{Input: in, Output: out, CacheWriteMul: defaultCacheWriteMul, CacheReadMul: defaultCacheReadMul}
	}
	return Rates{
		Models: map[string]TokenRate{
			"claude-haiku-4-5-20251001":  model(0.80, 4.00),
			"claude-sonnet-4-5-20250929": model(3.00, 15.00),
			"claude-opus-4-6":            model(15.00, 75.00),
		},
		Flat: map[Item]float64{
			JinaSearch:      0.001,
			PerplexityQuery: 0.005,
			CaptchaSolve:    0.003,
			BrowserPage:     0.002,
		},
	}
}

// RatesFromConfig applies the pricing section on top of DefaultRates.
// A zero price keeps the default.
func RatesFromConfig(p config.PricingConfig) Rates {
	r := DefaultRates()
	for name, mp := range p.Anthropic {
		rate, ok := r.Models[name]
		if !ok {
			rate = TokenRate{CacheWriteMul: defaultCacheWriteMul, CacheReadMul: defaultCacheReadMul}
		}
		rate.Input = pick(mp.Input, rate.Input)
		rate.Output = pick(mp.Output, rate.Output)
		r.Models[name] = rate
	}
	r.Flat[JinaSearch] = pick(p.Jina.PerQuery, r.Flat[JinaSearch])
	r.Flat[PerplexityQuery] = pick(p.Perplexity.PerQuery, r.Flat[PerplexityQuery])
	r.Flat[CaptchaSolve] = pick(p.Captcha.PerSolve, r.Flat[CaptchaSolve])
	r.Flat[BrowserPage] = pick(p.Browser.PerPage, r.Flat[BrowserPage])
	return r
}

func pick(configured, fallback float64) float64 {
	if configured > 0 {
		return configured
	}
	return fallback
}

// Calculator prices usage against a Rates list.
type Calculator struct {
	rates Rates
}

func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude prices one message call. Models missing from the list cost nothing.
func (c *Calculator) Claude(model string, u anthropic.TokenUsage) float64 {
	rate, ok := c.rates.Models[model]
	if !ok {
		return 0
	}
	return rate.price(u)
}

// ClaudeEstimate is the expected cost of a lookup that fills half of maxTokens.
func (c *Calculator) ClaudeEstimate(model string, maxTokens int64) float64 {
	return c.Claude(model, anthropic.TokenUsage{InputTokens: promptTokenEstimate, OutputTokens: maxTokens / 2})
}

// Flat returns the unit price of item, or 0 when it is not listed.
func (c *Calculator) Flat(item Item) float64 {
	return c.rates.Flat[item]
}
