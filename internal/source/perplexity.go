package source

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich-cli/internal/cost"
	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/pkg/perplexity"
)

// TypePerplexity is the Perplexity web-search AI source.
const TypePerplexity model.SourceType = "perplexity"

// Perplexity asks a search-grounded model and records its citations.
type Perplexity struct {
	client perplexity.Client
	calc   *cost.Calculator
	model  string
}

// NewPerplexity creates the Perplexity source. A nil client makes it unavailable.
func NewPerplexity(client perplexity.Client, calc *cost.Calculator, modelName string) *Perplexity {
	return &Perplexity{client: client, calc: calc, model: modelName}
}

func (p *Perplexity) Descriptor() model.SourceDescriptor {
	return model.SourceDescriptor{
		Type:                  TypePerplexity,
		Name:                  "Perplexity",
		EstimatedCostPerQuery: p.calc.Flat(cost.PerplexityQuery),
		ReliabilityTier:       model.TierSearchAggregator,
		MinDelay:              time.Second,
		Timeout:               60 * time.Second,
	}
}

func (p *Perplexity) IsAvailable() bool { return p.client != nil }

func (p *Perplexity) PerformLookup(ctx context.Context, subject model.Subject) (*Lookup, error) {
	temp := 0.0
	resp, err := p.client.Research(ctx, perplexity.Query{
		Model:       p.model,
		System:      aiSystemPrompt,
		Question:    subjectPrompt(subject),
		Temperature: &temp,
	})
	if err != nil {
		var se *perplexity.StatusError
		if errors.As(err, &se) {
			return nil, classifyStatus("perplexity:chat", se.StatusCode, err)
		}
		return nil, err
	}

	spent := p.calc.Flat(cost.PerplexityQuery)
	text := resp.Text
	reply, err := ParseAIReply(text)
	if err != nil {
		return &Lookup{CostUSD: spent}, eris.Wrap(err, "source: perplexity")
	}

	raw, _ := json.Marshal(map[string]any{
		"reply":     json.RawMessage(cleanJSON(text)),
		"citations": resp.Citations,
	})
	lk := &Lookup{CostUSD: spent, RawPayload: raw, SelfReportedLow: reply.LowConfidence}
	if len(resp.Citations) > 0 {
		lk.URL = resp.Citations[0]
	}
	if !reply.Unknown {
		d := reply.Data
		if len(d.Sources) == 0 {
			d.Sources = append([]string(nil), resp.Citations...)
		}
		lk.Data = d
	}
	return lk, nil
}
