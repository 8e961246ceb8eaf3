package source

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/internal/cost"
	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/pkg/anthropic"
)

// TypeClaude is the Claude AI source.
const TypeClaude model.SourceType = "claude"

// Claude asks an Anthropic model for a structured account of a death.
type Claude struct {
	client    anthropic.Client
	calc      *cost.Calculator
	model     string
	maxTokens int64
}

// NewClaude creates the Claude source. A nil client makes it unavailable.
func NewClaude(client anthropic.Client, calc *cost.Calculator, modelName string, maxTokens int64) *Claude {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Claude{client: client, calc: calc, model: modelName, maxTokens: maxTokens}
}

func (c *Claude) Descriptor() model.SourceDescriptor {
	return model.SourceDescriptor{
		Type:                  TypeClaude,
		Name:                  "Claude",
		EstimatedCostPerQuery: c.calc.ClaudeEstimate(c.model, c.maxTokens),
		ReliabilityTier:       model.TierAIModel,
		Timeout:               60 * time.Second,
	}
}

func (c *Claude) IsAvailable() bool { return c.client != nil }

func (c *Claude) PerformLookup(ctx context.Context, subject model.Subject) (*Lookup, error) {
	temp := 0.0
	resp, err := c.client.Ask(ctx, anthropic.Prompt{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      aiSystemPrompt,
		SystemTTL:   "1h",
		User:        subjectPrompt(subject),
		Temperature: &temp,
	})
	if err != nil {
		return nil, classifyStatus("anthropic:messages", anthropic.StatusCode(err), err)
	}

	spent := c.calc.Claude(c.model, resp.Usage)

	text := resp.Text
	reply, err := ParseAIReply(text)
	if err != nil {
		zap.L().Warn("source: claude reply unparseable",
			zap.Int64("actor_id", subject.ID),
			zap.String("stop_reason", resp.StopReason),
			zap.Bool("truncated", resp.Truncated()),
			zap.Error(err),
		)
		return &Lookup{CostUSD: spent}, eris.Wrap(err, "source: claude")
	}

	lk := &Lookup{CostUSD: spent, RawPayload: []byte(cleanJSON(text)), SelfReportedLow: reply.LowConfidence}
	if !reply.Unknown {
		lk.Data = reply.Data
	}
	return lk, nil
}
