package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deadonfilm/enrich-cli/internal/cost"
	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/pkg/jina"
)

// TypeJinaSearch is the Jina web-search source.
const TypeJinaSearch model.SourceType = "jina_search"

// JinaSearch searches the web for obituary snippets and extracts death
// sentences from the top results.
type JinaSearch struct {
	client     jina.Client
	calc       *cost.Calculator
	maxResults int
}

// NewJinaSearch creates the Jina search source. A nil client makes it unavailable.
func NewJinaSearch(client jina.Client, calc *cost.Calculator) *JinaSearch {
	return &JinaSearch{client: client, calc: calc, maxResults: 5}
}

func (j *JinaSearch) Descriptor() model.SourceDescriptor {
	return model.SourceDescriptor{
		Type:                  TypeJinaSearch,
		Name:                  "Jina Search",
		EstimatedCostPerQuery: j.calc.Flat(cost.JinaSearch),
		ReliabilityTier:       model.TierSearchAggregator,
		MinDelay:              500 * time.Millisecond,
		Timeout:               30 * time.Second,
	}
}

func (j *JinaSearch) IsAvailable() bool { return j.client != nil }

func (j *JinaSearch) PerformLookup(ctx context.Context, subject model.Subject) (*Lookup, error) {
	query := fmt.Sprintf("%q obituary cause of death", subject.Name)
	if y := subject.DeathYear(); y > 0 {
		query = fmt.Sprintf("%q died %d cause of death", subject.Name, y)
	}

	resp, err := j.client.Search(ctx, jina.Request{Query: query, Count: j.maxResults})
	if err != nil {
		var se *jina.StatusError
		if errors.As(err, &se) {
			return nil, classifyStatus("jina:search", se.StatusCode, err)
		}
		return nil, err
	}

	lk := &Lookup{CostUSD: j.calc.Flat(cost.JinaSearch)}
	merged := &model.EnrichmentData{}
	var texts []string
	for i, r := range resp.Hits {
		if i >= j.maxResults {
			break
		}
		d := FromText(r.Text(), subject, r.URL)
		if d == nil {
			continue
		}
		if lk.URL == "" {
			lk.URL = r.URL
		}
		texts = append(texts, d.Circumstances)
		merged.FillFrom(d)
		merged.Sources = append(merged.Sources, d.Sources...)
	}
	if len(texts) == 0 {
		return lk, nil
	}

	merged.NotableFactors = TagFactors(strings.Join(texts, " "))
	lk.Data = merged
	lk.RawPayload, _ = json.Marshal(map[string]any{"query": query, "snippets": texts})
	return lk, nil
}
