package source

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/pkg/wikidata"
)

// TypeWikidata is the Wikidata structured-facts source.
const TypeWikidata model.SourceType = "wikidata"

// Wikidata reads cause, manner, and place of death statements.
type Wikidata struct {
	client  wikidata.Client
	enabled bool
}

// NewWikidata creates the Wikidata source.
func NewWikidata(client wikidata.Client, enabled bool) *Wikidata {
	return &Wikidata{client: client, enabled: enabled}
}

func (w *Wikidata) Descriptor() model.SourceDescriptor {
	return model.SourceDescriptor{
		Type:            TypeWikidata,
		Name:            "Wikidata",
		IsFree:          true,
		ReliabilityTier: model.TierReference,
		MinDelay:        time.Second,
		Timeout:         30 * time.Second,
	}
}

func (w *Wikidata) IsAvailable() bool { return w.enabled && w.client != nil }

func (w *Wikidata) PerformLookup(ctx context.Context, subject model.Subject) (*Lookup, error) {
	var (
		person *wikidata.Person
		err    error
	)
	switch {
	case subject.ExternalIDs.WikidataID != "":
		person, err = w.client.ByQID(ctx, subject.ExternalIDs.WikidataID)
	case subject.ExternalIDs.IMDbID != "":
		person, err = w.client.ByIMDbID(ctx, subject.ExternalIDs.IMDbID)
	default:
		return nil, nil
	}
	if err != nil {
		var se *wikidata.StatusError
		if errors.As(err, &se) {
			return nil, classifyStatus("wikidata:sparql", se.StatusCode, err)
		}
		return nil, err
	}
	if person == nil {
		return nil, nil
	}

	d := &model.EnrichmentData{
		CauseOfDeath: strings.Join(person.CausesOfDeath, "; "),
		Location:     person.PlaceOfDeath,
	}
	factorText := strings.Join(append(append([]string(nil), person.CausesOfDeath...), person.MannerOfDeath), " ")
	d.NotableFactors = TagFactors(factorText)
	if person.Article != "" {
		d.Sources = []string{person.Article}
	}

	raw, _ := json.Marshal(person)
	return &Lookup{
		Data:       d,
		URL:        "https://www.wikidata.org/wiki/" + person.QID,
		RawPayload: raw,
	}, nil
}
