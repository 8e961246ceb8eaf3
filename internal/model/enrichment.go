package model

import "strings"

// EnrichmentData is the payload extracted by a source. Every field is
// optional; an empty field means the source made no claim about it.
type EnrichmentData struct {
	Circumstances        string   `json:"circumstances,omitempty"`
	RumoredCircumstances string   `json:"rumored_circumstances,omitempty"`
	CauseOfDeath         string   `json:"cause_of_death,omitempty"`
	NotableFactors       []string `json:"notable_factors,omitempty"`
	Location             string   `json:"location,omitempty"`
	RelatedPeople        []string `json:"related_people,omitempty"`
	CareerStatusAtDeath  string   `json:"career_status_at_death,omitempty"`
	LastProject          string   `json:"last_project,omitempty"`
	Sources              []string `json:"sources,omitempty"`
}

// IsEmpty reports whether the payload carries no claims at all.
func (d *EnrichmentData) IsEmpty() bool {
	if d == nil {
		return true
	}
	return len(d.FilledFields()) == 0
}

// FilledFields lists the names of fields that carry a claim.
func (d *EnrichmentData) FilledFields() []string {
	if d == nil {
		return nil
	}
	var out []string
	add := func(name, v string) {
		if strings.TrimSpace(v) != "" {
			out = append(out, name)
		}
	}
	add("circumstances", d.Circumstances)
	add("rumored_circumstances", d.RumoredCircumstances)
	add("cause_of_death", d.CauseOfDeath)
	if len(d.NotableFactors) > 0 {
		out = append(out, "notable_factors")
	}
	add("location", d.Location)
	if len(d.RelatedPeople) > 0 {
		out = append(out, "related_people")
	}
	add("career_status_at_death", d.CareerStatusAtDeath)
	add("last_project", d.LastProject)
	return out
}

// TextLength is the length of the free-text circumstances, used as a
// richness signal.
func (d *EnrichmentData) TextLength() int {
	if d == nil {
		return 0
	}
	return len(strings.TrimSpace(d.Circumstances))
}

// Clone returns a deep copy.
func (d *EnrichmentData) Clone() *EnrichmentData {
	if d == nil {
		return nil
	}
	c := *d
	c.NotableFactors = append([]string(nil), d.NotableFactors...)
	c.RelatedPeople = append([]string(nil), d.RelatedPeople...)
	c.Sources = append([]string(nil), d.Sources...)
	return &c
}

// FillFrom copies claims from other into fields that are empty on d.
// Existing claims are never overwritten.
func (d *EnrichmentData) FillFrom(other *EnrichmentData) {
	if d == nil || other == nil {
		return
	}
	fill := func(dst *string, src string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = src
		}
	}
	fill(&d.Circumstances, other.Circumstances)
	fill(&d.CauseOfDeath, other.CauseOfDeath)
	fill(&d.Location, other.Location)
	fill(&d.CareerStatusAtDeath, other.CareerStatusAtDeath)
	fill(&d.LastProject, other.LastProject)
	if len(d.NotableFactors) == 0 {
		d.NotableFactors = append([]string(nil), other.NotableFactors...)
	}
	if len(d.RelatedPeople) == 0 {
		d.RelatedPeople = append([]string(nil), other.RelatedPeople...)
	}
}
