package pipeline

import (
	"strings"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

// FieldChange is one field whose stored value would change.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old,omitempty"`
	New   string `json:"new"`
}

// Apply overlays the canonical claims onto the known record. Fields the
// canonical result leaves empty keep their stored value.
func Apply(known, canonical *model.EnrichmentData) *model.EnrichmentData {
	out := model.EnrichmentData{}
	if known != nil {
		out = *known
	}
	if canonical == nil {
		return &out
	}
	setString(&out.Circumstances, canonical.Circumstances)
	setString(&out.RumoredCircumstances, canonical.RumoredCircumstances)
	setString(&out.CauseOfDeath, canonical.CauseOfDeath)
	setList(&out.NotableFactors, canonical.NotableFactors)
	setString(&out.Location, canonical.Location)
	setList(&out.RelatedPeople, canonical.RelatedPeople)
	setString(&out.CareerStatusAtDeath, canonical.CareerStatusAtDeath)
	setString(&out.LastProject, canonical.LastProject)
	setList(&out.Sources, canonical.Sources)
	return &out
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func setList(dst *[]string, v []string) {
	if len(v) > 0 {
		*dst = append([]string(nil), v...)
	}
}

// Diff lists the fields that differ between old and new, in field order.
func Diff(old, updated *model.EnrichmentData) []FieldChange {
	before, after := fieldValues(old), fieldValues(updated)
	var out []FieldChange
	for _, f := range after {
		prev := lookup(before, f.name)
		if prev != f.value {
			out = append(out, FieldChange{Field: f.name, Old: prev, New: f.value})
		}
	}
	return out
}

type fieldValue struct {
	name  string
	value string
}

func fieldValues(d *model.EnrichmentData) []fieldValue {
	if d == nil {
		d = &model.EnrichmentData{}
	}
	return []fieldValue{
		{"circumstances", d.Circumstances},
		{"rumored_circumstances", d.RumoredCircumstances},
		{"cause_of_death", d.CauseOfDeath},
		{"notable_factors", strings.Join(d.NotableFactors, "; ")},
		{"location", d.Location},
		{"related_people", strings.Join(d.RelatedPeople, "; ")},
		{"career_status_at_death", d.CareerStatusAtDeath},
		{"last_project", d.LastProject},
		{"sources", strings.Join(d.Sources, "; ")},
	}
}

func lookup(values []fieldValue, name string) string {
	for _, v := range values {
		if v.name == name {
			return v.value
		}
	}
	return ""
}
