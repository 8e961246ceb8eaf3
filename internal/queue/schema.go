package queue

import (
	"encoding/json"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/resilience"
)

// Queue names.
const (
	QueueEnrichment  = "enrichment"
	QueueMaintenance = "maintenance"
)

// EnrichSubjectPayload is the payload of an enrich_subject job.
type EnrichSubjectPayload struct {
	SubjectID int64    `json:"subject_id"`
	DryRun    bool     `json:"dry_run,omitempty"`
	Sources   []string `json:"sources,omitempty"`
}

// EnrichBatchPayload is the payload of an enrich_batch job.
type EnrichBatchPayload struct {
	SubjectIDs []int64 `json:"subject_ids"`
	DryRun     bool    `json:"dry_run,omitempty"`
}

// PruneCachePayload is the payload of a prune_cache job.
type PruneCachePayload struct{}

func ptr[T any](v T) *T { return &v }

func schemaFor(t model.JobType) *jsonschema.Schema {
	switch t {
	case model.JobTypeEnrichSubject:
		return &jsonschema.Schema{
			Type:     "object",
			Required: []string{"subject_id"},
			Properties: map[string]*jsonschema.Schema{
				"subject_id": {Type: "integer", Minimum: ptr(1.0)},
				"dry_run":    {Type: "boolean"},
				"sources":    {Type: "array", Items: &jsonschema.Schema{Type: "string", MinLength: ptr(1)}},
			},
		}
	case model.JobTypeEnrichBatch:
		return &jsonschema.Schema{
			Type:     "object",
			Required: []string{"subject_ids"},
			Properties: map[string]*jsonschema.Schema{
				"subject_ids": {Type: "array", MinItems: ptr(1), Items: &jsonschema.Schema{Type: "integer", Minimum: ptr(1.0)}},
				"dry_run":     {Type: "boolean"},
			},
		}
	case model.JobTypePruneCache:
		return &jsonschema.Schema{Type: "object"}
	}
	return nil
}

var resolvedSchemas = sync.OnceValues(func() (map[model.JobType]*jsonschema.Resolved, error) {
	out := make(map[model.JobType]*jsonschema.Resolved)
	for _, t := range JobTypes() {
		rs, err := schemaFor(t).Resolve(nil)
		if err != nil {
			return nil, eris.Wrapf(err, "queue: resolve %s schema", t)
		}
		out[t] = rs
	}
	return out, nil
})

// JobTypes lists the job types with a declared payload schema.
func JobTypes() []model.JobType {
	return []model.JobType{model.JobTypeEnrichSubject, model.JobTypeEnrichBatch, model.JobTypePruneCache}
}

// DefaultQueue returns the queue a job type runs on.
func DefaultQueue(t model.JobType) string {
	if t == model.JobTypePruneCache {
		return QueueMaintenance
	}
	return QueueEnrichment
}

// ValidatePayload checks payload against the schema of t. Every failure
// wraps resilience.ErrPayloadInvalid.
func ValidatePayload(t model.JobType, payload json.RawMessage) error {
	all, err := resolvedSchemas()
	if err != nil {
		return err
	}
	rs, ok := all[t]
	if !ok {
		return eris.Wrapf(resilience.ErrPayloadInvalid, "queue: unknown job type %q", t)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return eris.Wrapf(resilience.ErrPayloadInvalid, "queue: %s payload is not JSON: %v", t, err)
	}
	if err := rs.Validate(instance); err != nil {
		return eris.Wrapf(resilience.ErrPayloadInvalid, "queue: %s payload: %v", t, err)
	}
	return nil
}

// DecodePayload unmarshals a job payload into T.
func DecodePayload[T any](job *model.JobRun) (T, error) {
	var v T
	if len(job.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, eris.Wrapf(err, "queue: decode %s payload", job.Type)
	}
	return v, nil
}
