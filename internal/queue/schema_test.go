package queue

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/resilience"
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		typ     model.JobType
		payload string
		ok      bool
	}{
		{"subject", model.JobTypeEnrichSubject, `{"subject_id": 42}`, true},
		{"subject with options", model.JobTypeEnrichSubject, `{"subject_id": 42, "dry_run": true, "sources": ["wikidata"]}`, true},
		{"subject missing id", model.JobTypeEnrichSubject, `{"dry_run": true}`, false},
		{"subject zero id", model.JobTypeEnrichSubject, `{"subject_id": 0}`, false},
		{"subject fractional id", model.JobTypeEnrichSubject, `{"subject_id": 1.5}`, false},
		{"subject string id", model.JobTypeEnrichSubject, `{"subject_id": "42"}`, false},
		{"subject bad sources", model.JobTypeEnrichSubject, `{"subject_id": 1, "sources": [3]}`, false},
		{"batch", model.JobTypeEnrichBatch, `{"subject_ids": [1, 2, 3]}`, true},
		{"batch empty", model.JobTypeEnrichBatch, `{"subject_ids": []}`, false},
		{"batch missing", model.JobTypeEnrichBatch, `{}`, false},
		{"prune", model.JobTypePruneCache, `{}`, true},
		{"prune empty payload", model.JobTypePruneCache, ``, true},
		{"not an object", model.JobTypePruneCache, `[1]`, false},
		{"not json", model.JobTypeEnrichSubject, `{subject_id`, false},
		{"unknown type", "reindex", `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.typ, json.RawMessage(tt.payload))
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, resilience.ErrPayloadInvalid))
		})
	}
}

func TestDecodePayload(t *testing.T) {
	job := &model.JobRun{Type: model.JobTypeEnrichSubject, Payload: json.RawMessage(`{"subject_id": 7, "sources": ["claude"]}`)}
	p, err := DecodePayload[EnrichSubjectPayload](job)
	require.NoError(t, err)
	assert.Equal(t, EnrichSubjectPayload{SubjectID: 7, Sources: []string{"claude"}}, p)

	_, err = DecodePayload[EnrichSubjectPayload](&model.JobRun{Payload: json.RawMessage(`{`)})
	assert.Error(t, err)
}

func TestDefaultQueue(t *testing.T) {
	assert.Equal(t, QueueEnrichment, DefaultQueue(model.JobTypeEnrichSubject))
	assert.Equal(t, QueueEnrichment, DefaultQueue(model.JobTypeEnrichBatch))
	assert.Equal(t, QueueMaintenance, DefaultQueue(model.JobTypePruneCache))
}
