package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// SubjectFilter selects subjects for a batch.
type SubjectFilter struct {
	IDs []int64 `json:"ids,omitempty"`
	// Unenriched keeps subjects that have never been enriched.
	Unenriched bool `json:"unenriched,omitempty"`
	Limit      int  `json:"limit,omitempty"`
	Offset     int  `json:"offset,omitempty"`
}

// JobFilter specifies criteria for listing job runs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Type   model.JobType   `json:"type,omitempty"`
	Queue  string          `json:"queue,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// Store defines the persistence interface for subjects, the job queue
// mirror, the lookup cache, and run audit rows.
type Store interface {
	// Subjects
	GetSubject(ctx context.Context, id int64) (*model.Subject, error)
	ListSubjectsForEnrichment(ctx context.Context, filter SubjectFilter) ([]model.Subject, error)
	SaveEnrichment(ctx context.Context, subjectID int64, data *model.EnrichmentData, sources []string) error
	UpsertSubjects(ctx context.Context, subjects []model.Subject) (int64, error)

	// Job runs
	CreateJobRun(ctx context.Context, job *model.JobRun) error
	UpdateJobRun(ctx context.Context, job *model.JobRun) error
	GetJobRun(ctx context.Context, id string) (*model.JobRun, error)
	ListJobRuns(ctx context.Context, filter JobFilter) ([]model.JobRun, error)
	ListRecoverableJobRuns(ctx context.Context) ([]model.JobRun, error)

	// Dead letters
	InsertDeadLetter(ctx context.Context, entry *model.DeadLetterEntry) error
	ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEntry, error)
	CountDeadLetters(ctx context.Context) (int, error)

	// Lookup cache
	GetCachedLookup(ctx context.Context, key model.CacheKey) (*model.CachedLookup, error)
	SetCachedLookup(ctx context.Context, entry model.CachedLookup) error
	DeleteExpiredLookups(ctx context.Context, now time.Time) (int, error)

	// Enrichment runs
	CreateEnrichmentRun(ctx context.Context, run *model.EnrichmentRun) error
	FinishEnrichmentRun(ctx context.Context, run *model.EnrichmentRun) error
	GetEnrichmentRun(ctx context.Context, id string) (*model.EnrichmentRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
