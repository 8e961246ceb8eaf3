package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deadonfilm/enrich-cli/internal/cache"
	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/queue"
)

var (
	_ Store          = (*SQLiteStore)(nil)
	_ Store          = (*PostgresStore)(nil)
	_ queue.JobStore = (*SQLiteStore)(nil)
	_ cache.Backend  = (*SQLiteStore)(nil)
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func seedSubjects(t *testing.T, st *SQLiteStore) {
	t.Helper()
	n, err := st.UpsertSubjects(context.Background(), []model.Subject{
		{ID: 1, Name: "Ada Vale", ExternalIDs: model.ExternalIDs{IMDbID: "nm0000001"}, Birthday: date(1920, 1, 1), Deathday: date(1990, 1, 1)},
		{ID: 2, Name: "Ben Cole", ExternalIDs: model.ExternalIDs{IMDbID: "nm0000002", TMDBID: 77}, Deathday: date(2005, 1, 1)},
		{ID: 3, Name: "Cy Lark", ExternalIDs: model.ExternalIDs{IMDbID: "nm0000003"}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_Subjects_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSubjects(t, st)

	got, err := st.GetSubject(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "Ben Cole", got.Name)
	assert.Equal(t, int64(77), got.ExternalIDs.TMDBID)
	assert.Nil(t, got.Birthday)
	require.NotNil(t, got.Deathday)
	assert.True(t, got.Deathday.Equal(*date(2005, 1, 1)))

	_, err = st.GetSubject(ctx, 99)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_UpsertSubjects_SkipsExisting(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSubjects(t, st)

	n, err := st.UpsertSubjects(ctx, []model.Subject{
		{ID: 1, Name: "Renamed", ExternalIDs: model.ExternalIDs{IMDbID: "nm0000001"}},
		{ID: 4, Name: "Dee Fox", ExternalIDs: model.ExternalIDs{IMDbID: "nm0000004"}, Deathday: date(2010, 1, 1)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetSubject(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Ada Vale", got.Name)
}

func TestSQLite_ListSubjectsForEnrichment(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSubjects(t, st)

	all, err := st.ListSubjectsForEnrichment(ctx, SubjectFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2, "subjects without a death date are never listed")
	assert.Equal(t, int64(2), all[0].ID, "most recent death first")

	require.NoError(t, st.SaveEnrichment(ctx, 2, &model.EnrichmentData{CauseOfDeath: "stroke"}, []string{"wikidata"}))

	pending, err := st.ListSubjectsForEnrichment(ctx, SubjectFilter{Unenriched: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(1), pending[0].ID)

	byID, err := st.ListSubjectsForEnrichment(ctx, SubjectFilter{IDs: []int64{1, 3}})
	require.NoError(t, err)
	require.Len(t, byID, 1)

	limited, err := st.ListSubjectsForEnrichment(ctx, SubjectFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, int64(1), limited[0].ID)
}

func TestSQLite_SaveEnrichment(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSubjects(t, st)

	data := &model.EnrichmentData{CauseOfDeath: "heart failure", Location: "Paris", NotableFactors: []string{"sudden"}}
	require.NoError(t, st.SaveEnrichment(ctx, 1, data, []string{"wikidata", "wikipedia"}))

	got, err := st.GetSubject(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, *data, got.Known)

	err = st.SaveEnrichment(ctx, 42, data, nil)
	assert.True(t, errors.Is(err, ErrNotFound))

	err = st.SaveEnrichment(ctx, 1, nil, nil)
	assert.Error(t, err)
}

func newJob(id string, status model.JobStatus, created time.Time) *model.JobRun {
	return &model.JobRun{
		ID:          id,
		Type:        model.JobTypeEnrichSubject,
		Queue:       "enrichment",
		Status:      status,
		Priority:    5,
		Payload:     json.RawMessage(`{"subject_id":1}`),
		MaxAttempts: 3,
		RunAt:       created,
		CreatedAt:   created,
	}
}

func TestSQLite_JobRuns_CreateUpdateGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	job := newJob("job-1", model.JobStatusPending, created)
	require.NoError(t, st.CreateJobRun(ctx, job))

	started := created.Add(time.Second)
	finished := started.Add(1500 * time.Millisecond)
	job.Status = model.JobStatusCompleted
	job.Attempts = 1
	job.StartedAt = &started
	job.FinishedAt = &finished
	job.DurationMs = 1500
	job.Result = json.RawMessage(`{"found":true}`)
	require.NoError(t, st.UpdateJobRun(ctx, job))

	got, err := st.GetJobRun(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.True(t, got.CreatedAt.Equal(created), "nanosecond precision survives")
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(finished))
	assert.JSONEq(t, `{"found":true}`, string(got.Result))
	assert.JSONEq(t, `{"subject_id":1}`, string(got.Payload))
	assert.Empty(t, got.Error)

	_, err = st.GetJobRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = st.UpdateJobRun(ctx, newJob("missing", model.JobStatusActive, created))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListJobRuns_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.CreateJobRun(ctx, newJob("a", model.JobStatusPending, base)))
	require.NoError(t, st.CreateJobRun(ctx, newJob("b", model.JobStatusFailed, base.Add(time.Minute))))
	prune := newJob("c", model.JobStatusCompleted, base.Add(2*time.Minute))
	prune.Type = model.JobTypePruneCache
	prune.Queue = "maintenance"
	require.NoError(t, st.CreateJobRun(ctx, prune))

	all, err := st.ListJobRuns(ctx, JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	failed, err := st.ListJobRuns(ctx, JobFilter{Status: model.JobStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].ID)

	maint, err := st.ListJobRuns(ctx, JobFilter{Queue: "maintenance", Type: model.JobTypePruneCache})
	require.NoError(t, err)
	require.Len(t, maint, 1)

	page, err := st.ListJobRuns(ctx, JobFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)
}

func TestSQLite_ListRecoverableJobRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, status := range []model.JobStatus{
		model.JobStatusActive, model.JobStatusCompleted, model.JobStatusPending,
		model.JobStatusFailed, model.JobStatusDelayed,
	} {
		require.NoError(t, st.CreateJobRun(ctx, newJob(string(status), status, base.Add(time.Duration(i)*time.Second))))
	}

	got, err := st.ListRecoverableJobRuns(ctx)
	require.NoError(t, err)
	var ids []string
	for _, j := range got {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"active", "pending", "delayed"}, ids)
}

func TestSQLite_DeadLetters_OncePerJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	entry := &model.DeadLetterEntry{
		ID: "dl-1", JobID: "job-1", JobType: model.JobTypeEnrichSubject, Queue: "enrichment",
		Attempts: 3, FinalError: "timeout", ErrorType: "transient",
		Payload: json.RawMessage(`{"subject_id":1}`), CreatedAt: now,
	}
	require.NoError(t, st.InsertDeadLetter(ctx, entry))

	dup := *entry
	dup.ID = "dl-2"
	require.NoError(t, st.InsertDeadLetter(ctx, &dup))

	n, err := st.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := st.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "dl-1", list[0].ID)
	assert.Equal(t, "transient", list[0].ErrorType)
	assert.True(t, list[0].CreatedAt.Equal(now))
}

func TestSQLite_LookupCache(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	key := model.CacheKey{SubjectID: 1, Source: model.SourceType("wikidata"), Fingerprint: "abc"}
	result := &model.SourceLookupResult{Success: true, Data: &model.EnrichmentData{CauseOfDeath: "cancer"}}

	miss, err := st.GetCachedLookup(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, st.SetCachedLookup(ctx, model.CachedLookup{
		Key: key, Result: result, FetchedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour),
	}))

	hit, err := st.GetCachedLookup(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "cancer", hit.Result.Data.CauseOfDeath)
	assert.True(t, hit.ExpiresAt.Equal(now.Add(time.Hour)))

	// Overwrite with an already-expired entry.
	require.NoError(t, st.SetCachedLookup(ctx, model.CachedLookup{
		Key: key, Result: result, FetchedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Minute),
	}))
	expired, err := st.GetCachedLookup(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, expired)

	other := key
	other.Fingerprint = "def"
	require.NoError(t, st.SetCachedLookup(ctx, model.CachedLookup{
		Key: other, Result: result, FetchedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	deleted, err := st.DeleteExpiredLookups(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	still, err := st.GetCachedLookup(ctx, other)
	require.NoError(t, err)
	assert.NotNil(t, still)
}

func TestSQLite_EnrichmentRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	run := &model.EnrichmentRun{ID: "run-1", Kind: model.RunKindBackfill, Status: model.RunStatusRunning, DryRun: true, StartedAt: started}
	require.NoError(t, st.CreateEnrichmentRun(ctx, run))

	got, err := st.GetEnrichmentRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.True(t, got.DryRun)
	assert.Nil(t, got.FinishedAt)
	assert.Nil(t, got.Summary)

	finished := started.Add(time.Minute)
	run.Status = model.RunStatusCircuitOpen
	run.FinishedAt = &finished
	run.Summary = &model.RunSummary{Processed: 4, Enriched: 1, Errored: 3, TotalCostUSD: 0.25}
	require.NoError(t, st.FinishEnrichmentRun(ctx, run))

	got, err = st.GetEnrichmentRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCircuitOpen, got.Status)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 3, got.Summary.Errored)
	assert.InDelta(t, 0.25, got.Summary.TotalCostUSD, 1e-9)

	_, err = st.GetEnrichmentRun(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(st.FinishEnrichmentRun(ctx, &model.EnrichmentRun{ID: "nope"}), ErrNotFound))
}

func TestLimitOr(t *testing.T) {
	assert.Equal(t, 100, limitOr(0, 100))
	assert.Equal(t, 100, limitOr(-5, 100))
	assert.Equal(t, 7, limitOr(7, 100))
}
