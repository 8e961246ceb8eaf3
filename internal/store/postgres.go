package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich-cli/internal/db"
	"github.com/deadonfilm/enrich-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS subjects (
	id          BIGINT PRIMARY KEY,
	name        TEXT NOT NULL,
	imdb_id     TEXT UNIQUE,
	tmdb_id     BIGINT,
	wikidata_id TEXT,
	birthday    DATE,
	deathday    DATE,
	known       JSONB NOT NULL DEFAULT '{}',
	sources     JSONB,
	enriched_at TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS job_runs (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	queue        TEXT NOT NULL,
	status       TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	payload      JSONB NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	run_at       TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ,
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	result       JSONB,
	error        TEXT
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL UNIQUE,
	job_type    TEXT NOT NULL,
	queue       TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	final_error TEXT NOT NULL,
	error_type  TEXT NOT NULL,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS lookup_cache (
	subject_id  BIGINT NOT NULL,
	source      TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	result      JSONB NOT NULL,
	fetched_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (subject_id, source, fingerprint)
);

CREATE TABLE IF NOT EXISTS enrichment_runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	dry_run     BOOLEAN NOT NULL DEFAULT false,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	summary     JSONB
);

CREATE INDEX IF NOT EXISTS idx_subjects_enriched_at ON subjects(enriched_at);
CREATE INDEX IF NOT EXISTS idx_job_runs_status ON job_runs(status);
CREATE INDEX IF NOT EXISTS idx_job_runs_created_at ON job_runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_lookup_cache_expires_at ON lookup_cache(expires_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Subjects

func (s *PostgresStore) GetSubject(ctx context.Context, id int64) (*model.Subject, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id = $1`, id)
	subj, err := scanPgSubject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: subject %d", id)
	}
	return subj, err
}

func (s *PostgresStore) ListSubjectsForEnrichment(ctx context.Context, filter SubjectFilter) ([]model.Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE deathday IS NOT NULL`
	args := []any{}
	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		query += ` AND id = ANY($1)`
	}
	if filter.Unenriched {
		query += ` AND enriched_at IS NULL`
	}
	args = append(args, limitOr(filter.Limit, 1000), filter.Offset)
	query += ` ORDER BY deathday DESC, id LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list subjects")
	}
	defer rows.Close()

	var out []model.Subject
	for rows.Next() {
		subj, err := scanPgSubject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *subj)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list subjects iterate")
}

func (s *PostgresStore) SaveEnrichment(ctx context.Context, subjectID int64, data *model.EnrichmentData, sources []string) error {
	if data == nil {
		return eris.Errorf("postgres: save enrichment for %d: nil data", subjectID)
	}
	knownJSON, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal enrichment")
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal sources")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE subjects SET known = $1, sources = $2, enriched_at = now(), updated_at = now() WHERE id = $3`,
		knownJSON, sourcesJSON, subjectID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save enrichment %d", subjectID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: subject %d", subjectID)
	}
	return nil
}

var subjectInsert = db.InsertConfig{
	Table:        "subjects",
	Columns:      []string{"id", "name", "imdb_id", "tmdb_id", "wikidata_id", "birthday", "deathday", "known"},
	ConflictKeys: []string{"id"},
	OnConflict:   db.DoNothing,
}

// UpsertSubjects bulk-loads subjects through COPY, skipping ids already present.
func (s *PostgresStore) UpsertSubjects(ctx context.Context, subjects []model.Subject) (int64, error) {
	rows := make([][]any, 0, len(subjects))
	for _, subj := range subjects {
		knownJSON, err := json.Marshal(subj.Known)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal known")
		}
		rows = append(rows, []any{
			subj.ID, subj.Name, nullString(subj.ExternalIDs.IMDbID), nullInt(subj.ExternalIDs.TMDBID),
			nullString(subj.ExternalIDs.WikidataID), subj.Birthday, subj.Deathday, knownJSON,
		})
	}
	n, err := db.BulkInsert(ctx, s.pool, subjectInsert, rows)
	return n, eris.Wrap(err, "postgres: upsert subjects")
}

func scanPgSubject(row pgx.Row) (*model.Subject, error) {
	var (
		subj      model.Subject
		imdb, qid *string
		tmdb      *int64
		knownJSON []byte
	)
	err := row.Scan(&subj.ID, &subj.Name, &imdb, &tmdb, &qid, &subj.Birthday, &subj.Deathday, &knownJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan subject")
	}
	subj.ExternalIDs = model.ExternalIDs{IMDbID: deref(imdb), WikidataID: deref(qid)}
	if tmdb != nil {
		subj.ExternalIDs.TMDBID = *tmdb
	}
	if len(knownJSON) > 0 {
		if err := json.Unmarshal(knownJSON, &subj.Known); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal known for %d", subj.ID)
		}
	}
	return &subj, nil
}

// Job runs

func (s *PostgresStore) CreateJobRun(ctx context.Context, job *model.JobRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_runs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, string(job.Type), job.Queue, string(job.Status), job.Priority, []byte(rawOrEmpty(job.Payload)),
		job.Attempts, job.MaxAttempts, job.RunAt, job.CreatedAt,
		job.StartedAt, job.FinishedAt, job.DurationMs, rawOrNil(job.Result), nullString(job.Error),
	)
	return eris.Wrapf(err, "postgres: insert job run %s", job.ID)
}

func (s *PostgresStore) UpdateJobRun(ctx context.Context, job *model.JobRun) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_runs SET status = $1, attempts = $2, run_at = $3, started_at = $4, finished_at = $5,
		 duration_ms = $6, result = $7, error = $8 WHERE id = $9`,
		string(job.Status), job.Attempts, job.RunAt, job.StartedAt, job.FinishedAt,
		job.DurationMs, rawOrNil(job.Result), nullString(job.Error), job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job run %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: job run %s", job.ID)
	}
	return nil
}

func (s *PostgresStore) GetJobRun(ctx context.Context, id string) (*model.JobRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_runs WHERE id = $1`, id)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: job run %s", id)
	}
	return job, err
}

func (s *PostgresStore) ListJobRuns(ctx context.Context, filter JobFilter) ([]model.JobRun, error) {
	query := `SELECT ` + jobColumns + ` FROM job_runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += ` AND type = $` + strconv.Itoa(len(args))
	}
	if filter.Queue != "" {
		args = append(args, filter.Queue)
		query += ` AND queue = $` + strconv.Itoa(len(args))
	}
	args = append(args, limitOr(filter.Limit, 100), filter.Offset)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	return s.queryJobs(ctx, query, args...)
}

func (s *PostgresStore) ListRecoverableJobRuns(ctx context.Context) ([]model.JobRun, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM job_runs WHERE status = ANY($1) ORDER BY created_at`,
		[]string{string(model.JobStatusPending), string(model.JobStatusDelayed), string(model.JobStatusActive)},
	)
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]model.JobRun, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list job runs")
	}
	defer rows.Close()

	var out []model.JobRun
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list job runs iterate")
}

func scanPgJob(row pgx.Row) (*model.JobRun, error) {
	var (
		j               model.JobRun
		jobType, status string
		payload, result []byte
		errText         *string
	)
	err := row.Scan(&j.ID, &jobType, &j.Queue, &status, &j.Priority, &payload, &j.Attempts, &j.MaxAttempts,
		&j.RunAt, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.DurationMs, &result, &errText)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job run")
	}
	j.Type = model.JobType(jobType)
	j.Status = model.JobStatus(status)
	j.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	j.Error = deref(errText)
	return &j, nil
}

// Dead letters

// InsertDeadLetter writes entry once per job; later writes for the same job
// are ignored.
func (s *PostgresStore) InsertDeadLetter(ctx context.Context, e *model.DeadLetterEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, job_id, job_type, queue, attempts, final_error, error_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (job_id) DO NOTHING`,
		e.ID, e.JobID, string(e.JobType), e.Queue, e.Attempts, e.FinalError, e.ErrorType,
		[]byte(rawOrEmpty(e.Payload)), e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert dead letter for %s", e.JobID)
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, job_type, queue, attempts, final_error, error_type, payload, created_at
		 FROM dead_letters ORDER BY created_at DESC LIMIT $1`,
		limitOr(limit, 100),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetterEntry
	for rows.Next() {
		var e model.DeadLetterEntry
		var jobType string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.JobID, &jobType, &e.Queue, &e.Attempts, &e.FinalError,
			&e.ErrorType, &payload, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		e.JobType = model.JobType(jobType)
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count dead letters")
}

// Lookup cache

func (s *PostgresStore) GetCachedLookup(ctx context.Context, key model.CacheKey) (*model.CachedLookup, error) {
	entry := &model.CachedLookup{Key: key, Result: &model.SourceLookupResult{}}
	var resultJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result, fetched_at, expires_at FROM lookup_cache
		 WHERE subject_id = $1 AND source = $2 AND fingerprint = $3 AND expires_at > now()`,
		key.SubjectID, string(key.Source), key.Fingerprint,
	).Scan(&resultJSON, &entry.FetchedAt, &entry.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cached lookup")
	}
	if err := json.Unmarshal(resultJSON, entry.Result); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal cached lookup")
	}
	return entry, nil
}

func (s *PostgresStore) SetCachedLookup(ctx context.Context, e model.CachedLookup) error {
	resultJSON, err := json.Marshal(e.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal cached lookup")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO lookup_cache (subject_id, source, fingerprint, result, fetched_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (subject_id, source, fingerprint) DO UPDATE SET
		   result = EXCLUDED.result, fetched_at = EXCLUDED.fetched_at, expires_at = EXCLUDED.expires_at`,
		e.Key.SubjectID, string(e.Key.Source), e.Key.Fingerprint, resultJSON, e.FetchedAt, e.ExpiresAt,
	)
	return eris.Wrap(err, "postgres: set cached lookup")
}

func (s *PostgresStore) DeleteExpiredLookups(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM lookup_cache WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired lookups")
	}
	return int(tag.RowsAffected()), nil
}

// Enrichment runs

func (s *PostgresStore) CreateEnrichmentRun(ctx context.Context, run *model.EnrichmentRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrichment_runs (id, kind, status, dry_run, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(run.Kind), string(run.Status), run.DryRun, run.StartedAt,
	)
	return eris.Wrapf(err, "postgres: insert enrichment run %s", run.ID)
}

func (s *PostgresStore) FinishEnrichmentRun(ctx context.Context, run *model.EnrichmentRun) error {
	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run summary")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_runs SET status = $1, finished_at = $2, summary = $3 WHERE id = $4`,
		string(run.Status), run.FinishedAt, summaryJSON, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish enrichment run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: enrichment run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetEnrichmentRun(ctx context.Context, id string) (*model.EnrichmentRun, error) {
	var (
		run          model.EnrichmentRun
		kind, status string
		summary      []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, status, dry_run, started_at, finished_at, summary FROM enrichment_runs WHERE id = $1`, id,
	).Scan(&run.ID, &kind, &status, &run.DryRun, &run.StartedAt, &run.FinishedAt, &summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: enrichment run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get enrichment run %s", id)
	}
	run.Kind = model.RunKind(kind)
	run.Status = model.RunStatus(status)
	if len(summary) > 0 && string(summary) != "null" {
		run.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summary, run.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run summary")
		}
	}
	return &run, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
