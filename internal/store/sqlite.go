package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as fixed-width UTC text so string comparison orders them.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS subjects (
	id          INTEGER PRIMARY KEY,
	name        TEXT NOT NULL,
	imdb_id     TEXT UNIQUE,
	tmdb_id     INTEGER,
	wikidata_id TEXT,
	birthday    TEXT,
	deathday    TEXT,
	known       TEXT NOT NULL DEFAULT '{}',
	sources     TEXT,
	enriched_at TEXT,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS job_runs (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	queue        TEXT NOT NULL,
	status       TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	payload      TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	run_at       TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	started_at   TEXT,
	finished_at  TEXT,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	result       TEXT,
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
	payload     TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lookup_cache (
	subject_id  INTEGER NOT NULL,
	source      TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	result      TEXT NOT NULL,
	fetched_at  TEXT NOT NULL,
	expires_at  TEXT NOT NULL,
	PRIMARY KEY (subject_id, source, fingerprint)
);

CREATE TABLE IF NOT EXISTS enrichment_runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	dry_run     INTEGER NOT NULL DEFAULT 0,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	summary     TEXT
);

CREATE INDEX IF NOT EXISTS idx_subjects_enriched_at ON subjects(enriched_at);
CREATE INDEX IF NOT EXISTS idx_job_runs_status ON job_runs(status);
CREATE INDEX IF NOT EXISTS idx_job_runs_created_at ON job_runs(created_at);
CREATE INDEX IF NOT EXISTS idx_lookup_cache_expires_at ON lookup_cache(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Subjects

const subjectColumns = `id, name, imdb_id, tmdb_id, wikidata_id, birthday, deathday, known`

func (s *SQLiteStore) GetSubject(ctx context.Context, id int64) (*model.Subject, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id = ?`, id)
	subj, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: subject %d", id)
	}
	return subj, err
}

func (s *SQLiteStore) ListSubjectsForEnrichment(ctx context.Context, filter SubjectFilter) ([]model.Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE deathday IS NOT NULL`
	var args []any
	if len(filter.IDs) > 0 {
		query += ` AND id IN (?` + strings.Repeat(`, ?`, len(filter.IDs)-1) + `)`
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if filter.Unenriched {
		query += ` AND enriched_at IS NULL`
	}
	query += ` ORDER BY deathday DESC, id LIMIT ?`
	args = append(args, limitOr(filter.Limit, 1000))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list subjects")
	}
	defer rows.Close()

	var out []model.Subject
	for rows.Next() {
		subj, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *subj)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list subjects iterate")
}

func (s *SQLiteStore) SaveEnrichment(ctx context.Context, subjectID int64, data *model.EnrichmentData, sources []string) error {
	if data == nil {
		return eris.Errorf("sqlite: save enrichment for %d: nil data", subjectID)
	}
	knownJSON, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal enrichment")
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal sources")
	}
	now := ts(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE subjects SET known = ?, sources = ?, enriched_at = ?, updated_at = ? WHERE id = ?`,
		string(knownJSON), string(sourcesJSON), now, now, subjectID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save enrichment %d", subjectID)
	}
	return checkRowsAffected(res, "subject", subjectID)
}

// UpsertSubjects inserts subjects, ignoring ids or IMDb ids already present.
func (s *SQLiteStore) UpsertSubjects(ctx context.Context, subjects []model.Subject) (int64, error) {
	if len(subjects) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert subjects")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO subjects (id, name, imdb_id, tmdb_id, wikidata_id, birthday, deathday, known, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert subjects")
	}
	defer stmt.Close()

	now := ts(s.now())
	var inserted int64
	for _, subj := range subjects {
		knownJSON, err := json.Marshal(subj.Known)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal known")
		}
		res, err := stmt.ExecContext(ctx,
			subj.ID, subj.Name, nullString(subj.ExternalIDs.IMDbID), nullInt(subj.ExternalIDs.TMDBID),
			nullString(subj.ExternalIDs.WikidataID), nullDate(subj.Birthday), nullDate(subj.Deathday),
			string(knownJSON), now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert subject %d", subj.ID)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	return inserted, eris.Wrap(tx.Commit(), "sqlite: commit upsert subjects")
}

func scanSubject(row scannable) (*model.Subject, error) {
	var (
		subj               model.Subject
		imdb, qid          sql.NullString
		tmdb               sql.NullInt64
		birthday, deathday sql.NullString
		knownJSON          string
	)
	err := row.Scan(&subj.ID, &subj.Name, &imdb, &tmdb, &qid, &birthday, &deathday, &knownJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan subject")
	}
	subj.ExternalIDs = model.ExternalIDs{IMDbID: imdb.String, TMDBID: tmdb.Int64, WikidataID: qid.String}
	if subj.Birthday, err = parseNullDate(birthday); err != nil {
		return nil, err
	}
	if subj.Deathday, err = parseNullDate(deathday); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(knownJSON), &subj.Known); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal known for %d", subj.ID)
	}
	return &subj, nil
}

// Job runs

const jobColumns = `id, type, queue, status, priority, payload, attempts, max_attempts, run_at, created_at,
	started_at, finished_at, duration_ms, result, error`

func (s *SQLiteStore) CreateJobRun(ctx context.Context, job *model.JobRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), job.Queue, string(job.Status), job.Priority, rawOrEmpty(job.Payload),
		job.Attempts, job.MaxAttempts, ts(job.RunAt), ts(job.CreatedAt),
		nullTS(job.StartedAt), nullTS(job.FinishedAt), job.DurationMs, nullRaw(job.Result), nullString(job.Error),
	)
	return eris.Wrapf(err, "sqlite: insert job run %s", job.ID)
}

func (s *SQLiteStore) UpdateJobRun(ctx context.Context, job *model.JobRun) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status = ?, attempts = ?, run_at = ?, started_at = ?, finished_at = ?,
		 duration_ms = ?, result = ?, error = ? WHERE id = ?`,
		string(job.Status), job.Attempts, ts(job.RunAt), nullTS(job.StartedAt), nullTS(job.FinishedAt),
		job.DurationMs, nullRaw(job.Result), nullString(job.Error), job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job run %s", job.ID)
	}
	return checkRowsAffected(res, "job run", job.ID)
}

func (s *SQLiteStore) GetJobRun(ctx context.Context, id string) (*model.JobRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_runs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job run %s", id)
	}
	return job, err
}

func (s *SQLiteStore) ListJobRuns(ctx context.Context, filter JobFilter) ([]model.JobRun, error) {
	query := `SELECT ` + jobColumns + ` FROM job_runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Queue != "" {
		query += ` AND queue = ?`
		args = append(args, filter.Queue)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit, 100))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}
	return s.queryJobs(ctx, query, args...)
}

func (s *SQLiteStore) ListRecoverableJobRuns(ctx context.Context) ([]model.JobRun, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM job_runs WHERE status IN (?, ?, ?) ORDER BY created_at`,
		string(model.JobStatusPending), string(model.JobStatusDelayed), string(model.JobStatusActive),
	)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]model.JobRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list job runs")
	}
	defer rows.Close()

	var out []model.JobRun
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list job runs iterate")
}

func scanJob(row scannable) (*model.JobRun, error) {
	var (
		j                     model.JobRun
		payload               string
		runAt, createdAt      string
		startedAt, finishedAt sql.NullString
		result, errText       sql.NullString
	)
	err := row.Scan(&j.ID, &j.Type, &j.Queue, &j.Status, &j.Priority, &payload, &j.Attempts, &j.MaxAttempts,
		&runAt, &createdAt, &startedAt, &finishedAt, &j.DurationMs, &result, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job run")
	}
	j.Payload = json.RawMessage(payload)
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.Error = errText.String
	if j.RunAt, err = parseTS(runAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseNullTS(startedAt); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = parseNullTS(finishedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// Dead letters

// InsertDeadLetter writes entry once per job; later writes for the same job
// are ignored.
func (s *SQLiteStore) InsertDeadLetter(ctx context.Context, e *model.DeadLetterEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, job_id, job_type, queue, attempts, final_error, error_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id) DO NOTHING`,
		e.ID, e.JobID, string(e.JobType), e.Queue, e.Attempts, e.FinalError, e.ErrorType,
		rawOrEmpty(e.Payload), ts(e.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert dead letter for %s", e.JobID)
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, job_type, queue, attempts, final_error, error_type, payload, created_at
		 FROM dead_letters ORDER BY created_at DESC LIMIT ?`,
		limitOr(limit, 100),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetterEntry
	for rows.Next() {
		var e model.DeadLetterEntry
		var payload, createdAt string
		if err := rows.Scan(&e.ID, &e.JobID, &e.JobType, &e.Queue, &e.Attempts, &e.FinalError,
			&e.ErrorType, &payload, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		e.Payload = json.RawMessage(payload)
		if e.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dead letters")
}

// Lookup cache

func (s *SQLiteStore) GetCachedLookup(ctx context.Context, key model.CacheKey) (*model.CachedLookup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT result, fetched_at, expires_at FROM lookup_cache
		 WHERE subject_id = ? AND source = ? AND fingerprint = ? AND expires_at > ?`,
		key.SubjectID, string(key.Source), key.Fingerprint, ts(s.now()),
	)
	var resultJSON, fetchedAt, expiresAt string
	err := row.Scan(&resultJSON, &fetchedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached lookup")
	}
	entry := &model.CachedLookup{Key: key, Result: &model.SourceLookupResult{}}
	if err := json.Unmarshal([]byte(resultJSON), entry.Result); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal cached lookup")
	}
	if entry.FetchedAt, err = parseTS(fetchedAt); err != nil {
		return nil, err
	}
	if entry.ExpiresAt, err = parseTS(expiresAt); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *SQLiteStore) SetCachedLookup(ctx context.Context, e model.CachedLookup) error {
	resultJSON, err := json.Marshal(e.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal cached lookup")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lookup_cache (subject_id, source, fingerprint, result, fetched_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subject_id, source, fingerprint) DO UPDATE SET
		   result = excluded.result, fetched_at = excluded.fetched_at, expires_at = excluded.expires_at`,
		e.Key.SubjectID, string(e.Key.Source), e.Key.Fingerprint, string(resultJSON), ts(e.FetchedAt), ts(e.ExpiresAt),
	)
	return eris.Wrap(err, "sqlite: set cached lookup")
}

func (s *SQLiteStore) DeleteExpiredLookups(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lookup_cache WHERE expires_at <= ?`, ts(now))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired lookups")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Enrichment runs

func (s *SQLiteStore) CreateEnrichmentRun(ctx context.Context, run *model.EnrichmentRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrichment_runs (id, kind, status, dry_run, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(run.Kind), string(run.Status), run.DryRun, ts(run.StartedAt),
	)
	return eris.Wrapf(err, "sqlite: insert enrichment run %s", run.ID)
}

func (s *SQLiteStore) FinishEnrichmentRun(ctx context.Context, run *model.EnrichmentRun) error {
	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run summary")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_runs SET status = ?, finished_at = ?, summary = ? WHERE id = ?`,
		string(run.Status), nullTS(run.FinishedAt), string(summaryJSON), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish enrichment run %s", run.ID)
	}
	return checkRowsAffected(res, "enrichment run", run.ID)
}

func (s *SQLiteStore) GetEnrichmentRun(ctx context.Context, id string) (*model.EnrichmentRun, error) {
	var (
		run                 model.EnrichmentRun
		startedAt           string
		finishedAt, summary sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, status, dry_run, started_at, finished_at, summary FROM enrichment_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.Kind, &run.Status, &run.DryRun, &startedAt, &finishedAt, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: enrichment run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get enrichment run %s", id)
	}
	if run.StartedAt, err = parseTS(startedAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseNullTS(finishedAt); err != nil {
		return nil, err
	}
	if summary.Valid && summary.String != "null" {
		run.Summary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(summary.String), run.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run summary")
		}
	}
	return &run, nil
}

// helpers

func checkRowsAffected[T any](res sql.Result, entity string, id T) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %v", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}
