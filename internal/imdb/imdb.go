// Package imdb seeds the subjects table from the IMDb name.basics dataset.
package imdb

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/internal/fetcher"
	"github.com/deadonfilm/enrich-cli/internal/model"
)

// DefaultURL is the public name.basics dump.
const DefaultURL = "https://datasets.imdbws.com/name.basics.tsv.gz"

const defaultBatchSize = 5000

// SubjectWriter is the part of the store the importer needs.
type SubjectWriter interface {
	UpsertSubjects(ctx context.Context, subjects []model.Subject) (int64, error)
}

// Stats summarises an import.
type Stats struct {
	Rows      int64 `json:"rows"`
	Deceased  int64 `json:"deceased"`
	Malformed int64 `json:"malformed"`
	Inserted  int64 `json:"inserted"`
}

// Importer streams name.basics rows into the store, keeping only people
// with a recorded death year.
type Importer struct {
	fetcher   fetcher.Fetcher
	store     SubjectWriter
	url       string
	batchSize int
}

// Options configures an Importer.
type Options struct {
	URL       string
	BatchSize int
}

// NewImporter creates an Importer.
func NewImporter(f fetcher.Fetcher, store SubjectWriter, opts Options) *Importer {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Importer{fetcher: f, store: store, url: opts.URL, batchSize: opts.BatchSize}
}

// Import downloads the dump and loads it.
func (im *Importer) Import(ctx context.Context) (*Stats, error) {
	zap.L().Info("imdb: downloading dump", zap.String("url", im.url))
	body, err := im.fetcher.Download(ctx, im.url)
	if err != nil {
		return nil, eris.Wrap(err, "imdb: download")
	}
	defer body.Close() //nolint:errcheck
	return im.ImportReader(ctx, body)
}

// ImportFile loads a local dump, gzipped or plain.
func (im *Importer) ImportFile(ctx context.Context, path string) (*Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "imdb: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return im.ImportReader(ctx, f)
}

// ImportReader loads rows from r until EOF.
func (im *Importer) ImportReader(ctx context.Context, r io.Reader) (*Stats, error) {
	start := time.Now()
	src, err := fetcher.MaybeGunzip(r)
	if err != nil {
		return nil, eris.Wrap(err, "imdb: decompress")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	headerCh := make(chan []string, 1)
	rowCh, errCh := fetcher.StreamTSV(ctx, src, fetcher.TSVOptions{HasHeader: true, HeaderCh: headerCh, Null: `\N`})

	stats := &Stats{}
	var cols columns
	batch := make([]model.Subject, 0, im.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := im.store.UpsertSubjects(ctx, batch)
		if err != nil {
			return eris.Wrapf(err, "imdb: upsert batch ending at row %d", stats.Rows)
		}
		stats.Inserted += n
		batch = batch[:0]
		zap.L().Debug("imdb: batch stored", zap.Int64("rows", stats.Rows), zap.Int64("inserted", stats.Inserted))
		return nil
	}

	for row := range rowCh {
		if cols == nil {
			select {
			case header := <-headerCh:
				if cols, err = resolveColumns(header); err != nil {
					return nil, err
				}
			default:
				return nil, eris.New("imdb: dump has no header row")
			}
		}
		stats.Rows++
		subj, ok, err := cols.parse(row)
		if err != nil {
			stats.Malformed++
			zap.L().Debug("imdb: skipping row", zap.Int64("row", stats.Rows), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		stats.Deceased++
		batch = append(batch, subj)
		if len(batch) >= im.batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrap(err, "imdb: read dump")
	}
	if err := flush(); err != nil {
		return nil, err
	}

	zap.L().Info("imdb: import complete",
		zap.Int64("rows", stats.Rows),
		zap.Int64("deceased", stats.Deceased),
		zap.Int64("inserted", stats.Inserted),
		zap.Int64("malformed", stats.Malformed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return stats, nil
}

// columns maps the fields the importer reads to their header positions.
type columns map[string]int

var requiredColumns = []string{"nconst", "primaryName", "birthYear", "deathYear"}

func resolveColumns(header []string) (columns, error) {
	cols := make(columns, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, eris.Errorf("imdb: header missing %q", name)
		}
	}
	return cols, nil
}

func (c columns) field(row []string, name string) string {
	i := c[name]
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// parse returns ok=false for living people.
func (c columns) parse(row []string) (model.Subject, bool, error) {
	deathYear := c.field(row, "deathYear")
	if deathYear == "" {
		return model.Subject{}, false, nil
	}
	nconst := c.field(row, "nconst")
	id, err := PersonID(nconst)
	if err != nil {
		return model.Subject{}, false, err
	}
	name := c.field(row, "primaryName")
	if name == "" {
		return model.Subject{}, false, eris.Errorf("imdb: %s has no name", nconst)
	}
	death, err := yearDate(deathYear)
	if err != nil {
		return model.Subject{}, false, err
	}
	subj := model.Subject{
		ID:          id,
		Name:        name,
		ExternalIDs: model.ExternalIDs{IMDbID: nconst},
		Deathday:    death,
	}
	if birthYear := c.field(row, "birthYear"); birthYear != "" {
		if subj.Birthday, err = yearDate(birthYear); err != nil {
			return model.Subject{}, false, err
		}
	}
	return subj, true, nil
}

// PersonID converts an nconst such as "nm0000001" to its numeric id.
func PersonID(nconst string) (int64, error) {
	id, err := model.ParseIMDbPersonID(nconst)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("imdb: malformed nconst %q", nconst)
	}
	return id, nil
}

// yearDate maps a four-digit year to January 1 of that year.
func yearDate(year string) (*time.Time, error) {
	y, err := strconv.Atoi(year)
	if err != nil || y <= 0 || y > 9999 {
		return nil, eris.Errorf("imdb: malformed year %q", year)
	}
	t := time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	return &t, nil
}
