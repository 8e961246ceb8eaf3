package model

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ExternalIDs holds identifiers for a subject in third-party catalogs.
type ExternalIDs struct {
	TMDBID     int64  `json:"tmdb_id,omitempty"`
	IMDbID     string `json:"imdb_id,omitempty"`     // nconst, e.g. "nm0000001"
	WikidataID string `json:"wikidata_id,omitempty"` // QID, e.g. "Q1234"
}

// Subject is a deceased public figure queued for enrichment. Sources receive
// it by value and must treat it as read-only.
type Subject struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	ExternalIDs ExternalIDs    `json:"external_ids"`
	Birthday    *time.Time     `json:"birthday,omitempty"`
	Deathday    *time.Time     `json:"deathday,omitempty"`
	Known       EnrichmentData `json:"known"`
}

// Validate checks the fields every source relies on.
func (s Subject) Validate() error {
	if s.ID <= 0 {
		return eris.Errorf("subject: invalid id %d", s.ID)
	}
	if strings.TrimSpace(s.Name) == "" {
		return eris.Errorf("subject %d: name is required", s.ID)
	}
	if s.Birthday != nil && s.Deathday != nil && s.Deathday.Before(*s.Birthday) {
		return eris.Errorf("subject %d: deathday precedes birthday", s.ID)
	}
	return nil
}

// DeathYear returns the year of death, or 0 when unknown.
func (s Subject) DeathYear() int {
	if s.Deathday == nil {
		return 0
	}
	return s.Deathday.Year()
}

// DeathDate formats the death date as YYYY-MM-DD, or "" when unknown.
func (s Subject) DeathDate() string {
	if s.Deathday == nil {
		return ""
	}
	return s.Deathday.Format("2006-01-02")
}

// ParseIMDbPersonID converts an IMDb nconst ("nm0000102") to its numeric id.
func ParseIMDbPersonID(nconst string) (int64, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(nconst), "nm")
	if trimmed == "" || trimmed == nconst {
		return 0, eris.Errorf("model: not an imdb person id: %q", nconst)
	}
	id, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "model: parse imdb person id %q", nconst)
	}
	return id, nil
}

// NormalizeName folds a name for matching: NFKD decomposition with combining
// marks removed, lower case, single spaces.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}
