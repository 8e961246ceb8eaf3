// Package cache stores successful source lookups keyed by subject, source,
// and a fingerprint of the subject's identifying fields.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

const fingerprintLen = 24

// Fingerprint hashes the fields a source query depends on. A changed name,
// death date, or external id yields a new fingerprint, so stale entries for
// corrected subjects are never served.
func Fingerprint(s model.Subject) string {
	parts := []string{
		model.NormalizeName(s.Name),
		s.DeathDate(),
		strings.ToLower(strings.TrimSpace(s.ExternalIDs.IMDbID)),
		strings.ToUpper(strings.TrimSpace(s.ExternalIDs.WikidataID)),
	}
	if s.ExternalIDs.TMDBID > 0 {
		parts = append(parts, strconv.FormatInt(s.ExternalIDs.TMDBID, 10))
	} else {
		parts = append(parts, "")
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// KeyFor builds the cache key of subject for source.
func KeyFor(s model.Subject, source model.SourceType) model.CacheKey {
	return model.CacheKey{SubjectID: s.ID, Source: source, Fingerprint: Fingerprint(s)}
}
