package model

import "time"

// CacheKey identifies one cached source lookup.
type CacheKey struct {
	SubjectID   int64      `json:"subject_id"`
	Source      SourceType `json:"source"`
	Fingerprint string     `json:"fingerprint"`
}

// CachedLookup is a stored successful lookup result.
type CachedLookup struct {
	Key       CacheKey            `json:"key"`
	Result    *SourceLookupResult `json:"result"`
	FetchedAt time.Time           `json:"fetched_at"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// Fresh reports whether the entry is still within its TTL at now.
func (c *CachedLookup) Fresh(now time.Time) bool {
	return c != nil && c.Result != nil && now.Before(c.ExpiresAt)
}
