package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

// Backend is the durable side of the cache.
type Backend interface {
	// GetCachedLookup returns nil, nil when no entry exists.
	GetCachedLookup(ctx context.Context, key model.CacheKey) (*model.CachedLookup, error)
	SetCachedLookup(ctx context.Context, entry model.CachedLookup) error
	DeleteExpiredLookups(ctx context.Context, now time.Time) (int, error)
}

// QueryCache serves fresh lookups from the backend, optionally fronted by an
// in-process memo. A nil *QueryCache is a valid cache that always misses.
type QueryCache struct {
	backend Backend
	policy  TTLPolicy
	now     func() time.Time

	mu   sync.Mutex
	memo map[model.CacheKey]model.CachedLookup
}

// Option configures a QueryCache.
type Option func(*QueryCache)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *QueryCache) { c.now = now }
}

// WithMemo keeps entries in memory as well, for repeated lookups in one process.
func WithMemo() Option {
	return func(c *QueryCache) { c.memo = make(map[model.CacheKey]model.CachedLookup) }
}

// New creates a QueryCache. A nil policy uses DefaultTTLPolicy.
func New(backend Backend, policy TTLPolicy, opts ...Option) *QueryCache {
	if policy == nil {
		policy = DefaultTTLPolicy()
	}
	c := &QueryCache{backend: backend, policy: policy, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns a fresh cached result for subject from the described source.
// Backend errors are logged and reported as a miss. The returned result is
// a copy marked Cached with zero cost.
func (c *QueryCache) Get(ctx context.Context, subject model.Subject, desc model.SourceDescriptor) (*model.SourceLookupResult, bool) {
	if c == nil || c.backend == nil {
		return nil, false
	}
	ttl := c.policy.TTL(desc.ReliabilityTier)
	if ttl <= 0 {
		return nil, false
	}
	key := KeyFor(subject, desc.Type)
	now := c.now()

	if e, ok := c.memoGet(key); ok && c.fresh(&e, ttl, now) {
		return served(e.Result), true
	}

	e, err := c.backend.GetCachedLookup(ctx, key)
	if err != nil {
		zap.L().Warn("cache: get failed, treating as miss",
			zap.Int64("actor_id", subject.ID),
			zap.String("source", string(desc.Type)),
			zap.Error(err),
		)
		return nil, false
	}
	if e == nil || !c.fresh(e, ttl, now) {
		return nil, false
	}
	c.memoPut(*e)
	return served(e.Result), true
}

// Put stores a successful result. Misses, failures, and empty payloads are
// never written.
func (c *QueryCache) Put(ctx context.Context, subject model.Subject, desc model.SourceDescriptor, res *model.SourceLookupResult) error {
	if c == nil || c.backend == nil || res == nil || !res.Success || res.Data.IsEmpty() {
		return nil
	}
	ttl := c.policy.TTL(desc.ReliabilityTier)
	if ttl <= 0 {
		return nil
	}
	now := c.now()
	stored := *res
	stored.Data = res.Data.Clone()
	entry := model.CachedLookup{
		Key:       KeyFor(subject, desc.Type),
		Result:    &stored,
		FetchedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := c.backend.SetCachedLookup(ctx, entry); err != nil {
		return err
	}
	c.memoPut(entry)
	return nil
}

// Prune deletes expired rows and clears expired memo entries.
func (c *QueryCache) Prune(ctx context.Context) (int, error) {
	if c == nil || c.backend == nil {
		return 0, nil
	}
	now := c.now()
	c.mu.Lock()
	for k, e := range c.memo {
		if !e.Fresh(now) {
			delete(c.memo, k)
		}
	}
	c.mu.Unlock()
	return c.backend.DeleteExpiredLookups(ctx, now)
}

// fresh rechecks the stored expiry and the current policy, so a tightened
// TTL applies to rows written under an older one.
func (c *QueryCache) fresh(e *model.CachedLookup, ttl time.Duration, now time.Time) bool {
	if !e.Fresh(now) {
		return false
	}
	return now.Sub(e.FetchedAt) < ttl
}

func (c *QueryCache) memoGet(key model.CacheKey) (model.CachedLookup, bool) {
	if c.memo == nil {
		return model.CachedLookup{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.memo[key]
	return e, ok
}

func (c *QueryCache) memoPut(e model.CachedLookup) {
	if c.memo == nil {
		return
	}
	c.mu.Lock()
	c.memo[e.Key] = e
	c.mu.Unlock()
}

func served(r *model.SourceLookupResult) *model.SourceLookupResult {
	out := *r
	out.Data = r.Data.Clone()
	out.Entry.Cached = true
	out.Entry.CostUSD = 0
	out.Entry.Duration = 0
	return &out
}
