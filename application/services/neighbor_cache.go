package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
	pkgerrors "resonance-backend/pkg/errors"
)

// NeighborCacheConfig tunes top-K caching.
type NeighborCacheConfig struct {
	DefaultK int `yaml:"default_k" validate:"min=1"`
	MaxK     int `yaml:"max_k" validate:"min=1"`
	// TTL is how long an entry is served without recomputation.
	TTL time.Duration `yaml:"ttl"`
	// StaleFactor multiplies TTL for how long an entry is kept as a fallback
	// when recomputation fails.
	StaleFactor    int           `yaml:"stale_factor" validate:"min=1"`
	ComputeTimeout time.Duration `yaml:"compute_timeout"`
	KeyPrefix      string        `yaml:"key_prefix"`
}

func DefaultNeighborCacheConfig() NeighborCacheConfig {
	return NeighborCacheConfig{
		DefaultK:       20,
		MaxK:           100,
		TTL:            15 * time.Minute,
		StaleFactor:    4,
		ComputeTimeout: 10 * time.Second,
		KeyPrefix:      "neighbors",
	}
}

// SimilarProfile is a neighbour with the profile fields the UI renders.
type SimilarProfile struct {
	UserID             string   `json:"userId"`
	Keywords           []string `json:"keywords"`
	Bio                *string  `json:"bio,omitempty"`
	CurrentAffiliation *string  `json:"currentAffiliation,omitempty"`
	Weight             int      `json:"weight"`
	Description        string   `json:"description"`
}

// SimilarProfilesResult is returned by GetSimilarProfiles.
type SimilarProfilesResult struct {
	UserID          string           `json:"userId"`
	CommunityID     string           `json:"communityId"`
	SimilarProfiles []SimilarProfile `json:"similarProfiles"`
	FromCache       bool             `json:"fromCache"`
	Stale           bool             `json:"stale,omitempty"`
	CalculationTime float64          `json:"calculationTime"`
	ComputedAt      time.Time        `json:"computedAt"`
}

// CacheStats is a point-in-time view of cache activity.
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	StaleServed int64   `json:"staleServed"`
	Entries     int     `json:"entries"`
	HitRate     float64 `json:"hitRate"`
}

// cacheEntry is the serialised value stored per (community, user).
type cacheEntry struct {
	Neighbors  []SimilarProfile `json:"neighbors"`
	ComputedAt time.Time        `json:"computedAt"`
	// Complete is set when the user has no more neighbours than stored.
	Complete bool `json:"complete"`
}

func (e *cacheEntry) covers(limit int) bool {
	return e.Complete || len(e.Neighbors) >= limit
}

// keyState guards one cache key. gen is bumped on every invalidation so that
// a computation that started earlier does not write its result back.
type keyState struct {
	mu  sync.Mutex
	gen uint64
}

// NeighborCache serves a user's top-K most similar profiles from a shared
// cache, rebuilding entries from the connection store on a miss. The cache
// holds only derived data.
type NeighborCache struct {
	store    ports.ConnectionStore
	profiles ports.ProfileSource
	cache    ports.Cache
	config   NeighborCacheConfig
	metrics  ports.MetricsRecorder
	logger   *zap.Logger
	now      func() time.Time

	flight singleflight.Group
	keys   sync.Map // cache key -> *keyState
	ttl    atomic.Int64

	hits        atomic.Int64
	misses      atomic.Int64
	staleServed atomic.Int64
}

func NewNeighborCache(
	store ports.ConnectionStore,
	profiles ports.ProfileSource,
	cache ports.Cache,
	config NeighborCacheConfig,
	metrics ports.MetricsRecorder,
	logger *zap.Logger,
) *NeighborCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	defaults := DefaultNeighborCacheConfig()
	if config.DefaultK <= 0 {
		config.DefaultK = defaults.DefaultK
	}
	if config.MaxK < config.DefaultK {
		config.MaxK = max(defaults.MaxK, config.DefaultK)
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.StaleFactor <= 0 {
		config.StaleFactor = defaults.StaleFactor
	}
	if config.ComputeTimeout <= 0 {
		config.ComputeTimeout = defaults.ComputeTimeout
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	c := &NeighborCache{
		store:    store,
		profiles: profiles,
		cache:    cache,
		config:   config,
		metrics:  metrics,
		logger:   logger.Named("neighbor_cache"),
		now:      time.Now,
	}
	c.ttl.Store(int64(config.TTL))
	return c
}

// SetTTL changes the freshness window for lookups made afterwards. Entries
// already stored keep their physical expiry.
func (c *NeighborCache) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		c.ttl.Store(int64(ttl))
	}
}

// Ids are escaped so the ":" separator and the "*" wildcard cannot appear
// inside a component; ("a", "b:c") and ("a:b", "c") get different keys.
func (c *NeighborCache) key(communityID, userID string) string {
	return fmt.Sprintf("%s:%s:%s", c.config.KeyPrefix, url.QueryEscape(communityID), url.QueryEscape(userID))
}

func (c *NeighborCache) communityPattern(communityID string) string {
	return fmt.Sprintf("%s:%s:*", c.config.KeyPrefix, url.QueryEscape(communityID))
}

func (c *NeighborCache) state(key string) *keyState {
	v, _ := c.keys.LoadOrStore(key, &keyState{})
	return v.(*keyState)
}

// GetSimilarProfiles returns up to limit neighbours ordered by weight
// descending, then counterpart id ascending. limit <= 0 means the default.
func (c *NeighborCache) GetSimilarProfiles(ctx context.Context, userID, communityID string, limit int) (*SimilarProfilesResult, error) {
	ctx, span := tracer.Start(ctx, "NeighborCache.GetSimilarProfiles")
	defer span.End()

	if userID == "" || communityID == "" {
		return nil, pkgerrors.NewValidationError("userId and communityId are required")
	}
	if limit <= 0 {
		limit = c.config.DefaultK
	}
	limit = min(limit, c.config.MaxK)

	start := c.now()
	key := c.key(communityID, userID)

	cached, found := c.read(ctx, key)
	if found && c.fresh(cached) && cached.covers(limit) {
		c.hits.Add(1)
		c.metrics.RecordCacheLookup(ports.CacheOutcomeHit)
		return c.result(userID, communityID, cached, limit, true, false, start), nil
	}

	k := max(limit, c.config.DefaultK)
	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		return c.compute(ctx, communityID, userID, k)
	})
	var entry *cacheEntry
	if err == nil {
		entry = v.(*cacheEntry)
		if !entry.covers(limit) {
			// A concurrent caller asked for fewer neighbours.
			entry, err = c.compute(ctx, communityID, userID, limit)
		}
	}

	if err != nil {
		if found && !pkgerrors.IsNotFound(err) && !pkgerrors.IsValidation(err) {
			c.staleServed.Add(1)
			c.metrics.RecordCacheLookup(ports.CacheOutcomeStale)
			c.logger.Warn("serving stale neighbour list",
				zap.String("community_id", communityID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
			return c.result(userID, communityID, cached, limit, true, true, start), nil
		}
		c.metrics.RecordCacheLookup(ports.CacheOutcomeError)
		return nil, err
	}

	c.misses.Add(1)
	c.metrics.RecordCacheLookup(ports.CacheOutcomeMiss)
	return c.result(userID, communityID, entry, limit, false, false, start), nil
}

func (c *NeighborCache) fresh(e *cacheEntry) bool {
	return c.now().Sub(e.ComputedAt) < time.Duration(c.ttl.Load())
}

// read treats cache errors and undecodable entries as misses.
func (c *NeighborCache) read(ctx context.Context, key string) (*cacheEntry, bool) {
	data, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("neighbour cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &entry, true
}

// compute rebuilds the entry for one user from the store and writes it back
// unless the key was invalidated in the meantime. It never deletes or
// overwrites an entry when it fails.
func (c *NeighborCache) compute(ctx context.Context, communityID, userID string, k int) (*cacheEntry, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ComputeTimeout)
	defer cancel()

	key := c.key(communityID, userID)
	st := c.state(key)
	st.mu.Lock()
	gen := st.gen
	st.mu.Unlock()

	owner, err := c.profiles.GetProfile(ctx, communityID, userID)
	if err != nil {
		return nil, profileSourceError(err)
	}
	if owner == nil {
		return nil, pkgerrors.NewNotFoundError("profile " + userID).WithDetails(map[string]interface{}{
			"communityId": communityID,
			"userId":      userID,
		})
	}

	rows, err := c.store.ListConnectionsForUser(ctx, communityID, userID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, pkgerrors.NewTimeoutError("list connections").WithCause(err)
		}
		return nil, storeError(err)
	}
	SortNeighbors(rows)

	entry := &cacheEntry{
		Neighbors:  make([]SimilarProfile, 0, min(k, len(rows))),
		ComputedAt: c.now().UTC(),
		Complete:   len(rows) <= k,
	}
	for _, row := range rows {
		if len(entry.Neighbors) == k {
			break
		}
		p, err := c.profiles.GetProfile(ctx, communityID, row.ToID)
		if err != nil {
			return nil, profileSourceError(err)
		}
		if p == nil {
			// Edge to a departed member; it goes away on the next recompute.
			continue
		}
		entry.Neighbors = append(entry.Neighbors, SimilarProfile{
			UserID:             row.ToID,
			Keywords:           p.Keywords,
			Bio:                p.Bio,
			CurrentAffiliation: p.CurrentAffiliation,
			Weight:             row.Weight,
			Description:        row.Description,
		})
	}
	if len(entry.Neighbors) < k {
		entry.Complete = true
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, pkgerrors.NewInternalError("encode neighbour list").WithCause(err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gen != gen {
		c.logger.Debug("skipping cache write for invalidated key", zap.String("key", key))
		return entry, nil
	}
	ttl := time.Duration(c.ttl.Load()) * time.Duration(c.config.StaleFactor)
	if err := c.cache.Set(ctx, key, data, ttl); err != nil {
		c.logger.Warn("neighbour cache write failed", zap.String("key", key), zap.Error(err))
	}
	return entry, nil
}

func (c *NeighborCache) result(userID, communityID string, e *cacheEntry, limit int, fromCache, stale bool, start time.Time) *SimilarProfilesResult {
	n := min(limit, len(e.Neighbors))
	out := make([]SimilarProfile, n)
	copy(out, e.Neighbors[:n])
	return &SimilarProfilesResult{
		UserID:          userID,
		CommunityID:     communityID,
		SimilarProfiles: out,
		FromCache:       fromCache,
		Stale:           stale,
		CalculationTime: float64(c.now().Sub(start).Microseconds()) / 1000,
		ComputedAt:      e.ComputedAt,
	}
}

// Invalidate drops the entries of the given users. Only the affected keys
// are locked.
func (c *NeighborCache) Invalidate(ctx context.Context, communityID string, userIDs ...string) error {
	var errs []error
	for _, id := range userIDs {
		key := c.key(communityID, id)
		st := c.state(key)
		st.mu.Lock()
		st.gen++
		err := c.cache.Delete(ctx, key)
		st.mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("invalidate %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// InvalidateCommunity drops every entry of the community. Generations are
// bumped before the clear so in-flight computations do not write back.
func (c *NeighborCache) InvalidateCommunity(ctx context.Context, communityID string) error {
	prefix := strings.TrimSuffix(c.communityPattern(communityID), "*")
	c.keys.Range(func(k, v any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			st := v.(*keyState)
			st.mu.Lock()
			st.gen++
			st.mu.Unlock()
		}
		return true
	})
	if err := c.cache.Clear(ctx, c.communityPattern(communityID)); err != nil {
		return fmt.Errorf("invalidate community %s: %w", communityID, err)
	}
	return nil
}

// GetCacheStats is safe to call concurrently with lookups.
func (c *NeighborCache) GetCacheStats(ctx context.Context) (*CacheStats, error) {
	entries, err := c.cache.Len(ctx)
	if err != nil {
		return nil, pkgerrors.NewUnavailableError("neighbour-cache").WithCause(err)
	}
	stats := &CacheStats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		StaleServed: c.staleServed.Load(),
		Entries:     entries,
	}
	if total := stats.Hits + stats.Misses + stats.StaleServed; total > 0 {
		stats.HitRate = float64(stats.Hits+stats.StaleServed) / float64(total)
	}
	return stats, nil
}

// SortNeighbors orders rows by weight descending, then ToID ascending.
func SortNeighbors(rows []entities.Connection) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Weight != rows[j].Weight {
			return rows[i].Weight > rows[j].Weight
		}
		return rows[i].ToID < rows[j].ToID
	})
}
