package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
	"resonance-backend/domain/core/valueobjects"
	"resonance-backend/domain/events"
	domainservices "resonance-backend/domain/services"
	"resonance-backend/infrastructure/cache"
	"resonance-backend/infrastructure/persistence/memory"
)

var errStoreDown = errors.New("store unreachable")

func strPtr(s string) *string { return &s }

// flakyStore wraps the in-memory store with injectable failures.
type flakyStore struct {
	*memory.ConnectionStore

	mu sync.Mutex
	// pairFailures[pair] is the number of upserts of that pair that fail.
	pairFailures map[valueobjects.PairKey]int
	// listFailures/upsertFailures fail the whole call N times.
	listFailures   int
	upsertFailures int
	down           bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		ConnectionStore: memory.NewConnectionStore(),
		pairFailures:    make(map[valueobjects.PairKey]int),
	}
}

func (s *flakyStore) UpsertConnections(ctx context.Context, communityID string, conns []entities.Connection) (map[valueobjects.PairKey]error, error) {
	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return nil, errStoreDown
	}
	if s.upsertFailures > 0 {
		s.upsertFailures--
		s.mu.Unlock()
		return nil, errStoreDown
	}
	failed := make(map[valueobjects.PairKey]error)
	ok := make([]entities.Connection, 0, len(conns))
	for _, c := range conns {
		if n := s.pairFailures[c.Pair()]; n > 0 {
			s.pairFailures[c.Pair()] = n - 1
			failed[c.Pair()] = errors.New("conditional check failed")
			continue
		}
		ok = append(ok, c)
	}
	s.mu.Unlock()

	more, err := s.ConnectionStore.UpsertConnections(ctx, communityID, ok)
	for k, v := range more {
		failed[k] = v
	}
	return failed, err
}

func (s *flakyStore) ListConnectionsForUser(ctx context.Context, communityID, userID string) ([]entities.Connection, error) {
	s.mu.Lock()
	if s.down || s.listFailures > 0 {
		if s.listFailures > 0 {
			s.listFailures--
		}
		s.mu.Unlock()
		return nil, errStoreDown
	}
	s.mu.Unlock()
	return s.ConnectionStore.ListConnectionsForUser(ctx, communityID, userID)
}

func (s *flakyStore) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
}

type fixture struct {
	profiles  *memory.ProfileSource
	store     *flakyStore
	cache     *cache.MemoryCache
	neighbors *NeighborCache
	stats     *NetworkStatsAggregator
	engine    *SimilarityEngine
	integrity *WeightIntegrityChecker
	recorder  *recordingPublisher
}

func newFixture(t *testing.T, cfg EngineConfig) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{
		profiles: memory.NewProfileSource(),
		store:    newFlakyStore(),
		cache:    cache.NewMemoryCache(1000, 1<<20, logger),
		recorder: &recordingPublisher{},
	}
	f.neighbors = NewNeighborCache(f.store, f.profiles, f.cache, DefaultNeighborCacheConfig(), nil, logger)
	f.stats = NewNetworkStatsAggregator(f.store, 0, logger)
	scorer := domainservices.NewDefaultSimilarityScorer(domainservices.DefaultScorerWeights(), nil)
	if cfg.Retry.BackoffFactor == 0 {
		cfg.Retry = fastRetry()
	}
	f.engine = NewSimilarityEngine(f.profiles, f.store, scorer, f.neighbors, f.stats, f.recorder, nil, cfg, logger)
	f.integrity = NewWeightIntegrityChecker(f.store, f.neighbors, f.recorder, nil, fastRetry(), logger)
	return f
}

func (f *fixture) addProfile(t *testing.T, community, user string, keywords []string, bio, affiliation *string) {
	t.Helper()
	require.NoError(t, f.profiles.Put(&entities.Profile{
		UserID:             user,
		CommunityID:        community,
		Keywords:           keywords,
		Bio:                bio,
		CurrentAffiliation: affiliation,
		UpdatedAt:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
}

// allRows returns every row of a community in scan order.
func (f *fixture) allRows(t *testing.T, community string) []entities.Connection {
	t.Helper()
	var rows []entities.Connection
	cursor := ""
	for {
		page, err := f.store.Scan(context.Background(), ports.ScanQuery{CommunityID: community, Cursor: cursor, Limit: 100})
		require.NoError(t, err)
		rows = append(rows, page.Connections...)
		if page.NextCursor == "" {
			return rows
		}
		cursor = page.NextCursor
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event.GetEventType())
	return nil
}

func (p *recordingPublisher) PublishBatch(ctx context.Context, batch []events.DomainEvent) error {
	for _, e := range batch {
		_ = p.Publish(ctx, e)
	}
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}
