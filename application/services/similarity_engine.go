package services

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
	"resonance-backend/domain/core/valueobjects"
	"resonance-backend/domain/events"
	domainservices "resonance-backend/domain/services"
	pkgerrors "resonance-backend/pkg/errors"
)

var tracer = otel.Tracer("resonance-backend/similarity")

// EngineConfig tunes full and per-user recomputation.
type EngineConfig struct {
	// BatchSize is the number of pairs sent to the store per write.
	BatchSize int `yaml:"batch_size" validate:"min=1,max=1000"`
	// ChunkSize is the number of outer profiles per checkpoint.
	ChunkSize int `yaml:"chunk_size" validate:"min=1"`
	// Workers bounds concurrent scoring goroutines.
	Workers int `yaml:"workers" validate:"min=0"`
	// WritesPerSecond throttles pair writes; 0 disables throttling.
	WritesPerSecond float64 `yaml:"writes_per_second" validate:"min=0"`
	// MaxReportedFailures caps FailedPairs in summaries.
	MaxReportedFailures int         `yaml:"max_reported_failures" validate:"min=0"`
	Retry               RetryConfig `yaml:"retry"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BatchSize:           100,
		ChunkSize:           50,
		Workers:             runtime.GOMAXPROCS(0),
		WritesPerSecond:     0,
		MaxReportedFailures: 100,
		Retry:               DefaultRetryConfig(),
	}
}

// Recompute scopes.
const (
	ScopeCommunity = "community"
	ScopeUser      = "user"
)

// RecomputeSummary reports the outcome of a recompute. For a stopped full
// recompute, ResumeFrom names the first profile that still has to be processed.
type RecomputeSummary struct {
	Scope          string    `json:"scope"`
	CommunityID    string    `json:"communityId"`
	UserID         string    `json:"userId,omitempty"`
	ProfileCount   int       `json:"profileCount"`
	PairsProcessed int       `json:"pairsProcessed"`
	EdgesWritten   int       `json:"edgesWritten"`
	PairsFailed    int       `json:"pairsFailed"`
	FailedPairs    []string  `json:"failedPairs,omitempty"`
	AffectedUsers  int       `json:"affectedUsers,omitempty"`
	Completed      bool      `json:"completed"`
	ResumeFrom     string    `json:"resumeFrom,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	DurationMs     int64     `json:"durationMs"`
}

// RecomputeOptions controls a full recompute.
type RecomputeOptions struct {
	// ResumeFrom skips outer profiles whose user id sorts before it.
	ResumeFrom string
	// OnProgress is called with a copy of the summary after every chunk.
	OnProgress func(RecomputeSummary)
}

// SimilarityBreakdown is the on-demand explanation for one pair.
type SimilarityBreakdown struct {
	CommunityID  string                           `json:"communityId"`
	UserID1      string                           `json:"userId1"`
	UserID2      string                           `json:"userId2"`
	OverallScore float64                          `json:"overallScore"`
	Factors      domainservices.SimilarityFactors `json:"factors"`
	Weight       int                              `json:"weight"`
	Description  string                           `json:"description"`
	ComputedAt   time.Time                        `json:"computedAt"`
}

// CacheInvalidator drops derived neighbour lists.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, communityID string, userIDs ...string) error
	InvalidateCommunity(ctx context.Context, communityID string) error
}

// SimilarityEngine computes pairwise similarities and keeps the connection
// graph in sync with profiles. It holds no per-request state; all shared
// state lives behind the store and cache ports.
type SimilarityEngine struct {
	profiles ports.ProfileSource
	store    ports.ConnectionStore
	cache    CacheInvalidator
	stats    *NetworkStatsAggregator
	events   ports.EventPublisher
	metrics  ports.MetricsRecorder
	config   EngineConfig
	backoff  *backoff
	logger   *zap.Logger
	now      func() time.Time

	scorerMu sync.RWMutex
	scorer   domainservices.SimilarityScorer
}

// NewSimilarityEngine wires the engine. cache, events and metrics may be nil.
func NewSimilarityEngine(
	profiles ports.ProfileSource,
	store ports.ConnectionStore,
	scorer domainservices.SimilarityScorer,
	cache CacheInvalidator,
	stats *NetworkStatsAggregator,
	publisher ports.EventPublisher,
	metrics ports.MetricsRecorder,
	config EngineConfig,
	logger *zap.Logger,
) *SimilarityEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	defaults := DefaultEngineConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaults.ChunkSize
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.MaxReportedFailures <= 0 {
		config.MaxReportedFailures = defaults.MaxReportedFailures
	}
	if config.Retry.BackoffFactor <= 0 {
		config.Retry = defaults.Retry
	}
	return &SimilarityEngine{
		profiles: profiles,
		store:    store,
		scorer:   scorer,
		cache:    cache,
		stats:    stats,
		events:   publisher,
		metrics:  metrics,
		config:   config,
		backoff:  newBackoff(config.Retry),
		logger:   logger.Named("similarity_engine"),
		now:      time.Now,
	}
}

// SetScorer swaps the scorer used by recomputes that start afterwards.
func (e *SimilarityEngine) SetScorer(scorer domainservices.SimilarityScorer) {
	e.scorerMu.Lock()
	e.scorer = scorer
	e.scorerMu.Unlock()
}

func (e *SimilarityEngine) currentScorer() domainservices.SimilarityScorer {
	e.scorerMu.RLock()
	defer e.scorerMu.RUnlock()
	return e.scorer
}

// CalculateAndUpdateAllSimilarities scores every unordered pair of the
// community and upserts the resulting edges. It is idempotent. The returned
// summary is never nil; when ctx ends early the error is ctx.Err() and the
// summary carries the checkpoint to resume from.
func (e *SimilarityEngine) CalculateAndUpdateAllSimilarities(ctx context.Context, communityID string, opts RecomputeOptions) (*RecomputeSummary, error) {
	ctx, span := tracer.Start(ctx, "SimilarityEngine.CalculateAndUpdateAllSimilarities")
	defer span.End()
	span.SetAttributes(attribute.String("community.id", communityID))

	start := e.now()
	summary := &RecomputeSummary{Scope: ScopeCommunity, CommunityID: communityID, StartedAt: start.UTC()}
	err := e.recomputeAll(ctx, communityID, opts, summary)
	e.finish(summary, start)
	e.metrics.RecordRecompute(ScopeCommunity, time.Duration(summary.DurationMs)*time.Millisecond, summary.PairsProcessed, summary.PairsFailed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("full recompute stopped",
			zap.String("community_id", communityID),
			zap.String("resume_from", summary.ResumeFrom),
			zap.Int("pairs_processed", summary.PairsProcessed),
			zap.Error(err),
		)
	} else {
		e.logger.Info("full recompute finished",
			zap.String("community_id", communityID),
			zap.Int("profiles", summary.ProfileCount),
			zap.Int("pairs_processed", summary.PairsProcessed),
			zap.Int("edges_written", summary.EdgesWritten),
			zap.Int("pairs_failed", summary.PairsFailed),
			zap.Int64("duration_ms", summary.DurationMs),
		)
	}

	// Partial progress is still valid data, so cached lists are dropped either way.
	if summary.EdgesWritten > 0 && e.cache != nil {
		if cerr := e.cache.InvalidateCommunity(context.WithoutCancel(ctx), communityID); cerr != nil {
			e.logger.Warn("failed to invalidate neighbour cache", zap.String("community_id", communityID), zap.Error(cerr))
		}
	}
	e.publish(ctx, events.NewGraphRecomputedEvent(communityID, summary.PairsProcessed, summary.EdgesWritten, summary.PairsFailed, summary.Completed, summary.DurationMs))

	return summary, err
}

func (e *SimilarityEngine) recomputeAll(ctx context.Context, communityID string, opts RecomputeOptions, summary *RecomputeSummary) error {
	summary.ResumeFrom = opts.ResumeFrom
	if communityID == "" {
		return pkgerrors.NewValidationError("communityId is required")
	}
	profiles, err := e.listProfiles(ctx, communityID)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return pkgerrors.NewNotFoundError("community " + communityID)
	}
	summary.ProfileCount = len(profiles)

	first := sort.Search(len(profiles), func(i int) bool { return profiles[i].UserID >= opts.ResumeFrom })
	scorer := e.currentScorer()

	limiter := rate.NewLimiter(rate.Inf, e.config.BatchSize)
	if e.config.WritesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.config.WritesPerSecond), e.config.BatchSize)
	}

	for chunkStart := first; chunkStart < len(profiles); chunkStart += e.config.ChunkSize {
		summary.ResumeFrom = profiles[chunkStart].UserID
		if err := ctx.Err(); err != nil {
			return err
		}
		chunkEnd := min(chunkStart+e.config.ChunkSize, len(profiles))

		conns, err := e.scoreChunk(ctx, scorer, profiles, chunkStart, chunkEnd)
		if err != nil {
			return err
		}
		summary.PairsProcessed += len(conns)

		for b := 0; b < len(conns); b += e.config.BatchSize {
			batch := conns[b:min(b+e.config.BatchSize, len(conns))]
			if err := limiter.WaitN(ctx, len(batch)); err != nil {
				return err
			}
			written, failed, err := e.writeBatch(ctx, communityID, batch)
			summary.EdgesWritten += 2 * written
			e.recordFailures(summary, failed)
			if err != nil {
				return err
			}
		}

		if opts.OnProgress != nil {
			progress := *summary
			if chunkEnd < len(profiles) {
				progress.ResumeFrom = profiles[chunkEnd].UserID
			} else {
				progress.ResumeFrom = ""
			}
			opts.OnProgress(progress)
		}
	}

	summary.ResumeFrom = ""
	summary.Completed = true
	return nil
}

// scoreChunk scores rows [from, to) against every later profile. Rows are
// scored concurrently; the output order is deterministic.
func (e *SimilarityEngine) scoreChunk(ctx context.Context, scorer domainservices.SimilarityScorer, profiles []*entities.Profile, from, to int) ([]entities.Connection, error) {
	rows := make([][]entities.Connection, to-from)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)
	for i := from; i < to; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row := make([]entities.Connection, 0, len(profiles)-i-1)
			for j := i + 1; j < len(profiles); j++ {
				row = append(row, connectionFor(scorer, profiles[i], profiles[j]))
			}
			rows[i-from] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, r := range rows {
		total += len(r)
	}
	out := make([]entities.Connection, 0, total)
	for _, r := range rows {
		out = append(out, r...)
	}
	return out, nil
}

// connectionFor builds the forward row for a pair. ComputedAt is the newer of
// the two profile timestamps, so unchanged profiles produce identical rows.
func connectionFor(scorer domainservices.SimilarityScorer, a, b *entities.Profile) entities.Connection {
	res := scorer.Score(a, b)
	computedAt := a.UpdatedAt
	if b.UpdatedAt.After(computedAt) {
		computedAt = b.UpdatedAt
	}
	return entities.Connection{
		FromID:      a.UserID,
		ToID:        b.UserID,
		Weight:      entities.ClampWeight(res.Weight),
		Description: res.Description,
		CommunityID: a.CommunityID,
		ComputedAt:  computedAt.UTC(),
	}
}

// writeBatch upserts a batch, retrying failed pairs with backoff. Pairs still
// failing after the last attempt are returned as failed. A store-level error
// that survives all retries is returned as Unavailable.
func (e *SimilarityEngine) writeBatch(ctx context.Context, communityID string, batch []entities.Connection) (written int, failed []valueobjects.PairKey, err error) {
	pending := batch
	var lastStoreErr error

	for attempt := 0; attempt <= e.config.Retry.MaxRetries && len(pending) > 0; attempt++ {
		if attempt > 0 {
			if err := e.backoff.wait(ctx, attempt-1); err != nil {
				return written, nil, err
			}
		}

		pairErrs, storeErr := e.store.UpsertConnections(ctx, communityID, pending)
		if storeErr != nil {
			if !shouldRetry(storeErr) {
				return written, nil, storeErr
			}
			lastStoreErr = storeErr
			e.logger.Warn("connection batch write failed",
				zap.String("community_id", communityID),
				zap.Int("attempt", attempt+1),
				zap.Int("pairs", len(pending)),
				zap.Error(storeErr),
			)
			continue
		}
		lastStoreErr = nil

		retry := pending[:0:0]
		for _, c := range pending {
			perr, bad := pairErrs[c.Pair()]
			switch {
			case !bad:
				written++
			case shouldRetry(perr):
				retry = append(retry, c)
			default:
				failed = append(failed, c.Pair())
				e.logger.Warn("skipping pair", zap.String("pair", c.Pair().String()), zap.Error(perr))
			}
		}
		pending = retry
	}

	if lastStoreErr != nil {
		return written, failed, pkgerrors.NewUnavailableError("connection-store").WithCause(lastStoreErr)
	}
	for _, c := range pending {
		failed = append(failed, c.Pair())
		e.logger.Warn("skipping pair after retries", zap.String("pair", c.Pair().String()))
	}
	return written, failed, nil
}

func (e *SimilarityEngine) recordFailures(summary *RecomputeSummary, failed []valueobjects.PairKey) {
	summary.PairsFailed += len(failed)
	for _, k := range failed {
		if len(summary.FailedPairs) >= e.config.MaxReportedFailures {
			return
		}
		summary.FailedPairs = append(summary.FailedPairs, k.String())
	}
}

// RecalculateSimilaritiesForUser replaces every edge of userID with freshly
// scored ones and invalidates the cached lists of the user and of every
// counterpart that had or now has an edge with the user.
func (e *SimilarityEngine) RecalculateSimilaritiesForUser(ctx context.Context, communityID, userID string) (*RecomputeSummary, error) {
	ctx, span := tracer.Start(ctx, "SimilarityEngine.RecalculateSimilaritiesForUser")
	defer span.End()
	span.SetAttributes(attribute.String("community.id", communityID), attribute.String("user.id", userID))

	start := e.now()
	summary := &RecomputeSummary{Scope: ScopeUser, CommunityID: communityID, UserID: userID, StartedAt: start.UTC()}
	affected, err := e.recomputeUser(ctx, communityID, userID, summary)
	e.finish(summary, start)
	e.metrics.RecordRecompute(ScopeUser, time.Duration(summary.DurationMs)*time.Millisecond, summary.PairsProcessed, summary.PairsFailed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return summary, err
	}
	summary.Completed = true

	if e.cache != nil {
		keys := append([]string{userID}, affected...)
		if cerr := e.cache.Invalidate(ctx, communityID, keys...); cerr != nil {
			e.logger.Warn("failed to invalidate neighbour cache",
				zap.String("community_id", communityID),
				zap.String("user_id", userID),
				zap.Error(cerr),
			)
		}
	}
	e.publish(ctx, events.NewUserRecomputedEvent(communityID, userID, summary.EdgesWritten, affected))

	e.logger.Info("user recompute finished",
		zap.String("community_id", communityID),
		zap.String("user_id", userID),
		zap.Int("edges_written", summary.EdgesWritten),
		zap.Int("affected_users", len(affected)),
		zap.Int64("duration_ms", summary.DurationMs),
	)
	return summary, nil
}

func (e *SimilarityEngine) recomputeUser(ctx context.Context, communityID, userID string, summary *RecomputeSummary) ([]string, error) {
	if communityID == "" || userID == "" {
		return nil, pkgerrors.NewValidationError("communityId and userId are required")
	}
	self, err := e.getProfile(ctx, communityID, userID)
	if err != nil {
		return nil, err
	}
	profiles, err := e.listProfiles(ctx, communityID)
	if err != nil {
		return nil, err
	}
	summary.ProfileCount = len(profiles)

	var prior []entities.Connection
	err = e.backoff.retry(ctx, e.logger, "ListConnectionsForUser", func() error {
		var lerr error
		prior, lerr = e.store.ListConnectionsForUser(ctx, communityID, userID)
		return lerr
	})
	if err != nil {
		return nil, storeError(err)
	}

	scorer := e.currentScorer()
	conns := make([]entities.Connection, 0, len(profiles))
	for _, p := range profiles {
		if p.UserID == userID {
			continue
		}
		conns = append(conns, connectionFor(scorer, self, p))
	}
	summary.PairsProcessed = len(conns)

	err = e.backoff.retry(ctx, e.logger, "ReplaceConnectionsForUser", func() error {
		return e.store.ReplaceConnectionsForUser(ctx, communityID, userID, conns)
	})
	if err != nil {
		return nil, storeError(err)
	}
	summary.EdgesWritten = 2 * len(conns)

	affectedSet := make(map[string]bool, len(prior)+len(conns))
	for _, c := range prior {
		affectedSet[c.ToID] = true
	}
	for _, c := range conns {
		affectedSet[c.ToID] = true
	}
	affected := make([]string, 0, len(affectedSet))
	for id := range affectedSet {
		affected = append(affected, id)
	}
	sort.Strings(affected)
	summary.AffectedUsers = len(affected)
	return affected, nil
}

// GetSimilarityBreakdown scores a single pair live from current profiles.
func (e *SimilarityEngine) GetSimilarityBreakdown(ctx context.Context, communityID, userID1, userID2 string) (*SimilarityBreakdown, error) {
	ctx, span := tracer.Start(ctx, "SimilarityEngine.GetSimilarityBreakdown")
	defer span.End()

	if communityID == "" || userID1 == "" || userID2 == "" {
		return nil, pkgerrors.NewValidationError("communityId, user1 and user2 are required")
	}
	if userID1 == userID2 {
		return nil, pkgerrors.NewValidationError("a breakdown needs two different users")
	}
	a, err := e.getProfile(ctx, communityID, userID1)
	if err != nil {
		return nil, err
	}
	b, err := e.getProfile(ctx, communityID, userID2)
	if err != nil {
		return nil, err
	}

	res := e.currentScorer().Score(a, b)
	return &SimilarityBreakdown{
		CommunityID:  communityID,
		UserID1:      userID1,
		UserID2:      userID2,
		OverallScore: res.OverallScore,
		Factors:      res.Factors,
		Weight:       res.Weight,
		Description:  res.Description,
		ComputedAt:   e.now().UTC(),
	}, nil
}

// GetNetworkSimilarityStats delegates to the stats aggregator.
func (e *SimilarityEngine) GetNetworkSimilarityStats(ctx context.Context, communityID string) (*NetworkStats, error) {
	if e.stats == nil {
		return nil, pkgerrors.NewInternalError("stats aggregator not configured")
	}
	return e.stats.Calculate(ctx, communityID)
}

func (e *SimilarityEngine) listProfiles(ctx context.Context, communityID string) ([]*entities.Profile, error) {
	profiles, err := e.profiles.ListProfiles(ctx, communityID)
	if err != nil {
		return nil, profileSourceError(err)
	}
	valid := make([]*entities.Profile, 0, len(profiles))
	for _, p := range profiles {
		if p == nil || p.UserID == "" {
			continue
		}
		valid = append(valid, p)
	}
	entities.SortProfiles(valid)
	return valid, nil
}

func (e *SimilarityEngine) getProfile(ctx context.Context, communityID, userID string) (*entities.Profile, error) {
	p, err := e.profiles.GetProfile(ctx, communityID, userID)
	if err != nil {
		return nil, profileSourceError(err)
	}
	if p == nil {
		return nil, pkgerrors.NewNotFoundError("profile " + userID).WithDetails(map[string]interface{}{
			"communityId": communityID,
			"userId":      userID,
		})
	}
	return p, nil
}

func (e *SimilarityEngine) finish(summary *RecomputeSummary, start time.Time) {
	end := e.now()
	summary.FinishedAt = end.UTC()
	summary.DurationMs = end.Sub(start).Milliseconds()
}

func (e *SimilarityEngine) publish(ctx context.Context, event events.DomainEvent) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Warn("failed to publish event", zap.String("event_type", event.GetEventType()), zap.Error(err))
	}
}

func profileSourceError(err error) error {
	if pkgerrors.GetAppError(err) != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return pkgerrors.NewUnavailableError("profile-source").WithCause(err)
}

func storeError(err error) error {
	if pkgerrors.GetAppError(err) != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return pkgerrors.NewUnavailableError("connection-store").WithCause(err)
}
