package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
	"resonance-backend/domain/core/valueobjects"
	"resonance-backend/domain/events"
)

// maxReportedCorrections caps the correction list in a report.
const maxReportedCorrections = 1000

// WeightCorrection records one repaired row.
type WeightCorrection struct {
	CommunityID string `json:"communityId"`
	FromID      string `json:"fromId"`
	ToID        string `json:"toId"`
	OldWeight   int    `json:"oldWeight"`
	NewWeight   int    `json:"newWeight"`
}

// IntegrityReport is the outcome of a repair pass. Before and After are
// weight distributions over directed rows.
type IntegrityReport struct {
	CommunityID     string             `json:"communityId,omitempty"`
	DryRun          bool               `json:"dryRun"`
	Scanned         int                `json:"scanned"`
	Corrected       int                `json:"corrected"`
	Failed          int                `json:"failed"`
	Before          map[int]int        `json:"before"`
	After           map[int]int        `json:"after"`
	Corrections     []WeightCorrection `json:"corrections,omitempty"`
	MismatchedPairs int                `json:"mismatchedPairs"`
	StartedAt       time.Time          `json:"startedAt"`
	DurationMs      int64              `json:"durationMs"`
}

// RepairOptions scopes a repair pass. An empty CommunityID repairs every
// community.
type RepairOptions struct {
	CommunityID string
	DryRun      bool
}

// WeightIntegrityChecker clamps persisted weights back into [1,10]. It only
// ever rewrites the weight attribute; descriptions and scores are left alone.
type WeightIntegrityChecker struct {
	store    ports.ConnectionStore
	cache    CacheInvalidator
	events   ports.EventPublisher
	metrics  ports.MetricsRecorder
	backoff  *backoff
	pageSize int
	logger   *zap.Logger
	now      func() time.Time
}

func NewWeightIntegrityChecker(
	store ports.ConnectionStore,
	cache CacheInvalidator,
	publisher ports.EventPublisher,
	metrics ports.MetricsRecorder,
	retry RetryConfig,
	logger *zap.Logger,
) *WeightIntegrityChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if retry.BackoffFactor <= 0 {
		retry = DefaultRetryConfig()
	}
	return &WeightIntegrityChecker{
		store:    store,
		cache:    cache,
		events:   publisher,
		metrics:  metrics,
		backoff:  newBackoff(retry),
		pageSize: 500,
		logger:   logger.Named("weight_integrity"),
		now:      time.Now,
	}
}

type pairObservation struct {
	weight      int
	description string
	mismatch    bool
}

// Run scans the store, clamps out-of-range weights and reports the weight
// distribution before and after. A row that cannot be updated is counted in
// Failed and keeps its old weight in After.
func (c *WeightIntegrityChecker) Run(ctx context.Context, opts RepairOptions) (*IntegrityReport, error) {
	ctx, span := tracer.Start(ctx, "WeightIntegrityChecker.Run")
	defer span.End()

	start := c.now()
	report := &IntegrityReport{
		CommunityID: opts.CommunityID,
		DryRun:      opts.DryRun,
		Before:      make(map[int]int),
		After:       make(map[int]int),
		StartedAt:   start.UTC(),
	}
	observed := make(map[string]map[valueobjects.PairKey]*pairObservation)
	touched := make(map[string]map[string]bool)

	cursor := ""
	for {
		page, err := c.store.Scan(ctx, ports.ScanQuery{CommunityID: opts.CommunityID, Cursor: cursor, Limit: c.pageSize})
		if err != nil {
			return report, storeError(err)
		}
		for _, row := range page.Connections {
			report.Scanned++
			report.Before[row.Weight]++

			weight := row.Weight
			if !row.HasValidWeight() {
				weight = c.repair(ctx, row, report, opts.DryRun)
				if weight != row.Weight {
					if touched[row.CommunityID] == nil {
						touched[row.CommunityID] = make(map[string]bool)
					}
					touched[row.CommunityID][row.FromID] = true
					touched[row.CommunityID][row.ToID] = true
				}
			}
			report.After[weight]++
			observe(observed, row, weight)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	for _, pairs := range observed {
		for _, obs := range pairs {
			if obs.mismatch {
				report.MismatchedPairs++
			}
		}
	}
	report.DurationMs = c.now().Sub(start).Milliseconds()

	if !opts.DryRun {
		c.metrics.RecordWeightCorrections(report.Corrected)
		c.invalidate(ctx, touched)
		if report.Corrected > 0 && c.events != nil {
			if err := c.events.Publish(context.WithoutCancel(ctx), events.NewWeightsRepairedEvent(opts.CommunityID, report.Scanned, report.Corrected)); err != nil {
				c.logger.Warn("failed to publish event", zap.Error(err))
			}
		}
	}

	c.logger.Info("weight integrity pass finished",
		zap.String("community_id", opts.CommunityID),
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("scanned", report.Scanned),
		zap.Int("corrected", report.Corrected),
		zap.Int("failed", report.Failed),
		zap.Int("mismatched_pairs", report.MismatchedPairs),
	)
	return report, nil
}

// repair clamps one row and returns the weight it holds afterwards.
func (c *WeightIntegrityChecker) repair(ctx context.Context, row entities.Connection, report *IntegrityReport, dryRun bool) int {
	fixed := entities.ClampWeight(row.Weight)
	c.logger.Warn("weight out of range",
		zap.String("community_id", row.CommunityID),
		zap.String("from_id", row.FromID),
		zap.String("to_id", row.ToID),
		zap.Int("weight", row.Weight),
		zap.Int("corrected_weight", fixed),
		zap.Bool("dry_run", dryRun),
	)

	if !dryRun {
		err := c.backoff.retry(ctx, c.logger, "UpdateWeight", func() error {
			return c.store.UpdateWeight(ctx, row.CommunityID, row.FromID, row.ToID, fixed)
		})
		if err != nil {
			report.Failed++
			c.logger.Error("failed to correct weight",
				zap.String("community_id", row.CommunityID),
				zap.String("from_id", row.FromID),
				zap.String("to_id", row.ToID),
				zap.Error(err),
			)
			return row.Weight
		}
	}

	report.Corrected++
	if len(report.Corrections) < maxReportedCorrections {
		report.Corrections = append(report.Corrections, WeightCorrection{
			CommunityID: row.CommunityID,
			FromID:      row.FromID,
			ToID:        row.ToID,
			OldWeight:   row.Weight,
			NewWeight:   fixed,
		})
	}
	return fixed
}

func observe(observed map[string]map[valueobjects.PairKey]*pairObservation, row entities.Connection, weight int) {
	pairs, ok := observed[row.CommunityID]
	if !ok {
		pairs = make(map[valueobjects.PairKey]*pairObservation)
		observed[row.CommunityID] = pairs
	}
	key := row.Pair()
	obs, ok := pairs[key]
	if !ok {
		pairs[key] = &pairObservation{weight: weight, description: row.Description}
		return
	}
	if obs.weight != weight || obs.description != row.Description {
		obs.mismatch = true
	}
}

func (c *WeightIntegrityChecker) invalidate(ctx context.Context, touched map[string]map[string]bool) {
	if c.cache == nil {
		return
	}
	for community, users := range touched {
		ids := make([]string, 0, len(users))
		for id := range users {
			ids = append(ids, id)
		}
		if err := c.cache.Invalidate(ctx, community, ids...); err != nil {
			c.logger.Warn("failed to invalidate neighbour cache", zap.String("community_id", community), zap.Error(err))
		}
	}
}
