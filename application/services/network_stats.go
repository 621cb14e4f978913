package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/valueobjects"
	pkgerrors "resonance-backend/pkg/errors"
)

// DefaultHighSimilarityThreshold: pairs with a weight above it count as
// high-similarity.
const DefaultHighSimilarityThreshold = 7

// NetworkStats summarises a community's similarity graph. Every unordered
// pair is counted once.
type NetworkStats struct {
	CommunityID                 string      `json:"communityId"`
	TotalConnections            int         `json:"totalConnections"`
	AverageWeight               float64     `json:"averageWeight"`
	WeightDistribution          map[int]int `json:"weightDistribution"`
	HighSimilarityPairs         int         `json:"highSimilarityPairs"`
	HighSimilarityThreshold     int         `json:"highSimilarityThreshold"`
	ConnectedMembers            int         `json:"connectedMembers"`
	AverageConnectionsPerMember float64     `json:"averageConnectionsPerMember"`
	LastCalculated              time.Time   `json:"lastCalculated"`
}

// NetworkStatsAggregator derives NetworkStats by paging through the store.
type NetworkStatsAggregator struct {
	store     ports.ConnectionStore
	threshold int
	pageSize  int
	logger    *zap.Logger
	now       func() time.Time
}

func NewNetworkStatsAggregator(store ports.ConnectionStore, highSimilarityThreshold int, logger *zap.Logger) *NetworkStatsAggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if highSimilarityThreshold <= 0 {
		highSimilarityThreshold = DefaultHighSimilarityThreshold
	}
	return &NetworkStatsAggregator{
		store:     store,
		threshold: highSimilarityThreshold,
		pageSize:  1000,
		logger:    logger.Named("network_stats"),
		now:       time.Now,
	}
}

// Calculate scans the community's edges. An empty graph yields zero values
// and an empty distribution.
func (a *NetworkStatsAggregator) Calculate(ctx context.Context, communityID string) (*NetworkStats, error) {
	ctx, span := tracer.Start(ctx, "NetworkStatsAggregator.Calculate")
	defer span.End()

	if communityID == "" {
		return nil, pkgerrors.NewValidationError("communityId is required")
	}

	// Weight per pair. The row whose FromID sorts first wins when both
	// directions exist, so the result does not depend on scan order.
	pairs := make(map[valueobjects.PairKey]int)
	members := make(map[string]bool)

	cursor := ""
	for {
		page, err := a.store.Scan(ctx, ports.ScanQuery{CommunityID: communityID, Cursor: cursor, Limit: a.pageSize})
		if err != nil {
			return nil, storeError(err)
		}
		for _, c := range page.Connections {
			if c.FromID == c.ToID {
				continue
			}
			key := c.Pair()
			if _, seen := pairs[key]; !seen || c.FromID == key.A {
				pairs[key] = c.Weight
			}
			members[c.FromID] = true
			members[c.ToID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	stats := &NetworkStats{
		CommunityID:             communityID,
		TotalConnections:        len(pairs),
		WeightDistribution:      make(map[int]int),
		HighSimilarityThreshold: a.threshold,
		ConnectedMembers:        len(members),
		LastCalculated:          a.now().UTC(),
	}

	sum := 0
	for _, w := range pairs {
		sum += w
		stats.WeightDistribution[w]++
		if w > a.threshold {
			stats.HighSimilarityPairs++
		}
	}
	if stats.TotalConnections > 0 {
		stats.AverageWeight = float64(sum) / float64(stats.TotalConnections)
	}
	if stats.ConnectedMembers > 0 {
		stats.AverageConnectionsPerMember = float64(2*stats.TotalConnections) / float64(stats.ConnectedMembers)
	}

	a.logger.Debug("network stats calculated",
		zap.String("community_id", communityID),
		zap.Int("connections", stats.TotalConnections),
		zap.Float64("average_weight", stats.AverageWeight),
	)
	return stats, nil
}
