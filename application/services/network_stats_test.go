package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
	pkgerrors "resonance-backend/pkg/errors"
)

type downScanner struct {
	*flakyStore
}

func (downScanner) Scan(context.Context, ports.ScanQuery) (*ports.ScanPage, error) {
	return nil, errStoreDown
}

func TestNetworkStatsEmptyGraph(t *testing.T) {
	f := newFixture(t, EngineConfig{})

	stats, err := f.stats.Calculate(context.Background(), "kernel")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalConnections)
	assert.Zero(t, stats.AverageWeight)
	assert.Zero(t, stats.ConnectedMembers)
	assert.Zero(t, stats.AverageConnectionsPerMember)
	assert.NotNil(t, stats.WeightDistribution)
	assert.Empty(t, stats.WeightDistribution)
	assert.Equal(t, DefaultHighSimilarityThreshold, stats.HighSimilarityThreshold)
}

func TestNetworkStatsCountsPairsOnce(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, pair := range []struct {
		a, b   string
		weight int
	}{
		{"A", "B", 9},
		{"A", "C", 8},
		{"B", "C", 7},
		{"C", "D", 2},
	} {
		conns := entities.NewConnectionPair("kernel", pair.a, pair.b, pair.weight, "", now)
		_, err := f.store.UpsertConnections(ctx, "kernel", conns[:1])
		require.NoError(t, err)
	}
	// another community does not leak in
	_, err := f.store.UpsertConnections(ctx, "other", []entities.Connection{{FromID: "X", ToID: "Y", Weight: 10}})
	require.NoError(t, err)

	stats, err := f.stats.Calculate(ctx, "kernel")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalConnections)
	assert.InDelta(t, 6.5, stats.AverageWeight, 1e-9)
	assert.Equal(t, map[int]int{9: 1, 8: 1, 7: 1, 2: 1}, stats.WeightDistribution)
	assert.Equal(t, 2, stats.HighSimilarityPairs)
	assert.Equal(t, 4, stats.ConnectedMembers)
	assert.InDelta(t, 2.0, stats.AverageConnectionsPerMember, 1e-9)
}

func TestNetworkStatsRequiresCommunity(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	_, err := f.stats.Calculate(context.Background(), "")
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestNetworkStatsStoreDown(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	stats := NewNetworkStatsAggregator(downScanner{f.store}, 0, nil)
	_, err := stats.Calculate(context.Background(), "kernel")
	assert.True(t, pkgerrors.IsUnavailable(err))
}
