package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance-backend/domain/core/entities"
	"resonance-backend/domain/core/valueobjects"
	"resonance-backend/domain/events"
	pkgerrors "resonance-backend/pkg/errors"
)

func weightBetween(t *testing.T, f *fixture, community, from, to string) int {
	t.Helper()
	row, ok := f.store.Get(community, from, to)
	require.True(t, ok, "missing row %s->%s", from, to)
	return row.Weight
}

func seedThree(t *testing.T, f *fixture) {
	f.addProfile(t, "kernel", "A", []string{"x", "y"}, nil, strPtr("Kernel"))
	f.addProfile(t, "kernel", "B", []string{"y", "z"}, nil, strPtr("Kernel"))
	f.addProfile(t, "kernel", "C", []string{}, nil, nil)
}

func TestFullRecomputeThreeProfiles(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	seedThree(t, f)

	summary, err := f.engine.CalculateAndUpdateAllSimilarities(context.Background(), "kernel", RecomputeOptions{})
	require.NoError(t, err)

	assert.True(t, summary.Completed)
	assert.Equal(t, 3, summary.ProfileCount)
	assert.Equal(t, 3, summary.PairsProcessed)
	assert.Equal(t, 6, summary.EdgesWritten)
	assert.Zero(t, summary.PairsFailed)
	assert.Empty(t, summary.ResumeFrom)

	ab := weightBetween(t, f, "kernel", "A", "B")
	ac := weightBetween(t, f, "kernel", "A", "C")
	bc := weightBetween(t, f, "kernel", "B", "C")
	assert.Greater(t, ab, ac)
	assert.Greater(t, ab, bc)

	// both directions agree
	assert.Equal(t, ab, weightBetween(t, f, "kernel", "B", "A"))
	for _, row := range f.allRows(t, "kernel") {
		assert.True(t, row.HasValidWeight())
		reverse, ok := f.store.Get("kernel", row.ToID, row.FromID)
		require.True(t, ok)
		assert.Equal(t, row.Description, reverse.Description)
	}

	assert.Contains(t, f.recorder.types(), events.TypeGraphRecomputed)
}

func TestFullRecomputeIsIdempotent(t *testing.T) {
	f := newFixture(t, EngineConfig{ChunkSize: 2, BatchSize: 2})
	seedThree(t, f)
	f.addProfile(t, "kernel", "D", []string{"x"}, strPtr("zero knowledge research"), nil)

	_, err := f.engine.CalculateAndUpdateAllSimilarities(context.Background(), "kernel", RecomputeOptions{})
	require.NoError(t, err)
	first := f.allRows(t, "kernel")

	_, err = f.engine.CalculateAndUpdateAllSimilarities(context.Background(), "kernel", RecomputeOptions{})
	require.NoError(t, err)
	second := f.allRows(t, "kernel")

	assert.Equal(t, first, second)
	assert.Len(t, first, 12)
}

func TestFullRecomputeUnknownCommunityIsNotFound(t *testing.T) {
	// Arrange
	f := newFixture(t, EngineConfig{})
	seedThree(t, f)

	// Act
	summary, err := f.engine.CalculateAndUpdateAllSimilarities(context.Background(), "empty", RecomputeOptions{})

	// Assert
	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotFound(err))
	require.NotNil(t, summary)
	assert.False(t, summary.Completed)
	assert.Zero(t, summary.PairsProcessed)
	_, ok := f.store.Get("empty", "A", "B")
	assert.False(t, ok)
}

func TestFullRecomputeSkipsPersistentlyFailingPair(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	seedThree(t, f)
	f.store.pairFailures[valueobjects.NewPairKey("A", "B")] = 100
	f.store.pairFailures[valueobjects.NewPairKey("A", "C")] = 1

	summary, err := f.engine.CalculateAndUpdateAllSimilarities(context.Background(), "kernel", RecomputeOptions{})
	require.NoError(t, err)

	assert.True(t, summary.Completed)
	assert.Equal(t, 1, summary.PairsFailed)
	assert.Equal(t, []string{"A|B"}, summary.FailedPairs)
	assert.Equal(t, 4, summary.EdgesWritten)

	_, ok := f.store.Get("kernel", "A", "B")
	assert.False(t, ok)
	_, ok = f.store.Get("kernel", "A", "C")
	assert.True(t, ok, "pair that failed once is retried")
}

func TestFullRecomputeRecoversFromTransientStoreError(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	seedThree(t, f)
	f.store.upsertFailures = 1

	summary, err := f.engine.CalculateAndUpdateAllSimilarities(context.Background(), "kernel", RecomputeOptions{})
	require.NoError(t, err)
	assert.True(t, summary.Completed)
	assert.Equal(t, 6, summary.EdgesWritten)
}

func TestFullRecomputeStoreDownIsUnavailable(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	seedThree(t, f)
	f.store.setDown(true)

	summary, err := f.engine.CalculateAndUpdateAllSimilarities(context.Background(), "kernel", RecomputeOptions{})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsUnavailable(err))
	assert.True(t, pkgerrors.IsRetryable(err))
	require.NotNil(t, summary)
	assert.False(t, summary.Completed)
	assert.Equal(t, "A", summary.ResumeFrom)
}

func TestFullRecomputeResumesAfterCancellation(t *testing.T) {
	f := newFixture(t, EngineConfig{ChunkSize: 1})
	seedThree(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	var progress []RecomputeSummary
	summary, err := f.engine.CalculateAndUpdateAllSimilarities(ctx, "kernel", RecomputeOptions{
		OnProgress: func(s RecomputeSummary) {
			progress = append(progress, s)
			cancel()
		},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, summary.Completed)
	assert.Equal(t, "B", summary.ResumeFrom)
	require.Len(t, progress, 1)
	assert.Equal(t, "B", progress[0].ResumeFrom)
	assert.Equal(t, 2, summary.PairsProcessed)

	// already written edges stay valid
	_, ok := f.store.Get("kernel", "A", "C")
	assert.True(t, ok)
	_, ok = f.store.Get("kernel", "B", "C")
	assert.False(t, ok)

	resumed, err := f.engine.CalculateAndUpdateAllSimilarities(context.Background(), "kernel", RecomputeOptions{ResumeFrom: summary.ResumeFrom})
	require.NoError(t, err)
	assert.True(t, resumed.Completed)
	assert.Equal(t, 1, resumed.PairsProcessed)
	assert.Len(t, f.allRows(t, "kernel"), 6)
}

func TestRecalculateForUserLeavesOtherEdgesUntouched(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	seedThree(t, f)
	f.addProfile(t, "kernel", "D", []string{"z"}, nil, nil)
	ctx := context.Background()

	_, err := f.engine.CalculateAndUpdateAllSimilarities(ctx, "kernel", RecomputeOptions{})
	require.NoError(t, err)

	untouched := func() []entities.Connection {
		var out []entities.Connection
		for _, row := range f.allRows(t, "kernel") {
			if row.FromID != "C" && row.ToID != "C" {
				out = append(out, row)
			}
		}
		return out
	}
	before := untouched()
	oldCA := weightBetween(t, f, "kernel", "C", "A")

	// C edits the profile to match A closely.
	f.addProfile(t, "kernel", "C", []string{"x", "y"}, nil, strPtr("kernel"))
	summary, err := f.engine.RecalculateSimilaritiesForUser(ctx, "kernel", "C")
	require.NoError(t, err)

	assert.Equal(t, ScopeUser, summary.Scope)
	assert.True(t, summary.Completed)
	assert.Equal(t, 3, summary.PairsProcessed)
	assert.Equal(t, 6, summary.EdgesWritten)
	assert.Equal(t, 3, summary.AffectedUsers)

	assert.Equal(t, before, untouched())
	newCA := weightBetween(t, f, "kernel", "C", "A")
	assert.Greater(t, newCA, oldCA)
	assert.Equal(t, newCA, weightBetween(t, f, "kernel", "A", "C"))
	assert.Contains(t, f.recorder.types(), events.TypeUserRecomputed)
}

func TestRecalculateForUserDropsEdgesToDepartedMembers(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	seedThree(t, f)
	ctx := context.Background()

	_, err := f.engine.CalculateAndUpdateAllSimilarities(ctx, "kernel", RecomputeOptions{})
	require.NoError(t, err)

	f.profiles.Remove("kernel", "B")
	_, err = f.engine.RecalculateSimilaritiesForUser(ctx, "kernel", "A")
	require.NoError(t, err)

	_, ok := f.store.Get("kernel", "A", "B")
	assert.False(t, ok)
	_, ok = f.store.Get("kernel", "B", "A")
	assert.False(t, ok)
}

func TestRecalculateForUnknownUserIsNotFound(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	seedThree(t, f)

	_, err := f.engine.RecalculateSimilaritiesForUser(context.Background(), "kernel", "nobody")
	assert.True(t, pkgerrors.IsNotFound(err))

	_, err = f.engine.RecalculateSimilaritiesForUser(context.Background(), "other-community", "A")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestGetSimilarityBreakdown(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	seedThree(t, f)
	ctx := context.Background()

	_, err := f.engine.CalculateAndUpdateAllSimilarities(ctx, "kernel", RecomputeOptions{})
	require.NoError(t, err)

	bd, err := f.engine.GetSimilarityBreakdown(ctx, "kernel", "A", "B")
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, bd.Factors.KeywordSimilarity, 1e-9)
	assert.Equal(t, 1.0, bd.Factors.AffiliationMatch)
	assert.Equal(t, weightBetween(t, f, "kernel", "A", "B"), bd.Weight)
	assert.False(t, bd.ComputedAt.IsZero())

	reverse, err := f.engine.GetSimilarityBreakdown(ctx, "kernel", "B", "A")
	require.NoError(t, err)
	assert.Equal(t, bd.OverallScore, reverse.OverallScore)

	_, err = f.engine.GetSimilarityBreakdown(ctx, "kernel", "A", "A")
	assert.True(t, pkgerrors.IsValidation(err))

	_, err = f.engine.GetSimilarityBreakdown(ctx, "kernel", "A", "ghost")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestGetNetworkSimilarityStatsDelegates(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	seedThree(t, f)
	ctx := context.Background()

	_, err := f.engine.CalculateAndUpdateAllSimilarities(ctx, "kernel", RecomputeOptions{})
	require.NoError(t, err)

	stats, err := f.engine.GetNetworkSimilarityStats(ctx, "kernel")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 3, stats.ConnectedMembers)
}
