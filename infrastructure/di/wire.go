//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"resonance-backend/application/jobs"
	"resonance-backend/application/ports"
	"resonance-backend/application/services"
	"resonance-backend/infrastructure/config"
	"resonance-backend/infrastructure/observability"
	"resonance-backend/infrastructure/persistence/memory"
)

// Services is the part of the graph wire can build on its own. The HTTP
// and Lambda entry points use NewContainer, which adds tracing and the
// hot-reload hooks.
type Services struct {
	Logger     *zap.Logger
	Metrics    *observability.Collector
	Store      ports.ConnectionStore
	Profiles   ports.ProfileSource
	Neighbors  *services.NeighborCache
	Stats      *services.NetworkStatsAggregator
	Engine     *services.SimilarityEngine
	Integrity  *services.WeightIntegrityChecker
	Operations *memory.OperationStore
	Jobs       *jobs.RecomputeJobRunner
}

// SuperSet is the main provider set containing all providers.
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvideMetrics,
	ProvideBackend,
	ProvideConnectionStore,
	ProvideProfileSource,
	ProvideCache,
	ProvideEventPublisher,
	ProvideScorer,
	ProvideNeighborCache,
	ProvideNetworkStats,
	ProvideSimilarityEngine,
	ProvideWeightIntegrityChecker,
	ProvideOperationStore,
	ProvideJobRunner,
	wire.Struct(new(Services), "*"),
)

// InitializeServices creates a fully wired service graph.
func InitializeServices(ctx context.Context, cfg *config.Config) (*Services, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil
}
