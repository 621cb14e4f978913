package di

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"resonance-backend/application/jobs"
	"resonance-backend/application/ports"
	"resonance-backend/application/services"
	domainservices "resonance-backend/domain/services"
	"resonance-backend/infrastructure/cache"
	"resonance-backend/infrastructure/config"
	"resonance-backend/infrastructure/messaging"
	ebpublisher "resonance-backend/infrastructure/messaging/eventbridge"
	"resonance-backend/infrastructure/observability"
	badgerstore "resonance-backend/infrastructure/persistence/badger"
	"resonance-backend/infrastructure/persistence/dynamodb"
	"resonance-backend/infrastructure/persistence/memory"
	"resonance-backend/infrastructure/persistence/postgres"
	"resonance-backend/infrastructure/persistence/resilience"
)

// Backend is the raw storage chosen by storage.backend, before decoration.
type Backend struct {
	Name        string
	Connections ports.ConnectionStore
	Profiles    ports.ProfileSource
	// Badger is set when either the store or the cache runs on Badger.
	Badger *badgerdb.DB
	// Seed is set for the memory backend so local tools can add profiles.
	Seed *memory.ProfileSource
}

// ProvideLogger builds the process logger from the logging section.
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	return observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.IsDevelopment())
}

func ProvideMetrics(cfg *config.Config) *observability.Collector {
	return observability.NewCollector(cfg.Metrics.Namespace)
}

// ProvideAWSConfig loads the default AWS configuration for the configured region.
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.DynamoDB.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// ProvideBackend opens the configured storage. The cleanup closes pools and
// databases.
func ProvideBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backend, func(), error) {
	nop := func() {}
	switch cfg.Storage.Backend {
	case config.BackendDynamoDB:
		client, _, err := dynamodb.NewClient(ctx, cfg.Storage.DynamoDB.Region, cfg.Storage.DynamoDB.Endpoint)
		if err != nil {
			return nil, nop, err
		}
		return &Backend{
			Name:        config.BackendDynamoDB,
			Connections: dynamodb.NewConnectionStore(client, cfg.Storage.DynamoDB.TableName, cfg.Storage.DynamoDB.ConsistentReads, cfg.Storage.DynamoDB.MaxBatchParallel, logger),
			Profiles:    dynamodb.NewProfileSource(client, cfg.Storage.DynamoDB.ProfilesTable, logger),
		}, nop, nil

	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Storage.Postgres.DSN, cfg.Storage.Postgres.MaxConns)
		if err != nil {
			return nil, nop, err
		}
		if cfg.Storage.Postgres.MigrateOnStart {
			if err := postgres.Migrate(pool); err != nil {
				pool.Close()
				return nil, nop, err
			}
		}
		return &Backend{
			Name:        config.BackendPostgres,
			Connections: postgres.NewConnectionStore(pool, int(cfg.Storage.Postgres.MaxConns), logger),
			Profiles:    postgres.NewProfileSource(pool, logger),
		}, func() { closePool(pool) }, nil

	case config.BackendBadger:
		db, err := badgerstore.Open(badgerstore.Options{
			Path:       cfg.Storage.Badger.Path,
			InMemory:   cfg.Storage.Badger.InMemory,
			SyncWrites: cfg.Storage.Badger.SyncWrites,
		}, logger)
		if err != nil {
			return nil, nop, err
		}
		profiles, err := seedProfiles(cfg)
		if err != nil {
			_ = db.Close()
			return nil, nop, err
		}
		return &Backend{
			Name:        config.BackendBadger,
			Connections: badgerstore.NewConnectionStore(db, logger),
			Profiles:    profiles,
			Badger:      db,
			Seed:        profiles,
		}, func() { _ = db.Close() }, nil

	default:
		profiles, err := seedProfiles(cfg)
		if err != nil {
			return nil, nop, err
		}
		return &Backend{
			Name:        config.BackendMemory,
			Connections: memory.NewConnectionStore(),
			Profiles:    profiles,
			Seed:        profiles,
		}, nop, nil
	}
}

func closePool(pool *pgxpool.Pool) { pool.Close() }

func seedProfiles(cfg *config.Config) (*memory.ProfileSource, error) {
	if cfg.Storage.ProfilesFile == "" {
		return memory.NewProfileSource(), nil
	}
	return memory.LoadProfilesFile(cfg.Storage.ProfilesFile)
}

// ProvideConnectionStore decorates the backend store with instrumentation
// and, when enabled, a circuit breaker.
func ProvideConnectionStore(backend *Backend, cfg *config.Config, metrics *observability.Collector, logger *zap.Logger) ports.ConnectionStore {
	var store ports.ConnectionStore = resilience.NewInstrumentedStore(backend.Connections, metrics, backend.Name)
	if cfg.CircuitBreaker.Enabled {
		store = resilience.NewCircuitBreakerStore(store, resilience.BreakerConfig{
			Name:         backend.Name,
			MaxRequests:  cfg.CircuitBreaker.MaxRequests,
			Interval:     cfg.CircuitBreaker.Interval,
			Timeout:      cfg.CircuitBreaker.OpenTimeout,
			FailureRatio: cfg.CircuitBreaker.FailureRatio,
			MinRequests:  cfg.CircuitBreaker.MinRequests,
		}, logger)
	}
	return store
}

func ProvideProfileSource(backend *Backend) ports.ProfileSource {
	return backend.Profiles
}

// ProvideCache returns the shared byte cache behind the neighbour cache.
func ProvideCache(ctx context.Context, cfg *config.Config, backend *Backend, logger *zap.Logger) (ports.Cache, func(), error) {
	if cfg.Cache.Provider == "badger" {
		if backend.Badger != nil {
			return cache.NewBadgerCache(backend.Badger, "cache/", logger), func() {}, nil
		}
		db, err := badgerstore.Open(badgerstore.Options{Path: cfg.Cache.BadgerPath}, logger)
		if err != nil {
			return nil, func() {}, err
		}
		return cache.NewBadgerCache(db, "cache/", logger), func() { _ = db.Close() }, nil
	}

	mc := cache.NewMemoryCache(cfg.Cache.MaxItems, cfg.Cache.MaxMemoryBytes, logger)
	cleanupCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	mc.StartCleanup(cleanupCtx, cfg.Cache.Neighbors.TTL)
	return mc, cancel, nil
}

// ProvideEventPublisher picks EventBridge, a logging publisher or nothing.
func ProvideEventPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ports.EventPublisher, error) {
	switch cfg.Events.Provider {
	case "eventbridge":
		awsCfg, err := ProvideAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return ebpublisher.NewPublisher(eventbridge.NewFromConfig(awsCfg), cfg.Events.EventBusName, cfg.Events.Source, logger), nil
	case "none":
		return nil, nil
	default:
		return messaging.NewLogPublisher(logger), nil
	}
}

func ProvideScorer(cfg *config.Config) domainservices.SimilarityScorer {
	return domainservices.NewDefaultSimilarityScorer(cfg.Similarity.Weights, nil)
}

func ProvideNeighborCache(store ports.ConnectionStore, profiles ports.ProfileSource, c ports.Cache, cfg *config.Config, metrics *observability.Collector, logger *zap.Logger) *services.NeighborCache {
	return services.NewNeighborCache(store, profiles, c, cfg.Cache.Neighbors, metrics, logger)
}

func ProvideNetworkStats(store ports.ConnectionStore, cfg *config.Config, logger *zap.Logger) *services.NetworkStatsAggregator {
	return services.NewNetworkStatsAggregator(store, cfg.Similarity.HighSimilarityThreshold, logger)
}

func ProvideSimilarityEngine(
	profiles ports.ProfileSource,
	store ports.ConnectionStore,
	scorer domainservices.SimilarityScorer,
	neighbors *services.NeighborCache,
	stats *services.NetworkStatsAggregator,
	publisher ports.EventPublisher,
	metrics *observability.Collector,
	cfg *config.Config,
	logger *zap.Logger,
) *services.SimilarityEngine {
	return services.NewSimilarityEngine(profiles, store, scorer, neighbors, stats, publisher, metrics, cfg.Similarity.Engine, logger)
}

func ProvideWeightIntegrityChecker(store ports.ConnectionStore, neighbors *services.NeighborCache, publisher ports.EventPublisher, metrics *observability.Collector, cfg *config.Config, logger *zap.Logger) *services.WeightIntegrityChecker {
	return services.NewWeightIntegrityChecker(store, neighbors, publisher, metrics, cfg.Similarity.Engine.Retry, logger)
}

// ProvideOperationStore keeps job state in memory and expires it after
// jobs.operation_ttl.
func ProvideOperationStore(ctx context.Context, cfg *config.Config) (*memory.OperationStore, func()) {
	ops := memory.NewOperationStore(cfg.Jobs.OperationTTL)
	cleanupCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if cfg.Jobs.CleanupInterval > 0 {
		ops.StartCleanup(cleanupCtx, cfg.Jobs.CleanupInterval)
	}
	return ops, cancel
}

func ProvideJobRunner(engine *services.SimilarityEngine, ops *memory.OperationStore, logger *zap.Logger) *jobs.RecomputeJobRunner {
	return jobs.NewRecomputeJobRunner(engine, ops, logger)
}
