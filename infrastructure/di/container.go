// Package di assembles the service graph from configuration.
package di

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"resonance-backend/application/jobs"
	"resonance-backend/application/ports"
	"resonance-backend/application/services"
	domainservices "resonance-backend/domain/services"
	"resonance-backend/infrastructure/config"
	"resonance-backend/infrastructure/observability"
	"resonance-backend/infrastructure/persistence/memory"
)

// Container holds all application dependencies.
type Container struct {
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *observability.Collector
	Backend    *Backend
	Store      ports.ConnectionStore
	Profiles   ports.ProfileSource
	Cache      ports.Cache
	Events     ports.EventPublisher
	Neighbors  *services.NeighborCache
	Stats      *services.NetworkStatsAggregator
	Engine     *services.SimilarityEngine
	Integrity  *services.WeightIntegrityChecker
	Operations *memory.OperationStore
	Jobs       *jobs.RecomputeJobRunner

	tracer   *observability.TracerProvider
	cleanups []func()
}

// NewContainer wires every component for cfg. On error, everything opened so
// far is closed again.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{Config: cfg}
	if err := c.build(ctx, cfg); err != nil {
		c.runCleanups()
		if c.tracer != nil {
			_ = c.tracer.Shutdown(context.WithoutCancel(ctx))
		}
		return nil, err
	}
	return c, nil
}

func (c *Container) build(ctx context.Context, cfg *config.Config) (err error) {
	if c.Logger, err = ProvideLogger(cfg); err != nil {
		return err
	}
	c.Metrics = ProvideMetrics(cfg)

	if cfg.Tracing.Enabled {
		c.tracer, err = observability.InitTracing(ctx, observability.TracingConfig{
			ServiceName: cfg.Tracing.ServiceName,
			Environment: string(cfg.Environment),
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			return err
		}
	}

	var cleanup func()
	if c.Backend, cleanup, err = ProvideBackend(ctx, cfg, c.Logger); err != nil {
		return err
	}
	c.cleanups = append(c.cleanups, cleanup)

	c.Store = ProvideConnectionStore(c.Backend, cfg, c.Metrics, c.Logger)
	c.Profiles = ProvideProfileSource(c.Backend)

	if c.Cache, cleanup, err = ProvideCache(ctx, cfg, c.Backend, c.Logger); err != nil {
		return err
	}
	c.cleanups = append(c.cleanups, cleanup)

	if c.Events, err = ProvideEventPublisher(ctx, cfg, c.Logger); err != nil {
		return err
	}

	c.Neighbors = ProvideNeighborCache(c.Store, c.Profiles, c.Cache, cfg, c.Metrics, c.Logger)
	c.Stats = ProvideNetworkStats(c.Store, cfg, c.Logger)
	c.Engine = ProvideSimilarityEngine(c.Profiles, c.Store, ProvideScorer(cfg), c.Neighbors, c.Stats, c.Events, c.Metrics, cfg, c.Logger)
	c.Integrity = ProvideWeightIntegrityChecker(c.Store, c.Neighbors, c.Events, c.Metrics, cfg, c.Logger)

	c.Operations, cleanup = ProvideOperationStore(ctx, cfg)
	c.cleanups = append(c.cleanups, cleanup)
	c.Jobs = ProvideJobRunner(c.Engine, c.Operations, c.Logger)

	c.Logger.Info("container initialised",
		zap.String("environment", string(cfg.Environment)),
		zap.String("storage", c.Backend.Name),
		zap.String("cache", cfg.Cache.Provider),
		zap.String("events", cfg.Events.Provider),
	)
	return nil
}

// Watch applies reloaded similarity weights and cache TTL to the running
// services. Other settings need a restart.
func (c *Container) Watch(w *config.Watcher) {
	w.OnChange(func(old, updated *config.Config) {
		if updated.Similarity.Weights != old.Similarity.Weights {
			c.Engine.SetScorer(domainservices.NewDefaultSimilarityScorer(updated.Similarity.Weights, nil))
			c.Logger.Info("similarity weights reloaded",
				zap.Float64("keywords", updated.Similarity.Weights.Keyword),
				zap.Float64("bio", updated.Similarity.Weights.Bio),
				zap.Float64("affiliation", updated.Similarity.Weights.Affiliation),
			)
		}
		if updated.Cache.Neighbors.TTL != old.Cache.Neighbors.TTL {
			c.Neighbors.SetTTL(updated.Cache.Neighbors.TTL)
			c.Logger.Info("neighbour cache ttl reloaded", zap.Duration("ttl", updated.Cache.Neighbors.TTL))
		}
	})
}

// Communities lists the communities a scheduled recompute covers: the
// configured list, else every community in the local seed.
func (c *Container) Communities() []string {
	if len(c.Config.Jobs.Communities) > 0 {
		return c.Config.Jobs.Communities
	}
	if c.Backend != nil && c.Backend.Seed != nil {
		return c.Backend.Seed.Communities()
	}
	return nil
}

// Close stops running jobs, then releases resources in reverse order.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.Jobs != nil {
		if err := c.Jobs.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := c.tracer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	c.runCleanups()
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
	return errors.Join(errs...)
}

func (c *Container) runCleanups() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
	c.cleanups = nil
}
