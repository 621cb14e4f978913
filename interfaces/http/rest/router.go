// Package rest exposes the similarity services over HTTP.
package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"resonance-backend/application/ports"
	"resonance-backend/interfaces/http/rest/handlers"
	"resonance-backend/interfaces/http/rest/middleware"
	"resonance-backend/pkg/auth"
	pkgerrors "resonance-backend/pkg/errors"
)

// Dependencies are the services the router exposes.
type Dependencies struct {
	Engine    handlers.SimilarityService
	Neighbors handlers.NeighborService
	Jobs      handlers.JobService
	Integrity handlers.WeightRepairer
	Store     ports.ConnectionStore
	Profiles  ports.ProfileSource
	Backend   string

	// Metrics may be nil; MetricsHandler is mounted at /metrics when set.
	Metrics        middleware.HTTPRecorder
	MetricsHandler http.Handler

	// Validator nil disables token checks.
	Validator    *auth.JWTValidator
	TrustGateway bool
	Limiter      *auth.KeyedLimiter

	AllowedOrigins []string
	CORSMaxAge     int
	RequestTimeout time.Duration
	Debug          bool
	Logger         *zap.Logger
}

type Router struct {
	deps   Dependencies
	errors *pkgerrors.ErrorHandler
}

func NewRouter(deps Dependencies) *Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Router{deps: deps, errors: pkgerrors.NewErrorHandler(deps.Logger, deps.Debug)}
}

// Setup configures all routes and middleware.
func (rt *Router) Setup() http.Handler {
	d := rt.deps
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.Logger(d.Logger))
	if d.Metrics != nil {
		router.Use(middleware.Metrics(d.Metrics))
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Location"},
		AllowCredentials: false,
		MaxAge:           d.CORSMaxAge,
	}))

	health := handlers.NewHealthHandler(d.Store, d.Backend, rt.errors, d.Logger)
	router.Get("/health", health.Health)
	router.Get("/ready", health.Ready)
	if d.MetricsHandler != nil {
		router.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}

	similarity := handlers.NewSimilarityHandler(d.Engine, d.Neighbors, d.Store, d.Profiles, rt.errors, d.Logger)
	jobs := handlers.NewJobHandler(d.Jobs, rt.errors, d.Logger)
	maintenance := handlers.NewMaintenanceHandler(d.Integrity, rt.errors, d.Logger)
	adminOnly := middleware.RequireRole(rt.errors, middleware.RoleAdmin)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(middleware.AuthConfig{
			Validator:    d.Validator,
			TrustGateway: d.TrustGateway,
			Errors:       rt.errors,
			Logger:       d.Logger,
		}))
		if d.Limiter != nil {
			r.Use(middleware.RateLimit(d.Limiter, rt.errors))
		}
		if d.RequestTimeout > 0 {
			r.Use(chimiddleware.Timeout(d.RequestTimeout))
		}

		r.Route("/communities/{communityID}", func(r chi.Router) {
			r.Route("/similarities", func(r chi.Router) {
				r.With(adminOnly).Post("/recompute", jobs.SubmitRecompute)
				r.Post("/users/{userID}/recompute", similarity.RecomputeUser)
				r.Get("/breakdown", similarity.Breakdown)
				r.Get("/stats", similarity.Stats)
			})
			r.Get("/similar-profiles", similarity.SimilarProfiles)
			r.Get("/connections", similarity.Connections)
		})

		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", jobs.GetJob)
			r.With(adminOnly).Delete("/", jobs.CancelJob)
		})

		r.With(adminOnly).Post("/maintenance/weights/repair", maintenance.RepairWeights)
		r.Get("/similarities/cache-stats", similarity.CacheStats)
	})

	return router
}
