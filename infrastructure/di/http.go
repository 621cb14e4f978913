package di

import (
	"context"
	"net/http"

	"resonance-backend/interfaces/http/rest"
	"resonance-backend/pkg/auth"
)

// HTTPHandler builds the REST router over the container's services.
// trustGateway accepts identities forwarded by the Lambda adapter.
func (c *Container) HTTPHandler(ctx context.Context, trustGateway bool) (http.Handler, error) {
	cfg := c.Config

	var validator *auth.JWTValidator
	if cfg.Auth.Enabled {
		var audience []string
		if cfg.Auth.Audience != "" {
			audience = []string{cfg.Auth.Audience}
		}
		v, err := auth.NewJWTValidator(auth.JWTConfig{
			SecretKey: cfg.Auth.JWTSecret,
			PublicKey: cfg.Auth.JWTPublicKey,
			Issuer:    cfg.Auth.Issuer,
			Audience:  audience,
		})
		if err != nil {
			return nil, err
		}
		validator = v
	}

	var limiter *auth.KeyedLimiter
	if cfg.Server.RateLimitPerMinute > 0 {
		limiter = auth.NewKeyedLimiter(cfg.Server.RateLimitPerMinute, 0)
		limiter.StartSweeper(ctx, cfg.Jobs.CleanupInterval)
	}

	deps := rest.Dependencies{
		Engine:         c.Engine,
		Neighbors:      c.Neighbors,
		Jobs:           c.Jobs,
		Integrity:      c.Integrity,
		Store:          c.Store,
		Profiles:       c.Profiles,
		Backend:        c.Backend.Name,
		Validator:      validator,
		TrustGateway:   trustGateway,
		Limiter:        limiter,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		CORSMaxAge:     cfg.CORS.MaxAge,
		RequestTimeout: cfg.Server.RequestTimeout,
		Debug:          cfg.IsDevelopment(),
		Logger:         c.Logger,
	}
	if c.Metrics != nil && cfg.Metrics.Enabled {
		deps.Metrics = c.Metrics
		deps.MetricsHandler = c.Metrics.Handler()
	}
	return rest.NewRouter(deps).Setup(), nil
}
