package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader layers configuration sources, lowest priority first:
//  1. defaults
//  2. base.yaml
//  3. <environment>.yaml
//  4. local.yaml (development only)
//  5. environment variables
type Loader struct {
	dir     string
	env     Environment
	lookup  func(string) (string, bool)
	sources []string
}

func NewLoader(dir string, env Environment) *Loader {
	if dir == "" {
		dir = "config"
	}
	return &Loader{dir: dir, env: env, lookup: os.LookupEnv}
}

// Load builds and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	l.sources = l.sources[:0]
	cfg := Default(l.env)
	l.sources = append(l.sources, "defaults")

	files := []string{"base", strings.ToLower(string(l.env))}
	if l.env == Development {
		files = append(files, "local")
	}
	for _, name := range files {
		if err := l.loadFile(name, cfg); err != nil {
			return nil, err
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	l.sources = append(l.sources, "environment")
	cfg.LoadedFrom = append([]string(nil), l.sources...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Files returns the paths the loader reads, whether or not they exist.
func (l *Loader) Files() []string {
	names := []string{"base", strings.ToLower(string(l.env)), "local"}
	out := make([]string, 0, len(names)*2)
	for _, n := range names {
		out = append(out, filepath.Join(l.dir, n+".yaml"), filepath.Join(l.dir, n+".yml"))
	}
	return out
}

func (l *Loader) loadFile(name string, cfg *Config) error {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(l.dir, name+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		l.sources = append(l.sources, path)
		return nil
	}
	return nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := l.lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := l.lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := l.lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := l.lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := l.lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("SERVER_ADDRESS", &cfg.Server.Address)
	integer("RATE_LIMIT_PER_MINUTE", &cfg.Server.RateLimitPerMinute)

	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("TABLE_NAME", &cfg.Storage.DynamoDB.TableName)
	str("PROFILES_TABLE_NAME", &cfg.Storage.DynamoDB.ProfilesTable)
	str("AWS_REGION", &cfg.Storage.DynamoDB.Region)
	str("DYNAMODB_ENDPOINT", &cfg.Storage.DynamoDB.Endpoint)
	str("DATABASE_URL", &cfg.Storage.Postgres.DSN)
	str("BADGER_PATH", &cfg.Storage.Badger.Path)
	str("PROFILES_FILE", &cfg.Storage.ProfilesFile)

	str("CACHE_PROVIDER", &cfg.Cache.Provider)
	duration("NEIGHBOR_CACHE_TTL", &cfg.Cache.Neighbors.TTL)

	float("SIMILARITY_WRITES_PER_SECOND", &cfg.Similarity.Engine.WritesPerSecond)
	integer("SIMILARITY_BATCH_SIZE", &cfg.Similarity.Engine.BatchSize)
	integer("SIMILARITY_WORKERS", &cfg.Similarity.Engine.Workers)

	str("EVENTS_PROVIDER", &cfg.Events.Provider)
	str("EVENT_BUS_NAME", &cfg.Events.EventBusName)

	boolean("ENABLE_AUTH", &cfg.Auth.Enabled)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("JWT_PUBLIC_KEY", &cfg.Auth.JWTPublicKey)
	str("JWT_ISSUER", &cfg.Auth.Issuer)

	boolean("ENABLE_CIRCUIT_BREAKER", &cfg.CircuitBreaker.Enabled)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	boolean("ENABLE_METRICS", &cfg.Metrics.Enabled)
	boolean("ENABLE_TRACING", &cfg.Tracing.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)

	if v, ok := l.lookup("RECOMPUTE_COMMUNITIES"); ok && v != "" {
		cfg.Jobs.Communities = strings.Split(v, ",")
	}
	if v, ok := l.lookup("CORS_ALLOWED_ORIGINS"); ok && v != "" {
		cfg.CORS.AllowedOrigins = strings.Split(v, ",")
	}
	return errors.Join(errs...)
}

// EnvironmentFromEnv reads ENVIRONMENT, defaulting to development.
func EnvironmentFromEnv() Environment {
	switch strings.ToLower(os.Getenv("ENVIRONMENT")) {
	case "production", "prod":
		return Production
	case "staging":
		return Staging
	default:
		return Development
	}
}

// Load reads configuration from CONFIG_DIR (default ./config) for the
// environment named by ENVIRONMENT.
func Load() (*Config, error) {
	return DefaultLoader().Load()
}

// DefaultLoader is the loader Load uses; keep it to build a Watcher.
func DefaultLoader() *Loader {
	return NewLoader(os.Getenv("CONFIG_DIR"), EnvironmentFromEnv())
}
