// Package config loads service configuration from defaults, YAML files and
// environment variables, and hot-reloads it in development.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"

	"resonance-backend/application/services"
	domainservices "resonance-backend/domain/services"
)

// Environment names a deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

type Config struct {
	Environment Environment `yaml:"environment" validate:"required,oneof=development staging production"`

	Server         Server         `yaml:"server"`
	Storage        Storage        `yaml:"storage"`
	Cache          Cache          `yaml:"cache"`
	Similarity     Similarity     `yaml:"similarity"`
	Events         Events         `yaml:"events"`
	Auth           Auth           `yaml:"auth"`
	CircuitBreaker CircuitBreaker `yaml:"circuit_breaker"`
	Jobs           Jobs           `yaml:"jobs"`
	Logging        Logging        `yaml:"logging"`
	Metrics        Metrics        `yaml:"metrics"`
	Tracing        Tracing        `yaml:"tracing"`
	CORS           CORS           `yaml:"cors"`

	// LoadedFrom lists the sources applied, lowest priority first.
	LoadedFrom []string `yaml:"-"`
}

type Server struct {
	Address         string        `yaml:"address" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`

	// RateLimitPerMinute applies per caller; 0 disables limiting.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute" validate:"min=0"`
}

type Storage struct {
	Backend  string   `yaml:"backend" validate:"required,oneof=memory dynamodb postgres badger"`
	DynamoDB DynamoDB `yaml:"dynamodb"`
	Postgres Postgres `yaml:"postgres"`
	Badger   Badger   `yaml:"badger"`
	// ProfilesFile seeds the in-memory profile source.
	ProfilesFile string `yaml:"profiles_file"`
}

type DynamoDB struct {
	TableName        string `yaml:"table_name"`
	ProfilesTable    string `yaml:"profiles_table"`
	Region           string `yaml:"region"`
	Endpoint         string `yaml:"endpoint"`
	ConsistentReads  bool   `yaml:"consistent_reads"`
	MaxBatchParallel int    `yaml:"max_batch_parallel" validate:"min=0"`
}

type Postgres struct {
	DSN            string `yaml:"dsn"`
	MaxConns       int32  `yaml:"max_conns" validate:"min=0"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

type Badger struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

type Cache struct {
	Provider       string                       `yaml:"provider" validate:"oneof=memory badger"`
	MaxItems       int                          `yaml:"max_items" validate:"min=1"`
	MaxMemoryBytes int64                        `yaml:"max_memory_bytes" validate:"min=1"`
	BadgerPath     string                       `yaml:"badger_path"`
	Neighbors      services.NeighborCacheConfig `yaml:"neighbors"`
}

type Similarity struct {
	Weights                 domainservices.ScorerWeights `yaml:"weights"`
	Engine                  services.EngineConfig        `yaml:"engine"`
	HighSimilarityThreshold int                          `yaml:"high_similarity_threshold" validate:"min=1,max=10"`
}

type Events struct {
	Provider     string `yaml:"provider" validate:"oneof=eventbridge log none"`
	EventBusName string `yaml:"event_bus_name"`
	Source       string `yaml:"source"`
}

type Auth struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
	// JWTPublicKey is a PEM encoded RSA key; it takes precedence over the secret.
	JWTPublicKey string `yaml:"jwt_public_key"`
	Issuer       string `yaml:"issuer"`
	Audience     string `yaml:"audience"`
}

type CircuitBreaker struct {
	Enabled      bool          `yaml:"enabled"`
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
	FailureRatio float64       `yaml:"failure_ratio" validate:"min=0,max=1"`
	MinRequests  uint32        `yaml:"min_requests"`
}

type Jobs struct {
	OperationTTL    time.Duration `yaml:"operation_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// Communities are recomputed by the scheduled worker when the event
	// names none.
	Communities []string `yaml:"communities"`
}

type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" validate:"min=0,max=1"`
}

type CORS struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxAge         int      `yaml:"max_age"`
}

// Default returns a configuration that runs locally without any files.
func Default(env Environment) *Config {
	return &Config{
		Environment: env,
		Server: Server{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  30 * time.Second,

			RateLimitPerMinute: 600,
		},
		Storage: Storage{
			Backend: BackendMemory,
			DynamoDB: DynamoDB{
				TableName:     "resonance-" + string(env),
				ProfilesTable: "resonance-profiles-" + string(env),
				Region:        "us-west-2",
			},
			Postgres: Postgres{MaxConns: 10, MigrateOnStart: true},
			Badger:   Badger{Path: "./data/connections"},
		},
		Cache: Cache{
			Provider:       "memory",
			MaxItems:       10000,
			MaxMemoryBytes: 64 << 20,
			BadgerPath:     "./data/cache",
			Neighbors:      services.DefaultNeighborCacheConfig(),
		},
		Similarity: Similarity{
			Weights:                 domainservices.DefaultScorerWeights(),
			Engine:                  services.DefaultEngineConfig(),
			HighSimilarityThreshold: services.DefaultHighSimilarityThreshold,
		},
		Events: Events{
			Provider:     "log",
			EventBusName: "resonance-events",
			Source:       "resonance.similarity",
		},
		Auth: Auth{
			Enabled: env != Development,
			Issuer:  "resonance",
		},
		CircuitBreaker: CircuitBreaker{
			Enabled:      true,
			MaxRequests:  3,
			Interval:     time.Minute,
			OpenTimeout:  30 * time.Second,
			FailureRatio: 0.6,
			MinRequests:  10,
		},
		Jobs: Jobs{
			OperationTTL:    24 * time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Metrics: Metrics{Enabled: true, Namespace: "resonance"},
		Tracing: Tracing{
			ServiceName: "resonance-backend",
			SampleRate:  0.1,
		},
		CORS: CORS{
			AllowedOrigins: []string{"*"},
			MaxAge:         300,
		},
	}
}

var validate = validator.New()

// Validate checks struct constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Similarity.Weights.Validate(); err != nil {
		return fmt.Errorf("invalid similarity weights: %w", err)
	}
	if c.Cache.Neighbors.MaxK < c.Cache.Neighbors.DefaultK {
		return fmt.Errorf("cache.neighbors.max_k must be at least default_k")
	}
	if c.Cache.Neighbors.TTL <= 0 {
		return fmt.Errorf("cache.neighbors.ttl must be positive")
	}
	if math.IsNaN(c.Similarity.Engine.WritesPerSecond) {
		return fmt.Errorf("similarity.engine.writes_per_second is not a number")
	}

	switch c.Storage.Backend {
	case BackendDynamoDB:
		if c.Storage.DynamoDB.TableName == "" || c.Storage.DynamoDB.ProfilesTable == "" {
			return fmt.Errorf("storage.dynamodb table names are required")
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
	case BackendBadger:
		if c.Storage.Badger.Path == "" && !c.Storage.Badger.InMemory {
			return fmt.Errorf("storage.badger.path is required")
		}
	}

	if c.Events.Provider == "eventbridge" && c.Events.EventBusName == "" {
		return fmt.Errorf("events.event_bus_name is required for eventbridge")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && c.Auth.JWTPublicKey == "" {
		return fmt.Errorf("auth requires jwt_secret or jwt_public_key")
	}
	if c.IsProduction() && !c.Auth.Enabled {
		return fmt.Errorf("auth cannot be disabled in production")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

func (c *Config) IsProduction() bool {
	return c.Environment == Production
}
