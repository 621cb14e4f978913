package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoaderDefaults(t *testing.T) {
	l := NewLoader(t.TempDir(), Development)
	l.lookup = envMap(nil)

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.InDelta(t, 0.5, cfg.Similarity.Weights.Keyword, 1e-9)
	assert.Equal(t, 15*time.Minute, cfg.Cache.Neighbors.TTL)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, []string{"defaults", "environment"}, cfg.LoadedFrom)
}

func TestLoaderLayersFilesAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
similarity:
  weights:
    keyword: 0.6
    bio: 0.2
    affiliation: 0.2
  high_similarity_threshold: 8
cache:
  neighbors:
    ttl: 5m
`)
	writeFile(t, dir, "staging.yaml", `
storage:
  backend: dynamodb
  dynamodb:
    table_name: from-file
auth:
  enabled: true
  jwt_secret: file-secret
`)

	l := NewLoader(dir, Staging)
	l.lookup = envMap(map[string]string{
		"TABLE_NAME":                   "from-env",
		"SIMILARITY_WRITES_PER_SECOND": "250",
	})

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.InDelta(t, 0.6, cfg.Similarity.Weights.Keyword, 1e-9)
	assert.Equal(t, 8, cfg.Similarity.HighSimilarityThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Cache.Neighbors.TTL)
	assert.Equal(t, BackendDynamoDB, cfg.Storage.Backend)
	assert.Equal(t, "from-env", cfg.Storage.DynamoDB.TableName)
	assert.InDelta(t, 250.0, cfg.Similarity.Engine.WritesPerSecond, 1e-9)
	// untouched nested defaults survive the overlay
	assert.Equal(t, 20, cfg.Cache.Neighbors.DefaultK)
	assert.Len(t, cfg.LoadedFrom, 4)
}

func TestLoaderRejectsBadEnvironmentValues(t *testing.T) {
	l := NewLoader(t.TempDir(), Development)
	l.lookup = envMap(map[string]string{"ENABLE_AUTH": "maybe", "NEIGHBOR_CACHE_TTL": "soon"})

	_, err := l.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENABLE_AUTH")
	assert.Contains(t, err.Error(), "NEIGHBOR_CACHE_TTL")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "cassandra" }, "Backend"},
		{"weights do not sum to one", func(c *Config) { c.Similarity.Weights.Keyword = 0.9 }, "weights"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "dsn"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "jwt"},
		{"production without auth", func(c *Config) { c.Environment = Production }, "production"},
		{"max_k below default_k", func(c *Config) { c.Cache.Neighbors.MaxK = 5 }, "max_k"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(Development)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatcherReloadNotifiesAndKeepsValidConfig(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir, Staging)
	l.lookup = envMap(map[string]string{"JWT_SECRET": "s"})
	initial, err := l.Load()
	require.NoError(t, err)

	w, err := NewWatcher(l, initial, nil)
	require.NoError(t, err)
	defer w.Stop()

	var calls int
	var seen *Config
	w.OnChange(func(old, updated *Config) {
		calls++
		seen = updated
		assert.Same(t, initial, old)
	})

	writeFile(t, dir, "base.yaml", "cache:\n  neighbors:\n    ttl: 2m\n")
	w.Reload()
	require.Equal(t, 1, calls)
	assert.Equal(t, 2*time.Minute, seen.Cache.Neighbors.TTL)
	assert.Same(t, seen, w.Current())

	writeFile(t, dir, "base.yaml", "storage:\n  backend: nope\n")
	w.Reload()
	assert.Equal(t, 1, calls)
	assert.Same(t, seen, w.Current())
}

func TestApplyRuntimeLambda(t *testing.T) {
	cfg := Default(Staging)
	cfg.Similarity.Engine.Workers = 32
	cfg.Similarity.Engine.ChunkSize = 50
	cfg.Cache.Provider = "badger"

	cfg.ApplyRuntime(RuntimeLambda)

	assert.Equal(t, 4, cfg.Similarity.Engine.Workers)
	assert.Equal(t, 25, cfg.Similarity.Engine.ChunkSize)
	assert.Equal(t, "memory", cfg.Cache.Provider)

	local := Default(Staging)
	before := local.Similarity.Engine
	local.ApplyRuntime(RuntimeLocal)
	assert.Equal(t, before, local.Similarity.Engine)
}

func TestDetectRuntime(t *testing.T) {
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "")
	t.Setenv("ECS_CONTAINER_METADATA_URI_V4", "")
	t.Setenv("ECS_CONTAINER_METADATA_URI", "")
	assert.Equal(t, RuntimeLocal, DetectRuntime())

	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "resonance-api")
	assert.Equal(t, RuntimeLambda, DetectRuntime())
}
