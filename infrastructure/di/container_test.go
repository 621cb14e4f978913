package di

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance-backend/application/services"
	"resonance-backend/infrastructure/config"
)

const seed = `profiles:
  - userId: alice
    communityId: kernel
    keywords: [rust, zk]
    currentAffiliation: Acme
  - userId: bob
    communityId: kernel
    keywords: [rust, go]
    currentAffiliation: acme
  - userId: carol
    communityId: kernel
    keywords: [gardening]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	cfg := config.Default(config.Development)
	cfg.Storage.ProfilesFile = path
	cfg.Events.Provider = "none"
	cfg.Logging.Level = "error"
	return cfg
}

func TestContainerEndToEnd(t *testing.T) {
	ctx := context.Background()
	c, err := NewContainer(ctx, testConfig(t))
	require.NoError(t, err)
	defer func() { assert.NoError(t, c.Close(ctx)) }()

	summary, err := c.Engine.CalculateAndUpdateAllSimilarities(ctx, "kernel", services.RecomputeOptions{})
	require.NoError(t, err)
	assert.True(t, summary.Completed)
	assert.Equal(t, 3, summary.PairsProcessed)

	result, err := c.Neighbors.GetSimilarProfiles(ctx, "alice", "kernel", 2)
	require.NoError(t, err)
	require.Len(t, result.SimilarProfiles, 2)
	assert.Equal(t, "bob", result.SimilarProfiles[0].UserID)
}

func TestContainerBadgerBackend(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendBadger
	cfg.Storage.Badger.InMemory = true
	cfg.Cache.Provider = "badger"

	c, err := NewContainer(ctx, cfg)
	require.NoError(t, err)
	defer func() { assert.NoError(t, c.Close(ctx)) }()

	_, err = c.Engine.CalculateAndUpdateAllSimilarities(ctx, "kernel", services.RecomputeOptions{})
	require.NoError(t, err)
	stats, err := c.Stats.Calculate(ctx, "kernel")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalConnections)
}

func TestContainerWatchAppliesReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Environment = config.Staging

	c, err := NewContainer(ctx, cfg)
	require.NoError(t, err)
	defer func() { assert.NoError(t, c.Close(ctx)) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(`
storage:
  profiles_file: `+cfg.Storage.ProfilesFile+`
events:
  provider: none
auth:
  jwt_secret: test-secret
cache:
  neighbors:
    ttl: 1m
similarity:
  weights:
    keyword: 0.2
    bio: 0.2
    affiliation: 0.6
`), 0o600))
	w, err := config.NewWatcher(config.NewLoader(dir, config.Staging), cfg, nil)
	require.NoError(t, err)
	defer w.Stop()
	c.Watch(w)

	w.Reload()

	breakdown, err := c.Engine.GetSimilarityBreakdown(ctx, "kernel", "alice", "bob")
	require.NoError(t, err)
	// keyword jaccard 1/3, no bios, same affiliation
	assert.InDelta(t, 0.2/3+0.6, breakdown.OverallScore, 1e-9)
	assert.Equal(t, time.Minute, w.Current().Cache.Neighbors.TTL)
}
