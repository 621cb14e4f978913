package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance-backend/pkg/auth"
)

const profilesSeed = `profiles:
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

const baseConfig = `events:
  provider: none
auth:
  jwt_secret: cli-test-secret
  issuer: resonance
`

func setupDir(t *testing.T) (configDir, profiles string) {
	t.Helper()
	configDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "base.yaml"), []byte(baseConfig), 0o600))
	profiles = filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(profiles, []byte(profilesSeed), 0o600))
	return configDir, profiles
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configDir, profiles := setupDir(t)
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--config-dir", configDir, "--env", "development", "--profiles", profiles}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRecomputeCommand(t *testing.T) {
	// Act
	out, err := run(t, "recompute", "--community", "kernel")

	// Assert
	require.NoError(t, err)
	var summary struct {
		PairsProcessed int  `json:"pairsProcessed"`
		EdgesWritten   int  `json:"edgesWritten"`
		Completed      bool `json:"completed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 3, summary.PairsProcessed)
	assert.Equal(t, 6, summary.EdgesWritten)
	assert.True(t, summary.Completed)
}

func TestBreakdownCommand(t *testing.T) {
	out, err := run(t, "breakdown", "alice", "bob", "--community", "kernel")

	require.NoError(t, err)
	var breakdown struct {
		Weight int `json:"weight"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &breakdown))
	assert.Equal(t, 4, breakdown.Weight)
}

func TestBreakdownUnknownUser(t *testing.T) {
	_, err := run(t, "breakdown", "alice", "nobody", "--community", "kernel")
	assert.Error(t, err)
}

func TestRecomputeRequiresCommunity(t *testing.T) {
	_, err := run(t, "recompute")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "community")
}

func TestRepairWeightsDryRun(t *testing.T) {
	out, err := run(t, "repair-weights", "--community", "kernel", "--dry-run")

	require.NoError(t, err)
	var report struct {
		DryRun    bool `json:"dryRun"`
		Scanned   int  `json:"scanned"`
		Corrected int  `json:"corrected"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.DryRun)
	assert.Zero(t, report.Scanned)
	assert.Zero(t, report.Corrected)
}

func TestTokenCommand(t *testing.T) {
	// Act
	out, err := run(t, "token", "alice", "--community", "kernel", "--role", "admin")

	// Assert
	require.NoError(t, err)
	validator, err := auth.NewJWTValidator(auth.JWTConfig{SecretKey: "cli-test-secret", Issuer: "resonance"})
	require.NoError(t, err)
	claims, err := validator.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "kernel", claims.CommunityID)
	assert.Equal(t, []string{"admin"}, claims.Roles)
}
