package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
	pkgerrors "resonance-backend/pkg/errors"
)

func conn(from, to string, w int) entities.Connection {
	return entities.Connection{FromID: from, ToID: to, Weight: w, Description: from + "-" + to, ComputedAt: time.Unix(100, 0)}
}

func TestConnectionStoreUpsertWritesBothDirections(t *testing.T) {
	ctx := context.Background()
	s := NewConnectionStore()

	failed, err := s.UpsertConnections(ctx, "c1", []entities.Connection{conn("a", "b", 5)})
	require.NoError(t, err)
	assert.Empty(t, failed)

	ab, ok := s.Get("c1", "a", "b")
	require.True(t, ok)
	ba, ok := s.Get("c1", "b", "a")
	require.True(t, ok)
	assert.Equal(t, ab.Weight, ba.Weight)
	assert.Equal(t, ab.Description, ba.Description)
	assert.Equal(t, "c1", ba.CommunityID)
}

func TestConnectionStoreRejectsSelfPairs(t *testing.T) {
	s := NewConnectionStore()
	failed, err := s.UpsertConnections(context.Background(), "c1", []entities.Connection{conn("a", "a", 5)})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestConnectionStoreReplaceForUser(t *testing.T) {
	ctx := context.Background()
	s := NewConnectionStore()
	_, err := s.UpsertConnections(ctx, "c1", []entities.Connection{
		conn("a", "b", 5), conn("a", "c", 3), conn("b", "c", 7),
	})
	require.NoError(t, err)

	require.NoError(t, s.ReplaceConnectionsForUser(ctx, "c1", "a", []entities.Connection{conn("a", "b", 9)}))

	rows, err := s.ListConnectionsForUser(ctx, "c1", "a")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 9, rows[0].Weight)

	_, ok := s.Get("c1", "c", "a")
	assert.False(t, ok)
	bc, ok := s.Get("c1", "b", "c")
	require.True(t, ok)
	assert.Equal(t, 7, bc.Weight)

	err = s.ReplaceConnectionsForUser(ctx, "c1", "a", []entities.Connection{conn("b", "c", 1)})
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestConnectionStoreCommunitiesLockIndependently(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := NewConnectionStore()
	_, err := s.UpsertConnections(ctx, "busy", []entities.Connection{conn("a", "b", 1)})
	require.NoError(t, err)
	busy := s.shard("busy", false)
	busy.mu.Lock()

	// Act
	done := make(chan error, 1)
	go func() {
		_, err := s.UpsertConnections(ctx, "idle", []entities.Connection{conn("a", "b", 2)})
		done <- err
	}()

	// Assert
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		busy.mu.Unlock()
		t.Fatal("write to one community waited on another community's lock")
	}
	busy.mu.Unlock()
	row, ok := s.Get("idle", "b", "a")
	require.True(t, ok)
	assert.Equal(t, 2, row.Weight)
}

func TestConnectionStoreScanPages(t *testing.T) {
	ctx := context.Background()
	s := NewConnectionStore()
	_, err := s.UpsertConnections(ctx, "c1", []entities.Connection{conn("a", "b", 5), conn("a", "c", 3)})
	require.NoError(t, err)
	_, err = s.UpsertConnections(ctx, "c2", []entities.Connection{conn("x", "y", 2)})
	require.NoError(t, err)

	var seen []entities.Connection
	cursor := ""
	for {
		page, err := s.Scan(ctx, ports.ScanQuery{CommunityID: "c1", Cursor: cursor, Limit: 3})
		require.NoError(t, err)
		seen = append(seen, page.Connections...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 4)

	all, err := s.Scan(ctx, ports.ScanQuery{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, all.Connections, 6)
	assert.Empty(t, all.NextCursor)
}

func TestConnectionStoreUpdateWeight(t *testing.T) {
	ctx := context.Background()
	s := NewConnectionStore()
	s.PutRaw(entities.Connection{CommunityID: "c1", FromID: "a", ToID: "b", Weight: 15, Description: "keep"})

	require.NoError(t, s.UpdateWeight(ctx, "c1", "a", "b", 10))
	row, _ := s.Get("c1", "a", "b")
	assert.Equal(t, 10, row.Weight)
	assert.Equal(t, "keep", row.Description)

	err := s.UpdateWeight(ctx, "c1", "a", "zzz", 3)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestProfileSource(t *testing.T) {
	ctx := context.Background()
	src := NewProfileSource()
	require.NoError(t, src.Put(&entities.Profile{UserID: "b", CommunityID: "c1", Keywords: []string{"Go"}}))
	require.NoError(t, src.Put(&entities.Profile{UserID: "a", CommunityID: "c1"}))

	list, err := src.ListProfiles(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].UserID)
	assert.Equal(t, []string{"go"}, list[1].Keywords)

	p, err := src.GetProfile(ctx, "c1", "zzz")
	require.NoError(t, err)
	assert.Nil(t, p)

	assert.Error(t, src.Put(&entities.Profile{UserID: "", CommunityID: "c1"}))
}
