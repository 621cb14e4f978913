package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
	"resonance-backend/domain/core/valueobjects"
	pkgerrors "resonance-backend/pkg/errors"
)

var computedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *ConnectionStore) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return mockPool, NewConnectionStore(mockPool, 1, nil)
}

func edge(a, b string, w int) entities.Connection {
	return entities.NewConnectionPair("kernel", a, b, w, "shared interests", computedAt)[0]
}

func TestUpsertConnections(t *testing.T) {
	t.Run("writes both rows in one transaction", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(regexp.QuoteMeta(upsertConnectionSQL)).
			WithArgs("kernel", "a", "b", 7, "shared interests", computedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(regexp.QuoteMeta(upsertConnectionSQL)).
			WithArgs("kernel", "b", "a", 7, "shared interests", computedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()

		failed, err := store.UpsertConnections(context.Background(), "kernel", []entities.Connection{edge("a", "b", 7)})
		require.NoError(t, err)
		assert.Empty(t, failed)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("reports a failed pair and rolls back", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(regexp.QuoteMeta(upsertConnectionSQL)).
			WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
		mockPool.ExpectRollback()

		failed, err := store.UpsertConnections(context.Background(), "kernel", []entities.Connection{edge("a", "b", 7)})
		require.NoError(t, err)
		require.Contains(t, failed, valueobjects.NewPairKey("a", "b"))
		assert.True(t, pkgerrors.IsUnavailable(failed[valueobjects.NewPairKey("a", "b")]))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("begin failure is systemic", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		beginErr := errors.New("pool exhausted")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		_, err := store.UpsertConnections(context.Background(), "kernel", []entities.Connection{edge("a", "b", 7)})
		require.Error(t, err)
		assert.True(t, pkgerrors.IsUnavailable(err))
		assert.ErrorIs(t, err, beginErr)
	})
}

func TestReplaceConnectionsForUser(t *testing.T) {
	mockPool, store := newMockStore(t)

	mockPool.ExpectBegin()
	mockPool.ExpectExec(regexp.QuoteMeta(deleteForUserSQL)).
		WithArgs("kernel", "a").
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	mockPool.ExpectExec(regexp.QuoteMeta(upsertConnectionSQL)).
		WithArgs("kernel", "a", "c", 4, "shared interests", computedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(regexp.QuoteMeta(upsertConnectionSQL)).
		WithArgs("kernel", "c", "a", 4, "shared interests", computedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()

	require.NoError(t, store.ReplaceConnectionsForUser(context.Background(), "kernel", "a", []entities.Connection{edge("a", "c", 4)}))
	assert.NoError(t, mockPool.ExpectationsWereMet())

	err := store.ReplaceConnectionsForUser(context.Background(), "kernel", "a", []entities.Connection{edge("b", "c", 4)})
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestScanReturnsCursor(t *testing.T) {
	mockPool, store := newMockStore(t)
	columns := []string{"community_id", "from_id", "to_id", "weight", "description", "computed_at"}

	mockPool.ExpectQuery(regexp.QuoteMeta(scanSQL)).
		WithArgs("kernel", "", "", "", 3).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("kernel", "a", "b", 7, "d", computedAt).
			AddRow("kernel", "b", "a", 7, "d", computedAt).
			AddRow("kernel", "b", "c", 2, "d", computedAt))

	page, err := store.Scan(context.Background(), ports.ScanQuery{CommunityID: "kernel", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Connections, 2)
	require.NotEmpty(t, page.NextCursor)

	after, err := decodeCursor(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, cursor{CommunityID: "kernel", FromID: "b", ToID: "a"}, after)

	mockPool.ExpectQuery(regexp.QuoteMeta(scanSQL)).
		WithArgs("kernel", "kernel", "b", "a", 3).
		WillReturnRows(pgxmock.NewRows(columns).AddRow("kernel", "b", "c", 2, "d", computedAt))

	page, err = store.Scan(context.Background(), ports.ScanQuery{CommunityID: "kernel", Cursor: page.NextCursor, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Connections, 1)
	assert.Empty(t, page.NextCursor)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestUpdateWeight(t *testing.T) {
	mockPool, store := newMockStore(t)

	mockPool.ExpectExec(regexp.QuoteMeta(updateWeightSQL)).
		WithArgs("kernel", "a", "b", 10).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mockPool.ExpectExec(regexp.QuoteMeta(updateWeightSQL)).
		WithArgs("kernel", "a", "z", 10).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.UpdateWeight(context.Background(), "kernel", "a", "b", 10))
	assert.True(t, pkgerrors.IsNotFound(store.UpdateWeight(context.Background(), "kernel", "a", "z", 10)))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestProfileSource(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()
	src := NewProfileSource(mockPool, nil)
	bio, org := "kernel hacker", "Acme"

	mockPool.ExpectQuery(regexp.QuoteMeta(listProfilesSQL)).
		WithArgs("kernel").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "community_id", "keywords", "bio", "current_affiliation", "updated_at"}).
			AddRow("alice", "kernel", []string{"Rust", "go"}, &bio, &org, computedAt).
			AddRow("", "kernel", []string{}, &bio, &org, computedAt))

	profiles, err := src.ListProfiles(context.Background(), "kernel")
	require.NoError(t, err)
	require.Len(t, profiles, 1, "rows without a user id are skipped")
	assert.Equal(t, []string{"go", "rust"}, profiles[0].Keywords)
	assert.Equal(t, "acme", profiles[0].NormalizedAffiliation())

	mockPool.ExpectQuery(regexp.QuoteMeta(getProfileSQL)).
		WithArgs("kernel", "nobody").
		WillReturnError(pgx.ErrNoRows)

	p, err := src.GetProfile(context.Background(), "kernel", "nobody")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	assert.True(t, pkgerrors.IsUnavailable(classify("op", &pgconn.PgError{Code: "40P01"})))
	assert.True(t, pkgerrors.IsValidation(classify("op", &pgconn.PgError{Code: "23514", Message: "check"})))
	assert.True(t, pkgerrors.IsType(classify("op", &pgconn.PgError{Code: "42P01"}), pkgerrors.ErrorTypeDatabase))
	assert.ErrorIs(t, classify("op", context.Canceled), context.Canceled)
}
