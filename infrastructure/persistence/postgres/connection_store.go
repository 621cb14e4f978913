package postgres

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
	"resonance-backend/domain/core/valueobjects"
	pkgerrors "resonance-backend/pkg/errors"
)

const (
	upsertConnectionSQL = `
		INSERT INTO connections (community_id, from_id, to_id, weight, description, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (community_id, from_id, to_id) DO UPDATE SET
			weight = EXCLUDED.weight,
			description = EXCLUDED.description,
			computed_at = EXCLUDED.computed_at`

	listForUserSQL = `
		SELECT community_id, from_id, to_id, weight, description, computed_at
		FROM connections
		WHERE community_id = $1 AND from_id = $2
		ORDER BY to_id`

	deleteForUserSQL = `
		DELETE FROM connections
		WHERE community_id = $1 AND (from_id = $2 OR to_id = $2)`

	scanSQL = `
		SELECT community_id, from_id, to_id, weight, description, computed_at
		FROM connections
		WHERE ($1 = '' OR community_id = $1)
		  AND (community_id, from_id, to_id) > ($2, $3, $4)
		ORDER BY community_id, from_id, to_id
		LIMIT $5`

	updateWeightSQL = `
		UPDATE connections SET weight = $4
		WHERE community_id = $1 AND from_id = $2 AND to_id = $3`
)

// ConnectionStore keeps one row per direction, keyed by
// (community_id, from_id, to_id). Both rows of a pair share a transaction.
type ConnectionStore struct {
	pool     DBPool
	parallel int
	logger   *zap.Logger
}

var _ ports.ConnectionStore = (*ConnectionStore)(nil)

func NewConnectionStore(pool DBPool, parallel int, logger *zap.Logger) *ConnectionStore {
	if parallel <= 0 {
		parallel = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionStore{pool: pool, parallel: parallel, logger: logger.Named("postgres_connections")}
}

func insertRow(ctx context.Context, tx pgx.Tx, c entities.Connection) error {
	_, err := tx.Exec(ctx, upsertConnectionSQL, c.CommunityID, c.FromID, c.ToID, c.Weight, c.Description, c.ComputedAt.UTC())
	return err
}

// writePair reports a failed Begin as systemic: the pool itself is unusable.
func (s *ConnectionStore) writePair(ctx context.Context, c entities.Connection) (systemic bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return true, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				s.logger.Error("failed to rollback transaction", zap.Error(rbErr))
			}
		}
	}()
	if err = insertRow(ctx, tx, c); err != nil {
		return false, err
	}
	if err = insertRow(ctx, tx, c.Reverse()); err != nil {
		return false, err
	}
	return false, tx.Commit(ctx)
}

func (s *ConnectionStore) UpsertConnections(ctx context.Context, communityID string, conns []entities.Connection) (map[valueobjects.PairKey]error, error) {
	var (
		mu     sync.Mutex
		failed map[valueobjects.PairKey]error
	)
	fail := func(pair valueobjects.PairKey, err error) {
		mu.Lock()
		defer mu.Unlock()
		if failed == nil {
			failed = make(map[valueobjects.PairKey]error)
		}
		failed[pair] = err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, c := range conns {
		c.CommunityID = communityID
		if c.FromID == c.ToID {
			fail(c.Pair(), pkgerrors.NewValidationError("self connection"))
			continue
		}
		g.Go(func() error {
			systemic, err := s.writePair(gctx, c)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			case systemic:
				return pkgerrors.NewUnavailableError("postgres").WithCause(err)
			}
			fail(c.Pair(), classify("UpsertConnections", err))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return failed, nil
}

func scanConnections(rows pgx.Rows) ([]entities.Connection, error) {
	defer rows.Close()
	var out []entities.Connection
	for rows.Next() {
		var c entities.Connection
		if err := rows.Scan(&c.CommunityID, &c.FromID, &c.ToID, &c.Weight, &c.Description, &c.ComputedAt); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		c.ComputedAt = c.ComputedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *ConnectionStore) ListConnectionsForUser(ctx context.Context, communityID, userID string) ([]entities.Connection, error) {
	rows, err := s.pool.Query(ctx, listForUserSQL, communityID, userID)
	if err != nil {
		return nil, classify("ListConnectionsForUser", err)
	}
	out, err := scanConnections(rows)
	if err != nil {
		return nil, classify("ListConnectionsForUser", err)
	}
	return out, nil
}

func (s *ConnectionStore) ReplaceConnectionsForUser(ctx context.Context, communityID, userID string, conns []entities.Connection) (err error) {
	for _, c := range conns {
		if !c.Pair().Contains(userID) || c.FromID == c.ToID {
			return pkgerrors.NewValidationError("replacement connection does not touch user " + userID)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("ReplaceConnectionsForUser", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				s.logger.Error("failed to rollback transaction", zap.Error(rbErr))
			}
		}
	}()

	if _, err = tx.Exec(ctx, deleteForUserSQL, communityID, userID); err != nil {
		return classify("ReplaceConnectionsForUser", err)
	}
	for _, c := range conns {
		c.CommunityID = communityID
		if err = insertRow(ctx, tx, c); err != nil {
			return classify("ReplaceConnectionsForUser", err)
		}
		if err = insertRow(ctx, tx, c.Reverse()); err != nil {
			return classify("ReplaceConnectionsForUser", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return classify("ReplaceConnectionsForUser", err)
	}
	return nil
}

// cursor is the key of the last row of a page.
type cursor struct {
	CommunityID string `json:"c"`
	FromID      string `json:"f"`
	ToID        string `json:"t"`
}

func (c cursor) encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	if s == "" {
		return c, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, pkgerrors.NewValidationError("malformed cursor")
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, pkgerrors.NewValidationError("malformed cursor")
	}
	return c, nil
}

// Scan uses keyset pagination over the primary key.
func (s *ConnectionStore) Scan(ctx context.Context, q ports.ScanQuery) (*ports.ScanPage, error) {
	after, err := decodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.pool.Query(ctx, scanSQL, q.CommunityID, after.CommunityID, after.FromID, after.ToID, limit+1)
	if err != nil {
		return nil, classify("Scan", err)
	}
	conns, err := scanConnections(rows)
	if err != nil {
		return nil, classify("Scan", err)
	}

	page := &ports.ScanPage{Connections: conns}
	if len(conns) > limit {
		page.Connections = conns[:limit]
		last := conns[limit-1]
		page.NextCursor = cursor{CommunityID: last.CommunityID, FromID: last.FromID, ToID: last.ToID}.encode()
	}
	return page, nil
}

func (s *ConnectionStore) UpdateWeight(ctx context.Context, communityID, fromID, toID string, weight int) error {
	tag, err := s.pool.Exec(ctx, updateWeightSQL, communityID, fromID, toID, weight)
	if err != nil {
		return classify("UpdateWeight", err)
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.NewNotFoundError("connection " + fromID + "->" + toID)
	}
	return nil
}
