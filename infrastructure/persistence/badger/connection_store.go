package badger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
	"resonance-backend/domain/core/valueobjects"
	pkgerrors "resonance-backend/pkg/errors"
)

const (
	connPrefix = "conn/"
	sep        = "\x00"

	defaultReplaceBatch = 256
)

// ConnectionStore keeps rows under conn/<community>\0<from>\0<to> with a JSON
// value. Badger iterates keys in byte order, which gives Scan and
// ListConnectionsForUser their ordering.
type ConnectionStore struct {
	db           *badger.DB
	replaceBatch int
	logger       *zap.Logger
}

var _ ports.ConnectionStore = (*ConnectionStore)(nil)

func NewConnectionStore(db *badger.DB, logger *zap.Logger) *ConnectionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionStore{db: db, replaceBatch: defaultReplaceBatch, logger: logger.Named("badger_connections")}
}

func communityPrefix(communityID string) []byte {
	return []byte(connPrefix + communityID + sep)
}

func userPrefix(communityID, userID string) []byte {
	return []byte(connPrefix + communityID + sep + userID + sep)
}

func rowKey(communityID, fromID, toID string) []byte {
	return []byte(connPrefix + communityID + sep + fromID + sep + toID)
}

func setRow(txn *badger.Txn, c entities.Connection) error {
	value, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}
	return txn.Set(rowKey(c.CommunityID, c.FromID, c.ToID), value)
}

func decodeRow(item *badger.Item) (entities.Connection, error) {
	var c entities.Connection
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &c)
	})
	return c, err
}

// classify separates transaction conflicts, which are worth retrying, from a
// closed or broken database.
func classify(operation string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, badger.ErrConflict):
		return pkgerrors.NewUnavailableError("badger").WithCause(err).WithCode("CONFLICT")
	case errors.Is(err, badger.ErrDBClosed), errors.Is(err, badger.ErrBlockedWrites):
		return pkgerrors.NewUnavailableError("badger").WithCause(err)
	}
	return pkgerrors.NewDatabaseError(operation, err)
}

func systemic(err error) bool {
	return errors.Is(err, badger.ErrDBClosed) || errors.Is(err, badger.ErrBlockedWrites)
}

func (s *ConnectionStore) UpsertConnections(ctx context.Context, communityID string, conns []entities.Connection) (map[valueobjects.PairKey]error, error) {
	var failed map[valueobjects.PairKey]error
	for _, c := range conns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.CommunityID = communityID
		var err error
		if c.FromID == c.ToID {
			err = pkgerrors.NewValidationError("self connection")
		} else {
			err = s.db.Update(func(txn *badger.Txn) error {
				if err := setRow(txn, c); err != nil {
					return err
				}
				return setRow(txn, c.Reverse())
			})
		}
		if err == nil {
			continue
		}
		if systemic(err) {
			return nil, classify("UpsertConnections", err)
		}
		if failed == nil {
			failed = make(map[valueobjects.PairKey]error)
		}
		if pkgerrors.GetAppError(err) == nil {
			err = classify("UpsertConnections", err)
		}
		failed[c.Pair()] = err
	}
	return failed, nil
}

func (s *ConnectionStore) ListConnectionsForUser(ctx context.Context, communityID, userID string) ([]entities.Connection, error) {
	var out []entities.Connection
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := userPrefix(communityID, userID)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			c, err := decodeRow(it.Item())
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, classify("ListConnectionsForUser", err)
	}
	return out, nil
}

// ReplaceConnectionsForUser writes the new pairs before deleting stale ones,
// committing at most replaceBatch pairs per transaction so users with many
// counterparts stay under badger's transaction size limit. Both rows of a
// pair always share a transaction.
func (s *ConnectionStore) ReplaceConnectionsForUser(ctx context.Context, communityID, userID string, conns []entities.Connection) error {
	for _, c := range conns {
		if !c.Pair().Contains(userID) || c.FromID == c.ToID {
			return pkgerrors.NewValidationError("replacement connection does not touch user " + userID)
		}
	}

	var counterparts []string
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := userPrefix(communityID, userID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			counterparts = append(counterparts, string(bytes.TrimPrefix(it.Item().KeyCopy(nil), prefix)))
		}
		return nil
	})
	if err != nil {
		return classify("ReplaceConnectionsForUser", err)
	}

	keep := make(map[string]bool, len(conns))
	ops := make([]func(*badger.Txn) error, 0, len(conns)+len(counterparts))
	for _, c := range conns {
		c.CommunityID = communityID
		keep[c.Pair().Other(userID)] = true
		ops = append(ops, func(txn *badger.Txn) error {
			if err := setRow(txn, c); err != nil {
				return err
			}
			return setRow(txn, c.Reverse())
		})
	}
	for _, other := range counterparts {
		if keep[other] {
			continue
		}
		ops = append(ops, func(txn *badger.Txn) error {
			if err := txn.Delete(rowKey(communityID, userID, other)); err != nil {
				return err
			}
			return txn.Delete(rowKey(communityID, other, userID))
		})
	}

	batch := s.replaceBatch
	if batch <= 0 {
		batch = defaultReplaceBatch
	}
	for start := 0; start < len(ops); start += batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := ops[start:min(start+batch, len(ops))]
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, op := range chunk {
				if err := op(txn); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return classify("ReplaceConnectionsForUser", err)
		}
	}
	s.logger.Debug("replaced user connections",
		zap.String("community_id", communityID),
		zap.String("user_id", userID),
		zap.Int("written", len(conns)),
		zap.Int("previous", len(counterparts)),
	)
	return nil
}

func (s *ConnectionStore) Scan(ctx context.Context, q ports.ScanQuery) (*ports.ScanPage, error) {
	prefix := []byte(connPrefix)
	if q.CommunityID != "" {
		prefix = communityPrefix(q.CommunityID)
	}
	var after []byte
	if q.Cursor != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(q.Cursor)
		if err != nil || !bytes.HasPrefix(decoded, prefix) {
			return nil, pkgerrors.NewValidationError("malformed cursor")
		}
		after = decoded
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}

	page := &ports.ScanPage{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: min(limit, 100), Prefix: prefix})
		defer it.Close()

		it.Seek(prefix)
		if after != nil {
			it.Seek(after)
			if it.ValidForPrefix(prefix) && bytes.Equal(it.Item().Key(), after) {
				it.Next()
			}
		}
		for ; it.ValidForPrefix(prefix); it.Next() {
			if len(page.Connections) == limit {
				page.NextCursor = base64.RawURLEncoding.EncodeToString(rowKey(
					page.Connections[limit-1].CommunityID,
					page.Connections[limit-1].FromID,
					page.Connections[limit-1].ToID,
				))
				return nil
			}
			c, err := decodeRow(it.Item())
			if err != nil {
				return err
			}
			page.Connections = append(page.Connections, c)
		}
		return nil
	})
	if err != nil {
		return nil, classify("Scan", err)
	}
	return page, nil
}

func (s *ConnectionStore) UpdateWeight(ctx context.Context, communityID, fromID, toID string, weight int) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(rowKey(communityID, fromID, toID))
		if err != nil {
			return err
		}
		c, err := decodeRow(item)
		if err != nil {
			return err
		}
		c.Weight = weight
		return setRow(txn, c)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return pkgerrors.NewNotFoundError("connection " + fromID + "->" + toID)
	}
	return classify("UpdateWeight", err)
}

// PutRaw stores one directed row without touching its reverse.
func (s *ConnectionStore) PutRaw(c entities.Connection) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setRow(txn, c)
	})
}
