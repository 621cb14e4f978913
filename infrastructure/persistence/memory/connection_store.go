package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
	"resonance-backend/domain/core/valueobjects"
	pkgerrors "resonance-backend/pkg/errors"
)

const cursorSep = "\x1f"

// ConnectionStore is an in-process ports.ConnectionStore. Rows are indexed
// community -> from -> to and each community has its own lock, so writes in
// different communities never contend. Both directions of a pair are written
// under that lock, so readers never observe half a pair.
type ConnectionStore struct {
	mu     sync.RWMutex
	shards map[string]*communityShard
}

type communityShard struct {
	mu   sync.RWMutex
	rows map[string]map[string]entities.Connection
}

func NewConnectionStore() *ConnectionStore {
	return &ConnectionStore{shards: make(map[string]*communityShard)}
}

// shard returns the community's shard, creating it when create is set.
func (s *ConnectionStore) shard(communityID string, create bool) *communityShard {
	s.mu.RLock()
	sh, ok := s.shards[communityID]
	s.mu.RUnlock()
	if ok || !create {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[communityID]; !ok {
		sh = &communityShard{rows: make(map[string]map[string]entities.Connection)}
		s.shards[communityID] = sh
	}
	return sh
}

// snapshot lists the shards present right now.
func (s *ConnectionStore) snapshot() map[string]*communityShard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*communityShard, len(s.shards))
	for id, sh := range s.shards {
		out[id] = sh
	}
	return out
}

func (s *ConnectionStore) UpsertConnections(ctx context.Context, communityID string, conns []entities.Connection) (map[valueobjects.PairKey]error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shard(communityID, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var failed map[valueobjects.PairKey]error
	for _, c := range conns {
		if c.FromID == c.ToID {
			if failed == nil {
				failed = make(map[valueobjects.PairKey]error)
			}
			failed[c.Pair()] = pkgerrors.NewValidationError("self connection")
			continue
		}
		c.CommunityID = communityID
		sh.putLocked(c)
		sh.putLocked(c.Reverse())
	}
	return failed, nil
}

func (sh *communityShard) putLocked(c entities.Connection) {
	byTo, ok := sh.rows[c.FromID]
	if !ok {
		byTo = make(map[string]entities.Connection)
		sh.rows[c.FromID] = byTo
	}
	byTo[c.ToID] = c
}

func (s *ConnectionStore) ListConnectionsForUser(ctx context.Context, communityID, userID string) ([]entities.Connection, error) {
	sh := s.shard(communityID, false)
	if sh == nil {
		return []entities.Connection{}, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	byTo := sh.rows[userID]
	out := make([]entities.Connection, 0, len(byTo))
	for _, c := range byTo {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToID < out[j].ToID })
	return out, nil
}

func (s *ConnectionStore) ReplaceConnectionsForUser(ctx context.Context, communityID, userID string, conns []entities.Connection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, c := range conns {
		if !c.Pair().Contains(userID) || c.FromID == c.ToID {
			return pkgerrors.NewValidationError("replacement connection does not touch user " + userID)
		}
	}

	sh := s.shard(communityID, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for counterpart := range sh.rows[userID] {
		delete(sh.rows[counterpart], userID)
		if len(sh.rows[counterpart]) == 0 {
			delete(sh.rows, counterpart)
		}
	}
	delete(sh.rows, userID)

	for _, c := range conns {
		c.CommunityID = communityID
		sh.putLocked(c)
		sh.putLocked(c.Reverse())
	}
	return nil
}

func (s *ConnectionStore) Scan(ctx context.Context, q ports.ScanQuery) (*ports.ScanPage, error) {
	all := make([]entities.Connection, 0)
	for community, sh := range s.snapshot() {
		if q.CommunityID != "" && community != q.CommunityID {
			continue
		}
		sh.mu.RLock()
		for _, byTo := range sh.rows {
			for _, c := range byTo {
				all = append(all, c)
			}
		}
		sh.mu.RUnlock()
	}

	sort.Slice(all, func(i, j int) bool { return scanKey(all[i]) < scanKey(all[j]) })

	start := 0
	if q.Cursor != "" {
		start = sort.Search(len(all), func(i int) bool { return scanKey(all[i]) > q.Cursor })
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	end := min(start+limit, len(all))

	page := &ports.ScanPage{Connections: all[start:end]}
	if end < len(all) {
		page.NextCursor = scanKey(all[end-1])
	}
	return page, nil
}

func scanKey(c entities.Connection) string {
	return strings.Join([]string{c.CommunityID, c.FromID, c.ToID}, cursorSep)
}

func (s *ConnectionStore) UpdateWeight(ctx context.Context, communityID, fromID, toID string, weight int) error {
	sh := s.shard(communityID, false)
	if sh == nil {
		return pkgerrors.NewNotFoundError("connection " + fromID + "->" + toID)
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.rows[fromID][toID]
	if !ok {
		return pkgerrors.NewNotFoundError("connection " + fromID + "->" + toID)
	}
	c.Weight = weight
	sh.rows[fromID][toID] = c
	return nil
}

// PutRaw stores a single directed row as is, bypassing pair symmetry and
// weight clamping. Used to load legacy data and to seed repair scenarios.
func (s *ConnectionStore) PutRaw(c entities.Connection) {
	sh := s.shard(c.CommunityID, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.putLocked(c)
}

// Get returns one directed row.
func (s *ConnectionStore) Get(communityID, fromID, toID string) (entities.Connection, bool) {
	sh := s.shard(communityID, false)
	if sh == nil {
		return entities.Connection{}, false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c, ok := sh.rows[fromID][toID]
	return c, ok
}
