package ports

import (
	"context"

	"resonance-backend/domain/core/entities"
	"resonance-backend/domain/core/valueobjects"
)

// ProfileSource reads community-scoped profiles from the profile service.
type ProfileSource interface {
	// ListProfiles returns every profile of the community.
	ListProfiles(ctx context.Context, communityID string) ([]*entities.Profile, error)

	// GetProfile returns nil, nil when the user has no profile in the community.
	GetProfile(ctx context.Context, communityID, userID string) (*entities.Profile, error)
}

// ScanQuery pages through stored connection rows. An empty CommunityID scans
// every community.
type ScanQuery struct {
	CommunityID string
	Cursor      string
	Limit       int
}

// ScanPage is one page of a scan. NextCursor is empty on the last page.
type ScanPage struct {
	Connections []entities.Connection
	NextCursor  string
}

// ConnectionStore owns the similarity graph. Each unordered pair is stored as
// two directed rows that are always written together.
type ConnectionStore interface {
	// UpsertConnections writes each connection and its reverse as one unit.
	// Pairs that could not be written are returned in failed; a non-nil err
	// means the store itself is unusable.
	UpsertConnections(ctx context.Context, communityID string, conns []entities.Connection) (failed map[valueobjects.PairKey]error, err error)

	// ListConnectionsForUser returns rows whose FromID is userID.
	ListConnectionsForUser(ctx context.Context, communityID, userID string) ([]entities.Connection, error)

	// ReplaceConnectionsForUser removes every row touching userID and writes
	// conns (plus reverses) in their place. Rows not touching userID are left
	// as they are.
	ReplaceConnectionsForUser(ctx context.Context, communityID, userID string, conns []entities.Connection) error

	// Scan pages through rows in a stable order.
	Scan(ctx context.Context, q ScanQuery) (*ScanPage, error)

	// UpdateWeight sets the weight of one directed row and nothing else.
	UpdateWeight(ctx context.Context, communityID, fromID, toID string, weight int) error
}
