package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
)

const (
	listProfilesSQL = `
		SELECT user_id, community_id, keywords, bio, current_affiliation, updated_at
		FROM profiles
		WHERE community_id = $1
		ORDER BY user_id`

	getProfileSQL = `
		SELECT user_id, community_id, keywords, bio, current_affiliation, updated_at
		FROM profiles
		WHERE community_id = $1 AND user_id = $2`
)

// ProfileSource reads the profiles table, which is kept in sync by the
// profile service.
type ProfileSource struct {
	pool   DBPool
	logger *zap.Logger
}

var _ ports.ProfileSource = (*ProfileSource)(nil)

func NewProfileSource(pool DBPool, logger *zap.Logger) *ProfileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileSource{pool: pool, logger: logger.Named("postgres_profiles")}
}

type profileRow struct {
	userID, communityID string
	keywords            []string
	bio, affiliation    *string
	updatedAt           time.Time
}

func (r profileRow) toProfile() (*entities.Profile, error) {
	return entities.NewProfile(r.userID, r.communityID, r.keywords, r.bio, r.affiliation, r.updatedAt.UTC())
}

func (s *ProfileSource) ListProfiles(ctx context.Context, communityID string) ([]*entities.Profile, error) {
	rows, err := s.pool.Query(ctx, listProfilesSQL, communityID)
	if err != nil {
		return nil, classify("ListProfiles", err)
	}
	defer rows.Close()

	var out []*entities.Profile
	for rows.Next() {
		var r profileRow
		if err := rows.Scan(&r.userID, &r.communityID, &r.keywords, &r.bio, &r.affiliation, &r.updatedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p, err := r.toProfile()
		if err != nil {
			s.logger.Warn("skipping invalid profile", zap.String("user_id", r.userID), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("ListProfiles", err)
	}
	return out, nil
}

func (s *ProfileSource) GetProfile(ctx context.Context, communityID, userID string) (*entities.Profile, error) {
	var r profileRow
	err := s.pool.QueryRow(ctx, getProfileSQL, communityID, userID).
		Scan(&r.userID, &r.communityID, &r.keywords, &r.bio, &r.affiliation, &r.updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("GetProfile", err)
	}
	return r.toProfile()
}
