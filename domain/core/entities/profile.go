package entities

import (
	"sort"
	"strings"
	"time"
	"unicode"

	pkgerrors "resonance-backend/pkg/errors"
)

// Profile is a user's community-specific descriptive record. The core only
// reads profiles; they are owned by the profile service.
type Profile struct {
	UserID             string    `json:"userId" yaml:"userId"`
	CommunityID        string    `json:"communityId" yaml:"communityId"`
	Keywords           []string  `json:"keywords" yaml:"keywords"`
	Bio                *string   `json:"bio,omitempty" yaml:"bio,omitempty"`
	CurrentAffiliation *string   `json:"currentAffiliation,omitempty" yaml:"currentAffiliation,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// NewProfile validates the identifiers and normalises keywords. Missing bio or
// affiliation is legal.
func NewProfile(userID, communityID string, keywords []string, bio, affiliation *string, updatedAt time.Time) (*Profile, error) {
	p := &Profile{
		UserID:             userID,
		CommunityID:        communityID,
		Keywords:           keywords,
		Bio:                bio,
		CurrentAffiliation: affiliation,
		UpdatedAt:          updatedAt,
	}
	if err := p.Normalize(); err != nil {
		return nil, err
	}
	return p, nil
}

// Normalize checks identifiers and rewrites Keywords into a sorted set of
// trimmed lower-case values. Adapters call it on every record they read.
func (p *Profile) Normalize() error {
	p.UserID = strings.TrimSpace(p.UserID)
	p.CommunityID = strings.TrimSpace(p.CommunityID)
	if err := ValidateID("profile userId", p.UserID); err != nil {
		return err
	}
	if err := ValidateID("profile communityId", p.CommunityID); err != nil {
		return err
	}
	p.Keywords = NormalizeKeywords(p.Keywords)
	return nil
}

// ValidateID rejects empty ids and ids holding control characters; the
// embedded store separates key components with NUL.
func ValidateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return pkgerrors.NewValidationError(field + " cannot be empty")
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return pkgerrors.NewValidationError(field + " cannot contain control characters")
	}
	return nil
}

// KeywordSet returns the normalised keywords as a set.
func (p *Profile) KeywordSet() map[string]bool {
	set := make(map[string]bool, len(p.Keywords))
	for _, k := range NormalizeKeywords(p.Keywords) {
		set[k] = true
	}
	return set
}

// BioText returns the bio or "" when absent.
func (p *Profile) BioText() string {
	if p.Bio == nil {
		return ""
	}
	return strings.TrimSpace(*p.Bio)
}

// NormalizedAffiliation returns the trimmed, case-folded affiliation, or ""
// when absent.
func (p *Profile) NormalizedAffiliation() string {
	if p.CurrentAffiliation == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(*p.CurrentAffiliation))
}

// NormalizeKeywords trims, lower-cases, de-duplicates and sorts keywords.
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SortProfiles orders profiles by user id.
func SortProfiles(profiles []*Profile) {
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].UserID < profiles[j].UserID
	})
}
