package memory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"resonance-backend/domain/core/entities"
)

// ProfileSource is an in-process ports.ProfileSource, used for local runs
// and tests. Profiles can be seeded from a YAML file.
type ProfileSource struct {
	mu       sync.RWMutex
	profiles map[string]map[string]entities.Profile
}

func NewProfileSource() *ProfileSource {
	return &ProfileSource{profiles: make(map[string]map[string]entities.Profile)}
}

// profileSeed is the on-disk layout of a seed file.
type profileSeed struct {
	Profiles []entities.Profile `yaml:"profiles"`
}

// LoadProfilesFile reads a YAML seed file of the form
//
//	profiles:
//	  - userId: alice
//	    communityId: kernel
//	    keywords: [zk, rust]
func LoadProfilesFile(path string) (*ProfileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile seed %s: %w", path, err)
	}
	var seed profileSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse profile seed %s: %w", path, err)
	}

	src := NewProfileSource()
	for i := range seed.Profiles {
		if err := src.Put(&seed.Profiles[i]); err != nil {
			return nil, fmt.Errorf("profile seed entry %d: %w", i, err)
		}
	}
	return src, nil
}

// Put inserts or replaces a profile after normalising it.
func (s *ProfileSource) Put(p *entities.Profile) error {
	cp := *p
	cp.Keywords = append([]string(nil), p.Keywords...)
	if err := cp.Normalize(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.profiles[cp.CommunityID]
	if !ok {
		byUser = make(map[string]entities.Profile)
		s.profiles[cp.CommunityID] = byUser
	}
	byUser[cp.UserID] = cp
	return nil
}

// Remove deletes a profile; unknown profiles are ignored.
func (s *ProfileSource) Remove(communityID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles[communityID], userID)
}

func (s *ProfileSource) ListProfiles(ctx context.Context, communityID string) ([]*entities.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entities.Profile, 0, len(s.profiles[communityID]))
	for _, p := range s.profiles[communityID] {
		cp := p
		out = append(out, &cp)
	}
	entities.SortProfiles(out)
	return out, nil
}

func (s *ProfileSource) GetProfile(ctx context.Context, communityID, userID string) (*entities.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[communityID][userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// Communities lists every community that has at least one profile.
func (s *ProfileSource) Communities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.profiles))
	for c, byUser := range s.profiles {
		if len(byUser) > 0 {
			out = append(out, c)
		}
	}
	return out
}
