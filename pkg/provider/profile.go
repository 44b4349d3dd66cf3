package provider

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Profile is one authenticated route to a backend. Profiles are tried in
// priority order; a profile that keeps failing sits out a growing cooldown.
type Profile struct {
	ID            string `json:"id" mapstructure:"id"`
	Provider      string `json:"provider" mapstructure:"provider"`
	APIKey        string `json:"api_key" mapstructure:"api_key"`
	Priority      int    `json:"priority" mapstructure:"priority"`
	FailureCount  int    `json:"failure_count,omitempty"`
	CooldownUntil int64  `json:"cooldown_until,omitempty"` // unix millis
}

// InCooldown reports whether the profile is sitting out failures.
func (p *Profile) InCooldown(now time.Time) bool {
	return p.CooldownUntil > now.UnixMilli()
}

// Profiles holds the configured auth profiles and their failure state.
type Profiles struct {
	mu       sync.Mutex
	profiles []*Profile
}

// NewProfiles builds the profile set. Order of the input does not matter;
// selection always sorts by priority.
func NewProfiles(profiles []Profile) *Profiles {
	set := &Profiles{}
	for i := range profiles {
		p := profiles[i]
		set.profiles = append(set.profiles, &p)
	}
	return set
}

// Select returns the highest-priority profile not in cooldown. When every
// profile is cooling down, the one whose cooldown expires first is returned
// so a run never hard-fails on cooldown alone.
func (s *Profiles) Select(now time.Time) (*Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.profiles) == 0 {
		return nil, false
	}

	sorted := make([]*Profile, len(s.profiles))
	copy(sorted, s.profiles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	for _, p := range sorted {
		if !p.InCooldown(now) {
			return p, true
		}
	}

	soonest := sorted[0]
	for _, p := range sorted[1:] {
		if p.CooldownUntil < soonest.CooldownUntil {
			soonest = p
		}
	}
	log.Warn().Str("profile", soonest.ID).Msg("All profiles in cooldown, using soonest to expire")
	return soonest, true
}

// MarkFailure records a failed run against a profile. The cooldown grows
// linearly with the failure count: one minute per accumulated failure.
func (s *Profiles) MarkFailure(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.profiles {
		if p.ID != id {
			continue
		}
		p.FailureCount++
		p.CooldownUntil = now.UnixMilli() + int64(60000*p.FailureCount)
		log.Warn().
			Str("profile", id).
			Int("failures", p.FailureCount).
			Int64("cooldown_until", p.CooldownUntil).
			Msg("Profile marked failed")
		return
	}
}

// MarkSuccess clears a profile's failure state.
func (s *Profiles) MarkSuccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.profiles {
		if p.ID == id {
			p.FailureCount = 0
			p.CooldownUntil = 0
			return
		}
	}
}
