package breaker

import (
	"sort"
	"sync"
)

// Set holds one independent breaker per venue.
type Set struct {
	cfg  Config
	opts []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewSet creates a breaker set. Venues listed up front are reported by
// Snapshots even before their first call.
func NewSet(cfg Config, venues []string, opts ...Option) *Set {
	s := &Set{
		cfg:      cfg,
		opts:     opts,
		breakers: make(map[string]*Breaker, len(venues)),
	}
	for _, v := range venues {
		s.For(v)
	}
	return s
}

// For returns the breaker for venue, creating it on first use.
func (s *Set) For(venue string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[venue]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[venue]; ok {
		return b
	}
	b = New(venue, s.cfg, s.opts...)
	s.breakers[venue] = b
	return b
}

// Snapshots returns every breaker's state ordered by venue.
func (s *Set) Snapshots() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}
