// Package profile resolves caller identities to their execution profiles:
// the ordered ladder of backend tiers a request may be routed through.
package profile

import (
	"fmt"
	"sort"
	"sync"
)

// Tier is one candidate backend in a caller's fallback ladder. Lower
// priority values are tried first. Escalation marks a tier as capable of
// handling requests escalated past the normal waterfall order.
type Tier struct {
	BackendID  string `yaml:"backend"`
	Priority   int    `yaml:"priority"`
	Escalation bool   `yaml:"escalation"`
}

// Profile is the ordered tier ladder for one caller.
type Profile struct {
	CallerID string `yaml:"caller"`
	Tiers    []Tier `yaml:"tiers"`
}

// NotFoundError is returned when a caller has no profile and no default
// profile is configured.
type NotFoundError struct {
	CallerID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no execution profile for caller %q", e.CallerID)
}

// DefaultCallerID is the profile used for callers with no profile of their own.
const DefaultCallerID = "default"

// Resolver maps caller IDs to profiles. Read-mostly: Resolve is called on
// every route, Replace only on configuration reload.
type Resolver struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewResolver creates a Resolver from the given profiles. Tiers are sorted
// by priority once at load time.
func NewResolver(profiles []Profile) *Resolver {
	r := &Resolver{}
	r.Replace(profiles)
	return r
}

// Replace swaps in a complete new profile set.
func (r *Resolver) Replace(profiles []Profile) {
	m := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		sortTiers(p.Tiers)
		m[p.CallerID] = p
	}
	r.mu.Lock()
	r.profiles = m
	r.mu.Unlock()
}

// Resolve returns the tier ladder for a caller, falling back to the default
// profile when the caller has none.
func (r *Resolver) Resolve(callerID string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.profiles[callerID]; ok {
		return p, nil
	}
	if p, ok := r.profiles[DefaultCallerID]; ok {
		return Profile{CallerID: callerID, Tiers: p.Tiers}, nil
	}
	return Profile{}, &NotFoundError{CallerID: callerID}
}

// EscalationIndex returns the index of the first escalation-capable tier,
// or -1 if the profile has none.
func (p Profile) EscalationIndex() int {
	for i, t := range p.Tiers {
		if t.Escalation {
			return i
		}
	}
	return -1
}

func sortTiers(tiers []Tier) {
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].Priority < tiers[j].Priority
	})
}
