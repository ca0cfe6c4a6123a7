package scheduler

import (
	"sync"
	"time"
)

// DefaultDedupMaxKeys is the key count above which the guard forgets everything
const DefaultDedupMaxKeys = 20000

// dedupMinuteLayout renders a calendar minute as YYYYMMDDHHMM
const dedupMinuteLayout = "200601021504"

// TickGuard remembers which plan/minute pairs were already dispatched so a
// plan runs at most once per scheduled minute however many ticks land in it.
type TickGuard struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	maxKeys int
	loc     *time.Location
}

// NewTickGuard creates a guard that clears itself once it holds more than maxKeys keys.
// Minutes are computed in loc; nil means time.Local.
func NewTickGuard(maxKeys int, loc *time.Location) *TickGuard {
	if maxKeys <= 0 {
		maxKeys = DefaultDedupMaxKeys
	}
	if loc == nil {
		loc = time.Local
	}
	return &TickGuard{
		seen:    make(map[string]struct{}),
		maxKeys: maxKeys,
		loc:     loc,
	}
}

// DedupKey returns "planID:YYYYMMDDHHMM" for the minute containing now
func (g *TickGuard) DedupKey(planID string, now time.Time) string {
	return planID + ":" + now.In(g.loc).Format(dedupMinuteLayout)
}

// ShouldDispatch returns true the first time it sees planID within now's
// minute and false afterwards. Check and insert happen under one lock.
func (g *TickGuard) ShouldDispatch(planID string, now time.Time) bool {
	key := g.DedupKey(planID, now)

	g.mu.Lock()
	defer g.mu.Unlock()

	// Clear-all rather than per-key eviction; a burst at the high-water mark
	// can let a plan redispatch within its current minute.
	if len(g.seen) > g.maxKeys {
		g.seen = make(map[string]struct{})
	}

	if _, dup := g.seen[key]; dup {
		return false
	}
	g.seen[key] = struct{}{}
	return true
}

// Len returns the number of remembered keys
func (g *TickGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
