package scheduler

import (
	"sync"

	"github.com/muaviaUsmani/backupagent/internal/job"
)

// CachedPlan is a plan together with the result of parsing its cron string
type CachedPlan struct {
	Plan     job.Plan
	Spec     *CronSpec
	ParseErr error
}

// PlanCache holds the latest plan list from the controller. Replace swaps
// the whole list; there is no incremental diffing.
type PlanCache struct {
	mu    sync.RWMutex
	plans []CachedPlan
	// specs memoizes parses by raw cron string across refreshes
	specs map[string]cachedSpec
}

type cachedSpec struct {
	spec *CronSpec
	err  error
}

// NewPlanCache creates an empty plan cache
func NewPlanCache() *PlanCache {
	return &PlanCache{specs: make(map[string]cachedSpec)}
}

// Replace installs plans as the new cache contents. Plans with an invalid
// cron are kept; their parse error is reported at every tick.
func (c *PlanCache) Replace(plans []job.Plan) {
	c.mu.RLock()
	prev := c.specs
	c.mu.RUnlock()

	// Parse outside the lock; only crons still in use are carried over
	specs := make(map[string]cachedSpec, len(plans))
	cached := make([]CachedPlan, 0, len(plans))
	for _, p := range plans {
		cs, ok := specs[p.Cron]
		if !ok {
			if cs, ok = prev[p.Cron]; !ok {
				spec, err := ParseCron(p.Cron)
				cs = cachedSpec{spec: spec, err: err}
			}
			specs[p.Cron] = cs
		}
		cached = append(cached, CachedPlan{Plan: p, Spec: cs.spec, ParseErr: cs.err})
	}

	c.mu.Lock()
	c.plans = cached
	c.specs = specs
	c.mu.Unlock()
}

// Snapshot returns the current plans; the returned slice is never mutated by the cache
func (c *PlanCache) Snapshot() []CachedPlan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.plans
}

// Count returns the number of cached plans
func (c *PlanCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.plans)
}
