package scheduler

import (
	"context"
	"fmt"

	"github.com/muaviaUsmani/backupagent/internal/job"
	"github.com/muaviaUsmani/backupagent/internal/logger"
)

// PlanFetcher retrieves the full plan list from the controller
type PlanFetcher interface {
	FetchPlans(ctx context.Context) ([]job.Plan, error)
}

// PlanSyncer refreshes a PlanCache from the controller
type PlanSyncer struct {
	fetcher PlanFetcher
	cache   *PlanCache
	log     logger.Logger
}

// NewPlanSyncer creates a plan syncer
func NewPlanSyncer(fetcher PlanFetcher, cache *PlanCache) *PlanSyncer {
	return &PlanSyncer{
		fetcher: fetcher,
		cache:   cache,
		log:     logger.Default().WithComponent(logger.ComponentScheduler),
	}
}

// Sync fetches plans and swaps them into the cache. On error the cache keeps
// its previous contents.
func (ps *PlanSyncer) Sync(ctx context.Context) error {
	plans, err := ps.fetcher.FetchPlans(ctx)
	if err != nil {
		ps.log.Error("Backup plan sync failed, keeping cached plans",
			"cached", ps.cache.Count(),
			"error", err)
		return fmt.Errorf("sync plans: %w", err)
	}

	ps.cache.Replace(plans)
	ps.log.Info("Backup plans synced", "count", len(plans))
	return nil
}
