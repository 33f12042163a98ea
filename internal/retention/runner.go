// Package retention schedules and executes data retention policies:
// archive-then-drop of readings past their retention horizon.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/repository"
	"github.com/tidemark-io/tidemark/internal/tsdb"
)

// estimatedRowBytes approximates storage per reading row for the
// bytes-freed figure in run records.
const estimatedRowBytes = 96

// Runner executes retention policies on their cron schedules. Every
// execution is clamped to the deployment floor: no policy can delete data
// younger than RETENTION_FLOOR_DAYS regardless of its own horizon.
type Runner struct {
	cfg       conf.RetentionSettings
	retention repository.RetentionRepository
	gateway   tsdb.Gateway
	log       logger.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewRunner creates a retention runner.
func NewRunner(
	cfg conf.RetentionSettings,
	retention repository.RetentionRepository,
	gateway tsdb.Gateway,
	log logger.Logger,
) *Runner {
	return &Runner{
		cfg:       cfg,
		retention: retention,
		gateway:   gateway,
		log:       log,
		cron:      cron.New(),
		entries:   make(map[string]cron.EntryID),
	}
}

// Start loads enabled policies onto the cron scheduler. Reload re-syncs
// schedules after policy changes.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.Reload(ctx); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// Reload replaces the scheduled jobs with the current enabled policies.
func (r *Runner) Reload(ctx context.Context) error {
	policies, err := r.retention.ListEnabled(ctx)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "failed to load retention policies", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.entries {
		r.cron.Remove(id)
	}
	r.entries = make(map[string]cron.EntryID)
	for i := range policies {
		policy := policies[i]
		entryID, err := r.cron.AddFunc(policy.Schedule, func() {
			if _, err := r.Execute(context.Background(), &policy); err != nil {
				r.log.Error("retention run failed",
					logger.String("policy_id", policy.ID),
					logger.Error(err))
			}
		})
		if err != nil {
			r.log.Error("invalid retention schedule",
				logger.String("policy_id", policy.ID),
				logger.String("schedule", policy.Schedule),
				logger.Error(err))
			continue
		}
		r.entries[policy.ID] = entryID
	}
	return nil
}

// Execute runs one policy immediately and records the run. The effective
// horizon is the larger of the policy's days and the deployment floor.
func (r *Runner) Execute(ctx context.Context, policy *entities.RetentionPolicy) (*entities.RetentionRun, error) {
	days := policy.RetentionDays
	if days < r.cfg.FloorDays {
		r.log.Warn("retention horizon clamped to deployment floor",
			logger.String("policy_id", policy.ID),
			logger.Int("policy_days", days),
			logger.Int("floor_days", r.cfg.FloorDays))
		days = r.cfg.FloorDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	selector := tsdb.Selector{DeviceID: policy.DeviceID, Key: policy.Key}

	started := time.Now()
	var (
		deleted int64
		runErr  error
	)
	if policy.ArchiveTarget != "" {
		sink, err := newSFTPSink(policy.ArchiveTarget, policy.ID, cutoff)
		if err != nil {
			runErr = err
		} else {
			deleted, runErr = r.gateway.ArchiveBefore(ctx, policy.TenantID, selector, cutoff, sink)
		}
	} else {
		deleted, runErr = r.gateway.DropBefore(ctx, policy.TenantID, selector, cutoff)
	}

	run := &entities.RetentionRun{
		PolicyID:    policy.ID,
		Cutoff:      cutoff,
		RowsDeleted: deleted,
		BytesFreed:  deleted * estimatedRowBytes,
		DurationMs:  time.Since(started).Milliseconds(),
		RanAt:       started.UTC(),
	}
	if runErr != nil {
		run.Errors = runErr.Error()
	}
	if err := r.retention.RecordRun(ctx, run); err != nil {
		r.log.Error("retention run record failed", logger.String("policy_id", policy.ID), logger.Error(err))
	}
	if runErr != nil {
		return run, errors.Wrap(errors.KindInternal, "retention run failed", runErr)
	}
	r.log.Info("retention run complete",
		logger.String("policy_id", policy.ID),
		logger.String("tenant_id", policy.TenantID),
		logger.Int64("rows_deleted", deleted))
	return run, nil
}
