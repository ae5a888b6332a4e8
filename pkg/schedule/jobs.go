package schedule

import (
	"context"
	"time"

	"github.com/dotsetgreg/turnpike/pkg/config"
	"github.com/dotsetgreg/turnpike/pkg/embedqueue"
	"github.com/dotsetgreg/turnpike/pkg/logger"
	"github.com/dotsetgreg/turnpike/pkg/memory"
)

// RetentionJob sweeps message records older than the configured
// retention window.
func RetentionJob(store memory.Store, retentionDays int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		retention := time.Duration(retentionDays) * 24 * time.Hour
		removed, err := store.SweepRetention(ctx, time.Now().UnixMilli(), retention.Milliseconds())
		if err != nil {
			return err
		}
		if removed > 0 {
			logger.InfoCF("SCHEDULE", "retention sweep removed records", map[string]interface{}{
				"removed":        removed,
				"retention_days": retentionDays,
			})
		}
		return nil
	}
}

// QueueStatsJob logs the embedding queue depth so backlog growth is
// visible without extra tooling.
func QueueStatsJob(queue *embedqueue.Queue) func(ctx context.Context) error {
	return func(_ context.Context) error {
		stats := queue.Stats()
		if stats.Total == 0 {
			return nil
		}
		logger.InfoCF("SCHEDULE", "embedding queue depth", map[string]interface{}{
			"total":  stats.Total,
			"high":   stats.High,
			"normal": stats.Normal,
			"low":    stats.Low,
		})
		return nil
	}
}

// DefaultJobs wires the standard maintenance jobs from configuration.
func DefaultJobs(cfg *config.Config, store memory.Store, queue *embedqueue.Queue) []Job {
	return []Job{
		{Name: "retention-sweep", Expr: cfg.Schedule.RetentionCron, Run: RetentionJob(store, cfg.Memory.RetentionDays)},
		{Name: "queue-stats", Expr: cfg.Schedule.StatsCron, Run: QueueStatsJob(queue)},
	}
}
