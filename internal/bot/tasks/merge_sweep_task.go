package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/edgard/murailocrm/internal/merge"
)

// newMergeSweepTask reconciles placeholder contacts in batches. Contacts
// younger than merge.min_age are left alone so in-flight conversations can
// finish resolving on their own.
func newMergeSweepTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "merge_sweep")

	return func(ctx context.Context) error {
		filter := merge.Filter{Limit: deps.Config.Merge.BatchLimit}
		if age := deps.Config.Merge.MinAge; age > 0 {
			filter.CreatedBefore = time.Now().Add(-age)
		}

		startTime := time.Now()
		report, err := deps.Merge.Sweep(ctx, filter)
		if err != nil {
			log.ErrorContext(ctx, "Merge sweep failed", "error", err, "duration", time.Since(startTime))
			return fmt.Errorf("merge sweep failed: %w", err)
		}

		attrs := []any{
			"scanned", report.Scanned,
			"merged", report.Merged,
			"updated", report.Updated,
			"deleted", report.Deleted,
			"skipped", report.Skipped,
			"errors", report.Errors,
			"duration", time.Since(startTime),
		}
		if report.Errors > 0 {
			log.WarnContext(ctx, "Merge sweep finished with errors", attrs...)
			return nil
		}
		log.InfoContext(ctx, "Merge sweep completed", attrs...)
		return nil
	}
}
