package cleanup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/italolelis/torbox_blackhole/internal/logctx"
	"github.com/italolelis/torbox_blackhole/internal/storage"
)

// Repository is the slice of history storage the sweep needs.
type Repository interface {
	GetFetchedBefore(cutoff string) ([]storage.HistoryRecord, error)
	DeleteRecord(jobID string) error
}

// DeleteExpiredContent removes materialized content older than
// keepDuration along with its history record. Content already deleted
// by hand only loses its record.
func DeleteExpiredContent(ctx context.Context, repo Repository, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	cutoff := time.Now().Add(-keepDuration).Format(time.RFC3339)

	records, err := repo.GetFetchedBefore(cutoff)
	if err != nil {
		return fmt.Errorf("failed to list expired content: %w", err)
	}

	for _, record := range records {
		if record.ContentPath != "" {
			// Stat first so the deletion log only fires when something
			// was actually on disk: RemoveAll reports nil for a path
			// that never existed.
			switch _, err := os.Stat(record.ContentPath); {
			case err == nil:
				if err := os.RemoveAll(record.ContentPath); err != nil {
					logger.ErrorContext(ctx, "failed to delete expired content", "path", record.ContentPath, "err", err)

					continue
				}

				logger.InfoContext(ctx, "deleted expired content", "path", record.ContentPath, "job_id", record.JobID)
			case os.IsNotExist(err):
				logger.DebugContext(ctx, "expired content already gone", "path", record.ContentPath, "job_id", record.JobID)
			default:
				logger.ErrorContext(ctx, "failed to inspect expired content", "path", record.ContentPath, "err", err)

				continue
			}
		}

		if err := repo.DeleteRecord(record.JobID); err != nil {
			logger.ErrorContext(ctx, "failed to delete history record", "job_id", record.JobID, "err", err)
		}
	}

	return nil
}

// Run sweeps on every tick until ctx is cancelled.
func Run(ctx context.Context, repo Repository, keepDuration, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "retention cleanup enabled", "keep_for", keepDuration, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "shutting down cleanup")

			return
		case <-ticker.C:
			if err := DeleteExpiredContent(ctx, repo, keepDuration); err != nil {
				logger.ErrorContext(ctx, "failed to clean up expired content", "err", err)
			}
		}
	}
}
