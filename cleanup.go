package goodjob

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/google/uuid"
)

// CleanupLoop periodically recovers orphaned advisory locks (whose
// owning good_job_processes row is missing or stale, meaning the owner
// crashed without releasing the session) and deletes finished jobs past
// the configured retention window (spec.md §4.9).
type CleanupLoop struct {
	pool *pgxpool.Pool
	cfg  Config
	log  *Logger

	stop chan struct{}
	done chan struct{}
}

// NewCleanupLoop builds a loop running every cfg.CleanupInterval.
func NewCleanupLoop(pool *pgxpool.Pool, cfg Config, log *Logger) *CleanupLoop {
	return &CleanupLoop{
		pool: pool,
		cfg:  cfg,
		log:  log,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run ticks every cfg.CleanupInterval, recovering orphaned locks and
// then applying retention deletion, until ctx is cancelled or Stop is
// called.
func (c *CleanupLoop) Run(ctx context.Context) {
	defer close(c.done)

	interval := c.cfg.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *CleanupLoop) runOnce(ctx context.Context) {
	if n, err := c.recoverOrphanedLocks(ctx); err != nil {
		if c.log != nil {
			c.log.Error("cleanup: orphan recovery failed", "error", err)
		}
	} else if n > 0 && c.log != nil {
		c.log.Info("cleanup: recovered orphaned locks", "count", n)
	}

	if n, err := c.deleteRetention(ctx); err != nil {
		if c.log != nil {
			c.log.Error("cleanup: retention delete failed", "error", err)
		}
	} else if n > 0 && c.log != nil {
		c.log.Info("cleanup: deleted finished jobs", "count", n)
	}
}

// recoverOrphanedLocks clears locked_by_id/locked_at/performed_at on any
// unfinished job whose lock owner has no good_job_processes row, or one
// whose heartbeat (updated_at) is older than four heartbeat intervals,
// returning it to the available pool. The four-interval margin gives a
// crashed process's lock time to actually go stale before being
// reclaimed.
func (c *CleanupLoop) recoverOrphanedLocks(ctx context.Context) (int, error) {
	heartbeat := c.cfg.AdvisoryLockHeartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	staleBefore := time.Now().Add(-4 * heartbeat)

	rows, err := c.pool.Query(ctx, sqlFindOrphanedLocks, staleBefore)
	if err != nil {
		return 0, &StorageError{Op: "find_orphaned_locks", Cause: err}
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var lockedBy *uuid.UUID
		if err := rows.Scan(&id, &lockedBy); err != nil {
			rows.Close()
			return 0, &StorageError{Op: "scan_orphaned_lock", Cause: err}
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, &StorageError{Op: "orphaned_locks_rows", Cause: err}
	}

	for _, id := range ids {
		if _, err := c.pool.Exec(ctx, sqlClearOrphanedLock, id); err != nil {
			return 0, &StorageError{Op: "clear_orphaned_lock", Cause: err}
		}
	}
	return len(ids), nil
}

// deleteRetention removes finished jobs older than
// cfg.CleanupPreservedJobsBeforeSecondsAgo, respecting
// cfg.CleanupDiscardedJobs: when false, jobs that finished with a
// non-nil error are preserved indefinitely for operator inspection.
func (c *CleanupLoop) deleteRetention(ctx context.Context) (int, error) {
	before := c.cfg.CleanupPreservedJobsBeforeSecondsAgo
	if before <= 0 {
		before = 14 * 24 * time.Hour
	}
	cutoff := time.Now().Add(-before)

	tag, err := c.pool.Exec(ctx, sqlDeleteFinishedBefore, cutoff, c.cfg.CleanupDiscardedJobs)
	if err != nil {
		return 0, &StorageError{Op: "delete_retention", Cause: err}
	}
	return int(tag.RowsAffected()), nil
}

// Stop halts Run and waits for it to return.
func (c *CleanupLoop) Stop() {
	close(c.stop)
	<-c.done
}
