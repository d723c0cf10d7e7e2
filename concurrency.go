package goodjob

import (
	"context"

	"github.com/google/uuid"
)

// lockConcurrencyKey acquires a transaction-scoped advisory lock on key,
// serializing every enqueue contending for the same concurrency bucket
// so the count-then-insert in checkEnqueueConcurrency can't race across
// concurrent callers (spec.md §4.6's "rely on ... an advisory-lock
// protected" count). db MUST be a transaction (pgx.Tx): the lock is
// released on COMMIT/ROLLBACK, never before.
func lockConcurrencyKey(ctx context.Context, db queryable, key string) error {
	hi, lo := concurrencyLockKey(key)
	if _, err := db.Exec(ctx, sqlAdvisoryXactLock, hi, lo); err != nil {
		return &StorageError{Op: "lock_concurrency_key", Cause: err}
	}
	return nil
}

// checkEnqueueConcurrency implements the enqueue-time check of spec.md
// §4.6: an atomic count of unfinished jobs sharing key must be < limit
// before the insert is accepted. db is expected to be a transaction so
// the count and the subsequent insert are atomic; callers must also
// hold lockConcurrencyKey(key) over the same transaction so two
// concurrent enqueues for the same key can't both observe count < limit.
func checkEnqueueConcurrency(ctx context.Context, db queryable, key string, limit int) error {
	if key == "" || limit <= 0 {
		return nil
	}
	var count int
	if err := db.QueryRow(ctx, sqlCountUnfinishedByConcurrencyKey, key).Scan(&count); err != nil {
		return &StorageError{Op: "check_enqueue_concurrency", Cause: err}
	}
	if count >= limit {
		return ErrConcurrencyLimitExceeded
	}
	return nil
}

// checkPerformConcurrency implements the perform-time check of spec.md
// §4.6: re-count currently-running jobs with the same key, excluding the
// candidate itself. If at or past the limit, the caller must release the
// candidate back to the pool without it counting as an attempt.
func checkPerformConcurrency(ctx context.Context, db queryable, key string, limit int, candidateID uuid.UUID) (allowed bool, err error) {
	if key == "" || limit <= 0 {
		return true, nil
	}
	var count int
	if err := db.QueryRow(ctx, sqlCountRunningByConcurrencyKey, key, candidateID).Scan(&count); err != nil {
		return false, &StorageError{Op: "check_perform_concurrency", Cause: err}
	}
	return count < limit, nil
}

// ConcurrencyExceededEvent categorizes a concurrency-limit exceedance for
// telemetry, per spec.md §4.6 "categorized as :enqueue or :perform".
type ConcurrencyExceededEvent struct {
	Key   string
	Phase string // "enqueue" or "perform"
	JobID *uuid.UUID
}
