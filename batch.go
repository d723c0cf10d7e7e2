package goodjob

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Batch is a minimal grouping of jobs sharing an on-finish callback
// (SPEC_FULL.md §4.10). It does not model on_success / on_discard as
// separate callback jobs: the single callback is enqueued once every
// member has finished, and receives the number of members that finished
// with an error.
type Batch struct {
	ID                uuid.UUID
	Description       string
	CallbackQueueName string
	CallbackJobClass  string
}

// CreateBatch allocates a good_job_batches row. callbackJobClass and
// callbackQueue describe
// the callback job enqueued once every member finishes; leave them
// empty for a batch with no callback.
func CreateBatch(ctx context.Context, pool *pgxpool.Pool, description, callbackQueue, callbackJobClass string) (*Batch, error) {
	b := &Batch{
		ID:                uuid.New(),
		Description:       description,
		CallbackQueueName: callbackQueue,
		CallbackJobClass:  callbackJobClass,
	}
	_, err := pool.Exec(ctx, sqlInsertBatch, b.ID, b.Description, b.CallbackQueueName, b.CallbackJobClass)
	if err != nil {
		return nil, &StorageError{Op: "create_batch", Cause: err}
	}
	return b, nil
}

// EnqueueInBatch stamps batchID onto each EnqueueParams before
// enqueuing, so the scheduler can later detect when all members of the
// batch have finished.
func EnqueueInBatch(ctx context.Context, client *Client, batchID uuid.UUID, jobs []EnqueueParams) ([]*Job, error) {
	out := make([]*Job, 0, len(jobs))
	for _, p := range jobs {
		id := batchID
		p.BatchID = &id
		j, err := client.Enqueue(ctx, p)
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

// maybeFinalizeBatch checks, after a job with a non-nil BatchID just
// finished, whether every member of that batch is now finished; if so
// it enqueues the batch's callback job exactly once. The
// callback_enqueued_at guard makes this racy-safe across cooperating
// workers the same way (cron_key, cron_at) is for the Cron Loop
// (spec.md §4.8).
func maybeFinalizeBatch(ctx context.Context, pool *pgxpool.Pool, client *Client, batchID uuid.UUID) error {
	var unfinished int
	if err := pool.QueryRow(ctx, sqlCountBatchUnfinished, batchID).Scan(&unfinished); err != nil {
		return &StorageError{Op: "count_batch_unfinished", Cause: err}
	}
	if unfinished > 0 {
		return nil
	}

	var batch Batch
	batch.ID = batchID
	row := pool.QueryRow(ctx, `SELECT callback_queue_name, callback_job_class FROM good_job_batches WHERE id = $1`, batchID)
	if err := row.Scan(&batch.CallbackQueueName, &batch.CallbackJobClass); err != nil {
		return &StorageError{Op: "load_batch", Cause: err}
	}
	if batch.CallbackJobClass == "" {
		return nil
	}

	tag, err := pool.Exec(ctx, sqlClaimBatchCallback, batchID)
	if err != nil {
		return &StorageError{Op: "claim_batch_callback", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		// Another worker already claimed the callback enqueue.
		return nil
	}

	var erroredCount int
	if err := pool.QueryRow(ctx, sqlCountBatchErrored, batchID).Scan(&erroredCount); err != nil {
		return &StorageError{Op: "count_batch_errored", Cause: err}
	}

	_, err = client.Enqueue(ctx, EnqueueParams{
		JobClass: batch.CallbackJobClass,
		Queue:    batch.CallbackQueueName,
		Args:     []any{map[string]any{"batch_id": batchID.String(), "errored_jobs": erroredCount}},
	})
	return err
}
