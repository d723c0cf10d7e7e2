package goodjob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateBatchAndEnqueueMembers(t *testing.T) {
	pool := openTestPool(t)
	defer truncateAndClose(t, pool)

	ctx := context.Background()
	registry := NewRegistry()
	registry.Register("Batch::Member", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		return Complete()
	}), HandlerOptions{})
	registry.Register("Batch::Callback", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		return Complete()
	}), HandlerOptions{})

	client := NewClient(pool, registry, nil, nil, DefaultConfig())

	batch, err := CreateBatch(ctx, pool, "nightly import", "default", "Batch::Callback")
	require.NoError(t, err)

	jobs, err := EnqueueInBatch(ctx, client, batch.ID, []EnqueueParams{
		{JobClass: "Batch::Member"},
		{JobClass: "Batch::Member"},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	for _, j := range jobs {
		require.NotNil(t, j.BatchID)
		require.Equal(t, batch.ID, *j.BatchID)
	}
}

func TestMaybeFinalizeBatchEnqueuesCallbackOnce(t *testing.T) {
	pool := openTestPool(t)
	defer truncateAndClose(t, pool)

	ctx := context.Background()
	registry := NewRegistry()
	registry.Register("Batch::Member2", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		return Complete()
	}), HandlerOptions{})
	registry.Register("Batch::Callback2", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		return Complete()
	}), HandlerOptions{})

	client := NewClient(pool, registry, nil, nil, DefaultConfig())

	batch, err := CreateBatch(ctx, pool, "single member batch", "default", "Batch::Callback2")
	require.NoError(t, err)

	jobs, err := EnqueueInBatch(ctx, client, batch.ID, []EnqueueParams{{JobClass: "Batch::Member2"}})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// Not finished yet: no callback should be enqueued.
	require.NoError(t, maybeFinalizeBatch(ctx, pool, client, batch.ID))
	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM good_jobs WHERE job_class = $1", "Batch::Callback2").Scan(&count))
	require.Equal(t, 0, count)

	_, err = pool.Exec(ctx, sqlMarkSucceeded, jobs[0].ID, 1)
	require.NoError(t, err)

	require.NoError(t, maybeFinalizeBatch(ctx, pool, client, batch.ID))
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM good_jobs WHERE job_class = $1", "Batch::Callback2").Scan(&count))
	require.Equal(t, 1, count)

	// Calling again must not enqueue a second callback.
	require.NoError(t, maybeFinalizeBatch(ctx, pool, client, batch.ID))
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM good_jobs WHERE job_class = $1", "Batch::Callback2").Scan(&count))
	require.Equal(t, 1, count)
}
