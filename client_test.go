package goodjob

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClient(t testing.TB) (*Client, *Registry, func()) {
	pool := openTestPool(t)
	registry := NewRegistry()
	client := NewClient(pool, registry, nil, nil, DefaultConfig())
	return client, registry, func() { truncateAndClose(t, pool) }
}

func TestClientEnqueueInsertsRow(t *testing.T) {
	client, registry, cleanup := newTestClient(t)
	defer cleanup()

	registry.Register("MyApp::SendEmailJob", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		return Complete()
	}), HandlerOptions{Queue: "mailers"})

	job, err := client.Enqueue(context.Background(), EnqueueParams{
		JobClass: "MyApp::SendEmailJob",
		Args:     []any{"a@example.com"},
	})
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "mailers", job.QueueName)

	found := findOneJob(t, client.pool)
	require.Equal(t, job.ID, found.ID)
	require.Equal(t, "MyApp::SendEmailJob", found.JobClass)
}

func TestClientEnqueueMissingJobClass(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	_, err := client.Enqueue(context.Background(), EnqueueParams{})
	require.ErrorIs(t, err, ErrMissingJobClass)
}

func TestClientEnqueueRespectsConcurrencyLimit(t *testing.T) {
	client, registry, cleanup := newTestClient(t)
	defer cleanup()

	registry.Register("Limited::Job", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		return Complete()
	}), HandlerOptions{ConcurrencyKey: "shared", TotalLimit: 1})

	ctx := context.Background()
	_, err := client.Enqueue(ctx, EnqueueParams{JobClass: "Limited::Job"})
	require.NoError(t, err)

	_, err = client.Enqueue(ctx, EnqueueParams{JobClass: "Limited::Job"})
	require.ErrorIs(t, err, ErrConcurrencyLimitExceeded)
}

func TestClientEnqueueConcurrencyLimitHoldsUnderConcurrentCallers(t *testing.T) {
	client, registry, cleanup := newTestClient(t)
	defer cleanup()

	registry.Register("Racer::Job", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		return Complete()
	}), HandlerOptions{ConcurrencyKey: "shared-race", TotalLimit: 2})

	ctx := context.Background()
	const attempts = 8

	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes int
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Enqueue(ctx, EnqueueParams{JobClass: "Racer::Job"}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 2, successes)

	var count int
	require.NoError(t, client.pool.QueryRow(ctx,
		"SELECT count(*) FROM good_jobs WHERE concurrency_key = $1", "shared-race").Scan(&count))
	require.Equal(t, 2, count)
}

func TestClientEnqueueInTxRollsBackWithCaller(t *testing.T) {
	client, registry, cleanup := newTestClient(t)
	defer cleanup()

	registry.Register("Txn::Job", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		return Complete()
	}), HandlerOptions{})

	ctx := context.Background()
	tx, err := client.pool.Begin(ctx)
	require.NoError(t, err)

	_, err = client.EnqueueInTx(ctx, tx, EnqueueParams{JobClass: "Txn::Job"})
	require.NoError(t, err)

	require.NoError(t, tx.Rollback(ctx))

	var count int
	require.NoError(t, client.pool.QueryRow(ctx, "SELECT count(*) FROM good_jobs WHERE job_class = $1", "Txn::Job").Scan(&count))
	require.Equal(t, 0, count)
}
