package goodjob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTryAdvisoryLockThenUnlock(t *testing.T) {
	pool := openTestPool(t)
	defer truncateAndClose(t, pool)

	ctx := context.Background()
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	id := NewJobID()
	locked, err := tryAdvisoryLock(ctx, conn, id)
	require.NoError(t, err)
	require.True(t, locked)

	// A second attempt on the same connection (same session) for the
	// same key succeeds too: pg_try_advisory_lock is re-entrant per
	// session.
	lockedAgain, err := tryAdvisoryLock(ctx, conn, id)
	require.NoError(t, err)
	require.True(t, lockedAgain)

	require.NoError(t, advisoryUnlock(ctx, conn, id))
	require.NoError(t, advisoryUnlock(ctx, conn, id))
}

func TestTryAdvisoryLockBlocksAcrossSessions(t *testing.T) {
	pool := openTestPool(t)
	defer truncateAndClose(t, pool)

	ctx := context.Background()
	connA, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer connA.Release()

	connB, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer connB.Release()

	id := NewJobID()
	locked, err := tryAdvisoryLock(ctx, connA, id)
	require.NoError(t, err)
	require.True(t, locked)

	lockedB, err := tryAdvisoryLock(ctx, connB, id)
	require.NoError(t, err)
	require.False(t, lockedB)

	require.NoError(t, advisoryUnlock(ctx, connA, id))
}

func TestFetchCandidatesExcludesFinishedAndLocked(t *testing.T) {
	pool := openTestPool(t)
	defer truncateAndClose(t, pool)

	ctx := context.Background()
	registry := NewRegistry()
	client := NewClient(pool, registry, nil, nil, DefaultConfig())

	available, err := client.Enqueue(ctx, EnqueueParams{JobClass: "Available::Job"})
	require.NoError(t, err)

	finished, err := client.Enqueue(ctx, EnqueueParams{JobClass: "Finished::Job"})
	require.NoError(t, err)
	_, err = pool.Exec(ctx, sqlMarkSucceeded, finished.ID, 1)
	require.NoError(t, err)

	locked, err := client.Enqueue(ctx, EnqueueParams{JobClass: "Locked::Job"})
	require.NoError(t, err)
	require.NoError(t, markRunning(ctx, pool, locked.ID, NewJobID()))

	candidates, err := fetchCandidates(ctx, pool, ParseQueueFilter("*"), 10)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, c := range candidates {
		ids[c.ID.String()] = true
	}
	require.True(t, ids[available.ID.String()])
	require.False(t, ids[finished.ID.String()])
	require.False(t, ids[locked.ID.String()])
}

func TestReloadJobReturnsNilForMissing(t *testing.T) {
	pool := openTestPool(t)
	defer truncateAndClose(t, pool)

	j, err := reloadJob(context.Background(), pool, NewJobID())
	require.NoError(t, err)
	require.Nil(t, j)
}

func TestInsertExecutionRecordsRow(t *testing.T) {
	pool := openTestPool(t)
	defer truncateAndClose(t, pool)

	ctx := context.Background()
	registry := NewRegistry()
	client := NewClient(pool, registry, nil, nil, DefaultConfig())

	job, err := client.Enqueue(ctx, EnqueueParams{JobClass: "Exec::Job"})
	require.NoError(t, err)

	envelope, err := MarshalEnvelope(job.Params)
	require.NoError(t, err)

	errMsg := "failed once"
	require.NoError(t, insertExecution(ctx, pool, job, envelope, &errMsg))

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM good_job_executions WHERE active_job_id = $1", job.ActiveJobID).Scan(&count))
	require.Equal(t, 1, count)
}
