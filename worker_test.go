package goodjob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPoolWorker(t testing.TB, registry *Registry) (*Pool, *Client) {
	pool := openTestPool(t)
	client := NewClient(pool, registry, nil, nil, DefaultConfig())
	cfg := DefaultConfig()
	cfg.Pool = pool
	return NewPool(pool, registry, cfg, nil, testLogger(), NewJobID(), nil, client, nil), client
}

func TestWorkOnePerformsAndMarksSucceeded(t *testing.T) {
	registry := NewRegistry()
	var performed bool
	registry.Register("Work::Succeed", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		performed = true
		return Complete()
	}), HandlerOptions{})

	p, client := newTestPoolWorker(t, registry)
	defer truncateAndClose(t, client.pool)

	job, err := client.Enqueue(context.Background(), EnqueueParams{JobClass: "Work::Succeed"})
	require.NoError(t, err)

	worked := p.WorkOne(context.Background())
	require.True(t, worked)
	require.True(t, performed)

	reloaded, err := reloadJob(context.Background(), client.pool, job.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.FinishedAt)
	require.Nil(t, reloaded.Error)
	require.EqualValues(t, 1, reloaded.ExecutionsCount)
}

func TestWorkOneReturnsFalseWhenQueueEmpty(t *testing.T) {
	registry := NewRegistry()
	p, client := newTestPoolWorker(t, registry)
	defer truncateAndClose(t, client.pool)

	worked := p.WorkOne(context.Background())
	require.False(t, worked)
}

func TestWorkOneRetriesOnError(t *testing.T) {
	registry := NewRegistry()
	registry.Register("Work::Fail", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		return Retry(errors.New("transient"))
	}), HandlerOptions{MaxAttempts: 5})

	p, client := newTestPoolWorker(t, registry)
	defer truncateAndClose(t, client.pool)

	job, err := client.Enqueue(context.Background(), EnqueueParams{JobClass: "Work::Fail"})
	require.NoError(t, err)

	require.True(t, p.WorkOne(context.Background()))

	reloaded, err := reloadJob(context.Background(), client.pool, job.ID)
	require.NoError(t, err)
	require.Nil(t, reloaded.FinishedAt)
	require.NotNil(t, reloaded.ScheduledAt)
	require.EqualValues(t, 1, reloaded.ExecutionsCount)
}

func TestWorkOneDiscardsAfterMaxAttempts(t *testing.T) {
	registry := NewRegistry()
	registry.Register("Work::AlwaysFail", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		return Retry(errors.New("permanent"))
	}), HandlerOptions{MaxAttempts: 1})

	p, client := newTestPoolWorker(t, registry)
	defer truncateAndClose(t, client.pool)

	job, err := client.Enqueue(context.Background(), EnqueueParams{JobClass: "Work::AlwaysFail"})
	require.NoError(t, err)

	require.True(t, p.WorkOne(context.Background()))

	reloaded, err := reloadJob(context.Background(), client.pool, job.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.FinishedAt)
	require.NotNil(t, reloaded.Error)
}

func TestWorkOneRescuesPanic(t *testing.T) {
	registry := NewRegistry()
	registry.Register("Work::Panics", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		panic("boom")
	}), HandlerOptions{MaxAttempts: 5})

	p, client := newTestPoolWorker(t, registry)
	defer truncateAndClose(t, client.pool)

	job, err := client.Enqueue(context.Background(), EnqueueParams{JobClass: "Work::Panics"})
	require.NoError(t, err)

	require.NotPanics(t, func() {
		p.WorkOne(context.Background())
	})

	reloaded, err := reloadJob(context.Background(), client.pool, job.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.Error)
	require.Contains(t, *reloaded.Error, "boom")
}

func TestWorkOneUnknownHandlerDiscards(t *testing.T) {
	registry := NewRegistry()
	p, client := newTestPoolWorker(t, registry)
	defer truncateAndClose(t, client.pool)

	job, err := client.Enqueue(context.Background(), EnqueueParams{JobClass: "Nobody::Handles::This"})
	require.NoError(t, err)

	require.True(t, p.WorkOne(context.Background()))

	reloaded, err := reloadJob(context.Background(), client.pool, job.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.FinishedAt)
	require.NotNil(t, reloaded.Error)
}

func TestPoolShutdownWaitsForInFlight(t *testing.T) {
	registry := NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	registry.Register("Work::Slow", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		close(started)
		<-release
		return Complete()
	}), HandlerOptions{})

	p, client := newTestPoolWorker(t, registry)
	defer truncateAndClose(t, client.pool)
	p.cfg.MaxProcesses = 1

	_, err := client.Enqueue(context.Background(), EnqueueParams{JobClass: "Work::Slow"})
	require.NoError(t, err)

	workDone := make(chan struct{})
	go func() {
		_ = p.Work(context.Background())
		close(workDone)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	shutdownDone := make(chan struct{})
	go func() {
		p.Shutdown(5 * time.Second)
		close(shutdownDone)
	}()

	close(release)

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown never returned")
	}
	<-workDone
}
