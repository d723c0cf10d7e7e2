package goodjob

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// Pool is the Scheduler/Performer: max_processes goroutines each
// repeatedly claiming and performing one job at a time (spec.md §4.7),
// the generalization of the teacher's Worker/WorkOne/Work/Shutdown to a
// fan-out of cooperating goroutines coordinated by an errgroup instead
// of a single loop.
type Pool struct {
	pool      *pgxpool.Pool
	registry  *Registry
	cfg       Config
	tel       *Telemetry
	log       *Logger
	processID uuid.UUID
	poller    *Poller
	client    *Client
	settings  *Settings // optional; nil disables queue pausing

	mu       sync.Mutex
	shutdown bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPool builds a Pool bound to cfg.MaxProcesses goroutines. client is
// used only for batch-callback enqueues triggered by a job's completion.
// settings may be nil, in which case queue pausing is disabled.
func NewPool(pool *pgxpool.Pool, registry *Registry, cfg Config, tel *Telemetry, log *Logger, processID uuid.UUID, poller *Poller, client *Client, settings *Settings) *Pool {
	return &Pool{
		pool:      pool,
		registry:  registry,
		cfg:       cfg,
		tel:       tel,
		log:       log,
		processID: processID,
		poller:    poller,
		client:    client,
		settings:  settings,
		stopCh:    make(chan struct{}),
	}
}

// Work runs cfg.MaxProcesses worker loops until ctx is cancelled or
// Shutdown is called, each repeatedly calling WorkOne and, when no job
// was available, waiting on its own Poller wakeup subscription.
func (p *Pool) Work(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.MaxProcesses; i++ {
		g.Go(func() error {
			p.workLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) workLoop(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	var wake Wakeup
	if p.poller != nil {
		wake = NewWakeup()
		p.poller.Subscribe(wake)
		defer p.poller.Unsubscribe(wake)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		worked := p.WorkOne(ctx)
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-wake:
		}
	}
}

// WorkOne claims and performs a single job, returning true if one was
// found and attempted. It is safe to call directly (e.g. from a test or
// an inline-execution caller) without Work's surrounding loop.
func (p *Pool) WorkOne(ctx context.Context) bool {
	job, conn, err := p.claimJob(ctx)
	if err != nil {
		if p.log != nil {
			p.log.Warn("claim job failed", "error", err)
		}
		return false
	}
	if job == nil {
		return false
	}
	defer func() {
		_ = advisoryUnlock(ctx, conn, job.ID)
		conn.Release()
	}()

	p.performJob(ctx, conn, job)
	return true
}

// claimJob fetches candidates and attempts the advisory lock on each in
// order until one succeeds, returning the held connection so the caller
// can perform the job and release the lock afterward. It returns (nil,
// nil, nil) when no candidate could be claimed.
func (p *Pool) claimJob(ctx context.Context) (*Job, *pgxpool.Conn, error) {
	filter := ParseQueueFilter(p.cfg.Queues)
	if p.poller != nil {
		filter = p.poller.Filter()
	}

	limit := p.cfg.QueueSelectLimit
	if limit <= 0 {
		limit = 100
	}
	candidates, err := fetchCandidates(ctx, p.pool, filter, limit)
	if err != nil {
		return nil, nil, err
	}

	for _, candidate := range candidates {
		if p.settings != nil && p.cfg.EnablePauses && p.settings.IsQueuePaused(candidate.QueueName) {
			continue
		}

		conn, err := p.pool.Acquire(ctx)
		if err != nil {
			return nil, nil, &StorageError{Op: "acquire_conn", Cause: err}
		}

		locked, err := tryAdvisoryLock(ctx, conn, candidate.ID)
		if err != nil {
			conn.Release()
			return nil, nil, err
		}
		if !locked {
			conn.Release()
			continue
		}

		// Re-read under the lock: the candidate may have finished or been
		// relocked between the scan above and the lock attempt (spec.md
		// §4.7 step 2).
		fresh, err := reloadJob(ctx, conn, candidate.ID)
		if err != nil || fresh == nil || fresh.IsFinished() || fresh.LockedByID != nil && *fresh.LockedByID != p.processID {
			_ = advisoryUnlock(ctx, conn, candidate.ID)
			conn.Release()
			if err != nil {
				return nil, nil, err
			}
			continue
		}

		if key := fresh.ConcurrencyKey; key != nil && *key != "" {
			ok, err := checkPerformConcurrency(ctx, conn, *key, p.registry.limitFor(fresh.JobClass), fresh.ID)
			if err != nil {
				_ = advisoryUnlock(ctx, conn, candidate.ID)
				conn.Release()
				return nil, nil, err
			}
			if !ok {
				if p.tel != nil {
					p.tel.ConcurrencyExceeded(ctx, ConcurrencyExceededEvent{Key: *key, Phase: "perform", JobID: &fresh.ID})
				}
				// locked_by_id was never set for this candidate, so
				// releasing the advisory lock alone returns it to the pool
				// without counting an attempt (spec.md §4.6).
				_ = advisoryUnlock(ctx, conn, candidate.ID)
				conn.Release()
				continue
			}
		}

		if err := markRunning(ctx, conn, fresh.ID, p.processID); err != nil {
			_ = advisoryUnlock(ctx, conn, candidate.ID)
			conn.Release()
			return nil, nil, err
		}
		fresh.PerformedAt = nowPtr(time.Now())
		fresh.LockedByID = &p.processID

		return fresh, conn, nil
	}

	return nil, nil, nil
}

// performJob resolves the handler, decodes arguments, invokes Perform
// (recovering a panic into a retryable/discardable error per
// cfg.RetryOnUnhandledError), and translates the Outcome into the
// corresponding good_jobs row update.
func (p *Pool) performJob(ctx context.Context, conn *pgxpool.Conn, job *Job) {
	start := time.Now()
	reg, err := p.registry.Resolve(job.JobClass)
	if err != nil {
		p.finish(ctx, conn, job, Outcome{Kind: OutcomeDiscard, DiscardReason: err.Error()}, start)
		return
	}

	args := DecodeArguments(job.Params.Arguments)

	performCtx := ctx
	var cancel context.CancelFunc
	if reg.opts.Timeout > 0 {
		performCtx, cancel = context.WithTimeout(ctx, reg.opts.Timeout)
		defer cancel()
	}

	if reg.opts.BeforePerform != nil {
		reg.opts.BeforePerform(performCtx, job)
	}

	outcome := p.safePerform(performCtx, reg, job, args)

	if reg.opts.AfterPerform != nil {
		reg.opts.AfterPerform(performCtx, job, outcome)
	}

	p.finish(ctx, conn, job, outcome, start)
}

// safePerform recovers a panicking handler into an Outcome carrying the
// panic message and a stack trace, honoring cfg.RetryOnUnhandledError:
// when false, the panic is re-raised after the recover so the caller's
// process crashes loudly instead of silently retrying.
func (p *Pool) safePerform(ctx context.Context, reg *registration, job *Job, args []any) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			if !p.cfg.RetryOnUnhandledError {
				panic(r)
			}
			outcome = Outcome{Kind: OutcomeError, Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
		}
	}()
	return reg.Perform(ctx, job, args)
}

func (p *Pool) finish(ctx context.Context, conn *pgxpool.Conn, job *Job, outcome Outcome, start time.Time) {
	reg, _ := p.registry.Resolve(job.JobClass)
	var execErr *string
	var state State

	// Every outcome except snooze counts as a completed attempt (spec.md
	// §4.7 step 6): executions_count must reflect it regardless of
	// whether the attempt succeeded, failed, was discarded, or cancelled.
	executions := job.ExecutionsCount + 1

	switch outcome.Kind {
	case OutcomeOK:
		if _, err := conn.Exec(ctx, sqlMarkSucceeded, job.ID, executions); err != nil && p.log != nil {
			p.log.Error("mark succeeded failed", "job_id", job.ID, "error", err)
		}
		state = StateSucceeded

	case OutcomeError:
		msg := outcome.Err.Error()
		execErr = &msg
		maxAttempts := int32(25)
		base := time.Second
		cap_ := 24 * time.Hour
		if reg != nil {
			maxAttempts = reg.opts.maxAttempts()
			base = reg.opts.backoffBase()
			cap_ = reg.opts.backoffCap()
		}
		if executions >= maxAttempts {
			if _, err := conn.Exec(ctx, sqlMarkDiscarded, job.ID, msg, executions); err != nil && p.log != nil {
				p.log.Error("mark discarded failed", "job_id", job.ID, "error", err)
			}
			state = StateDiscarded
		} else {
			next := time.Now().Add(backoffDelay(executions, base, cap_))
			if _, err := conn.Exec(ctx, sqlMarkRetry, job.ID, executions, msg, next); err != nil && p.log != nil {
				p.log.Error("mark retry failed", "job_id", job.ID, "error", err)
			}
			state = StateRetried
		}

	case OutcomeDiscard:
		execErr = &outcome.DiscardReason
		if _, err := conn.Exec(ctx, sqlMarkDiscarded, job.ID, outcome.DiscardReason, executions); err != nil && p.log != nil {
			p.log.Error("mark discarded failed", "job_id", job.ID, "error", err)
		}
		state = StateDiscarded

	case OutcomeCancel:
		msg := cancelledErrorMessage
		execErr = &msg
		if _, err := conn.Exec(ctx, sqlMarkCancelled, job.ID, msg, executions); err != nil && p.log != nil {
			p.log.Error("mark cancelled failed", "job_id", job.ID, "error", err)
		}
		state = StateCancelled

	case OutcomeSnooze:
		next := time.Now().Add(time.Duration(outcome.SnoozeSeconds) * time.Second)
		if _, err := conn.Exec(ctx, sqlMarkSnoozed, job.ID, next); err != nil && p.log != nil {
			p.log.Error("mark snoozed failed", "job_id", job.ID, "error", err)
		}
		state = StateScheduled
	}

	if outcome.Kind != OutcomeSnooze {
		job.ExecutionsCount = executions
		job.Params.Executions = executions
		envelope, _ := MarshalEnvelope(job.Params)
		if err := insertExecution(ctx, conn, job, envelope, execErr); err != nil && p.log != nil {
			p.log.Warn("insert execution failed", "job_id", job.ID, "error", err)
		}
	}

	if p.tel != nil {
		p.tel.PerformOutcome(ctx, job, outcome.Kind, time.Since(start))
	}

	if (state == StateSucceeded || state == StateDiscarded || state == StateCancelled) && job.BatchID != nil && p.client != nil {
		if err := maybeFinalizeBatch(ctx, p.pool, p.client, *job.BatchID); err != nil && p.log != nil {
			p.log.Warn("batch finalize failed", "batch_id", *job.BatchID, "error", err)
		}
	}
}

// Shutdown signals every worker loop to stop claiming new jobs and waits
// up to timeout for in-flight performs to finish. timeout < 0 waits
// indefinitely, so a cfg.ShutdownTimeout of -1 means no bound.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if timeout < 0 {
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
		if p.log != nil {
			p.log.Warn("shutdown timed out waiting for in-flight jobs")
		}
	}
}
