package goodjob

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Runtime wires together every cooperating component this process runs:
// Client, Notifier, Poller, worker Pool, Cron Loop, Cleanup Loop,
// Settings cache and process heartbeat, per the deployment shapes spec.md
// §5 and §7 describe (async in-process worker, embedded inline runner,
// or a dedicated cron/cleanup-only process, selected by cfg.ExecutionMode,
// cfg.EnableListenNotify and cfg.EnableCron; Start runs every component
// the config enables).
type Runtime struct {
	cfg      Config
	log      *Logger
	tel      *Telemetry
	registry *Registry

	Client   *Client
	Settings *Settings

	notifier *Notifier
	poller   *Poller
	pool     *Pool
	cron     *CronLoop
	cleanup  *CleanupLoop
	process  *Process

	g      *errgroup.Group
	cancel context.CancelFunc
}

// NewRuntime validates cfg and assembles every component, but starts
// none of them; call Start to begin running.
func NewRuntime(cfg Config, registry *Registry, log *Logger, tel *Telemetry) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewNopLogger()
	}

	r := &Runtime{cfg: cfg, log: log, tel: tel, registry: registry}
	r.Settings = NewSettings(cfg.Pool)

	if cfg.EnableListenNotify {
		r.notifier = NewNotifier(cfg.NotifierConnString, cfg.NotifierChannel, cfg.NotifierKeepaliveInterval, log.With("component", "notifier"))
	}

	r.Client = NewClient(cfg.Pool, registry, r.notifier, tel, cfg)

	if cfg.ExecutionMode == ExecutionAsync {
		r.poller = NewPoller(cfg.Queues, cfg.PollInterval, r.notifier, log.With("component", "poller"))
	}

	if len(cfg.Cron) > 0 && cfg.EnableCron {
		cron, err := NewCronLoop(r.Client, cfg.Cron, log.With("component", "cron"), r.Settings)
		if err != nil {
			return nil, fmt.Errorf("goodjob: invalid cron configuration: %w", err)
		}
		r.cron = cron
	}

	r.cleanup = NewCleanupLoop(cfg.Pool, cfg, log.With("component", "cleanup"))

	return r, nil
}

// Start registers this process, reloads the settings cache, and launches
// every configured component in its own goroutine. The returned error
// only reflects startup failures; runtime errors are logged and retried
// by each component internally. Call Stop (or cancel ctx) to shut down.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Settings.Reload(ctx); err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	process, err := RegisterProcess(ctx, r.cfg.Pool, ProcessState{
		Hostname:     hostname,
		PID:          os.Getpid(),
		MaxProcesses: r.cfg.MaxProcesses,
		Queues:       r.cfg.Queues,
	}, r.cfg.AdvisoryLockHeartbeat, r.log.With("component", "process"))
	if err != nil {
		return err
	}
	r.process = process

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	g, runCtx := errgroup.WithContext(runCtx)
	r.g = g

	if r.notifier != nil {
		g.Go(func() error { r.notifier.Run(runCtx); return nil })
	}
	if r.poller != nil {
		g.Go(func() error { r.poller.Run(runCtx); return nil })
	}
	if r.cron != nil {
		g.Go(func() error { r.cron.Run(runCtx); return nil })
	}
	g.Go(func() error { r.cleanup.Run(runCtx); return nil })

	if r.cfg.ExecutionMode == ExecutionAsync {
		r.pool = NewPool(r.cfg.Pool, r.registry, r.cfg, r.tel, r.log.With("component", "worker"), process.ID, r.poller, r.Client, r.Settings)
		g.Go(func() error { return r.pool.Work(runCtx) })
	}

	r.log.Info("goodjob runtime started", "process_id", process.ID, "execution_mode", r.cfg.ExecutionMode)
	return nil
}

// Stop signals every component to stop, waits for in-flight jobs up to
// cfg.ShutdownTimeout, and deregisters the process row.
func (r *Runtime) Stop(ctx context.Context) error {
	if r.pool != nil {
		r.pool.Shutdown(r.cfg.ShutdownTimeout)
	}
	if r.cron != nil {
		r.cron.Stop()
	}
	if r.cleanup != nil {
		r.cleanup.Stop()
	}
	if r.notifier != nil {
		r.notifier.Stop()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.g != nil {
		_ = r.g.Wait()
	}
	if r.process != nil {
		if err := r.process.Deregister(ctx); err != nil {
			return err
		}
	}
	r.log.Info("goodjob runtime stopped")
	r.log.Sync()
	return nil
}

// PerformInline runs a single enqueue-and-perform cycle synchronously in
// the calling goroutine, for ExecutionInline mode (spec.md §7's
// "synchronous inline execution, primarily for tests").
func (r *Runtime) PerformInline(ctx context.Context, p EnqueueParams) (*Job, Outcome, error) {
	job, err := r.Client.Enqueue(ctx, p)
	if err != nil {
		return nil, Outcome{}, err
	}

	reg, err := r.registry.Resolve(job.JobClass)
	if err != nil {
		return job, Outcome{}, err
	}
	args := DecodeArguments(job.Params.Arguments)
	outcome := reg.Perform(ctx, job, args)

	pool := NewPool(r.cfg.Pool, r.registry, r.cfg, r.tel, r.log, uuid.Nil, nil, r.Client, nil)
	conn, err := r.cfg.Pool.Acquire(ctx)
	if err != nil {
		return job, outcome, err
	}
	defer conn.Release()
	pool.finish(ctx, conn, job, outcome, time.Now())

	return job, outcome, nil
}
