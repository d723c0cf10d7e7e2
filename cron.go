package goodjob

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
)

// CronLoop enqueues each configured entry at its next tick, relying on
// the (cron_key, cron_at) unique partial index (sql.go's
// idx_good_jobs_cron_key_cron_at) to make duplicate enqueue attempts
// across cooperating processes a harmless constraint violation rather
// than a duplicate job (spec.md §4.8).
type CronLoop struct {
	client   *Client
	entries  []CronEntryConfig
	log      *Logger
	settings *Settings // optional; nil means no entry is ever paused

	stop chan struct{}
	done chan struct{}
}

// NewCronLoop validates every entry's expression up front so a typo in
// configuration fails at startup instead of silently never firing.
// settings may be nil, in which case cron_enabled:<key> pausing (spec.md
// §4.8) is disabled.
func NewCronLoop(client *Client, entries []CronEntryConfig, log *Logger, settings *Settings) (*CronLoop, error) {
	gx := gronx.New()
	for _, e := range entries {
		if !gx.IsValid(e.Cron) {
			return nil, &StorageError{Op: "cron_validate", Cause: ErrConfig}
		}
	}
	return &CronLoop{
		client:   client,
		entries:  entries,
		log:      log,
		settings: settings,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Run checks every entry once a second for whether its next tick has
// arrived, enqueuing and advancing to the following tick when so. A
// one-second granularity matches gronx's own minute-level expression
// resolution; finer polling would not change outcomes.
func (c *CronLoop) Run(ctx context.Context) {
	defer close(c.done)

	next := make([]time.Time, len(c.entries))
	now := time.Now()
	for i, e := range c.entries {
		t, err := gronx.NextTickAfter(e.Cron, now, false)
		if err != nil {
			if c.log != nil {
				c.log.Error("cron: invalid expression", "key", e.Key, "cron", e.Cron, "error", err)
			}
			continue
		}
		next[i] = t
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case now := <-ticker.C:
			for i, e := range c.entries {
				if next[i].IsZero() || now.Before(next[i]) {
					continue
				}
				c.fire(ctx, e, next[i])
				t, err := gronx.NextTickAfter(e.Cron, now, false)
				if err != nil {
					if c.log != nil {
						c.log.Error("cron: failed to compute next tick", "key", e.Key, "error", err)
					}
					continue
				}
				next[i] = t
			}
		}
	}
}

func (c *CronLoop) fire(ctx context.Context, e CronEntryConfig, at time.Time) {
	if c.settings != nil && c.settings.IsCronPaused(e.Key) {
		if c.log != nil {
			c.log.Debug("cron: entry paused, skipping tick", "key", e.Key, "at", at)
		}
		return
	}
	_, err := c.client.Enqueue(ctx, EnqueueParams{
		JobClass: e.JobClass,
		Queue:    e.Queue,
		Priority: e.Priority,
		CronKey:  e.Key,
		CronAt:   &at,
		Args:     e.Args,
	})
	if err != nil {
		// A unique-violation on (cron_key, cron_at) means a cooperating
		// process already enqueued this tick; any other error is logged.
		if c.log != nil {
			c.log.Debug("cron: enqueue skipped or failed", "key", e.Key, "error", err)
		}
		return
	}
	if c.log != nil {
		c.log.Info("cron: enqueued", "key", e.Key, "at", at)
	}
}

// Stop halts Run and waits for it to return.
func (c *CronLoop) Stop() {
	close(c.stop)
	<-c.done
}
