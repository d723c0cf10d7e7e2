package goodjob

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Client is a goodjob client that can add jobs to the queue, the
// generalization of the teacher's *que.Client to UUID ids, the
// envelope wire format, and concurrency-key enforcement.
type Client struct {
	pool     *pgxpool.Pool
	registry *Registry
	notifier *Notifier // optional; nil disables NOTIFY on enqueue
	tel      *Telemetry
	cfg      Config
}

// NewClient creates a Client bound to pool and registry. notifier and
// tel may be nil.
func NewClient(pool *pgxpool.Pool, registry *Registry, notifier *Notifier, tel *Telemetry, cfg Config) *Client {
	return &Client{pool: pool, registry: registry, notifier: notifier, tel: tel, cfg: cfg}
}

// EnqueueParams describes one job to enqueue. JobClass must resolve
// either to a registered local handler (whose reverse lookup supplies
// the external class name) or be the external class name itself for a
// peer-owned job.
type EnqueueParams struct {
	JobClass       string
	Queue          string
	Priority       *int16
	ScheduledAt    *time.Time
	ConcurrencyKey string
	CronKey        string
	CronAt         *time.Time
	BatchID        *uuid.UUID
	BatchCallbackID *uuid.UUID
	Labels         []string
	Locale         *string
	Timezone       *string
	Args           []any

	// ActiveJobID lets a caller preserve logical identity across a
	// retried-by-insert job; if zero, a fresh one is allocated.
	ActiveJobID uuid.UUID
}

// Enqueue inserts a new job, applying registered handler defaults,
// enqueue-time concurrency enforcement (spec.md §4.6) and a NOTIFY in
// the same transaction as the insert (spec.md §4.4) unless notifier is
// nil. The whole check-then-insert runs inside a single transaction, so
// §8 property 3's "count of unfinished jobs with concurrency_key=K ...
// is ≤ N" holds even under concurrent callers (spec.md §4.6: "atomic
// count ... before the insert is accepted").
func (c *Client) Enqueue(ctx context.Context, p EnqueueParams) (*Job, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, &StorageError{Op: "enqueue_begin", Cause: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	j, err := c.enqueue(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &StorageError{Op: "enqueue_commit", Cause: err}
	}
	return j, nil
}

// EnqueueInTx adds a job within the scope of an already-open
// transaction, so the caller can commit or roll back the enqueue
// atomically with unrelated application changes, exactly as the
// teacher's EnqueueInTx does. Because tx is the caller's own
// transaction, the concurrency-key advisory lock taken inside enqueue
// is held (and released) on the caller's own commit/rollback boundary.
func (c *Client) EnqueueInTx(ctx context.Context, tx queryable, p EnqueueParams) (*Job, error) {
	return c.enqueue(ctx, tx, p)
}

func (c *Client) enqueue(ctx context.Context, db queryable, p EnqueueParams) (*Job, error) {
	if p.JobClass == "" {
		return nil, ErrMissingJobClass
	}

	opts, _ := c.registry.Options(p.JobClass)
	queue := p.Queue
	if queue == "" {
		queue = opts.Queue
	}
	priority := p.Priority
	if priority == nil {
		priority = opts.Priority
	}
	concurrencyKey := p.ConcurrencyKey
	if concurrencyKey == "" {
		concurrencyKey = opts.ConcurrencyKey
	}
	if opts.KeyFunc != nil {
		if derived := opts.KeyFunc(p.Args); derived != "" {
			concurrencyKey = derived
		}
	}

	if concurrencyKey != "" && opts.TotalLimit > 0 {
		// Serializes every concurrent enqueue for this key against the
		// count below: the lock is only released at db's commit/rollback,
		// so no other transaction can observe the pre-insert count until
		// this one has either committed its insert or rolled back.
		if err := lockConcurrencyKey(ctx, db, concurrencyKey); err != nil {
			return nil, err
		}
	}

	if err := checkEnqueueConcurrency(ctx, db, concurrencyKey, opts.TotalLimit); err != nil {
		if err == ErrConcurrencyLimitExceeded && c.tel != nil {
			c.tel.ConcurrencyExceeded(ctx, ConcurrencyExceededEvent{Key: concurrencyKey, Phase: "enqueue"})
		}
		return nil, err
	}

	activeJobID := p.ActiveJobID
	if activeJobID == uuid.Nil {
		activeJobID = uuid.New()
	}

	env := BuildEnvelope(p.JobClass, queue, priority, p.ScheduledAt, p.Locale, p.Timezone, p.Args...)
	raw, err := MarshalEnvelope(env)
	if err != nil {
		return nil, err
	}

	j := &Job{
		ID:              NewJobID(),
		ActiveJobID:     activeJobID,
		JobClass:        p.JobClass,
		QueueName:       queue,
		Priority:        priority,
		Params:          env,
		ScheduledAt:     p.ScheduledAt,
		ConcurrencyKey:  optionalString(concurrencyKey),
		CronKey:         optionalString(p.CronKey),
		CronAt:          p.CronAt,
		BatchID:         p.BatchID,
		BatchCallbackID: p.BatchCallbackID,
		Labels:          p.Labels,
	}

	var cronKey, cronAtParam any
	if p.CronKey != "" {
		cronKey = p.CronKey
		cronAtParam = p.CronAt
	}

	_, err = db.Exec(ctx, sqlInsertJob,
		j.ID, j.ActiveJobID, j.JobClass, j.QueueName, j.Priority, rawJSON(raw),
		j.ScheduledAt, j.ConcurrencyKey, cronKey, cronAtParam, j.BatchID, j.BatchCallbackID, j.Labels,
	)
	if err != nil {
		return nil, &StorageError{Op: "enqueue", Cause: err}
	}

	if c.notifier != nil {
		_ = c.notifier.Publish(ctx, db, NotificationPayload{QueueName: queue, ScheduledAt: p.ScheduledAt})
	}

	return j, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rawJSON(b []byte) json.RawMessage { return json.RawMessage(b) }
