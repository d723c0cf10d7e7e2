package goodjob

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// queryable is satisfied by *pgxpool.Pool, *pgxpool.Conn, pgx.Tx and
// *pgx.Conn alike, the same abstraction the teacher used so storage
// helpers work inside or outside an explicit transaction.
type queryable interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// advisoryLockKey derives the two signed 32-bit integers pg_advisory_lock
// expects from the 64-bit hash of "good_jobs-<job id>", matching the
// peer runtime's bit-packing convention (spec.md §4.1).
func advisoryLockKey(jobID uuid.UUID) (int32, int32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte("good_jobs-" + jobID.String()))
	sum := h.Sum64()
	return int32(int32(sum >> 32)), int32(int32(sum))
}

// concurrencyLockKey derives the advisory lock key for serializing
// enqueue-time concurrency counts for a given concurrency_key, the same
// bit-packing convention as advisoryLockKey but hashed under a distinct
// namespace so it can never collide with a job-id lock.
func concurrencyLockKey(key string) (int32, int32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte("good_job_concurrency_key-" + key))
	sum := h.Sum64()
	return int32(int32(sum >> 32)), int32(int32(sum))
}

// tryAdvisoryLock attempts a session-scoped advisory lock on job.ID over
// conn. conn MUST be a single-session handle (a *pgxpool.Conn or
// *pgx.Conn, never the bare pool) because advisory locks are tied to the
// session that acquired them.
func tryAdvisoryLock(ctx context.Context, conn queryable, jobID uuid.UUID) (bool, error) {
	hi, lo := advisoryLockKey(jobID)
	var ok bool
	if err := conn.QueryRow(ctx, sqlAdvisoryLock, hi, lo).Scan(&ok); err != nil {
		return false, &StorageError{Op: "advisory_lock", Cause: err}
	}
	return ok, nil
}

// advisoryUnlock releases the lock acquired by tryAdvisoryLock. Errors
// are swallowed by callers the way the teacher swallows Done()'s unlock
// error: an unlock failure must never stop work, because the lock is
// released anyway when the session/connection ends.
func advisoryUnlock(ctx context.Context, conn queryable, jobID uuid.UUID) error {
	hi, lo := advisoryLockKey(jobID)
	var ok bool
	return conn.QueryRow(ctx, sqlAdvisoryUnlock, hi, lo).Scan(&ok)
}

// scanJob reads one good_jobs row in the column order used by every
// SELECT in sql.go.
func scanJob(row pgx.Row) (*Job, error) {
	j := &Job{}
	if err := row.Scan(
		&j.ID, &j.ActiveJobID, &j.JobClass, &j.QueueName, &j.Priority, j.rawParams(),
		&j.ScheduledAt, &j.PerformedAt, &j.FinishedAt, &j.Error, &j.ExecutionsCount,
		&j.ConcurrencyKey, &j.CronKey, &j.CronAt, &j.RetriedGoodJobID, &j.BatchID,
		&j.BatchCallbackID, &j.Labels, &j.LockedByID, &j.LockedAt, &j.CreatedAt,
	); err != nil {
		return nil, err
	}
	return j, nil
}

// rawParams is a scan target shim: pgx needs an addressable destination
// for serialized_params (jsonb) that we then decode into j.Params.
// Declared as a method so scanJob's argument list stays aligned with the
// column list above; see (*Job).rawParams below.
func (j *Job) rawParams() *jsonScanTarget {
	return &jsonScanTarget{job: j}
}

// jsonScanTarget implements sql.Scanner-compatible behavior for pgx: its
// Scan method receives the raw jsonb bytes and decodes them into the
// job's Params through UnmarshalEnvelope.
type jsonScanTarget struct {
	job *Job
	raw []byte
}

func (t *jsonScanTarget) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("goodjob: unsupported serialized_params scan type %T", src)
	}
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		return err
	}
	t.job.Params = env
	return nil
}

// QueueFilter compiles the "queues" configuration option (spec.md §4.5)
// into an include/exclude/any predicate, optionally ordered.
type QueueFilter struct {
	any      bool
	includes []string
	excludes map[string]bool
	ranked   []string // non-nil only when the configured list implies ordering
}

// ParseQueueFilter compiles the comma-separated grammar: "*" matches
// any; "-name" excludes; otherwise includes. An ordered, non-wildcard
// list implies queue-rank ordering at dequeue time.
func ParseQueueFilter(expr string) QueueFilter {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "*" {
		return QueueFilter{any: true}
	}

	f := QueueFilter{excludes: make(map[string]bool)}
	hasWildcard := false
	for _, raw := range strings.Split(expr, ",") {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		switch {
		case item == "*":
			hasWildcard = true
		case strings.HasPrefix(item, "-"):
			f.excludes[strings.TrimPrefix(item, "-")] = true
		default:
			f.includes = append(f.includes, item)
		}
	}
	if hasWildcard {
		f.any = true
	}
	if !f.any && len(f.includes) > 0 {
		f.ranked = append([]string(nil), f.includes...)
	}
	return f
}

// Match reports whether queueName passes the filter.
func (f QueueFilter) Match(queueName string) bool {
	if f.excludes[queueName] {
		return false
	}
	if f.any {
		return true
	}
	if len(f.includes) == 0 {
		return true
	}
	for _, inc := range f.includes {
		if inc == queueName {
			return true
		}
	}
	return false
}

// Ranked reports the configured queue precedence list, if ordering was
// requested, and whether one was configured at all.
func (f QueueFilter) Ranked() ([]string, bool) {
	if f.ranked == nil {
		return nil, false
	}
	return f.ranked, true
}

// rank returns queueName's position in the configured precedence list,
// or len(ranked) if it isn't present (sorts after all named queues).
func (f QueueFilter) rank(queueName string) int {
	for i, q := range f.ranked {
		if q == queueName {
			return i
		}
	}
	return len(f.ranked)
}

// fetchCandidates runs the unfinished/unlocked/due query, applying the
// queue filter and §4.1 ordering (queue rank asc if configured,
// priority asc NULLS LAST, inserted_at asc), limited to limit rows.
func fetchCandidates(ctx context.Context, db queryable, filter QueueFilter, limit int) ([]*Job, error) {
	// Queue filtering happens in Go, not SQL, so oversample to still fill
	// limit after exclusions are applied.
	oversample := limit * 5
	rows, err := db.Query(ctx, sqlFetchCandidatesBase+" ORDER BY priority ASC NULLS LAST, created_at ASC LIMIT $1", oversample)
	if err != nil {
		return nil, &StorageError{Op: "fetch_candidates", Cause: err}
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, &StorageError{Op: "fetch_candidates_scan", Cause: err}
		}
		if !filter.Match(j.QueueName) {
			continue
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "fetch_candidates_rows", Cause: err}
	}

	if _, ok := filter.Ranked(); ok {
		sortByRankThenPriority(out, filter)
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortByRankThenPriority implements the queue-ranked ordering variant of
// §4.1: (queue rank asc, priority asc NULLS LAST, inserted_at asc). It is
// a small stable insertion sort since candidate batches are bounded by
// queue_select_limit and already came back priority/inserted_at ordered
// from Postgres.
func sortByRankThenPriority(jobs []*Job, filter QueueFilter) {
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0; k-- {
			if filter.rank(jobs[k-1].QueueName) <= filter.rank(jobs[k].QueueName) {
				break
			}
			jobs[k-1], jobs[k] = jobs[k], jobs[k-1]
		}
	}
}

// reloadJob re-reads a job row, used after acquiring the advisory lock
// to guard against the race where another worker already finished or
// relocked the job between the candidate scan and the lock attempt
// (spec.md §4.7 step 2).
func reloadJob(ctx context.Context, db queryable, id uuid.UUID) (*Job, error) {
	row := db.QueryRow(ctx, sqlSelectJobByID, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, &StorageError{Op: "reload_job", Cause: err}
	}
	return j, nil
}

// markRunning sets performed_at/locked_by_id/locked_at within the
// advisory lock, per spec.md §4.7 step 4.
func markRunning(ctx context.Context, db queryable, jobID, processID uuid.UUID) error {
	_, err := db.Exec(ctx, sqlMarkRunning, jobID, processID)
	if err != nil {
		return &StorageError{Op: "mark_running", Cause: err}
	}
	return nil
}

// releaseLock clears locked_by_id/locked_at without touching
// performed_at, used when a candidate is returned to the pool for a
// perform-time concurrency re-attempt (spec.md §4.6).
func releaseLock(ctx context.Context, db queryable, jobID uuid.UUID) error {
	_, err := db.Exec(ctx, sqlReleaseLock, jobID)
	if err != nil {
		return &StorageError{Op: "release_lock", Cause: err}
	}
	return nil
}

func insertExecution(ctx context.Context, db queryable, j *Job, envelope []byte, finishedErr *string) error {
	_, err := db.Exec(ctx, sqlInsertExecution,
		uuid.New(), j.ActiveJobID, j.JobClass, j.QueueName, envelope, j.ScheduledAt, finishedErr)
	if err != nil {
		return &StorageError{Op: "insert_execution", Cause: err}
	}
	return nil
}

func nowPtr(t time.Time) *time.Time { return &t }
