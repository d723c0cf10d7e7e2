package goodjob

// schemaDDL documents the tables and indexes this module reads and
// writes (spec.md §6.2). Running migrations is explicitly out of scope
// (spec.md §1); this is reference documentation for an operator's own
// migration tool, never executed by this package.
const schemaDDL = `
CREATE TABLE good_jobs (
	id                  uuid PRIMARY KEY,
	active_job_id       uuid NOT NULL,
	job_class           text NOT NULL,
	queue_name          text NOT NULL DEFAULT '',
	priority            smallint,
	serialized_params   jsonb NOT NULL,
	scheduled_at        timestamptz,
	performed_at        timestamptz,
	finished_at         timestamptz,
	error               text,
	executions_count    integer NOT NULL DEFAULT 0,
	concurrency_key     text,
	cron_key            text,
	cron_at             timestamptz,
	retried_good_job_id uuid,
	batch_id            uuid,
	batch_callback_id   uuid,
	labels              text[],
	locked_by_id        uuid,
	locked_at           timestamptz,
	created_at          timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX idx_good_jobs_scheduled_at
	ON good_jobs (scheduled_at) WHERE finished_at IS NULL;
CREATE INDEX idx_good_jobs_queue_scheduled
	ON good_jobs (queue_name, scheduled_at) WHERE finished_at IS NULL;
CREATE INDEX idx_good_jobs_priority_scheduled_unlocked
	ON good_jobs (priority, scheduled_at) WHERE finished_at IS NULL AND locked_by_id IS NULL;
CREATE INDEX idx_good_jobs_concurrency_key
	ON good_jobs (concurrency_key) WHERE finished_at IS NULL;
CREATE UNIQUE INDEX idx_good_jobs_cron_key_cron_at
	ON good_jobs (cron_key, cron_at) WHERE cron_key IS NOT NULL;
CREATE INDEX idx_good_jobs_labels_gin ON good_jobs USING gin (labels);

CREATE TABLE good_job_executions (
	id              uuid PRIMARY KEY,
	active_job_id   uuid NOT NULL,
	job_class       text NOT NULL,
	queue_name      text NOT NULL DEFAULT '',
	serialized_params jsonb NOT NULL,
	scheduled_at    timestamptz,
	finished_at     timestamptz,
	error           text,
	created_at      timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE good_job_processes (
	id         uuid PRIMARY KEY,
	state      jsonb NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE good_job_batches (
	id                     uuid PRIMARY KEY,
	description            text,
	callback_queue_name    text,
	callback_job_class     text,
	callback_enqueued_at   timestamptz,
	created_at             timestamptz NOT NULL DEFAULT now(),
	updated_at             timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE good_job_settings (
	key        text PRIMARY KEY,
	value      jsonb,
	updated_at timestamptz NOT NULL DEFAULT now()
);
`

const sqlInsertJob = `
INSERT INTO good_jobs
	(id, active_job_id, job_class, queue_name, priority, serialized_params,
	 scheduled_at, concurrency_key, cron_key, cron_at, batch_id,
	 batch_callback_id, labels, created_at)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
`

const sqlCountUnfinishedByConcurrencyKey = `
SELECT count(*) FROM good_jobs
WHERE concurrency_key = $1 AND finished_at IS NULL
`

const sqlCountRunningByConcurrencyKey = `
SELECT count(*) FROM good_jobs
WHERE concurrency_key = $1 AND finished_at IS NULL AND performed_at IS NOT NULL AND id != $2
`

const sqlFetchCandidatesBase = `
SELECT id, active_job_id, job_class, queue_name, priority, serialized_params,
	scheduled_at, performed_at, finished_at, error, executions_count,
	concurrency_key, cron_key, cron_at, retried_good_job_id, batch_id,
	batch_callback_id, labels, locked_by_id, locked_at, created_at
FROM good_jobs
WHERE finished_at IS NULL
	AND locked_by_id IS NULL
	AND (scheduled_at IS NULL OR scheduled_at <= now())
`

const sqlSelectJobByID = `
SELECT id, active_job_id, job_class, queue_name, priority, serialized_params,
	scheduled_at, performed_at, finished_at, error, executions_count,
	concurrency_key, cron_key, cron_at, retried_good_job_id, batch_id,
	batch_callback_id, labels, locked_by_id, locked_at, created_at
FROM good_jobs WHERE id = $1
`

const sqlAdvisoryLock = `SELECT pg_try_advisory_lock($1, $2)`
const sqlAdvisoryUnlock = `SELECT pg_advisory_unlock($1, $2)`

// sqlAdvisoryXactLock blocks until it acquires a transaction-scoped
// advisory lock, released automatically on COMMIT/ROLLBACK. Used to
// serialize concurrent enqueues sharing a concurrency_key so the
// count-then-insert in checkEnqueueConcurrency is atomic (spec.md §4.6)
// without depending on isolation level.
const sqlAdvisoryXactLock = `SELECT pg_advisory_xact_lock($1, $2)`

const sqlMarkRunning = `
UPDATE good_jobs SET performed_at = now(), locked_by_id = $2, locked_at = now()
WHERE id = $1
`

const sqlMarkSucceeded = `
UPDATE good_jobs SET finished_at = now(), error = NULL, executions_count = $2,
	locked_by_id = NULL, locked_at = NULL
WHERE id = $1
`

const sqlMarkRetry = `
UPDATE good_jobs
SET executions_count = $2, error = $3, scheduled_at = $4,
	finished_at = NULL, performed_at = NULL, locked_by_id = NULL, locked_at = NULL
WHERE id = $1
`

const sqlMarkDiscarded = `
UPDATE good_jobs
SET finished_at = now(), error = $2, executions_count = $3,
	locked_by_id = NULL, locked_at = NULL
WHERE id = $1
`

const sqlMarkCancelled = `
UPDATE good_jobs
SET finished_at = now(), error = $2, executions_count = $3, locked_by_id = NULL, locked_at = NULL
WHERE id = $1
`

const sqlMarkSnoozed = `
UPDATE good_jobs SET scheduled_at = $2, performed_at = NULL, locked_by_id = NULL, locked_at = NULL
WHERE id = $1
`

const sqlReleaseLock = `
UPDATE good_jobs SET locked_by_id = NULL, locked_at = NULL WHERE id = $1
`

const sqlInsertExecution = `
INSERT INTO good_job_executions
	(id, active_job_id, job_class, queue_name, serialized_params, scheduled_at, finished_at, error, created_at)
VALUES
	($1, $2, $3, $4, $5, $6, now(), $7, now())
`

const sqlFindOrphanedLocks = `
SELECT j.id, j.locked_by_id FROM good_jobs j
LEFT JOIN good_job_processes p ON p.id = j.locked_by_id
WHERE j.finished_at IS NULL
	AND j.locked_by_id IS NOT NULL
	AND (p.id IS NULL OR p.updated_at < $1)
`

const sqlClearOrphanedLock = `
UPDATE good_jobs SET locked_by_id = NULL, locked_at = NULL, performed_at = NULL
WHERE id = $1
`

const sqlDeleteFinishedBefore = `
DELETE FROM good_jobs WHERE finished_at IS NOT NULL AND finished_at < $1 AND (error IS NULL OR $2)
`

const sqlUpsertProcess = `
INSERT INTO good_job_processes (id, state, created_at, updated_at)
VALUES ($1, $2, now(), now())
ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()
`

const sqlHeartbeatProcess = `
UPDATE good_job_processes SET updated_at = now() WHERE id = $1
`

const sqlDeleteProcess = `DELETE FROM good_job_processes WHERE id = $1`

const sqlGetSetting = `SELECT value FROM good_job_settings WHERE key = $1`

const sqlUpsertSetting = `
INSERT INTO good_job_settings (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
`

const sqlInsertBatch = `
INSERT INTO good_job_batches (id, description, callback_queue_name, callback_job_class, created_at, updated_at)
VALUES ($1, $2, $3, $4, now(), now())
`

const sqlCountBatchUnfinished = `
SELECT count(*) FROM good_jobs WHERE batch_id = $1 AND finished_at IS NULL
`

const sqlCountBatchErrored = `
SELECT count(*) FROM good_jobs WHERE batch_id = $1 AND error IS NOT NULL
`

const sqlClaimBatchCallback = `
UPDATE good_job_batches SET callback_enqueued_at = now()
WHERE id = $1 AND callback_enqueued_at IS NULL
`

const sqlListen = `LISTEN `
const sqlUnlisten = `UNLISTEN `
const sqlNotify = `SELECT pg_notify($1, $2)`
