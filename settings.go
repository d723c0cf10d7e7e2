package goodjob

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Settings is a typed cache over good_job_settings, storing operator
// toggles such as queue pauses and per-cron-key enable flags (spec.md
// §4.9's pause support, SPEC_FULL.md §6.4 enable_pauses). Reads are
// served from cache; Set writes through to Postgres and updates the
// cache in the same call, so readers never observe a write they didn't
// themselves perform until the next explicit Invalidate/Reload.
type Settings struct {
	pool *pgxpool.Pool

	mu    sync.RWMutex
	cache map[string]json.RawMessage
}

// NewSettings builds an empty cache; call Reload to populate it from
// the database before relying on Get.
func NewSettings(pool *pgxpool.Pool) *Settings {
	return &Settings{pool: pool, cache: make(map[string]json.RawMessage)}
}

// Reload replaces the entire in-memory cache with the current contents
// of good_job_settings.
func (s *Settings) Reload(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM good_job_settings`)
	if err != nil {
		return &StorageError{Op: "settings_reload", Cause: err}
	}
	defer rows.Close()

	fresh := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var value json.RawMessage
		if err := rows.Scan(&key, &value); err != nil {
			return &StorageError{Op: "settings_reload_scan", Cause: err}
		}
		fresh[key] = value
	}
	if err := rows.Err(); err != nil {
		return &StorageError{Op: "settings_reload_rows", Cause: err}
	}

	s.mu.Lock()
	s.cache = fresh
	s.mu.Unlock()
	return nil
}

// Get returns the cached raw value for key, decoded into out, and
// whether key was present at all.
func (s *Settings) Get(key string, out any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	return true, json.Unmarshal(raw, out)
}

// Set writes value through to good_job_settings and the in-memory
// cache.
func (s *Settings) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sqlUpsertSetting, key, raw); err != nil {
		return &StorageError{Op: "settings_set", Cause: err}
	}
	s.mu.Lock()
	s.cache[key] = raw
	s.mu.Unlock()
	return nil
}

// Invalidate drops a single key from the cache, forcing the next Get to
// report it absent until the next Reload.
func (s *Settings) Invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

const queuePauseKeyPrefix = "queue_paused:"

// IsQueuePaused reports whether queueName has been paused by an
// operator. Unknown queues are never paused.
func (s *Settings) IsQueuePaused(queueName string) bool {
	var paused bool
	ok, _ := s.Get(queuePauseKeyPrefix+queueName, &paused)
	return ok && paused
}

// PauseQueue toggles queueName's pause flag.
func (s *Settings) PauseQueue(ctx context.Context, queueName string, paused bool) error {
	return s.Set(ctx, queuePauseKeyPrefix+queueName, paused)
}

const cronEnabledKeyPrefix = "cron_enabled:"

// IsCronPaused reports whether an operator has paused cron entry key via
// a cron_enabled:<key> Setting row (spec.md §4.8). Absent keys default
// to enabled.
func (s *Settings) IsCronPaused(key string) bool {
	var enabled bool
	ok, _ := s.Get(cronEnabledKeyPrefix+key, &enabled)
	return ok && !enabled
}

// SetCronEnabled toggles cron entry key's enabled flag.
func (s *Settings) SetCronEnabled(ctx context.Context, key string, enabled bool) error {
	return s.Set(ctx, cronEnabledKeyPrefix+key, enabled)
}

// fetchOneSetting is a non-cached point read, used by callers that need
// strong consistency (e.g. an admin UI) instead of the cache's
// eventually-explicit-invalidation semantics.
func fetchOneSetting(ctx context.Context, pool *pgxpool.Pool, key string, out any) (bool, error) {
	var raw json.RawMessage
	err := pool.QueryRow(ctx, sqlGetSetting, key).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, &StorageError{Op: "fetch_setting", Cause: err}
	}
	return true, json.Unmarshal(raw, out)
}
