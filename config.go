package goodjob

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ExecutionMode selects how an enqueued job is run.
type ExecutionMode string

const (
	ExecutionExternal ExecutionMode = "external"
	ExecutionAsync    ExecutionMode = "async"
	ExecutionInline   ExecutionMode = "inline"
)

// CronEntryConfig is one row of the "cron" configuration option.
type CronEntryConfig struct {
	Key      string
	Cron     string
	JobClass string
	Args     []any
	Queue    string
	Priority *int16
}

// Config holds every option enumerated in spec.md §6.4. Pool is the one
// required field with no environment variable override — it is supplied
// by the embedding application.
type Config struct {
	Pool *pgxpool.Pool

	// NotifierConnString is a standalone DSN for the Notifier's dedicated
	// LISTEN connection, which must never be drawn from Pool (spec.md
	// §5: the notifier connection is held for its entire lifetime, never
	// returned to a pool in between LISTENs). Required when
	// EnableListenNotify is true.
	NotifierConnString string

	ExecutionMode ExecutionMode

	Queues          string
	MaxProcesses    int
	PollInterval    time.Duration
	EnableListenNotify bool
	EnableCron      bool
	Cron            []CronEntryConfig
	ExternalJobs    map[string]HandlerOptions

	CleanupDiscardedJobs                 bool
	CleanupPreservedJobsBeforeSecondsAgo time.Duration
	CleanupInterval                      time.Duration

	QueueSelectLimit int
	ShutdownTimeout  time.Duration

	NotifierChannel           string
	NotifierWaitInterval      time.Duration
	NotifierKeepaliveInterval time.Duration
	NotifierPoolSize          int

	AdvisoryLockHeartbeat time.Duration
	EnablePauses          bool
	RetryOnUnhandledError bool
	MaxCache              int
}

// DefaultConfig returns the defaults stated across spec.md §4 and §6.4.
func DefaultConfig() Config {
	return Config{
		ExecutionMode:                         ExecutionAsync,
		Queues:                                "*",
		MaxProcesses:                          1,
		PollInterval:                          10 * time.Second,
		EnableListenNotify:                    true,
		EnableCron:                            false,
		CleanupDiscardedJobs:                  false,
		CleanupPreservedJobsBeforeSecondsAgo:  14 * 24 * time.Hour,
		CleanupInterval:                       10 * time.Minute,
		QueueSelectLimit:                      100,
		ShutdownTimeout:                       25 * time.Second,
		NotifierChannel:                       "good_job",
		NotifierWaitInterval:                  time.Second,
		NotifierKeepaliveInterval:             10 * time.Second,
		NotifierPoolSize:                      1,
		AdvisoryLockHeartbeat:                 30 * time.Second,
		EnablePauses:                          true,
		RetryOnUnhandledError:                 true,
		MaxCache:                              10000,
	}
}

// Validate checks the fields this package itself depends on for
// correctness (Pool, MaxProcesses, PollInterval, and NotifierConnString
// when EnableListenNotify is set); it is fatal at
// startup per spec.md §7.
func (c Config) Validate() error {
	if c.Pool == nil {
		return ErrConfig
	}
	if c.MaxProcesses < 1 {
		return ErrConfig
	}
	if c.PollInterval < time.Second {
		return ErrConfig
	}
	if c.EnableListenNotify && c.NotifierConnString == "" {
		return ErrConfig
	}
	return nil
}

// LoadConfigFromEnv overrides base with GOODJOB_-prefixed environment
// variables, one per spec.md §6.4 row, using the {"true","1","yes"}
// boolean coercion rule stated there.
func LoadConfigFromEnv(base Config) Config {
	c := base

	if v, ok := lookupEnv("GOODJOB_NOTIFIER_CONN_STRING"); ok {
		c.NotifierConnString = v
	}
	if v, ok := lookupEnv("GOODJOB_EXECUTION_MODE"); ok {
		c.ExecutionMode = ExecutionMode(v)
	}
	if v, ok := lookupEnv("GOODJOB_QUEUES"); ok {
		c.Queues = v
	}
	if v, ok := envInt("GOODJOB_MAX_PROCESSES"); ok {
		c.MaxProcesses = v
	}
	if v, ok := envSeconds("GOODJOB_POLL_INTERVAL"); ok {
		c.PollInterval = v
	}
	if v, ok := envBool("GOODJOB_ENABLE_LISTEN_NOTIFY"); ok {
		c.EnableListenNotify = v
	}
	if v, ok := envBool("GOODJOB_ENABLE_CRON"); ok {
		c.EnableCron = v
	}
	if v, ok := envBool("GOODJOB_CLEANUP_DISCARDED_JOBS"); ok {
		c.CleanupDiscardedJobs = v
	}
	if v, ok := envSeconds("GOODJOB_CLEANUP_PRESERVED_JOBS_BEFORE_SECONDS_AGO"); ok {
		c.CleanupPreservedJobsBeforeSecondsAgo = v
	}
	if v, ok := envInt("GOODJOB_QUEUE_SELECT_LIMIT"); ok {
		c.QueueSelectLimit = v
	}
	if v, ok := envSeconds("GOODJOB_SHUTDOWN_TIMEOUT"); ok {
		c.ShutdownTimeout = v
	}
	if v, ok := lookupEnv("GOODJOB_NOTIFIER_CHANNEL"); ok {
		c.NotifierChannel = v
	}
	if v, ok := envSeconds("GOODJOB_NOTIFIER_WAIT_INTERVAL"); ok {
		c.NotifierWaitInterval = v
	}
	if v, ok := envSeconds("GOODJOB_NOTIFIER_KEEPALIVE_INTERVAL"); ok {
		c.NotifierKeepaliveInterval = v
	}
	if v, ok := envInt("GOODJOB_NOTIFIER_POOL_SIZE"); ok {
		c.NotifierPoolSize = v
	}
	if v, ok := envSeconds("GOODJOB_ADVISORY_LOCK_HEARTBEAT"); ok {
		c.AdvisoryLockHeartbeat = v
	}
	if v, ok := envBool("GOODJOB_ENABLE_PAUSES"); ok {
		c.EnablePauses = v
	}
	if v, ok := envBool("GOODJOB_RETRY_ON_UNHANDLED_ERROR"); ok {
		c.RetryOnUnhandledError = v
	}
	if v, ok := envInt("GOODJOB_MAX_CACHE"); ok {
		c.MaxCache = v
	}

	return c
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func envBool(key string) (bool, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return false, false
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, true
	default:
		return false, true
	}
}

func envInt(key string) (int, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envSeconds(key string) (time.Duration, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
