package goodjob

import (
	"errors"
	"fmt"
)

// ErrConfig is returned when the supplied Config is missing a required
// field or carries an invalid value. It is fatal at startup.
var ErrConfig = errors.New("goodjob: invalid configuration")

// ErrMissingJobClass is returned when a Job is enqueued without a class.
var ErrMissingJobClass = errors.New("goodjob: job_class must be specified")

// ErrExternalJobMisrouted is returned when a performer attempts to run a
// descriptor handler that only declares routing metadata for a peer
// runtime.
var ErrExternalJobMisrouted = errors.New("goodjob: job is routed to an external runtime and cannot be performed locally")

// ErrConcurrencyLimitExceeded is returned by Enqueue when the job's
// concurrency key is already at its total_limit. No row is inserted.
var ErrConcurrencyLimitExceeded = errors.New("goodjob: concurrency limit exceeded")

// ErrAgain reports that a job could not be claimed because of
// concurrently racing workers. Nothing in this package returns it:
// claimJob skips a candidate another worker holds and returns no job when
// none could be claimed.
var ErrAgain = errors.New("goodjob: maximum number of claim attempts reached")

// UnknownHandlerError is returned when dispatch finds no handler for a
// job's class, after also failing the native-identifier fallback.
type UnknownHandlerError struct {
	JobClass string
}

func (e *UnknownHandlerError) Error() string {
	return fmt.Sprintf("goodjob: unknown handler for job_class %q", e.JobClass)
}

// HandlerError wraps any error or panic value returned from a handler's
// Perform call. It is recovered locally and translated into a retry or
// discard per the handler's backoff policy; it is never surfaced to the
// enqueue/perform API caller.
type HandlerError struct {
	Cause error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("goodjob: handler error: %s", e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// StorageError wraps a database error encountered during a lifecycle
// transition. The caller's advisory lock is released and the job becomes
// available again for re-attempt.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("goodjob: storage error during %s: %s", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// NotifierDisconnectError describes a Notifier connection loss. It is
// logged and retried with backoff; it never fails a job.
type NotifierDisconnectError struct {
	Cause error
}

func (e *NotifierDisconnectError) Error() string {
	return fmt.Sprintf("goodjob: notifier disconnected: %s", e.Cause)
}

func (e *NotifierDisconnectError) Unwrap() error { return e.Cause }
