package goodjob

import (
	"time"

	"github.com/google/uuid"
)

// State is the derived lifecycle state of a Job. It is never stored; it
// is computed from the columns that are stored, per spec.md §3.
type State string

const (
	StateAvailable State = "available"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateRetried   State = "retried"
	StateSucceeded State = "succeeded"
	StateDiscarded State = "discarded"
	StateCancelled State = "cancelled"
)

// Job is a single row of good_jobs: a durable unit of work shared across
// this runtime and any cooperating peer runtime.
type Job struct {
	ID           uuid.UUID
	ActiveJobID  uuid.UUID
	JobClass     string
	QueueName    string
	Priority     *int16
	Params       Envelope

	ScheduledAt *time.Time
	PerformedAt *time.Time
	FinishedAt  *time.Time
	Error       *string

	ExecutionsCount int32

	ConcurrencyKey *string

	CronKey *string
	CronAt  *time.Time

	RetriedGoodJobID *uuid.UUID

	BatchID         *uuid.UUID
	BatchCallbackID *uuid.UUID
	Labels          []string

	LockedByID *uuid.UUID
	LockedAt   *time.Time

	CreatedAt time.Time
}

// State derives the job's lifecycle state, a pure function of
// (FinishedAt, PerformedAt, RetriedGoodJobID, ScheduledAt, Error, now) as
// required by spec.md §8.
func (j *Job) State(now time.Time) State {
	switch {
	case j.FinishedAt != nil && j.Error != nil && *j.Error == cancelledErrorMessage:
		return StateCancelled
	case j.FinishedAt != nil && j.Error == nil:
		return StateSucceeded
	case j.FinishedAt != nil && j.Error != nil:
		return StateDiscarded
	case j.PerformedAt != nil && j.FinishedAt == nil:
		return StateRunning
	case j.RetriedGoodJobID != nil:
		return StateRetried
	case j.ScheduledAt != nil && j.ScheduledAt.After(now):
		return StateScheduled
	default:
		return StateAvailable
	}
}

const cancelledErrorMessage = "Job cancelled"

// IsFinished reports whether the job has reached a terminal state.
func (j *Job) IsFinished() bool {
	return j.FinishedAt != nil
}

// NewJobID allocates a fresh primary key. Split out so callers (and
// tests) can override it deterministically if ever needed.
func NewJobID() uuid.UUID {
	return uuid.New()
}
