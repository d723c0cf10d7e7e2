package goodjob

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStateAvailable(t *testing.T) {
	j := &Job{}
	assert.Equal(t, StateAvailable, j.State(time.Now()))
}

func TestJobStateScheduled(t *testing.T) {
	future := time.Now().Add(time.Hour)
	j := &Job{ScheduledAt: &future}
	assert.Equal(t, StateScheduled, j.State(time.Now()))
}

func TestJobStateRunning(t *testing.T) {
	now := time.Now()
	j := &Job{PerformedAt: &now}
	assert.Equal(t, StateRunning, j.State(time.Now()))
}

func TestJobStateSucceeded(t *testing.T) {
	now := time.Now()
	j := &Job{FinishedAt: &now}
	assert.Equal(t, StateSucceeded, j.State(time.Now()))
	assert.True(t, j.IsFinished())
}

func TestJobStateDiscarded(t *testing.T) {
	now := time.Now()
	errMsg := "boom"
	j := &Job{FinishedAt: &now, Error: &errMsg}
	assert.Equal(t, StateDiscarded, j.State(time.Now()))
}

func TestJobStateCancelled(t *testing.T) {
	now := time.Now()
	msg := cancelledErrorMessage
	j := &Job{FinishedAt: &now, Error: &msg}
	assert.Equal(t, StateCancelled, j.State(time.Now()))
}

func TestJobStateRetried(t *testing.T) {
	retriedID := NewJobID()
	j := &Job{RetriedGoodJobID: &retriedID}
	assert.Equal(t, StateRetried, j.State(time.Now()))
}

func TestJobStatePrecedence(t *testing.T) {
	// A finished+succeeded job that also happens to carry a stale
	// RetriedGoodJobID (e.g. it was the retry target of an earlier
	// attempt) must still report succeeded: finished_at dominates.
	now := time.Now()
	retriedID := NewJobID()
	j := &Job{FinishedAt: &now, RetriedGoodJobID: &retriedID}
	assert.Equal(t, StateSucceeded, j.State(time.Now()))
}
