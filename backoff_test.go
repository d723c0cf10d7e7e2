package goodjob

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	cap_ := time.Minute

	cases := []struct {
		attempt int32
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, time.Minute},
	}

	for _, c := range cases {
		got := backoffDelay(c.attempt, base, cap_)
		if got != c.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffDelayNeverExceedsCap(t *testing.T) {
	got := backoffDelay(63, time.Second, 24*time.Hour)
	if got != 24*time.Hour {
		t.Errorf("backoffDelay(63) = %v, want capped at 24h", got)
	}
}
