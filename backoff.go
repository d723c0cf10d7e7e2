package goodjob

import "time"

// backoffDelay implements spec.md §4.7's default policy:
// min(base * 2^(attempt-1), cap). attempt is 1-indexed (the attempt
// number that just failed).
func backoffDelay(attempt int32, base, cap_ time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := int32(1); i < attempt; i++ {
		delay *= 2
		if delay >= cap_ {
			return cap_
		}
	}
	if delay > cap_ {
		return cap_
	}
	return delay
}
