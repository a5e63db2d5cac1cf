package trigger

import "time"

// Backoff constants resolved per DESIGN.md's Open Question note: spec §4.6
// leaves the exponential schedule's base and cap unspecified. The teacher
// has no retry/backoff code of its own to ground this on, so these are a
// conventional exponential schedule rather than a ported constant.
const (
	backoffBase = 2 * time.Second
	MaxBackoff  = 5 * time.Minute
)

// NextRetryDelay computes the exponential backoff for the given attempt
// count (1-indexed: the first retry after attempt 1 uses 2^0 * base),
// clamped to MaxBackoff.
func NextRetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= MaxBackoff {
			return MaxBackoff
		}
	}
	if delay > MaxBackoff {
		return MaxBackoff
	}
	return delay
}
