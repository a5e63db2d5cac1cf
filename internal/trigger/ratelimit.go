package trigger

import "sync"

// RateBucket enforces the within-tick rate limit keyed by (thread, agent)
// from spec §4.6 step 3. A fresh bucket is created per processor tick —
// the limit resets every tick, it is not a trailing window (that's the
// leaky bucket in internal/unread, a distinct guard over a distinct time
// base).
type RateBucket struct {
	mu    sync.Mutex
	limit int
	count map[string]int
}

// NewRateBucket returns a RateBucket enforcing limit dispatches per key.
func NewRateBucket(limit int) *RateBucket {
	return &RateBucket{limit: limit, count: make(map[string]int)}
}

// Allow increments the count for key and reports whether it is still under
// the configured limit.
func (b *RateBucket) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count[key]++
	return b.count[key] <= b.limit
}

// RateLimitKey builds the (thread, agent) bucket key.
func RateLimitKey(threadID, agentID string) string {
	return threadID + "|" + agentID
}
