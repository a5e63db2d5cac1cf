package unread

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agent-bridge/bridge/internal/store"
)

// BucketConfig holds the §4.5 per-participant leaky-bucket tunables.
type BucketConfig struct {
	MaxPerWindow int
	Window       time.Duration
	MinInterval  time.Duration
}

// DefaultBucketConfig returns the spec's stated defaults (3 per 5 min, 30s
// minimum interval).
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{MaxPerWindow: 3, Window: 5 * time.Minute, MinInterval: 30 * time.Second}
}

// LeakyBucket enforces the per-(thread, agent) auto-trigger rate limit.
// The SQL read over trigger_jobs is authoritative; an optional Redis
// client only accelerates the common case — rejecting a request that
// falls within MinInterval of the last one — without a round trip to the
// primary store. Redis being absent or erroring never changes the
// decision, only whether the fast path was used.
type LeakyBucket struct {
	triggers store.TriggerStore
	cfg      BucketConfig
	accel    *redis.Client
}

// NewLeakyBucket constructs a LeakyBucket. accel may be nil.
func NewLeakyBucket(triggers store.TriggerStore, cfg BucketConfig, accel *redis.Client) *LeakyBucket {
	return &LeakyBucket{triggers: triggers, cfg: cfg, accel: accel}
}

func bucketAccelKey(threadID, agentID string) string {
	return "unread:bucket:" + threadID + "|" + agentID
}

// Allow reports whether an auto-trigger may be scheduled now for
// (threadID, agentID), per spec §4.5's leaky-bucket guard.
func (lb *LeakyBucket) Allow(ctx context.Context, threadID, agentID string, now time.Time) (bool, error) {
	key := bucketAccelKey(threadID, agentID)
	if lb.accel != nil {
		// The key is set with the min-interval TTL only when a call is
		// allowed: if it still exists, a trigger for this pair was allowed
		// within the last MinInterval and the SQL lookup below would reject
		// it anyway.
		n, err := lb.accel.Exists(ctx, key).Result()
		if err == nil && n > 0 {
			return false, nil
		}
		// err != nil (redis unavailable) falls through to the
		// authoritative SQL check below.
	}

	recent, err := lb.triggers.RecentByParticipant(ctx, threadID, agentID, lb.cfg.MaxPerWindow)
	if err != nil {
		return false, err
	}
	if len(recent) > 0 {
		if now.Sub(recent[0].CreatedAt) < lb.cfg.MinInterval {
			return false, nil
		}
		if len(recent) >= lb.cfg.MaxPerWindow {
			oldest := recent[len(recent)-1]
			if now.Sub(oldest.CreatedAt) < lb.cfg.Window {
				return false, nil
			}
		}
	}
	if lb.accel != nil && lb.cfg.MinInterval > 0 {
		_ = lb.accel.Set(ctx, key, "1", lb.cfg.MinInterval).Err()
	}
	return true, nil
}
