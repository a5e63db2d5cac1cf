package unread

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig holds the §4.5 circuit breaker tunables.
type BreakerConfig struct {
	BacklogThreshold int
	Cooldown         time.Duration
}

// DefaultBreakerConfig returns the spec's stated defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{BacklogThreshold: 50, Cooldown: 60 * time.Second}
}

// Breaker opens per workspace when that workspace's pending trigger-job
// backlog reaches BacklogThreshold, suppressing every unread candidate for
// Cooldown. Built on gobreaker rather than a hand-rolled threshold timer:
// a single "backlog breach" observation is reported as one failed call,
// and gobreaker's own open/half-open/closed state machine and Timeout
// field already implement the cooldown window.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	circuits map[string]*gobreaker.CircuitBreaker
}

// NewBreaker constructs a Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, circuits: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *Breaker) circuitFor(workspaceID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.circuits[workspaceID]
	if ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "unread-scheduler:" + workspaceID,
		MaxRequests: 1,
		Timeout:     b.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})
	b.circuits[workspaceID] = cb
	return cb
}

// Allow reports whether scheduling may proceed for workspaceID given the
// current pending-job backlog. It always reports the breaker's decision
// even when Execute itself returns an error (gobreaker.ErrOpenState), since
// "breaker is open" is an expected steady state here, not a fault.
func (b *Breaker) Allow(workspaceID string, pendingCount int) bool {
	cb := b.circuitFor(workspaceID)
	_, err := cb.Execute(func() (interface{}, error) {
		if pendingCount >= b.cfg.BacklogThreshold {
			return nil, errBacklogBreached
		}
		return nil, nil
	})
	return err == nil
}

var errBacklogBreached = backlogError{}

type backlogError struct{}

func (backlogError) Error() string { return "unread: workspace backlog threshold breached" }
