// Package delivery implements the runtime delivery executor (spec §4.7):
// the collision gate and the prompt-delivery call against the ptyadapter
// non-goal interface, plus the completion-callback HTTP sender consumed by
// internal/trigger's queue processor. Grounded structurally on
// server/internal/agentmanager/manager.go's in-memory, mutex-guarded
// per-agent registry — repurposed here from "open gRPC stream per agent"
// to "last busy timestamp per (workspace, agent, runtime)".
package delivery

import (
	"strings"
	"sync"
	"time"
)

// CollisionGate tracks the last time a runtime was known to be busy, per
// (workspace, agent, runtime). It is an explicitly per-process heuristic
// (spec §5/§9): correctness never depends on it, it degrades gracefully
// when lost on restart.
type CollisionGate struct {
	mu       sync.RWMutex
	lastBusy map[string]time.Time
}

// NewCollisionGate returns an empty CollisionGate.
func NewCollisionGate() *CollisionGate {
	return &CollisionGate{lastBusy: make(map[string]time.Time)}
}

func collisionKey(workspaceID, agentID, runtime string) string {
	return strings.Join([]string{workspaceID, agentID, runtime}, "|")
}

// MarkBusy records now as the last-busy time for (workspaceID, agentID, runtime).
func (g *CollisionGate) MarkBusy(workspaceID, agentID, runtime string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastBusy[collisionKey(workspaceID, agentID, runtime)] = now
}

// Clear removes the last-busy record, called after a successful delivery.
func (g *CollisionGate) Clear(workspaceID, agentID, runtime string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastBusy, collisionKey(workspaceID, agentID, runtime))
}

// QuietFor reports how long it has been since the runtime was last marked
// busy. A zero duration with ok=false means no record exists (never busy,
// or cleared).
func (g *CollisionGate) QuietFor(workspaceID, agentID, runtime string, now time.Time) (time.Duration, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	last, ok := g.lastBusy[collisionKey(workspaceID, agentID, runtime)]
	if !ok {
		return 0, false
	}
	return now.Sub(last), true
}
