package trigger

import (
	"time"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/runtime"
)

// Decision is the outcome of resolve_trigger_decision (spec §4.4 step 4),
// reused unchanged by the unread scheduler (spec §4.5, "initial job status
// uses the same rule as §4.4 step 4").
type Decision struct {
	Status         string // queued | fallback_resume | fallback_spawn
	Action         string // trigger_runtime | fallback_required
	FallbackAction string // resume_session | spawn_session | ""
}

// Resolve implements spec §4.4 step 4. session is nil when the target agent
// has no session record at all.
func Resolve(session *db.SessionRecord, staleAfter time.Duration, now time.Time) Decision {
	if session == nil {
		return Decision{Status: "fallback_spawn", Action: "fallback_required", FallbackAction: "spawn_session"}
	}

	stale := runtime.IsStale(session.LastHeartbeatAt, staleAfter, now)

	if session.ManagementMode == "managed" && session.Status != "offline" && !stale {
		return Decision{Status: "queued", Action: "trigger_runtime"}
	}

	if session.Resumable && !stale {
		return Decision{Status: "fallback_resume", Action: "fallback_required", FallbackAction: "resume_session"}
	}
	return Decision{Status: "fallback_spawn", Action: "fallback_required", FallbackAction: "spawn_session"}
}
