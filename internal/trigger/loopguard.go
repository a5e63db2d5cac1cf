package trigger

import "github.com/agent-bridge/bridge/internal/db"

// LoopGuardConfig holds the two independent thresholds from spec §4.6
// step 3.
type LoopGuardConfig struct {
	MaxTurns             int // loop_max_turns, default 20
	MaxRepeatedFindings  int // loop_max_repeated_findings, default 3
}

// LoopGuardTrip decides whether recent attempts (newest first, as returned
// by TriggerStore.RecentAttemptsByThreadAgent) indicate the thread should
// be auto-blocked. It returns the tripped error_code and true when it
// trips, matching "Preserve prior outcome details in the attempt's
// details.prior_outcome".
func LoopGuardTrip(recent []db.TriggerAttempt, cfg LoopGuardConfig) (errorCode string, tripped bool) {
	if tripped, code := allIdenticalErrorCode(recent, cfg.MaxTurns); tripped {
		return code, true
	}
	if tripped, code := consecutiveRepeated(recent, cfg.MaxRepeatedFindings); tripped {
		return code, true
	}
	return "", false
}

// allIdenticalErrorCode reports whether the last maxTurns attempts all
// carry the same non-empty error_code.
func allIdenticalErrorCode(recent []db.TriggerAttempt, maxTurns int) (bool, string) {
	if maxTurns <= 0 || len(recent) < maxTurns {
		return false, ""
	}
	window := recent[:maxTurns]
	first := window[0].ErrorCode
	if first == nil || *first == "" {
		return false, ""
	}
	for _, a := range window[1:] {
		if a.ErrorCode == nil || *a.ErrorCode != *first {
			return false, ""
		}
	}
	return true, *first
}

// consecutiveRepeated reports whether the most recent maxRepeated attempts
// are consecutive and identical in error_code — a stricter, shorter-window
// variant of the same signal, tripping sooner than MaxTurns when a tight
// loop is already evident.
func consecutiveRepeated(recent []db.TriggerAttempt, maxRepeated int) (bool, string) {
	if maxRepeated <= 0 || len(recent) < maxRepeated {
		return false, ""
	}
	window := recent[:maxRepeated]
	first := window[0].ErrorCode
	if first == nil || *first == "" {
		return false, ""
	}
	for _, a := range window[1:] {
		if a.ErrorCode == nil || *a.ErrorCode != *first {
			return false, ""
		}
	}
	return true, *first
}
