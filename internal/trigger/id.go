// Package trigger implements trigger job ingestion support (deterministic
// ID derivation, initial-status decision, and backoff) consumed by
// internal/dispatcher (trigger_participant) and internal/unread (the
// auto-trigger scheduler). The queue processing loop itself lives in
// processor.go, grounded structurally on
// server/internal/scheduler/scheduler.go's New/run-job shape.
package trigger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// idPrefix mirrors the teacher's convention of prefixing generated string
// identifiers with a short type tag (see db/models.go's UUIDv7 usage for
// surrogate keys; trigger jobs use a derived id instead, so the prefix is
// applied here rather than left to the caller).
const idPrefix = "trg_"

// BuildTriggerID derives a deterministic trigger_id from a seed string —
// the originating request id for trigger_participant, or the unread
// scheduler's fingerprint string for auto-triggers. Equal seeds always
// produce equal ids, giving the idempotent replay semantics required by
// spec §4.4/§4.5.
func BuildTriggerID(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return idPrefix + hex.EncodeToString(sum[:])[:32]
}

// UnreadFingerprint builds the seed string for an auto-unread trigger,
// per spec §4.5: "auto_unread_" + sha256(workspace|thread|agent|latest_seq)[:24].
func UnreadFingerprint(workspaceID, threadID, agentID string, latestSeq int64) string {
	raw := workspaceID + "|" + threadID + "|" + agentID + "|" + strconv.FormatInt(latestSeq, 10)
	sum := sha256.Sum256([]byte(raw))
	return "auto_unread_" + hex.EncodeToString(sum[:])[:24]
}
