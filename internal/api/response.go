// Package api implements the HTTP wire binding over internal/dispatcher:
// JSON-over-HTTP on POST /v1/mcp/<operation>, bearer-token authentication,
// the nine-operation wire contract, and the health/ready/metrics/stream
// auxiliary endpoints (spec §6). It uses Chi as the router, the same way
// the teacher's REST layer does, but every handler is a thin adapter from
// HTTP framing onto a single internal/dispatcher.Dispatcher method — there
// is no service layer of its own here, since the dispatcher already is one.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agent-bridge/bridge/internal/dispatcher"
)

// errorBody is the wire error envelope (spec §6): {error:{code,message,
// details?}, request_id, occurred_at}.
type errorBody struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
	RequestID  string    `json:"request_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// writeJSON writes a successful response body. Operation responses are
// written as-is (no wrapper envelope) per spec §6's canonical shapes.
func writeJSON(w http.ResponseWriter, requestID string, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes the standard error envelope for a dispatcher error.
func writeError(w http.ResponseWriter, requestID string, derr *dispatcher.Error) {
	body := errorBody{RequestID: requestID, OccurredAt: time.Now()}
	body.Error.Code = derr.Code
	body.Error.Message = derr.Message
	body.Error.Details = derr.Details

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(derr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(body)
}

// writeRawError writes the given status and wire code for an error the
// dispatcher layer did not produce (e.g. body decode failures caught at the
// HTTP boundary).
func writeRawError(w http.ResponseWriter, requestID string, status int, code, message string) {
	body := errorBody{RequestID: requestID, OccurredAt: time.Now()}
	body.Error.Code = code
	body.Error.Message = message

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON decodes the request body into dst, rejecting unknown fields.
// Writes INVALID_ARGUMENT and returns false on failure so handlers can
// early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, requestID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		writeRawError(w, requestID, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body: "+err.Error())
		return false
	}
	return true
}
