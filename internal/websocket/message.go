// Package websocket implements the best-effort, at-most-once live feed
// exposed at GET /v1/mcp/stream: newly posted messages, thread status
// changes and newly accepted trigger jobs fanned out to workspace-scoped
// subscribers. It uses gorilla/websocket under the hood and exposes a
// topic-based broadcast API consumed by the dispatcher (through
// internal/api's hub publisher).
//
// read_messages remains the durable source of truth; nothing delivered
// here is retried or persisted. A client that misses a frame (slow
// consumer, reconnect) must fall back to read_messages with its last
// known seq to recover.
//
// Topic naming convention:
//
//	thread:<thread_id>      — new messages and status changes on a thread
//	workspace:<workspace_id> — trigger jobs accepted across a workspace
package websocket

// EventType identifies the kind of event carried by an Event.
// The client uses this field to route the payload appropriately.
type EventType string

const (
	// EventMessagePosted is sent when post_message persists a new message.
	EventMessagePosted EventType = "message.posted"

	// EventThreadStatus is sent when update_thread_status transitions a
	// thread to a new status.
	EventThreadStatus EventType = "thread.status"

	// EventTriggerStatus is sent when trigger_participant accepts (or
	// replays) a trigger job, carrying the job's stored status.
	EventTriggerStatus EventType = "trigger.status"

	// EventPing is a reserved event type that nothing publishes; connection
	// liveness uses WebSocket ping control frames sent by Client.writePump.
	EventPing EventType = "ping"
)

// Event is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"type":"message.posted","topic":"thread:thread_abc","payload":{"message_id":"msg_123","seq":4}}
type Event struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type EventType `json:"type"`

	// Topic is the pub/sub channel this event was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - message.posted: {"message_id":"...","seq":4,"sender_agent_id":"..."}
	//   - thread.status:  {"thread_id":"...","status":"blocked"}
	//   - trigger.status: {"trigger_id":"...","status":"delivered"}
	//   - ping:           {} (empty)
	Payload any `json:"payload"`
}
