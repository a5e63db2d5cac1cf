package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"go.uber.org/zap"

	"github.com/agent-bridge/bridge/internal/auth"
	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/dispatcher"
	"github.com/agent-bridge/bridge/internal/metrics"
	"github.com/agent-bridge/bridge/internal/store"
	"github.com/agent-bridge/bridge/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It
// is populated in main.go after all components are initialized and passed
// to NewRouter as a single struct, same rationale as the teacher's
// RouterConfig: keeps the constructor signature manageable as the
// dependency count grows.
type RouterConfig struct {
	Dispatcher *dispatcher.Dispatcher
	Verifier   auth.Verifier
	Threads    store.ThreadStore // used only to authorize stream thread subscriptions
	DB         *gorm.DB          // used only for the /ready probe
	Hub        *websocket.Hub
	Metrics    *metrics.Metrics
	Service    string
	Logger     *zap.Logger
}

// NewRouter builds the fully configured Chi router. Every protocol
// operation is POST /v1/mcp/<operation>; auxiliary endpoints (/health,
// /ready, /metrics, /v1/mcp/stream) sit alongside (spec §6).
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(recoverer(cfg.Logger))

	h := &handlers{cfg: cfg}

	r.Get("/health", h.health)
	r.Get("/ready", h.ready)
	if cfg.Metrics != nil {
		r.Get("/metrics", cfg.Metrics.Handler().ServeHTTP)
	}

	r.Route("/v1/mcp", func(r chi.Router) {
		r.Use(Authenticate(cfg.Verifier))

		r.Post("/create_thread", h.createThread)
		r.Post("/get_thread", h.getThread)
		r.Post("/update_thread_status", h.updateThreadStatus)
		r.Post("/summarize_thread", h.summarizeThread)
		r.Post("/post_message", h.postMessage)
		r.Post("/read_messages", h.readMessages)
		r.Post("/ack_read", h.ackRead)
		r.Post("/heartbeat_session", h.heartbeatSession)
		r.Post("/trigger_participant", h.triggerParticipant)

		if cfg.Hub != nil {
			r.Get("/stream", h.stream)
		}
	})

	return r
}

// recoverer catches panics in handlers, logs them, and returns INTERNAL
// instead of crashing the server.
func recoverer(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeRawError(w, requestIDFromCtx(r.Context()), http.StatusInternalServerError, "INTERNAL", "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type handlers struct {
	cfg RouterConfig
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, requestIDFromCtx(r.Context()), http.StatusOK, map[string]any{
		"ok": true, "service": h.cfg.Service, "now": time.Now(),
	})
}

func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromCtx(r.Context())
	if h.cfg.DB != nil {
		if err := db.Ping(r.Context(), h.cfg.DB); err != nil {
			writeJSON(w, requestID, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, requestID, http.StatusOK, map[string]any{"ok": true})
}

// --- create_thread ---

type createThreadWireRequest struct {
	WorkspaceID  string   `json:"workspace_id"`
	Title        string   `json:"title"`
	Type         string   `json:"type"`
	Participants []string `json:"participants"`
	CreatedBy    string   `json:"created_by,omitempty"`
}

func (h *handlers) createThread(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromCtx(r.Context())
	claims := claimsFromCtx(r.Context())

	var wire createThreadWireRequest
	if !decodeJSON(w, r, requestID, &wire) {
		return
	}
	resp, derr := h.cfg.Dispatcher.CreateThread(r.Context(), claims, dispatcher.CreateThreadRequest{
		WorkspaceID: wire.WorkspaceID, Title: wire.Title, Type: wire.Type,
		Participants: wire.Participants, CreatedBy: wire.CreatedBy,
	})
	if derr != nil {
		writeError(w, requestID, derr)
		return
	}
	writeJSON(w, requestID, http.StatusCreated, resp)
}

// --- get_thread ---

type getThreadWireRequest struct {
	ThreadID string `json:"thread_id"`
}

func (h *handlers) getThread(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromCtx(r.Context())
	claims := claimsFromCtx(r.Context())

	var wire getThreadWireRequest
	if !decodeJSON(w, r, requestID, &wire) {
		return
	}
	resp, derr := h.cfg.Dispatcher.GetThread(r.Context(), claims, dispatcher.GetThreadRequest{ThreadID: wire.ThreadID})
	if derr != nil {
		writeError(w, requestID, derr)
		return
	}
	writeJSON(w, requestID, http.StatusOK, resp)
}

// --- update_thread_status ---

type updateThreadStatusWireRequest struct {
	ThreadID        string `json:"thread_id"`
	Next            string `json:"status"`
	ExpectedCurrent string `json:"expected_current,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

func (h *handlers) updateThreadStatus(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromCtx(r.Context())
	claims := claimsFromCtx(r.Context())

	var wire updateThreadStatusWireRequest
	if !decodeJSON(w, r, requestID, &wire) {
		return
	}
	resp, derr := h.cfg.Dispatcher.UpdateThreadStatus(r.Context(), claims, dispatcher.UpdateThreadStatusRequest{
		ThreadID: wire.ThreadID, Next: wire.Next, ExpectedCurrent: wire.ExpectedCurrent,
		Reason: wire.Reason, ActorAgentID: claims.AgentID,
	})
	if derr != nil {
		writeError(w, requestID, derr)
		return
	}
	writeJSON(w, requestID, http.StatusOK, resp)
}

// --- summarize_thread ---

type summarizeThreadWireRequest struct {
	ThreadID    string `json:"thread_id"`
	MaxMessages int    `json:"max_messages,omitempty"`
}

func (h *handlers) summarizeThread(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromCtx(r.Context())
	claims := claimsFromCtx(r.Context())

	var wire summarizeThreadWireRequest
	if !decodeJSON(w, r, requestID, &wire) {
		return
	}
	resp, derr := h.cfg.Dispatcher.SummarizeThread(r.Context(), claims, dispatcher.SummarizeThreadRequest{
		ThreadID: wire.ThreadID, MaxMessages: wire.MaxMessages,
	})
	if derr != nil {
		writeError(w, requestID, derr)
		return
	}
	writeJSON(w, requestID, http.StatusOK, resp)
}

// --- post_message ---

type postMessageWireRequest struct {
	ThreadID        string                 `json:"thread_id"`
	SchemaVersion   int                    `json:"schema_version"`
	Kind            string                 `json:"kind"`
	Body            string                 `json:"body"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	InReplyTo       *string                `json:"in_reply_to,omitempty"`
	IdempotencyKey  *string                `json:"idempotency_key,omitempty"`
	SenderAgentID   string                 `json:"sender_agent_id,omitempty"`
	SenderSessionID string                 `json:"sender_session_id,omitempty"`
}

func (h *handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromCtx(r.Context())
	claims := claimsFromCtx(r.Context())

	var wire postMessageWireRequest
	if !decodeJSON(w, r, requestID, &wire) {
		return
	}
	resp, derr := h.cfg.Dispatcher.PostMessage(r.Context(), claims,
		dispatcher.IdentityHint{AgentID: wire.SenderAgentID, SessionID: wire.SenderSessionID},
		dispatcher.PostMessageRequest{
			ThreadID: wire.ThreadID, SchemaVersion: wire.SchemaVersion, Kind: wire.Kind,
			Body: wire.Body, Metadata: wire.Metadata, InReplyTo: wire.InReplyTo,
			IdempotencyKey: wire.IdempotencyKey, SenderAgentID: claims.AgentID,
			SenderSessionID: wire.SenderSessionID,
		})
	if derr != nil {
		writeError(w, requestID, derr)
		return
	}
	writeJSON(w, requestID, http.StatusCreated, resp)
}

// --- read_messages ---

type readMessagesWireRequest struct {
	ThreadID string `json:"thread_id"`
	SinceSeq int64  `json:"since_seq"`
	Limit    int    `json:"limit,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
}

func (h *handlers) readMessages(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromCtx(r.Context())
	claims := claimsFromCtx(r.Context())

	var wire readMessagesWireRequest
	if !decodeJSON(w, r, requestID, &wire) {
		return
	}
	resp, derr := h.cfg.Dispatcher.ReadMessages(r.Context(), claims,
		dispatcher.IdentityHint{AgentID: wire.AgentID},
		dispatcher.ReadMessagesRequest{ThreadID: wire.ThreadID, SinceSeq: wire.SinceSeq, Limit: wire.Limit, AgentID: claims.AgentID})
	if derr != nil {
		writeError(w, requestID, derr)
		return
	}
	writeJSON(w, requestID, http.StatusOK, resp)
}

// --- ack_read ---

type ackReadWireRequest struct {
	ThreadID    string `json:"thread_id"`
	LastReadSeq int64  `json:"last_read_seq"`
	AgentID     string `json:"agent_id,omitempty"`
}

func (h *handlers) ackRead(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromCtx(r.Context())
	claims := claimsFromCtx(r.Context())

	var wire ackReadWireRequest
	if !decodeJSON(w, r, requestID, &wire) {
		return
	}
	resp, derr := h.cfg.Dispatcher.AckRead(r.Context(), claims,
		dispatcher.IdentityHint{AgentID: wire.AgentID},
		dispatcher.AckReadRequest{ThreadID: wire.ThreadID, LastReadSeq: wire.LastReadSeq, AgentID: claims.AgentID})
	if derr != nil {
		writeError(w, requestID, derr)
		return
	}
	writeJSON(w, requestID, http.StatusOK, resp)
}

// --- heartbeat_session ---

type heartbeatSessionWireRequest struct {
	SessionID      string `json:"session_id"`
	Runtime        string `json:"runtime"`
	ManagementMode string `json:"management_mode"`
	Resumable      bool   `json:"resumable"`
	Status         string `json:"status"`
	AgentID        string `json:"agent_id,omitempty"`
	WorkspaceID    string `json:"workspace_id,omitempty"`
}

func (h *handlers) heartbeatSession(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromCtx(r.Context())
	claims := claimsFromCtx(r.Context())

	var wire heartbeatSessionWireRequest
	if !decodeJSON(w, r, requestID, &wire) {
		return
	}
	resp, derr := h.cfg.Dispatcher.HeartbeatSession(r.Context(), claims,
		dispatcher.IdentityHint{AgentID: wire.AgentID, SessionID: wire.SessionID},
		dispatcher.HeartbeatSessionRequest{
			SessionID: wire.SessionID, Runtime: wire.Runtime, ManagementMode: wire.ManagementMode,
			Resumable: wire.Resumable, Status: wire.Status, AgentID: claims.AgentID, WorkspaceID: wire.WorkspaceID,
		})
	if derr != nil {
		writeError(w, requestID, derr)
		return
	}
	writeJSON(w, requestID, http.StatusOK, resp)
}

// --- trigger_participant ---

type triggerParticipantWireRequest struct {
	ThreadID      string `json:"thread_id"`
	TargetAgentID string `json:"target_agent_id"`
	Reason        string `json:"reason"`
	TriggerPrompt string `json:"trigger_prompt"`
}

func (h *handlers) triggerParticipant(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromCtx(r.Context())
	claims := claimsFromCtx(r.Context())

	var wire triggerParticipantWireRequest
	if !decodeJSON(w, r, requestID, &wire) {
		return
	}
	resp, derr := h.cfg.Dispatcher.TriggerParticipant(r.Context(), claims, dispatcher.TriggerParticipantRequest{
		ThreadID: wire.ThreadID, TargetAgentID: wire.TargetAgentID, Reason: wire.Reason,
		TriggerPrompt: wire.TriggerPrompt, RequestID: requestID,
	})
	if derr != nil {
		writeError(w, requestID, derr)
		return
	}
	writeJSON(w, requestID, http.StatusOK, resp)
}

// --- stream ---

// stream upgrades to the best-effort live feed (internal/websocket).
// Query parameters: thread_id (repeatable) to subscribe to specific
// threads, in addition to the caller's own workspace-wide topic. Every
// thread_id is checked against the caller's workspace before being
// accepted as a subscription.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromCtx(r.Context())
	claims := claimsFromCtx(r.Context())

	topics := []string{"workspace:" + claims.WorkspaceID}
	for _, threadID := range r.URL.Query()["thread_id"] {
		t, _, err := h.cfg.Threads.GetThread(r.Context(), threadID)
		if err != nil || t.WorkspaceID != claims.WorkspaceID {
			writeRawError(w, requestID, http.StatusForbidden, "WORKSPACE_MISMATCH", "thread_id not visible to this workspace")
			return
		}
		topics = append(topics, "thread:"+threadID)
	}

	client, err := websocket.NewClient(h.cfg.Hub, w, r, topics, h.cfg.Logger)
	if err != nil {
		h.cfg.Logger.Warn("stream upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}

// hubPublisher adapts a *websocket.Hub to dispatcher.Publisher, keeping
// the websocket package free of any dependency on the dispatcher's event
// vocabulary.
type hubPublisher struct {
	hub *websocket.Hub
}

// NewHubPublisher wraps hub as a dispatcher.Publisher.
func NewHubPublisher(hub *websocket.Hub) dispatcher.Publisher {
	return &hubPublisher{hub: hub}
}

func (p *hubPublisher) Publish(topic, eventType string, payload map[string]interface{}) {
	p.hub.Publish(topic, websocket.Event{Type: websocket.EventType(eventType), Topic: topic, Payload: payload})
}
