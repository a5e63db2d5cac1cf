package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/trigger"
)

// callbackPayload is the JSON body posted to a trigger job's callback URL.
// Mirrors server/internal/notification/sender_webhook.go's webhookPayload
// shape (type/payload/timestamp), generalized from notification delivery
// to trigger-completion callbacks.
type callbackPayload struct {
	TriggerID string         `json:"trigger_id"`
	ThreadID  string         `json:"thread_id"`
	Status    string         `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// CallbackURLResolver maps a job to the URL its completion callback should
// be posted to. A nil/empty result means "no callback configured" — the
// job settles as delivered without a network call.
type CallbackURLResolver func(job db.TriggerJob) string

// CallbackSender implements trigger.CallbackSender via an outbound HTTP
// POST, grounded on server/internal/notification/sender_webhook.go:
// http.Client with a fixed timeout, non-2xx treated as failure, no raw
// transport error leaked to the caller.
type CallbackSender struct {
	client   *http.Client
	resolver CallbackURLResolver
}

// NewCallbackSender constructs a CallbackSender.
func NewCallbackSender(resolver CallbackURLResolver) *CallbackSender {
	return &CallbackSender{
		client:   &http.Client{Timeout: 10 * time.Second},
		resolver: resolver,
	}
}

// Send implements trigger.CallbackSender per spec §4.6 step 6.
func (s *CallbackSender) Send(ctx context.Context, job db.TriggerJob) (trigger.CallbackOutcome, error) {
	url := s.resolver(job)
	if url == "" {
		return trigger.CallbackOutcome{Result: "delivered"}, nil
	}

	data, err := json.Marshal(callbackPayload{
		TriggerID: job.TriggerID,
		ThreadID:  job.ThreadID,
		Status:    job.Status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return trigger.CallbackOutcome{Result: "failed"}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return trigger.CallbackOutcome{Result: "failed"}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "agent-bridge-callback/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return trigger.CallbackOutcome{Result: "retry"}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return trigger.CallbackOutcome{Result: "delivered"}, nil
	case resp.StatusCode == 408 || resp.StatusCode == 409 || resp.StatusCode == 429 || resp.StatusCode >= 500:
		return trigger.CallbackOutcome{Result: "retry", RetryAfter: retryAfterFromHeader(resp)}, nil
	default:
		return trigger.CallbackOutcome{Result: "failed"}, nil
	}
}

// retryAfterFromHeader parses a Retry-After header (seconds form only,
// matching what this sender's HTTP clients are expected to return); a
// missing or unparseable header yields zero, signaling "use the standard
// backoff schedule" to the queue processor.
func retryAfterFromHeader(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
