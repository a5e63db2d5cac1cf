package websocket

import (
	"context"
	"testing"
	"time"
)

func waitForCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.ConnectedCount() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for connected count to reach %d, got %d", want, h.ConnectedCount())
}

func newTestClient(hub *Hub, bufSize int, topics ...string) *Client {
	return &Client{hub: hub, send: make(chan Event, bufSize), topics: topics}
}

func TestHub_PublishDeliversToSubscribedTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	client := newTestClient(h, 4, "thread:t1")
	h.Subscribe(client)
	waitForCount(t, h, 1)

	h.Publish("thread:t1", Event{Type: EventMessagePosted, Topic: "thread:t1"})

	select {
	case ev := <-client.send:
		if ev.Type != EventMessagePosted {
			t.Fatalf("expected EventMessagePosted, got %v", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the published event")
	}
}

func TestHub_PublishIgnoresUnsubscribedTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	client := newTestClient(h, 4, "thread:t1")
	h.Subscribe(client)
	waitForCount(t, h, 1)

	h.Publish("thread:other", Event{Type: EventMessagePosted, Topic: "thread:other"})

	select {
	case ev := <-client.send:
		t.Fatalf("expected no delivery for an unsubscribed topic, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
		// expected: nothing delivered
	}
}

func TestHub_UnsubscribeRemovesClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	client := newTestClient(h, 4, "thread:t1")
	h.Subscribe(client)
	waitForCount(t, h, 1)

	h.Unsubscribe(client)
	waitForCount(t, h, 0)

	select {
	case _, ok := <-client.send:
		if ok {
			t.Fatalf("expected the client's send channel to be closed on unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the send channel to close")
	}
}

func TestHub_SlowConsumerIsDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	client := newTestClient(h, 1, "thread:t1")
	h.Subscribe(client)
	waitForCount(t, h, 1)

	// Fill the client's buffer, then publish again while it's full — the
	// second publish should find the buffer full and disconnect the client
	// rather than block the hub.
	h.Publish("thread:t1", Event{Type: EventMessagePosted, Topic: "thread:t1"})
	h.Publish("thread:t1", Event{Type: EventMessagePosted, Topic: "thread:t1"})

	waitForCount(t, h, 0)
}

func TestHub_RunExitClosesAllClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	go h.Run(ctx)

	client := newTestClient(h, 4, "thread:t1")
	h.Subscribe(client)
	waitForCount(t, h, 1)

	cancel()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Fatalf("expected the client's send channel to be closed on shutdown")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for shutdown to close the client")
	}
}
