package websocket

import (
	"context"
	"testing"
	"time"
)

func newTestClient(nodeID string, buf int) *Client {
	return &Client{nodeID: nodeID, send: make(chan *Envelope, buf)}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func TestHubSubscribeMakesNodeConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	c := newTestClient("node1", 4)
	h.Subscribe(c)

	waitUntil(t, func() bool { return h.Connected("node1") })
	if h.ConnectedCount() != 1 {
		t.Fatalf("expected 1 connected node, got %d", h.ConnectedCount())
	}
}

func TestHubUnsubscribeRemovesNodeAndClosesSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	c := newTestClient("node1", 4)
	h.Subscribe(c)
	waitUntil(t, func() bool { return h.Connected("node1") })

	h.Unsubscribe(c)
	waitUntil(t, func() bool { return !h.Connected("node1") })

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatalf("expected the send channel to be closed, got a value")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the send channel to be closed promptly")
	}
}

func TestHubReconnectReplacesOldClientAndClosesItsSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	old := newTestClient("node1", 4)
	h.Subscribe(old)
	waitUntil(t, func() bool { return h.Connected("node1") })

	fresh := newTestClient("node1", 4)
	h.Subscribe(fresh)
	waitUntil(t, func() bool { return h.ConnectedCount() == 1 })

	select {
	case _, ok := <-old.send:
		if ok {
			t.Fatalf("expected the replaced client's send channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the old client's send channel to be closed promptly")
	}
}

func TestHubSendToDeliversEnvelopeToConnectedNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	c := newTestClient("node1", 4)
	h.Subscribe(c)
	waitUntil(t, func() bool { return h.Connected("node1") })

	env := &Envelope{Type: MsgTask}
	if ok := h.SendTo("node1", env); !ok {
		t.Fatalf("expected SendTo to report delivery for a connected node")
	}
	select {
	case got := <-c.send:
		if got != env {
			t.Fatalf("expected the exact envelope to be enqueued")
		}
	default:
		t.Fatalf("expected the envelope to be waiting in the send buffer")
	}
}

func TestHubSendToReportsFalseForUnknownNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	if ok := h.SendTo("ghost", &Envelope{}); ok {
		t.Fatalf("expected SendTo to report false for a node with no connection")
	}
}

func TestHubSendToDisconnectsSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	c := newTestClient("node1", 1)
	h.Subscribe(c)
	waitUntil(t, func() bool { return h.Connected("node1") })

	c.send <- &Envelope{Type: MsgTask}

	if ok := h.SendTo("node1", &Envelope{Type: MsgAck}); ok {
		t.Fatalf("expected SendTo to report false when the buffer is full")
	}
	waitUntil(t, func() bool { return !h.Connected("node1") })
}

func TestHubRunExitsAndClosesAllClientsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()

	c := newTestClient("node1", 4)
	h.Subscribe(c)
	waitUntil(t, func() bool { return h.Connected("node1") })

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to exit after context cancellation")
	}
	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatalf("expected the client's send channel to be closed on shutdown")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the send channel to be closed promptly")
	}
}
