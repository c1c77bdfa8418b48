package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent("refresh", map[string]string{"id": "123"})
	if evt.Type != "refresh" {
		t.Fatalf("expected type refresh, got %q", evt.Type)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["id"] != "123" {
		t.Fatalf("expected id=123, got %q", payload["id"])
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(nil, 1)
	h.Publish(NewEvent("ready", nil))

	select {
	case evt := <-ch:
		if evt.Type != "ready" {
			t.Fatalf("expected ready event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(nil, 1)
	defer h.Unsubscribe(ch)

	first := NewEvent("first", nil)
	second := NewEvent("second", nil)
	h.Publish(first)
	h.Publish(second)

	select {
	case evt := <-ch:
		if evt.Type != "first" {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("did not expect second buffered event, got %q", evt.Type)
	default:
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(nil, 0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(ch))
	}
}

func TestSubscribeFiltersByTopic(t *testing.T) {
	t.Parallel()

	h := NewHub()
	approvals := h.Subscribe([]string{TopicApproval}, 4)
	defer h.Unsubscribe(approvals)

	h.Publish(NewApprovalEvent("approval.pending", "appr-1", "req-1", nil))
	h.Publish(NewEvent("dispatch.completed", nil))

	select {
	case evt := <-approvals:
		if evt.Type != "approval.pending" || evt.ApprovalID != "appr-1" || evt.RequestID != "req-1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for approval.pending")
	}

	select {
	case evt := <-approvals:
		t.Fatalf("expected dispatch.completed to be filtered out, got %+v", evt)
	default:
	}
}

func TestSubscribeUnfilteredReceivesEverything(t *testing.T) {
	t.Parallel()

	h := NewHub()
	all := h.Subscribe(nil, 4)
	defer h.Unsubscribe(all)

	h.Publish(NewEvent("dispatch.completed", nil))

	select {
	case evt := <-all:
		if evt.Type != "dispatch.completed" {
			t.Fatalf("expected dispatch.completed, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dispatch.completed")
	}
}
