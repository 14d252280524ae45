package api

import (
	"strings"
	"testing"
	"time"

	"github.com/veridia/aicomply/internal/config"
	"github.com/veridia/aicomply/internal/wizard"
)

func testHub() *Hub {
	return NewHub(&config.Config{
		SSE: config.SSEConfig{
			RetryDelay:        time.Second,
			KeepaliveInterval: time.Minute,
		},
	})
}

func TestHubQueuesEventsForReplay(t *testing.T) {
	hub := testHub()

	hub.Publish(wizard.ProgressEvent{SessionID: "sess-1", OverallProgress: 14})
	hub.Publish(wizard.ProgressEvent{SessionID: "sess-1", OverallProgress: 28})
	hub.Publish(wizard.ProgressEvent{SessionID: "sess-2", OverallProgress: 50})

	missed := hub.missedEvents("sess-1", 0)
	if len(missed) != 2 {
		t.Fatalf("Expected 2 replayable events, got %d", len(missed))
	}
	if missed[0].Event.OverallProgress != 14 || missed[1].Event.OverallProgress != 28 {
		t.Errorf("Expected events in order, got %+v", missed)
	}

	// Replay after the first event id skips it.
	missed = hub.missedEvents("sess-1", missed[0].EventID)
	if len(missed) != 1 || missed[0].Event.OverallProgress != 28 {
		t.Errorf("Expected only the later event, got %+v", missed)
	}
}

func TestHubQueueIsBoundedPerSession(t *testing.T) {
	hub := testHub()

	for i := 0; i < 150; i++ {
		hub.Publish(wizard.ProgressEvent{SessionID: "sess-1", OverallProgress: i})
	}
	hub.Publish(wizard.ProgressEvent{SessionID: "sess-2", OverallProgress: 1})

	if got := len(hub.missedEvents("sess-1", 0)); got > hub.maxQueue {
		t.Errorf("Expected queue bounded at %d, got %d", hub.maxQueue, got)
	}
	// One session's burst never evicts another session's events.
	if got := len(hub.missedEvents("sess-2", 0)); got != 1 {
		t.Errorf("Expected other session untouched, got %d", got)
	}
}

func TestHubPrune(t *testing.T) {
	hub := testHub()
	hub.Publish(wizard.ProgressEvent{SessionID: "sess-1", OverallProgress: 14})
	hub.prune("sess-1")
	if got := len(hub.missedEvents("sess-1", 0)); got != 0 {
		t.Errorf("Expected pruned queue, got %d events", got)
	}
}

func TestWriteSSEFormat(t *testing.T) {
	var sb strings.Builder
	if err := writeSSE(&sb, "ping", `{"status":"alive"}`); err != nil {
		t.Fatal(err)
	}
	if sb.String() != "event: ping\ndata: {\"status\":\"alive\"}\n\n" {
		t.Errorf("Unexpected SSE frame: %q", sb.String())
	}

	sb.Reset()
	if err := writeSSEWithID(&sb, 7, "progress", `{}`); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sb.String(), "id: 7\nevent: progress\n") {
		t.Errorf("Unexpected SSE frame with id: %q", sb.String())
	}
}
