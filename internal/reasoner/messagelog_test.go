package reasoner

import (
	"encoding/json"
	"testing"

	"github.com/veridia/aicomply/internal/domain"
)

func TestTextDeltaCoalescing(t *testing.T) {
	log := NewMessageLog()
	log.AppendUser("hello")

	log.Apply(Frame{Type: FrameTextDelta, MessageID: "m1", Text: "Let's "})
	log.Apply(Frame{Type: FrameTextDelta, MessageID: "m1", Text: "begin "})
	log.Apply(Frame{Type: FrameTextDelta, MessageID: "m1", Text: "with your company."})

	msgs := log.Snapshot()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	assistant := msgs[1]
	if assistant.Role != domain.RoleAssistant {
		t.Fatalf("Expected assistant message, got %s", assistant.Role)
	}
	if len(assistant.Parts) != 1 {
		t.Fatalf("Expected deltas to coalesce into one part, got %d", len(assistant.Parts))
	}
	if got := assistant.Parts[0].Text; got != "Let's begin with your company." {
		t.Errorf("Unexpected coalesced text: %q", got)
	}
}

func TestTextDeltaAfterToolPartStartsNewPart(t *testing.T) {
	log := NewMessageLog()
	log.AppendUser("hi")

	log.Apply(Frame{Type: FrameTextDelta, MessageID: "m1", Text: "Before."})
	log.Apply(Frame{Type: FrameToolInputReady, MessageID: "m1", ToolName: domain.ToolAskText, ToolCallID: "t1", Input: json.RawMessage(`{}`)})
	log.Apply(Frame{Type: FrameTextDelta, MessageID: "m1", Text: "After."})

	msgs := log.Snapshot()
	parts := msgs[1].Parts
	if len(parts) != 3 {
		t.Fatalf("Expected 3 parts (text, tool, text), got %d", len(parts))
	}
	if parts[2].Kind != domain.PartText || parts[2].Text != "After." {
		t.Errorf("Expected fresh trailing text part, got %+v", parts[2])
	}
}

func TestStatusLifecycle(t *testing.T) {
	log := NewMessageLog()
	if log.Status() != StatusIdle {
		t.Fatalf("Expected idle, got %s", log.Status())
	}

	log.AppendUser("hello")
	if log.Status() != StatusSubmitted {
		t.Fatalf("Expected submitted after user turn, got %s", log.Status())
	}

	log.Apply(Frame{Type: FrameTextDelta, MessageID: "m1", Text: "x"})
	if log.Status() != StatusStreaming {
		t.Fatalf("Expected streaming after first delta, got %s", log.Status())
	}

	log.Apply(Frame{Type: FrameMessageDone})
	if log.Status() != StatusIdle {
		t.Fatalf("Expected idle after message_done, got %s", log.Status())
	}

	log.Apply(Frame{Type: FrameError, Error: "stream reset"})
	if log.Status() != StatusError {
		t.Fatalf("Expected error status, got %s", log.Status())
	}
	if log.LastError() != "stream reset" {
		t.Errorf("Expected last error to be recorded, got %q", log.LastError())
	}
}

func TestToolStateNeverMovesBackward(t *testing.T) {
	log := NewMessageLog()
	log.AppendUser("hi")

	log.Apply(Frame{Type: FrameToolInputDelta, MessageID: "m1", ToolName: domain.ToolUpdateProgress, ToolCallID: "t1", InputDelta: `{"overall"`})
	log.Apply(Frame{Type: FrameToolInputDelta, ToolCallID: "t1", InputDelta: `:28}`})
	log.Apply(Frame{Type: FrameToolInputReady, ToolCallID: "t1"})
	log.Apply(Frame{Type: FrameToolResult, ToolCallID: "t1", Output: json.RawMessage(`{"success":true,"overall":28}`)})

	// A late replayed delta or ready frame must not reopen the call.
	log.Apply(Frame{Type: FrameToolInputDelta, ToolCallID: "t1", InputDelta: `garbage`})
	log.Apply(Frame{Type: FrameToolInputReady, ToolCallID: "t1", Input: json.RawMessage(`{"overall":1}`)})
	log.Apply(Frame{Type: FrameToolResult, ToolCallID: "t1", Output: json.RawMessage(`{"success":true,"overall":1}`)})

	msgs := log.Snapshot()
	part := msgs[1].Parts[0]
	if part.State != domain.ToolOutputAvailable {
		t.Fatalf("Expected output-available, got %s", part.State)
	}
	if string(part.Input) != `{"overall":28}` {
		t.Errorf("Expected assembled input preserved, got %s", part.Input)
	}
	if string(part.Output) != `{"success":true,"overall":28}` {
		t.Errorf("Expected first output preserved, got %s", part.Output)
	}
}

func TestToolResultWithErrorMovesToErrorState(t *testing.T) {
	log := NewMessageLog()
	log.AppendUser("hi")
	log.Apply(Frame{Type: FrameToolInputReady, MessageID: "m1", ToolName: domain.ToolGenerateDocuments, ToolCallID: "t1", Input: json.RawMessage(`{}`)})
	log.Apply(Frame{Type: FrameToolResult, ToolCallID: "t1", Error: "generation failed"})

	part := log.Snapshot()[1].Parts[0]
	if part.State != domain.ToolError {
		t.Fatalf("Expected error state, got %s", part.State)
	}
}

func TestPendingInteractive(t *testing.T) {
	log := NewMessageLog()
	log.AppendUser("hi")

	log.Apply(Frame{Type: FrameToolInputReady, MessageID: "m1", ToolName: domain.ToolAskText, ToolCallID: "t1", Input: json.RawMessage(`{"field":"company_name"}`)})
	log.Apply(Frame{Type: FrameToolInputReady, MessageID: "m1", ToolName: domain.ToolAskSingleSelect, ToolCallID: "t2", Input: json.RawMessage(`{"field":"company_size"}`)})
	log.Apply(Frame{Type: FrameToolInputReady, MessageID: "m1", ToolName: domain.ToolUpdateProgress, ToolCallID: "t3", Input: json.RawMessage(`{}`)})

	pending := log.PendingInteractive()
	if len(pending) != 2 {
		t.Fatalf("Expected 2 pending interactive calls, got %d", len(pending))
	}

	if !log.ResolveTool("t1", json.RawMessage(`{"value":"Acme"}`)) {
		t.Fatal("Expected resolve of pending call to succeed")
	}
	if got := len(log.PendingInteractive()); got != 1 {
		t.Fatalf("Expected 1 pending call after resolve, got %d", got)
	}

	if log.ResolveTool("t1", json.RawMessage(`{"value":"again"}`)) {
		t.Error("Expected resolving a settled call to fail")
	}
	if log.ResolveTool("missing", json.RawMessage(`{}`)) {
		t.Error("Expected resolving an unknown call to fail")
	}
}

func TestMarkStoppedKeepsPartialContent(t *testing.T) {
	log := NewMessageLog()
	log.AppendUser("hi")
	log.Apply(Frame{Type: FrameTextDelta, MessageID: "m1", Text: "partial answ"})

	log.MarkStopped()

	if log.Status() != StatusIdle {
		t.Fatalf("Expected idle after stop, got %s", log.Status())
	}
	msgs := log.Snapshot()
	if len(msgs) != 2 || msgs[1].Parts[0].Text != "partial answ" {
		t.Error("Expected partial content to survive a stop")
	}
}

func TestUnknownFrameTypeIsSkipped(t *testing.T) {
	log := NewMessageLog()
	log.AppendUser("hi")
	log.Apply(Frame{Type: "reasoning_delta", Text: "thinking..."})

	if got := len(log.Snapshot()); got != 1 {
		t.Errorf("Expected unknown frame to leave the log unchanged, got %d messages", got)
	}
	if log.Status() != StatusSubmitted {
		t.Errorf("Expected status unchanged, got %s", log.Status())
	}
}

func TestHydrateAndSubscribe(t *testing.T) {
	log := NewMessageLog()

	notified := 0
	unsubscribe := log.Subscribe(func() { notified++ })

	log.Hydrate([]domain.Message{
		{ID: "m1", Role: domain.RoleUser, Parts: []domain.Part{{Kind: domain.PartText, Text: "hi"}}},
	})
	if notified != 1 {
		t.Fatalf("Expected 1 notification after hydrate, got %d", notified)
	}

	unsubscribe()
	log.AppendUser("again")
	if notified != 1 {
		t.Errorf("Expected no notifications after unsubscribe, got %d", notified)
	}
}
