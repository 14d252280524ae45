package reasoner

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/veridia/aicomply/internal/domain"
)

// Status is the exchange state of the transport.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// MessageLog is the accumulating, ordered message list for one session.
// It coalesces stream frames into messages, enforces the forward-only
// tool-invocation state machine, and notifies listeners after every
// applied change against a consistent snapshot.
//
// The log is the source of truth the reconciler folds over; it only
// ever grows within a session's lifetime.
type MessageLog struct {
	mu         sync.Mutex
	messages   []domain.Message
	status     Status
	lastError  string
	listeners  map[int]func()
	listenerID int
}

// NewMessageLog creates an empty log in the idle state.
func NewMessageLog() *MessageLog {
	return &MessageLog{status: StatusIdle}
}

// Hydrate seeds the log with a restored message history. Intended for
// resume, before any live exchange begins.
func (l *MessageLog) Hydrate(messages []domain.Message) {
	l.mu.Lock()
	l.messages = append([]domain.Message(nil), messages...)
	l.mu.Unlock()
	l.notify()
}

// Subscribe registers a listener invoked after every applied change.
// The returned function removes the listener.
func (l *MessageLog) Subscribe(fn func()) func() {
	l.mu.Lock()
	if l.listeners == nil {
		l.listeners = make(map[int]func())
	}
	l.listenerID++
	id := l.listenerID
	l.listeners[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

func (l *MessageLog) notify() {
	l.mu.Lock()
	listeners := make([]func(), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// Status returns the current exchange status.
func (l *MessageLog) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// LastError returns the message of the most recent transport error.
func (l *MessageLog) LastError() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastError
}

func (l *MessageLog) setStatus(s Status) {
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
}

// Snapshot returns a copy of the message list safe to iterate while
// the stream keeps appending. Parts are copied; raw payloads are
// shared but never mutated in place.
func (l *MessageLog) Snapshot() []domain.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = domain.Message{
			ID:    m.ID,
			Role:  m.Role,
			Parts: append([]domain.Part(nil), m.Parts...),
		}
	}
	return out
}

// AppendUser records a user turn and moves the exchange to submitted.
func (l *MessageLog) AppendUser(text string) domain.Message {
	msg := domain.Message{
		ID:   uuid.NewString(),
		Role: domain.RoleUser,
		Parts: []domain.Part{
			{Kind: domain.PartText, Text: text},
		},
	}
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.status = StatusSubmitted
	l.mu.Unlock()
	l.notify()
	return msg
}

// Apply folds one inbound frame into the log. Unknown frame types and
// frames that would move a tool invocation backward are skipped, never
// fatal: the stream comes from an independently-evolving remote schema.
func (l *MessageLog) Apply(frame Frame) {
	l.mu.Lock()
	switch frame.Type {
	case FrameTextDelta:
		l.applyTextDelta(frame)
	case FrameToolInputDelta:
		l.applyToolInputDelta(frame)
	case FrameToolInputReady:
		l.applyToolInputReady(frame)
	case FrameToolResult:
		l.applyToolResult(frame)
	case FrameMessageDone:
		l.status = StatusIdle
	case FrameError:
		l.status = StatusError
		l.lastError = frame.Error
	default:
		slog.Debug("skipping unknown stream frame", "type", frame.Type)
	}
	l.mu.Unlock()
	l.notify()
}

// assistantMessage returns the assistant message for the frame's
// message id, appending a new one when the id is unseen. Deltas for a
// new assistant turn flip the exchange from submitted to streaming.
func (l *MessageLog) assistantMessage(messageID string) *domain.Message {
	if messageID == "" && len(l.messages) > 0 {
		if last := &l.messages[len(l.messages)-1]; last.Role == domain.RoleAssistant {
			return last
		}
	}
	for i := range l.messages {
		if l.messages[i].ID == messageID && l.messages[i].Role == domain.RoleAssistant {
			return &l.messages[i]
		}
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}
	l.messages = append(l.messages, domain.Message{ID: messageID, Role: domain.RoleAssistant})
	if l.status == StatusSubmitted {
		l.status = StatusStreaming
	}
	return &l.messages[len(l.messages)-1]
}

func (l *MessageLog) applyTextDelta(frame Frame) {
	msg := l.assistantMessage(frame.MessageID)
	if l.status == StatusSubmitted {
		l.status = StatusStreaming
	}
	if n := len(msg.Parts); n > 0 && msg.Parts[n-1].Kind == domain.PartText {
		msg.Parts[n-1].Text += frame.Text
		return
	}
	msg.Parts = append(msg.Parts, domain.Part{Kind: domain.PartText, Text: frame.Text})
}

func (l *MessageLog) findToolPart(toolCallID string) *domain.Part {
	for i := len(l.messages) - 1; i >= 0; i-- {
		parts := l.messages[i].Parts
		for j := range parts {
			if parts[j].Kind == domain.PartTool && parts[j].ToolCallID == toolCallID {
				return &parts[j]
			}
		}
	}
	return nil
}

func (l *MessageLog) applyToolInputDelta(frame Frame) {
	if frame.ToolCallID == "" {
		slog.Debug("tool_input_delta without tool_call_id, skipping")
		return
	}
	if part := l.findToolPart(frame.ToolCallID); part != nil {
		if part.State != domain.ToolInputStreaming {
			slog.Debug("input delta for settled tool call, skipping",
				"tool_call_id", frame.ToolCallID, "state", part.State)
			return
		}
		part.Input = append(part.Input, []byte(frame.InputDelta)...)
		return
	}
	msg := l.assistantMessage(frame.MessageID)
	if l.status == StatusSubmitted {
		l.status = StatusStreaming
	}
	msg.Parts = append(msg.Parts, domain.Part{
		Kind:       domain.PartTool,
		ToolName:   frame.ToolName,
		ToolCallID: frame.ToolCallID,
		State:      domain.ToolInputStreaming,
		Input:      json.RawMessage(frame.InputDelta),
	})
}

func (l *MessageLog) applyToolInputReady(frame Frame) {
	part := l.findToolPart(frame.ToolCallID)
	if part == nil {
		// The full input arrived without preceding deltas.
		msg := l.assistantMessage(frame.MessageID)
		if l.status == StatusSubmitted {
			l.status = StatusStreaming
		}
		msg.Parts = append(msg.Parts, domain.Part{
			Kind:       domain.PartTool,
			ToolName:   frame.ToolName,
			ToolCallID: frame.ToolCallID,
			State:      domain.ToolInputAvailable,
			Input:      frame.Input,
		})
		return
	}
	if !domain.CanTransition(part.State, domain.ToolInputAvailable) {
		slog.Debug("rejecting backward tool transition",
			"tool_call_id", frame.ToolCallID, "from", part.State, "to", domain.ToolInputAvailable)
		return
	}
	if len(frame.Input) > 0 {
		part.Input = frame.Input
	}
	part.State = domain.ToolInputAvailable
}

func (l *MessageLog) applyToolResult(frame Frame) {
	part := l.findToolPart(frame.ToolCallID)
	if part == nil {
		slog.Debug("tool_result for unknown tool call, skipping", "tool_call_id", frame.ToolCallID)
		return
	}
	target := domain.ToolOutputAvailable
	if frame.Error != "" {
		target = domain.ToolError
	}
	if !domain.CanTransition(part.State, target) {
		slog.Debug("rejecting backward tool transition",
			"tool_call_id", frame.ToolCallID, "from", part.State, "to", target)
		return
	}
	part.Output = frame.Output
	part.State = target
}

// ResolveTool attaches a locally-produced output to a pending tool
// invocation and moves it to output-available. Returns false when the
// invocation is unknown or already settled.
func (l *MessageLog) ResolveTool(toolCallID string, output json.RawMessage) bool {
	l.mu.Lock()
	part := l.findToolPart(toolCallID)
	if part == nil || !domain.CanTransition(part.State, domain.ToolOutputAvailable) {
		l.mu.Unlock()
		return false
	}
	part.Output = output
	part.State = domain.ToolOutputAvailable
	l.mu.Unlock()
	l.notify()
	return true
}

// PendingInteractive returns the unresolved interactive tool calls of
// the latest assistant message.
func (l *MessageLog) PendingInteractive() []domain.Part {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Role != domain.RoleAssistant {
			continue
		}
		var pending []domain.Part
		for _, p := range l.messages[i].Parts {
			if p.Kind != domain.PartTool || !domain.InteractiveTool(p.ToolName) {
				continue
			}
			if p.State == domain.ToolInputStreaming || p.State == domain.ToolInputAvailable {
				pending = append(pending, p)
			}
		}
		return pending
	}
	return nil
}

// MarkStopped returns the exchange to idle after a user-initiated stop.
// Partial content already applied stays in place.
func (l *MessageLog) MarkStopped() {
	l.setStatus(StatusIdle)
	l.notify()
}
