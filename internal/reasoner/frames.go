// Package reasoner implements the streaming transport to the remote
// reasoning service that drives Quick Comply conversations.
package reasoner

import (
	"encoding/json"
)

// Frame types received from the reasoning service. Each frame is a
// delta against the growing message list; frames within one exchange
// arrive and are applied in emission order.
const (
	FrameTextDelta      = "text_delta"
	FrameToolInputDelta = "tool_input_delta"
	FrameToolInputReady = "tool_input_ready"
	FrameToolResult     = "tool_result"
	FrameMessageDone    = "message_done"
	FrameError          = "error"
)

// Frame types sent to the reasoning service.
const (
	FrameUserMessage = "user_message"
	FrameToolOutput  = "tool_output"
	FrameContinue    = "continue"
	FrameStop        = "stop"
)

// Frame is one JSON frame on the reasoning stream, both directions.
type Frame struct {
	Type       string          `json:"type"`
	MessageID  string          `json:"message_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Text       string          `json:"text,omitempty"`
	InputDelta string          `json:"input_delta,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`

	// Context for outbound user_message frames.
	SessionID string `json:"session_id,omitempty"`
	SystemID  string `json:"system_id,omitempty"`
	Plan      string `json:"plan,omitempty"`
}
