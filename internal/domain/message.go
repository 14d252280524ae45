package domain

import (
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartKind discriminates the Part variant.
type PartKind string

const (
	PartText PartKind = "text"
	PartTool PartKind = "tool"
)

// ToolState is the lifecycle state of one tool invocation.
//
// Invocations only ever move forward:
//
//	input-streaming -> input-available -> output-available
//	                                   \-> error
type ToolState string

const (
	ToolInputStreaming  ToolState = "input-streaming"
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
	ToolError           ToolState = "error"
)

var toolStateRank = map[ToolState]int{
	ToolInputStreaming:  0,
	ToolInputAvailable:  1,
	ToolOutputAvailable: 2,
	ToolError:           2,
}

// CanTransition reports whether a tool invocation may move from one
// state to another. Terminal states accept no further transitions and
// no transition may move backward.
func CanTransition(from, to ToolState) bool {
	if from == ToolOutputAvailable || from == ToolError {
		return false
	}
	return toolStateRank[to] > toolStateRank[from]
}

// Tool names emitted by the reasoning service. The first three carry
// session-level state the reconciler folds over; the rest render
// interactive widgets and are resolved through the tool-output bridge.
const (
	ToolUpdateProgress    = "update_progress"
	ToolCreateAISystem    = "create_ai_system"
	ToolGenerateDocuments = "generate_documents"

	ToolAskText         = "ask_text"
	ToolAskSingleSelect = "ask_single_select"
	ToolAskMultiSelect  = "ask_multi_select"
	ToolShowPreview     = "show_preview"
	ToolShowCompletion  = "show_completion"
)

// InteractiveTool reports whether a tool renders a widget the user must
// resolve before the exchange can continue.
func InteractiveTool(name string) bool {
	switch name {
	case ToolAskText, ToolAskSingleSelect, ToolAskMultiSelect, ToolShowPreview, ToolShowCompletion:
		return true
	}
	return false
}

// Part is the normalized message-part variant. Text parts carry only
// Text; tool parts carry the invocation fields. Input and Output stay
// raw JSON until a consumer decodes them at its own boundary.
type Part struct {
	Kind       PartKind        `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	State      ToolState       `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// Resolved reports whether a tool part reached its terminal success state.
func (p Part) Resolved() bool {
	return p.Kind == PartTool && p.State == ToolOutputAvailable
}

// Stable reports whether a part is safe to persist for resume. Tool
// parts still streaming or awaiting resolution are dropped on save; a
// restored history must never contain half-open invocations.
func (p Part) Stable() bool {
	if p.Kind == PartText {
		return true
	}
	return p.State == ToolOutputAvailable || p.State == ToolError
}

// Message is one conversation turn composed of ordered parts.
type Message struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}
