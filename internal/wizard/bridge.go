package wizard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/veridia/aicomply/internal/domain"
	"github.com/veridia/aicomply/internal/reasoner"
)

// Transport is the conversation channel the engine drives. Implemented
// by reasoner.Client; faked in tests.
type Transport interface {
	Send(ctx context.Context, text string) error
	SubmitToolOutput(ctx context.Context, toolName, toolCallID string, output json.RawMessage) error
	Continue(ctx context.Context) error
	Stop(ctx context.Context)
	Close()
}

var _ Transport = (*reasoner.Client)(nil)

// Bridge feeds widget-resolved tool outputs back into the transport.
//
// A single assistant turn may carry several parallel interactive tool
// calls; the exchange resumes only once every one of them is resolved.
// Continuing earlier would desynchronize the reasoning service's
// expected state.
type Bridge struct {
	transport    Transport
	log          *reasoner.MessageLog
	autoContinue bool
	logger       *slog.Logger
}

// NewBridge creates a bridge over the given transport and message log.
func NewBridge(transport Transport, log *reasoner.MessageLog, autoContinue bool, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		transport:    transport,
		log:          log,
		autoContinue: autoContinue,
		logger:       logger,
	}
}

// SubmitToolOutput resolves one pending interactive tool call. When
// auto-continuation is on and no pending interactive call remains in
// the latest assistant message, the exchange is resumed.
func (b *Bridge) SubmitToolOutput(ctx context.Context, toolName, toolCallID string, output json.RawMessage) error {
	if err := b.transport.SubmitToolOutput(ctx, toolName, toolCallID, output); err != nil {
		return fmt.Errorf("submit tool output: %w", err)
	}

	if !b.autoContinue {
		return nil
	}
	if pending := b.log.PendingInteractive(); len(pending) > 0 {
		b.logger.Debug("holding continuation for pending tool calls",
			"resolved", toolCallID, "pending", len(pending))
		return nil
	}
	if err := b.transport.Continue(ctx); err != nil {
		return fmt.Errorf("continue exchange: %w", err)
	}
	return nil
}

// ReviseAnswer corrects a previously captured field value by sending a
// new natural-language user turn. History is never rewritten: the
// reasoning service owns reclassification, and the replayed message
// order the reconciler depends on stays stable.
func (b *Bridge) ReviseAnswer(ctx context.Context, fieldKey string, oldValue, newValue any) error {
	text := fmt.Sprintf(
		"I want to change my answer for %q. It was %v, please update it to %v and adjust anything that depends on it.",
		fieldKey, oldValue, newValue,
	)
	if err := b.transport.Send(ctx, text); err != nil {
		return fmt.Errorf("send revision turn: %w", err)
	}
	return nil
}

// NavigateToSection asks the reasoning service to jump back to a
// previously completed section for review. A synthetic conversational
// request, not a direct state mutation: the visible pointer only moves
// if the service decides to move it, so the reconciler's forward-only
// merge stays intact.
func (b *Bridge) NavigateToSection(ctx context.Context, sectionID string) error {
	text := fmt.Sprintf("Please take me back to the %q section so I can review my answers.", sectionID)
	if err := b.transport.Send(ctx, text); err != nil {
		return fmt.Errorf("send navigation turn: %w", err)
	}
	return nil
}

// Pending lists the unresolved interactive tool calls of the latest
// assistant message, for the widget layer.
func (b *Bridge) Pending() []domain.Part {
	return b.log.PendingInteractive()
}
