package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/veridia/aicomply/internal/domain"
	"github.com/veridia/aicomply/internal/reasoner"
	"github.com/veridia/aicomply/internal/schema"
	"github.com/veridia/aicomply/internal/store"
)

var (
	// ErrSessionNotFound is returned when an explicitly requested
	// session id does not exist or belongs to another owner.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionCompleted is returned on sends into a completed
	// session; reopening a completed session is a different flow.
	ErrSessionCompleted = errors.New("session already completed")

	// ErrNoTransport is returned when conversation operations are
	// invoked before a transport has been attached.
	ErrNoTransport = errors.New("no transport attached")
)

// historyLimit is how many trailing messages survive save-and-exit.
const historyLimit = 20

const persistTimeout = 5 * time.Second

// ProgressEvent is the published state consumed by the UI layer.
type ProgressEvent struct {
	SessionID            string               `json:"session_id"`
	Status               domain.SessionStatus `json:"status"`
	OverallProgress      int                  `json:"overall_progress"`
	CurrentSection       string               `json:"current_section"`
	CompletedSections    []string             `json:"completed_sections"`
	SystemID             string               `json:"system_id,omitempty"`
	SystemName           string               `json:"system_name,omitempty"`
	DocumentsGenerated   bool                 `json:"documents_generated"`
	EstimatedMinutesLeft int                  `json:"estimated_minutes_left"`
	TransportStatus      reasoner.Status      `json:"transport_status"`
}

// Orchestrator is the façade over one wizard session: it resolves
// which session to run, hydrates persisted state, reconciles progress
// on every message change and publishes the result.
type Orchestrator struct {
	repo   store.Repository
	logger *slog.Logger
	log    *reasoner.MessageLog

	mu           sync.Mutex
	session      *domain.Session
	plan         string
	transport    Transport
	bridge       *Bridge
	subscribers  map[int]func(ProgressEvent)
	subscriberID int
}

// New creates an orchestrator. Resume must be called before use.
func New(repo store.Repository, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		repo:   repo,
		logger: logger,
		log:    reasoner.NewMessageLog(),
	}
}

// Log returns the message log the orchestrator reconciles over.
func (o *Orchestrator) Log() *reasoner.MessageLog {
	return o.log
}

// SetPlan records the owner's subscription tier, forwarded to the
// reasoning service with every exchange.
func (o *Orchestrator) SetPlan(plan string) {
	o.mu.Lock()
	o.plan = plan
	o.mu.Unlock()
}

// Resume resolves the session to run: explicit id first, then the
// owner's most recent active session, then a brand-new one. Store
// failures are recoverable — the conversation continues in memory and
// persistence is retried on later saves.
func (o *Orchestrator) Resume(ctx context.Context, ownerID, explicitID, systemID string) error {
	if explicitID != "" {
		session, err := o.repo.GetSession(ctx, explicitID)
		if err != nil {
			return fmt.Errorf("load session %s: %w", explicitID, err)
		}
		if session == nil || session.OwnerID != ownerID {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, explicitID)
		}
		o.adopt(session)
		return nil
	}

	session, err := o.repo.GetMostRecentActive(ctx, ownerID, systemID)
	if err != nil {
		o.logger.Warn("failed to look up active session, starting in memory",
			"owner_id", ownerID, "error", err)
	}
	if session == nil {
		session, err = o.repo.CreateSession(ctx, ownerID, systemID)
		if err != nil {
			o.logger.Warn("failed to persist new session, continuing in memory",
				"owner_id", ownerID, "error", err)
			now := time.Now()
			session = &domain.Session{
				ID:                uuid.NewString(),
				OwnerID:           ownerID,
				SystemID:          systemID,
				CurrentSection:    schema.First().ID,
				CompletedSections: []string{},
				Status:            domain.StatusActive,
				CreatedAt:         now,
				LastActivityAt:    now,
			}
		}
	}
	o.adopt(session)
	return nil
}

func (o *Orchestrator) adopt(session *domain.Session) {
	o.mu.Lock()
	o.session = session
	o.mu.Unlock()
	if len(session.Messages) > 0 {
		o.log.Hydrate(session.Messages)
	}
	o.logger.Info("wizard session resolved",
		"session_id", session.ID,
		"owner_id", session.OwnerID,
		"status", session.Status,
		"progress", session.OverallProgress,
	)
}

// Providers exposes live readers for the transport, so a system id
// created mid-session (or a plan change) is picked up on the next
// frame without rebuilding the client.
func (o *Orchestrator) Providers() reasoner.Providers {
	return reasoner.Providers{
		SessionID: func() string {
			o.mu.Lock()
			defer o.mu.Unlock()
			if o.session == nil {
				return ""
			}
			return o.session.ID
		},
		SystemID: func() string {
			o.mu.Lock()
			defer o.mu.Unlock()
			if o.session == nil {
				return ""
			}
			return o.session.SystemID
		},
		Plan: func() string {
			o.mu.Lock()
			defer o.mu.Unlock()
			return o.plan
		},
	}
}

// AttachTransport wires the conversation channel and starts
// reconciling on every message-list change.
func (o *Orchestrator) AttachTransport(t Transport) {
	o.mu.Lock()
	o.transport = t
	o.bridge = NewBridge(t, o.log, true, o.logger)
	o.mu.Unlock()
	o.log.Subscribe(o.reconcile)
}

// Subscribe registers a progress listener, invoked after every
// reconciliation pass that changed derived state. The returned
// function removes the listener.
func (o *Orchestrator) Subscribe(fn func(ProgressEvent)) func() {
	o.mu.Lock()
	if o.subscribers == nil {
		o.subscribers = make(map[int]func(ProgressEvent))
	}
	o.subscriberID++
	id := o.subscriberID
	o.subscribers[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subscribers, id)
		o.mu.Unlock()
	}
}

// reconcile re-scans the full message list and applies the monotonic
// merge. Safe to run on every streaming delta: the scan is pure and
// the merge never regresses visible state.
func (o *Orchestrator) reconcile() {
	snap := Scan(o.log.Snapshot())

	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return
	}
	changed := Merge(o.session, snap)
	if o.session.Status == domain.StatusActive &&
		o.session.DocumentsGenerated && o.session.OverallProgress >= 100 {
		o.session.Status = domain.StatusCompleted
		changed = true
	}
	if !changed {
		o.mu.Unlock()
		return
	}
	o.session.LastActivityAt = time.Now()
	event := o.eventLocked()
	snapshot := *o.session
	snapshot.Messages = nil // scalar checkpoint only; history persists on save-and-exit
	subscribers := make([]func(ProgressEvent), 0, len(o.subscribers))
	for _, fn := range o.subscribers {
		subscribers = append(subscribers, fn)
	}
	o.mu.Unlock()

	o.persistAsync(&snapshot)
	for _, fn := range subscribers {
		fn(event)
	}
}

// persistAsync checkpoints scalar session state. Fire-and-forget:
// persistence failure never interrupts the live conversation.
func (o *Orchestrator) persistAsync(session *domain.Session) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := o.repo.SaveSession(ctx, session); err != nil {
			o.logger.Warn("failed to checkpoint session",
				"session_id", session.ID, "error", err)
		}
	}()
}

func (o *Orchestrator) eventLocked() ProgressEvent {
	completed := append([]string(nil), o.session.CompletedSections...)
	return ProgressEvent{
		SessionID:            o.session.ID,
		Status:               o.session.Status,
		OverallProgress:      o.session.OverallProgress,
		CurrentSection:       o.session.CurrentSection,
		CompletedSections:    completed,
		SystemID:             o.session.SystemID,
		SystemName:           o.session.SystemName,
		DocumentsGenerated:   o.session.DocumentsGenerated,
		EstimatedMinutesLeft: schema.EstimatedMinutesRemaining(completed),
		TransportStatus:      o.log.Status(),
	}
}

// State returns the current published state.
func (o *Orchestrator) State() ProgressEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return ProgressEvent{TransportStatus: o.log.Status()}
	}
	return o.eventLocked()
}

// Session returns a copy of the underlying session record, including
// the live (untrimmed) message history.
func (o *Orchestrator) Session() domain.Session {
	o.mu.Lock()
	session := *o.session
	o.mu.Unlock()
	session.Messages = o.log.Snapshot()
	return session
}

// Send forwards a user turn into the conversation.
func (o *Orchestrator) Send(ctx context.Context, text string) error {
	o.mu.Lock()
	transport := o.transport
	if o.session != nil && o.session.Status == domain.StatusCompleted {
		o.mu.Unlock()
		return ErrSessionCompleted
	}
	if o.session != nil {
		o.session.LastActivityAt = time.Now()
	}
	o.mu.Unlock()

	if transport == nil {
		return ErrNoTransport
	}
	return transport.Send(ctx, text)
}

// SubmitToolOutput resolves a pending interactive tool call through
// the bridge.
func (o *Orchestrator) SubmitToolOutput(ctx context.Context, toolName, toolCallID string, output json.RawMessage) error {
	o.mu.Lock()
	bridge := o.bridge
	o.mu.Unlock()
	if bridge == nil {
		return ErrNoTransport
	}
	return bridge.SubmitToolOutput(ctx, toolName, toolCallID, output)
}

// ReviseAnswer corrects a previously captured answer via the bridge
// and records the new value locally.
func (o *Orchestrator) ReviseAnswer(ctx context.Context, fieldKey string, oldValue, newValue any) error {
	o.mu.Lock()
	bridge := o.bridge
	if o.session != nil {
		o.session.SetFieldValue(fieldKey, newValue)
	}
	o.mu.Unlock()
	if bridge == nil {
		return ErrNoTransport
	}
	return bridge.ReviseAnswer(ctx, fieldKey, oldValue, newValue)
}

// NavigateToSection requests a conversational jump back to a section.
func (o *Orchestrator) NavigateToSection(ctx context.Context, sectionID string) error {
	o.mu.Lock()
	bridge := o.bridge
	o.mu.Unlock()
	if bridge == nil {
		return ErrNoTransport
	}
	return bridge.NavigateToSection(ctx, sectionID)
}

// Stop aborts the in-flight exchange, keeping partial content and any
// progress already reconciled from it.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	transport := o.transport
	o.mu.Unlock()
	if transport != nil {
		transport.Stop(ctx)
	}
}

// SaveAndExit persists the session with a trimmed message history:
// the last messages only, keeping just stable part types so a restored
// history never contains half-open tool invocations. The returned
// error informs the user a save failed; navigation away proceeds
// regardless.
func (o *Orchestrator) SaveAndExit(ctx context.Context) error {
	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return nil
	}
	snapshot := *o.session
	o.mu.Unlock()

	snapshot.Messages = TrimHistory(o.log.Snapshot(), historyLimit)
	snapshot.LastActivityAt = time.Now()

	if err := o.repo.SaveSession(ctx, &snapshot); err != nil {
		o.logger.Warn("save-and-exit persistence failed",
			"session_id", snapshot.ID, "error", err)
		return fmt.Errorf("save session: %w", err)
	}
	o.logger.Info("session saved",
		"session_id", snapshot.ID,
		"progress", snapshot.OverallProgress,
		"messages_kept", len(snapshot.Messages),
	)
	return nil
}

// TrimHistory keeps the trailing limit messages and drops unstable
// parts. Messages left with no parts are dropped entirely.
func TrimHistory(messages []domain.Message, limit int) []domain.Message {
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	trimmed := make([]domain.Message, 0, len(messages))
	for _, msg := range messages {
		var parts []domain.Part
		for _, p := range msg.Parts {
			if p.Stable() {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			continue
		}
		trimmed = append(trimmed, domain.Message{ID: msg.ID, Role: msg.Role, Parts: parts})
	}
	return trimmed
}

// Close releases the transport.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	transport := o.transport
	o.transport = nil
	o.bridge = nil
	o.mu.Unlock()
	if transport != nil {
		transport.Close()
	}
}
