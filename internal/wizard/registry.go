package wizard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/veridia/aicomply/internal/reasoner"
	"github.com/veridia/aicomply/internal/store"
)

// TransportFactory builds the conversation channel for one session.
// In production this dials the reasoning service over WebSocket.
type TransportFactory func(ctx context.Context, log *reasoner.MessageLog, providers reasoner.Providers) (Transport, error)

// Registry keeps one live orchestrator per wizard session so that SSE
// subscribers, tool submissions and chat sends from the same browser
// session share state.
type Registry struct {
	repo     store.Repository
	factory  TransportFactory
	onCreate func(*Orchestrator)
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*Orchestrator // session id -> orchestrator
}

// NewRegistry creates a registry. onCreate, when non-nil, runs exactly
// once per freshly wired orchestrator (used to fan progress events
// into the SSE hub).
func NewRegistry(repo store.Repository, factory TransportFactory, onCreate func(*Orchestrator), logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		repo:     repo,
		factory:  factory,
		onCreate: onCreate,
		logger:   logger,
		active:   make(map[string]*Orchestrator),
	}
}

// Acquire resolves the session for an owner (explicit id beats most
// recent active beats brand-new) and returns its live orchestrator,
// creating and wiring one on first use.
func (r *Registry) Acquire(ctx context.Context, ownerID, explicitID, systemID, plan string) (*Orchestrator, error) {
	orch := New(r.repo, r.logger)
	orch.SetPlan(plan)
	if err := orch.Resume(ctx, ownerID, explicitID, systemID); err != nil {
		return nil, err
	}
	sessionID := orch.State().SessionID

	r.mu.Lock()
	if existing, ok := r.active[sessionID]; ok {
		r.mu.Unlock()
		existing.SetPlan(plan)
		return existing, nil
	}
	r.mu.Unlock()

	transport, err := r.factory(ctx, orch.Log(), orch.Providers())
	if err != nil {
		return nil, fmt.Errorf("attach transport for session %s: %w", sessionID, err)
	}
	orch.AttachTransport(transport)

	r.mu.Lock()
	// Someone else may have raced us while the transport dialed.
	if existing, ok := r.active[sessionID]; ok {
		r.mu.Unlock()
		orch.Close()
		existing.SetPlan(plan)
		return existing, nil
	}
	r.active[sessionID] = orch
	r.mu.Unlock()

	if r.onCreate != nil {
		r.onCreate(orch)
	}
	return orch, nil
}

// Lookup returns the live orchestrator for a session id, if any.
func (r *Registry) Lookup(sessionID string) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orch, ok := r.active[sessionID]
	return orch, ok
}

// Release closes and forgets a session's orchestrator.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	orch, ok := r.active[sessionID]
	delete(r.active, sessionID)
	r.mu.Unlock()
	if ok {
		orch.Close()
	}
}

// Close releases every live orchestrator.
func (r *Registry) Close() {
	r.mu.Lock()
	orchs := make([]*Orchestrator, 0, len(r.active))
	for _, o := range r.active {
		orchs = append(orchs, o)
	}
	r.active = make(map[string]*Orchestrator)
	r.mu.Unlock()
	for _, o := range orchs {
		o.Close()
	}
}
