package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/veridia/aicomply/internal/domain"
	"github.com/veridia/aicomply/internal/reasoner"
	"github.com/veridia/aicomply/internal/schema"
)

// memoryRepo is an in-memory Repository for orchestrator tests.
type memoryRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	saveErr  error
	loadErr  error
	saves    int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{sessions: make(map[string]*domain.Session)}
}

func (m *memoryRepo) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return nil, nil
}

func (m *memoryRepo) UpsertUser(ctx context.Context, user *domain.User) error { return nil }

func (m *memoryRepo) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	return nil
}

func (m *memoryRepo) CreateSession(ctx context.Context, ownerID, systemID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return nil, m.saveErr
	}
	now := time.Now()
	session := &domain.Session{
		ID:                uuid.NewString(),
		OwnerID:           ownerID,
		SystemID:          systemID,
		CurrentSection:    schema.First().ID,
		CompletedSections: []string{},
		Status:            domain.StatusActive,
		CreatedAt:         now,
		LastActivityAt:    now,
	}
	m.sessions[session.ID] = session
	return session, nil
}

func (m *memoryRepo) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (m *memoryRepo) GetMostRecentActive(ctx context.Context, ownerID, systemID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	var best *domain.Session
	for _, s := range m.sessions {
		if s.OwnerID != ownerID || s.Status != domain.StatusActive {
			continue
		}
		if systemID != "" && s.SystemID != systemID {
			continue
		}
		if best == nil || s.LastActivityAt.After(best.LastActivityAt) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (m *memoryRepo) SaveSession(ctx context.Context, session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *memoryRepo) AbandonStale(ctx context.Context, ttl time.Duration) (int64, error) {
	return 0, nil
}

func (m *memoryRepo) Ping(ctx context.Context) error { return nil }

func (m *memoryRepo) Close() error { return nil }

func TestResumeExplicitID(t *testing.T) {
	repo := newMemoryRepo()
	seed, err := repo.CreateSession(context.Background(), "anon_owner", "")
	if err != nil {
		t.Fatal(err)
	}

	orch := New(repo, nil)
	if err := orch.Resume(context.Background(), "anon_owner", seed.ID, ""); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if orch.State().SessionID != seed.ID {
		t.Errorf("Expected explicit session adopted, got %s", orch.State().SessionID)
	}
}

func TestResumeExplicitIDNotFound(t *testing.T) {
	repo := newMemoryRepo()
	orch := New(repo, nil)

	err := orch.Resume(context.Background(), "anon_owner", "missing-id", "")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestResumeExplicitIDWrongOwner(t *testing.T) {
	repo := newMemoryRepo()
	seed, _ := repo.CreateSession(context.Background(), "anon_other", "")

	orch := New(repo, nil)
	err := orch.Resume(context.Background(), "anon_owner", seed.ID, "")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound for foreign session, got %v", err)
	}
}

func TestResumePrefersMostRecentActive(t *testing.T) {
	repo := newMemoryRepo()
	older, _ := repo.CreateSession(context.Background(), "anon_owner", "")
	older.LastActivityAt = time.Now().Add(-time.Hour)
	newer, _ := repo.CreateSession(context.Background(), "anon_owner", "")
	newer.LastActivityAt = time.Now()

	orch := New(repo, nil)
	if err := orch.Resume(context.Background(), "anon_owner", "", ""); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if orch.State().SessionID != newer.ID {
		t.Errorf("Expected most recent active session, got %s", orch.State().SessionID)
	}
}

func TestResumeCreatesWhenNoneActive(t *testing.T) {
	repo := newMemoryRepo()
	orch := New(repo, nil)
	if err := orch.Resume(context.Background(), "anon_owner", "", ""); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	state := orch.State()
	if state.SessionID == "" {
		t.Fatal("Expected a fresh session")
	}
	if state.CurrentSection != schema.First().ID {
		t.Errorf("Expected new session to start at the first section, got %s", state.CurrentSection)
	}
}

func TestResumeFallsBackToMemoryOnStoreFailure(t *testing.T) {
	repo := newMemoryRepo()
	repo.loadErr = errors.New("disk on fire")
	repo.saveErr = errors.New("disk on fire")

	orch := New(repo, nil)
	if err := orch.Resume(context.Background(), "anon_owner", "", ""); err != nil {
		t.Fatalf("Expected in-memory fallback, got %v", err)
	}
	if orch.State().SessionID == "" {
		t.Error("Expected an in-memory session id")
	}
}

// Resume fidelity: a session saved at {A,B} complete, current C, 40%
// reads back exactly that before any new reconciliation runs.
func TestResumeFidelity(t *testing.T) {
	repo := newMemoryRepo()
	seed, _ := repo.CreateSession(context.Background(), "anon_owner", "")
	seed.CompletedSections = []string{"company_info", "ai_system_details"}
	seed.CurrentSection = "risk_and_data"
	seed.OverallProgress = 40
	seed.Messages = []domain.Message{
		{ID: "m1", Role: domain.RoleUser, Parts: []domain.Part{{Kind: domain.PartText, Text: "hi"}}},
	}
	if err := repo.SaveSession(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	orch := New(repo, nil)
	if err := orch.Resume(context.Background(), "anon_owner", seed.ID, ""); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	state := orch.State()
	if state.OverallProgress != 40 {
		t.Errorf("Expected progress 40, got %d", state.OverallProgress)
	}
	if state.CurrentSection != "risk_and_data" {
		t.Errorf("Expected current section risk_and_data, got %s", state.CurrentSection)
	}
	if len(state.CompletedSections) != 2 {
		t.Errorf("Expected 2 completed sections, got %v", state.CompletedSections)
	}
	if got := len(orch.Log().Snapshot()); got != 1 {
		t.Errorf("Expected hydrated history, got %d messages", got)
	}
}

func attachFake(t *testing.T, orch *Orchestrator) *fakeTransport {
	t.Helper()
	transport := &fakeTransport{log: orch.Log()}
	orch.AttachTransport(transport)
	return transport
}

func TestReconcileOnToolResults(t *testing.T) {
	repo := newMemoryRepo()
	orch := New(repo, nil)
	if err := orch.Resume(context.Background(), "anon_owner", "", ""); err != nil {
		t.Fatal(err)
	}
	attachFake(t, orch)

	var events []ProgressEvent
	var mu sync.Mutex
	orch.Subscribe(func(e ProgressEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	log := orch.Log()
	log.AppendUser("here is my company")
	log.Apply(reasoner.Frame{Type: reasoner.FrameToolInputReady, MessageID: "m1", ToolName: domain.ToolUpdateProgress, ToolCallID: "t1"})
	log.Apply(reasoner.Frame{
		Type:       reasoner.FrameToolResult,
		ToolCallID: "t1",
		Output:     json.RawMessage(`{"success":true,"overall":14,"sections_completed":["company_info"],"current_section":"ai_system_details"}`),
	})

	state := orch.State()
	if state.OverallProgress != 14 {
		t.Errorf("Expected progress 14 after reconcile, got %d", state.OverallProgress)
	}
	if state.CurrentSection != "ai_system_details" {
		t.Errorf("Expected section advanced, got %s", state.CurrentSection)
	}

	mu.Lock()
	n := len(events)
	mu.Unlock()
	if n == 0 {
		t.Error("Expected at least one progress event published")
	}
}

func TestDocumentsGenerationCompletesSession(t *testing.T) {
	repo := newMemoryRepo()
	orch := New(repo, nil)
	if err := orch.Resume(context.Background(), "anon_owner", "", ""); err != nil {
		t.Fatal(err)
	}
	attachFake(t, orch)

	log := orch.Log()
	log.AppendUser("generate my documents")
	log.Apply(reasoner.Frame{Type: reasoner.FrameToolInputReady, MessageID: "m1", ToolName: domain.ToolGenerateDocuments, ToolCallID: "t1"})
	log.Apply(reasoner.Frame{Type: reasoner.FrameToolResult, ToolCallID: "t1", Output: json.RawMessage(`{"success":true}`)})

	state := orch.State()
	if state.OverallProgress != 100 {
		t.Errorf("Expected progress 100, got %d", state.OverallProgress)
	}
	if state.Status != domain.StatusCompleted {
		t.Errorf("Expected completed status, got %s", state.Status)
	}

	// Sends into a completed session are rejected.
	if err := orch.Send(context.Background(), "one more thing"); !errors.Is(err, ErrSessionCompleted) {
		t.Errorf("Expected ErrSessionCompleted, got %v", err)
	}
}

func TestSaveAndExitTrimsHistory(t *testing.T) {
	repo := newMemoryRepo()
	orch := New(repo, nil)
	if err := orch.Resume(context.Background(), "anon_owner", "", ""); err != nil {
		t.Fatal(err)
	}
	attachFake(t, orch)

	log := orch.Log()
	for i := 0; i < 30; i++ {
		log.AppendUser("turn")
		log.Apply(reasoner.Frame{Type: reasoner.FrameTextDelta, Text: "reply"})
		log.Apply(reasoner.Frame{Type: reasoner.FrameMessageDone})
	}
	// Leave one half-open tool call in the latest assistant message.
	log.Apply(reasoner.Frame{Type: reasoner.FrameToolInputReady, ToolName: domain.ToolAskText, ToolCallID: "open", MessageID: "last"})

	if err := orch.SaveAndExit(context.Background()); err != nil {
		t.Fatalf("SaveAndExit failed: %v", err)
	}

	saved, err := repo.GetSession(context.Background(), orch.State().SessionID)
	if err != nil || saved == nil {
		t.Fatalf("Expected saved session, got %v, %v", saved, err)
	}
	if len(saved.Messages) > historyLimit {
		t.Errorf("Expected at most %d messages, got %d", historyLimit, len(saved.Messages))
	}
	for _, msg := range saved.Messages {
		for _, p := range msg.Parts {
			if !p.Stable() {
				t.Errorf("Expected only stable parts persisted, found %+v", p)
			}
		}
	}
}

func TestSaveAndExitReportsFailure(t *testing.T) {
	repo := newMemoryRepo()
	orch := New(repo, nil)
	if err := orch.Resume(context.Background(), "anon_owner", "", ""); err != nil {
		t.Fatal(err)
	}
	repo.saveErr = errors.New("disk full")

	if err := orch.SaveAndExit(context.Background()); err == nil {
		t.Error("Expected save failure to be reported")
	}
}

func TestTrimHistory(t *testing.T) {
	var msgs []domain.Message
	for i := 0; i < 25; i++ {
		msgs = append(msgs, domain.Message{
			Role:  domain.RoleUser,
			Parts: []domain.Part{{Kind: domain.PartText, Text: "x"}},
		})
	}
	msgs = append(msgs, domain.Message{
		Role: domain.RoleAssistant,
		Parts: []domain.Part{
			{Kind: domain.PartTool, ToolName: domain.ToolAskText, State: domain.ToolInputAvailable},
		},
	})

	trimmed := TrimHistory(msgs, 20)
	if len(trimmed) > 20 {
		t.Fatalf("Expected at most 20 messages, got %d", len(trimmed))
	}
	// The trailing assistant message held only an unstable part and is
	// dropped entirely.
	if last := trimmed[len(trimmed)-1]; last.Role != domain.RoleUser {
		t.Errorf("Expected unstable-only message dropped, got %+v", last)
	}
}

func TestSendWithoutTransport(t *testing.T) {
	repo := newMemoryRepo()
	orch := New(repo, nil)
	if err := orch.Resume(context.Background(), "anon_owner", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := orch.Send(context.Background(), "hello"); !errors.Is(err, ErrNoTransport) {
		t.Errorf("Expected ErrNoTransport, got %v", err)
	}
}

func TestProvidersReadLiveState(t *testing.T) {
	repo := newMemoryRepo()
	orch := New(repo, nil)
	orch.SetPlan("free")
	if err := orch.Resume(context.Background(), "anon_owner", "", ""); err != nil {
		t.Fatal(err)
	}
	attachFake(t, orch)

	providers := orch.Providers()
	if providers.SystemID() != "" {
		t.Fatalf("Expected no system id yet, got %s", providers.SystemID())
	}

	// A system created mid-conversation is visible on the next read.
	log := orch.Log()
	log.AppendUser("create it")
	log.Apply(reasoner.Frame{Type: reasoner.FrameToolInputReady, MessageID: "m1", ToolName: domain.ToolCreateAISystem, ToolCallID: "t1"})
	log.Apply(reasoner.Frame{Type: reasoner.FrameToolResult, ToolCallID: "t1", Output: json.RawMessage(`{"success":true,"system_id":"sys-7","system_name":"Ranker"}`)})

	if providers.SystemID() != "sys-7" {
		t.Errorf("Expected provider to see the derived system id, got %s", providers.SystemID())
	}
	orch.SetPlan("pro")
	if providers.Plan() != "pro" {
		t.Errorf("Expected plan change visible through provider, got %s", providers.Plan())
	}
}
