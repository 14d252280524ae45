package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"log/slog"

	"github.com/veridia/aicomply/internal/audit"
	"github.com/veridia/aicomply/internal/config"
	"github.com/veridia/aicomply/internal/domain"
	"github.com/veridia/aicomply/internal/identity"
	"github.com/veridia/aicomply/internal/reasoner"
	"github.com/veridia/aicomply/internal/schema"
	"github.com/veridia/aicomply/internal/wizard"
)

// WizardHandler exposes the guided compliance wizard over HTTP.
type WizardHandler struct {
	registry    *wizard.Registry
	hub         *Hub
	auditLog    *audit.Logger
	rateLimiter *RateLimiter
	cfg         *config.Config
}

// NewWizardHandler creates the wizard API handler.
func NewWizardHandler(registry *wizard.Registry, hub *Hub, auditLog *audit.Logger, cfg *config.Config) *WizardHandler {
	return &WizardHandler{
		registry:    registry,
		hub:         hub,
		auditLog:    auditLog,
		rateLimiter: NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		cfg:         cfg,
	}
}

// RegisterRoutes registers wizard routes (identity middleware required).
func (h *WizardHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/wizard", func(r chi.Router) {
		r.Get("/schema", h.HandleSchema)
		r.Get("/session", h.HandleSession)
		r.Get("/stream", h.HandleStream)
		r.Post("/chat", h.HandleChat)
		r.Post("/tool-output", h.HandleToolOutput)
		r.Post("/revise", h.HandleRevise)
		r.Post("/navigate", h.HandleNavigate)
		r.Post("/stop", h.HandleStop)
		r.Post("/save-exit", h.HandleSaveExit)
	})
}

type chatRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
	SystemID  string `json:"system_id,omitempty"`
}

type toolOutputRequest struct {
	SessionID  string          `json:"session_id"`
	ToolName   string          `json:"tool_name"`
	ToolCallID string          `json:"tool_call_id"`
	Output     json.RawMessage `json:"output"`
}

type reviseRequest struct {
	SessionID string `json:"session_id"`
	FieldKey  string `json:"field_key"`
	OldValue  any    `json:"old_value"`
	NewValue  any    `json:"new_value"`
}

type navigateRequest struct {
	SessionID string `json:"session_id"`
	SectionID string `json:"section_id"`
}

type sessionRef struct {
	SessionID string `json:"session_id"`
}

// HandleSchema returns the section/field schema for the UI.
func (h *WizardHandler) HandleSchema(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"sections": schema.Sections()})
}

// HandleSession resolves and returns the session to resume: explicit
// session_id beats the owner's most recent active beats a new session.
func (h *WizardHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.UserIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orch, ok := h.acquire(w, r, r.URL.Query().Get("session_id"), r.URL.Query().Get("system_id"))
	if !ok {
		return
	}

	session := orch.Session()
	state := orch.State()
	JSON(w, http.StatusOK, map[string]any{
		"session":                session,
		"state":                  state,
		"pending_tools":          orch.Log().PendingInteractive(),
		"estimated_minutes_left": schema.EstimatedMinutesRemaining(session.CompletedSections),
	})
}

// HandleChat handles POST /api/wizard/chat: sends a user turn and
// streams the assistant's response back as SSE message snapshots.
//
//nolint:gocyclo // Validation and streaming branches are kept inline to preserve request flow.
func (h *WizardHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.UserIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Rate-limit by owner only (not owner:tab) so clients cannot bypass
	// throttling by rotating tab IDs.
	if !h.rateLimiter.Allow(ownerID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}

	orch, ok := h.acquire(w, r, req.SessionID, req.SystemID)
	if !ok {
		return
	}

	state := orch.State()
	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("Wizard chat request",
		"owner_id", ownerID,
		"session_id", state.SessionID,
		"message_length", len(req.Text),
	)
	h.auditLog.Log(audit.Event{
		OwnerID:    ownerID,
		SessionID:  state.SessionID,
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: req.Text,
		Meta:       map[string]any{"request_id": reqID},
	})

	if err := orch.Send(r.Context(), req.Text); err != nil {
		switch {
		case errors.Is(err, reasoner.ErrExchangeInFlight):
			Error(w, http.StatusConflict, "an exchange is already in flight")
		case errors.Is(err, wizard.ErrSessionCompleted):
			Error(w, http.StatusConflict, "session already completed")
		case errors.Is(err, wizard.ErrNoTransport):
			Error(w, http.StatusServiceUnavailable, "wizard unavailable")
		default:
			slog.Error("wizard send failed", "error", err, "session_id", state.SessionID)
			Error(w, http.StatusBadGateway, "failed to reach reasoning service")
		}
		return
	}

	h.streamExchange(w, r, orch, ownerID, state.SessionID, reqID)
}

// streamExchange writes SSE message snapshots until the exchange
// settles back to idle or fails.
func (h *WizardHandler) streamExchange(w http.ResponseWriter, r *http.Request, orch *wizard.Orchestrator, ownerID, sessionID, reqID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	notify := make(chan struct{}, 1)
	unsubscribe := orch.Log().Subscribe(func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	log := orch.Log()
	writeSnapshot := func() (reasoner.Status, bool) {
		status := log.Status()
		payload := map[string]any{
			"status":        status,
			"message":       latestAssistant(log.Snapshot()),
			"pending_tools": log.PendingInteractive(),
		}
		if status == reasoner.StatusError {
			payload["error"] = log.LastError()
		}
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Warn("failed to marshal chat snapshot", "error", err)
			return status, false
		}
		if err := writeSSE(w, "message", string(data)); err != nil {
			slog.Warn("failed to write SSE message event", "error", err)
			return status, false
		}
		flusher.Flush()
		return status, true
	}

	if _, ok := writeSnapshot(); !ok {
		return
	}

	// Exchanges that stall past this deadline are cut loose; partial
	// content stays in the message log and on screen.
	deadline := time.NewTimer(2 * time.Minute)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logAssistant(orch, ownerID, sessionID, reqID, "client_disconnected")
			return
		case <-deadline.C:
			slog.Warn("chat exchange deadline exceeded", "session_id", sessionID)
			h.logAssistant(orch, ownerID, sessionID, reqID, "deadline_exceeded")
			return
		case <-notify:
			status, ok := writeSnapshot()
			if !ok {
				return
			}
			// Pending interactive tool calls also settle the stream:
			// the exchange resumes after the user resolves them.
			if status == reasoner.StatusIdle || status == reasoner.StatusError ||
				len(log.PendingInteractive()) > 0 {
				h.logAssistant(orch, ownerID, sessionID, reqID, "")
				return
			}
		}
	}
}

func (h *WizardHandler) logAssistant(orch *wizard.Orchestrator, ownerID, sessionID, reqID, note string) {
	msg := latestAssistant(orch.Log().Snapshot())
	var content strings.Builder
	toolsUsed := []string{}
	if msg != nil {
		for _, p := range msg.Parts {
			if p.Kind == domain.PartText {
				content.WriteString(p.Text)
			} else {
				toolsUsed = append(toolsUsed, p.ToolName)
			}
		}
	}
	h.auditLog.Log(audit.Event{
		OwnerID:    ownerID,
		SessionID:  sessionID,
		Channel:    "chat_http",
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: content.String(),
		Meta: map[string]any{
			"request_id": reqID,
			"tools_used": toolsUsed,
			"note":       note,
		},
	})
}

func latestAssistant(messages []domain.Message) *domain.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleAssistant {
			return &messages[i]
		}
	}
	return nil
}

// HandleToolOutput resolves a pending interactive tool call with the
// value the user chose in its widget.
func (h *WizardHandler) HandleToolOutput(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.UserIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req toolOutputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.ToolCallID == "" {
		Error(w, http.StatusBadRequest, "session_id and tool_call_id are required")
		return
	}

	orch, ok := h.lookup(w, req.SessionID, ownerID)
	if !ok {
		return
	}

	if err := orch.SubmitToolOutput(r.Context(), req.ToolName, req.ToolCallID, req.Output); err != nil {
		slog.Warn("tool output submission failed",
			"session_id", req.SessionID,
			"tool_call_id", req.ToolCallID,
			"error", err,
		)
		Error(w, http.StatusConflict, "tool call not pending")
		return
	}

	h.auditLog.Log(audit.Event{
		OwnerID:    ownerID,
		SessionID:  req.SessionID,
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "tool_output",
		ToolName:   req.ToolName,
		ToolCallID: req.ToolCallID,
		ContentRaw: string(req.Output),
	})
	JSON(w, http.StatusAccepted, map[string]any{
		"pending_tools": orch.Log().PendingInteractive(),
	})
}

// HandleRevise corrects a previously given answer via a new
// conversational turn; history is never rewritten.
func (h *WizardHandler) HandleRevise(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.UserIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req reviseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.FieldKey == "" {
		Error(w, http.StatusBadRequest, "session_id and field_key are required")
		return
	}

	orch, ok := h.lookup(w, req.SessionID, ownerID)
	if !ok {
		return
	}

	if err := orch.ReviseAnswer(r.Context(), req.FieldKey, req.OldValue, req.NewValue); err != nil {
		if errors.Is(err, reasoner.ErrExchangeInFlight) {
			Error(w, http.StatusConflict, "an exchange is already in flight")
			return
		}
		slog.Error("revise answer failed", "error", err, "session_id", req.SessionID)
		Error(w, http.StatusBadGateway, "failed to reach reasoning service")
		return
	}

	h.auditLog.Log(audit.Event{
		OwnerID:   ownerID,
		SessionID: req.SessionID,
		Channel:   "chat_http",
		Direction: "outbound",
		EventType: "answer_revised",
		Meta:      map[string]any{"field_key": req.FieldKey},
	})
	JSON(w, http.StatusAccepted, map[string]string{"status": "revision sent"})
}

// HandleNavigate requests a conversational jump back to a section.
func (h *WizardHandler) HandleNavigate(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.UserIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req navigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, known := schema.ByID(req.SectionID); !known {
		Error(w, http.StatusBadRequest, "unknown section")
		return
	}

	orch, ok := h.lookup(w, req.SessionID, ownerID)
	if !ok {
		return
	}

	if err := orch.NavigateToSection(r.Context(), req.SectionID); err != nil {
		if errors.Is(err, reasoner.ErrExchangeInFlight) {
			Error(w, http.StatusConflict, "an exchange is already in flight")
			return
		}
		Error(w, http.StatusBadGateway, "failed to reach reasoning service")
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "navigation requested"})
}

// HandleStop aborts the in-flight exchange, keeping partial content.
func (h *WizardHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.UserIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req sessionRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	orch, ok := h.lookup(w, req.SessionID, ownerID)
	if !ok {
		return
	}
	orch.Stop(r.Context())
	JSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// HandleSaveExit persists the session with a trimmed history. A failed
// save is reported but never blocks the client from navigating away.
func (h *WizardHandler) HandleSaveExit(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.UserIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req sessionRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	orch, ok := h.lookup(w, req.SessionID, ownerID)
	if !ok {
		return
	}

	saved := true
	var saveErr string
	if err := orch.SaveAndExit(r.Context()); err != nil {
		saved = false
		saveErr = err.Error()
	}
	h.registry.Release(req.SessionID)

	h.auditLog.Log(audit.Event{
		OwnerID:   ownerID,
		SessionID: req.SessionID,
		Channel:   "chat_http",
		Direction: "outbound",
		EventType: "save_and_exit",
		Meta:      map[string]any{"saved": saved},
	})
	JSON(w, http.StatusOK, map[string]any{"saved": saved, "error": saveErr})
}

// HandleStream serves the progress SSE stream for one session.
func (h *WizardHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.UserIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	orch, ok := h.acquire(w, r, sessionID, "")
	if !ok {
		return
	}
	state := orch.State()
	h.hub.ServeStream(w, r, state.SessionID, state)
}

// acquire resolves the orchestrator for the request's owner, writing
// the error response itself on failure.
func (h *WizardHandler) acquire(w http.ResponseWriter, r *http.Request, sessionID, systemID string) (*wizard.Orchestrator, bool) {
	ownerID := identity.UserIDFromContext(r.Context())
	plan := identity.PlanFromContext(r.Context())

	orch, err := h.registry.Acquire(r.Context(), ownerID, sessionID, systemID, plan)
	if err != nil {
		if errors.Is(err, wizard.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return nil, false
		}
		slog.Error("failed to acquire wizard session", "owner_id", ownerID, "error", err)
		Error(w, http.StatusServiceUnavailable, "wizard unavailable")
		return nil, false
	}
	return orch, true
}

// lookup finds an already-live orchestrator and checks ownership.
func (h *WizardHandler) lookup(w http.ResponseWriter, sessionID, ownerID string) (*wizard.Orchestrator, bool) {
	orch, ok := h.registry.Lookup(sessionID)
	if !ok {
		Error(w, http.StatusNotFound, "no live session; reload it first")
		return nil, false
	}
	if orch.Session().OwnerID != ownerID {
		Error(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return orch, true
}
