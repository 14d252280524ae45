package api

import (
	"container/list"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/veridia/aicomply/internal/config"
	"github.com/veridia/aicomply/internal/wizard"
)

// streamConn represents a single SSE client connection.
type streamConn struct {
	ID          int64
	SessionID   string
	EventID     int64
	ConnectedAt time.Time
	LastEventID int64
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

// queuedEvent is a progress event retained for replay.
type queuedEvent struct {
	EventID   int64
	Event     wizard.ProgressEvent
	Timestamp time.Time
}

// Hub fans orchestrator progress events out to connected SSE clients
// and buffers them per session so a reconnecting client can replay
// what it missed via Last-Event-ID. Each session gets its own bounded
// queue so one session's burst cannot evict another's events.
type Hub struct {
	cfg *config.Config

	mu       sync.RWMutex
	conns    map[string]map[int64]*streamConn // sessionID -> connID -> conn
	queues   map[string]*list.List            // sessionID -> events
	maxQueue int

	counterMu    sync.Mutex
	eventCounter int64
	connectionID int64
}

// NewHub creates an event hub.
func NewHub(cfg *config.Config) *Hub {
	return &Hub{
		cfg:      cfg,
		conns:    make(map[string]map[int64]*streamConn),
		queues:   make(map[string]*list.List),
		maxQueue: 100,
	}
}

// Publish distributes a progress event to every connection on its
// session and queues it for replay.
func (h *Hub) Publish(event wizard.ProgressEvent) {
	h.counterMu.Lock()
	h.eventCounter++
	eventID := h.eventCounter
	h.counterMu.Unlock()

	h.enqueue(event.SessionID, eventID, event)

	h.mu.RLock()
	sessionConns, exists := h.conns[event.SessionID]
	if !exists {
		h.mu.RUnlock()
		return
	}
	// Snapshot connections to avoid holding RLock during writes.
	conns := make([]*streamConn, 0, len(sessionConns))
	for _, c := range sessionConns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.sendToConn(conn, eventID, event)
	}
}

func (h *Hub) enqueue(sessionID string, eventID int64, event wizard.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.queues[sessionID]; !ok {
		h.queues[sessionID] = list.New()
	}
	l := h.queues[sessionID]
	l.PushBack(&queuedEvent{EventID: eventID, Event: event, Timestamp: time.Now()})
	for l.Len() > h.maxQueue {
		l.Remove(l.Front())
	}
}

func (h *Hub) missedEvents(sessionID string, afterEventID int64) []*queuedEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	l, ok := h.queues[sessionID]
	if !ok {
		return nil
	}
	var missed []*queuedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		ev := e.Value.(*queuedEvent)
		if ev.EventID > afterEventID {
			missed = append(missed, ev)
		}
	}
	return missed
}

// prune removes the replay queue for a session when its last SSE
// connection closes, freeing memory promptly.
func (h *Hub) prune(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.queues, sessionID)
}

func (h *Hub) sendToConn(conn *streamConn, eventID int64, event wizard.ProgressEvent) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return // Connection closed
	default:
	}

	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal progress event", "error", err, "conn_id", conn.ID)
		return
	}

	if err := writeSSEWithID(conn.Writer, eventID, "progress", string(data)); err != nil {
		slog.Error("failed to write to SSE connection",
			"error", err,
			"conn_id", conn.ID,
			"session_id", conn.SessionID,
		)
		return
	}

	conn.Flusher.Flush()
	conn.EventID = eventID
}

// ServeStream handles the progress SSE stream for one session:
// Last-Event-ID replay, keepalive pings and connection bookkeeping.
//
//nolint:gocognit,gocyclo // SSE lifecycle handling intentionally keeps branches together.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request, sessionID string, initial wizard.ProgressEvent) {
	// Parse Last-Event-ID header or query param for replay.
	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			slog.Info("SSE client reconnecting with Last-Event-ID",
				"session_id", sessionID,
				"last_event_id", lastEventID,
			)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	retryDelayMs := h.cfg.SSE.RetryDelay.Milliseconds()
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelayMs)); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "session_id", sessionID)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &streamConn{
		ID:          connID,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		LastEventID: lastEventID,
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}

	h.mu.Lock()
	if _, exists := h.conns[sessionID]; !exists {
		h.conns[sessionID] = make(map[int64]*streamConn)
	}
	h.conns[sessionID][connID] = conn
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if sessionConns, exists := h.conns[sessionID]; exists {
			delete(sessionConns, connID)
			if len(sessionConns) == 0 {
				delete(h.conns, sessionID)
			}
		}
		h.mu.Unlock()
		h.prune(sessionID)
		slog.Info("SSE connection closed", "session_id", sessionID, "conn_id", connID)
	}()

	// Send missed events if reconnecting, otherwise the current state.
	if lastEventID > 0 {
		missed := h.missedEvents(sessionID, lastEventID)
		if len(missed) > 0 {
			slog.Info("Sending missed progress events",
				"session_id", sessionID,
				"count", len(missed),
			)
			for _, ev := range missed {
				h.sendToConn(conn, ev.EventID, ev.Event)
			}
		}
	} else {
		h.counterMu.Lock()
		h.eventCounter++
		initialID := h.eventCounter
		h.counterMu.Unlock()
		h.sendToConn(conn, initialID, initial)
	}

	slog.Info("SSE connection established",
		"session_id", sessionID,
		"conn_id", connID,
		"reconnect", lastEventID > 0,
	)

	keepalive := time.NewTicker(h.cfg.SSE.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("Progress stream disconnected", "session_id", sessionID)
			return
		case <-conn.Done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				conn.mu.Unlock()
				slog.Warn("failed to write SSE keepalive ping", "error", err, "session_id", sessionID)
				return
			}
			flusher.Flush()
			conn.mu.Unlock()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
