// Package audit provides the NDJSON conversation log backing the
// application's audit-trail display.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Config controls audit logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Event is one audited conversation fact: a user turn, an assistant
// turn, a tool invocation or its resolution.
type Event struct {
	Timestamp  string         `json:"ts"`
	OwnerID    string         `json:"owner_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger writes audit events asynchronously to per-session NDJSON
// files (<dir>/<owner>/<session>.ndjson) and optionally a global file.
// A full queue drops events rather than blocking the request path.
type Logger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Event
	done   chan struct{}

	mu      sync.Mutex
	files   map[string]*os.File
	global  *os.File
	dropped int64
	closed  bool
}

// NewLogger creates the audit logger and starts its writer goroutine.
// A disabled config yields a logger whose Log is a no-op.
func NewLogger(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	l := &Logger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}

	if !cfg.Enabled && !cfg.GlobalEnabled {
		close(l.done)
		return l, nil
	}

	if cfg.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create audit log directory: %w", err)
		}
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global audit log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open global audit log: %w", err)
		}
		l.global = f
	}

	go l.writeLoop()
	return l, nil
}

// Log enqueues an event. Never blocks: a full queue counts a drop.
func (l *Logger) Log(event Event) {
	if !l.cfg.Enabled && !l.cfg.GlobalEnabled {
		return
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = CleanForReadability(event.ContentRaw)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	select {
	case l.queue <- event:
	default:
		l.mu.Lock()
		l.dropped++
		dropped := l.dropped
		l.mu.Unlock()
		if dropped%100 == 1 {
			l.logger.Warn("audit log queue full, dropping events", "dropped_total", dropped)
		}
	}
}

// Dropped returns how many events were lost to queue pressure.
func (l *Logger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Logger) writeLoop() {
	defer close(l.done)
	for event := range l.queue {
		l.write(event)
	}
}

func (l *Logger) write(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("failed to marshal audit event", "error", err)
		return
	}
	data = append(data, '\n')

	if l.cfg.Enabled {
		f, err := l.sessionFile(event.OwnerID, event.SessionID)
		if err != nil {
			l.logger.Warn("failed to open session audit file", "error", err)
		} else if _, err := f.Write(data); err != nil {
			l.logger.Warn("failed to write session audit event", "error", err)
		}
	}
	if l.global != nil {
		if _, err := l.global.Write(data); err != nil {
			l.logger.Warn("failed to write global audit event", "error", err)
		}
	}
}

func (l *Logger) sessionFile(ownerID, sessionID string) (*os.File, error) {
	owner := sanitizePathComponent(ownerID)
	session := sanitizePathComponent(sessionID)
	key := owner + "/" + session

	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[key]; ok {
		return f, nil
	}

	dir := filepath.Join(l.cfg.Dir, owner)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create owner audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, session+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open session audit file: %w", err)
	}
	l.files[key] = f
	return f, nil
}

// Close drains the queue and closes every file.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	enabled := l.cfg.Enabled || l.cfg.GlobalEnabled
	l.mu.Unlock()

	if enabled {
		close(l.queue)
	}
	<-l.done

	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.files = make(map[string]*os.File)
	if l.global != nil {
		if err := l.global.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.global = nil
	}
	return firstErr
}

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)
	unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// CleanForReadability strips ANSI escape sequences and collapses
// control characters so audited content stays human-readable.
func CleanForReadability(raw string) string {
	clean := ansiPattern.ReplaceAllString(raw, "")
	clean = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, clean)
	return strings.TrimSpace(clean)
}

func sanitizePathComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	return unsafePathChars.ReplaceAllString(s, "_")
}
