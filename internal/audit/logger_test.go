package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewLogger(Config{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(Event{
		OwnerID:    "anon_1",
		SessionID:  "sess-1",
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: "we build a resume screening tool",
	})

	path := filepath.Join(dir, "anon_1", "sess-1.ndjson")
	line := waitForLogLine(t, path)
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != "we build a resume screening tool" {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content == "" {
		t.Fatal("expected cleaned content to be populated")
	}
	if got.Timestamp == "" {
		t.Fatal("expected timestamp to be stamped")
	}
}

func TestLoggerGlobalFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	globalPath := filepath.Join(dir, "all.ndjson")
	logger, err := NewLogger(Config{
		GlobalEnabled: true,
		GlobalPath:    globalPath,
		QueueSize:     16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(Event{OwnerID: "anon_1", SessionID: "sess-1", EventType: "tool_output"})
	line := waitForLogLine(t, globalPath)
	if !strings.Contains(line, "tool_output") {
		t.Fatalf("expected event in global file, got %q", line)
	}
}

func TestDisabledLoggerIsNoop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewLogger(Config{Enabled: false, Dir: dir}, slog.Default())
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Log(Event{OwnerID: "anon_1", SessionID: "sess-1"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files written, found %d", len(entries))
	}
	if logger.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", logger.Dropped())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(Config{Enabled: true, Dir: t.TempDir(), QueueSize: 4}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31mhigh-risk\x1b[0m classification"
	clean := CleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if !strings.Contains(clean, "high-risk classification") {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func TestSanitizePathComponent(t *testing.T) {
	t.Parallel()

	if got := sanitizePathComponent("../../etc/passwd"); strings.Contains(got, "/") {
		t.Fatalf("expected path separators removed, got %q", got)
	}
	if got := sanitizePathComponent(""); got != "unknown" {
		t.Fatalf("expected empty component to map to unknown, got %q", got)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
