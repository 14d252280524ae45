package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/veridia/aicomply/internal/domain"
	"github.com/veridia/aicomply/internal/schema"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // Serializes session writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		plan TEXT NOT NULL DEFAULT 'free',
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wizard_sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		system_id TEXT,
		system_name TEXT,
		current_section TEXT NOT NULL,
		completed_sections TEXT NOT NULL DEFAULT '[]',
		overall_progress INTEGER NOT NULL DEFAULT 0,
		field_values TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		documents_generated INTEGER NOT NULL DEFAULT 0,
		messages_json TEXT,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_wizard_sessions_owner_active
		ON wizard_sessions(owner_id, status, last_activity_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, plan, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &user.Plan, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, plan, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		plan = excluded.plan,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	plan := user.Plan
	if plan == "" {
		plan = "free"
	}

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, plan,
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// CreateSession initializes a brand-new active wizard session.
func (s *SQLiteStore) CreateSession(ctx context.Context, ownerID, systemID string) (*domain.Session, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

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

	query := `
	INSERT INTO wizard_sessions (
		id, owner_id, system_id, current_section, completed_sections,
		overall_progress, status, created_at, last_activity_at
	) VALUES (?, ?, ?, ?, '[]', 0, ?, ?, ?)`

	var sysID interface{}
	if systemID != "" {
		sysID = systemID
	}

	_, err := s.db.ExecContext(ctx, query,
		session.ID, ownerID, sysID, session.CurrentSection,
		string(domain.StatusActive), now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

const sessionColumns = `
	id, owner_id, system_id, system_name, current_section, completed_sections,
	overall_progress, field_values, status, documents_generated, messages_json,
	created_at, last_activity_at`

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM wizard_sessions WHERE id = ?`
	return s.scanSession(s.db.QueryRowContext(ctx, query, id))
}

// GetMostRecentActive returns the most recently active session for an owner.
func (s *SQLiteStore) GetMostRecentActive(ctx context.Context, ownerID, systemID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM wizard_sessions WHERE owner_id = ? AND status = 'active'`
	args := []interface{}{ownerID}

	if systemID != "" {
		query += ` AND system_id = ?`
		args = append(args, systemID)
	}
	query += ` ORDER BY last_activity_at DESC LIMIT 1`

	return s.scanSession(s.db.QueryRowContext(ctx, query, args...))
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*domain.Session, error) {
	var session domain.Session
	var systemID, systemName, fieldValues, messagesJSON sql.NullString
	var completedJSON string
	var docsGenerated int
	var createdAt, lastActivity int64

	err := row.Scan(
		&session.ID, &session.OwnerID, &systemID, &systemName,
		&session.CurrentSection, &completedJSON, &session.OverallProgress,
		&fieldValues, &session.Status, &docsGenerated, &messagesJSON,
		&createdAt, &lastActivity,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.SystemID = systemID.String
	session.SystemName = systemName.String
	session.DocumentsGenerated = docsGenerated != 0
	session.CreatedAt = time.Unix(createdAt, 0)
	session.LastActivityAt = time.Unix(lastActivity, 0)

	if err := json.Unmarshal([]byte(completedJSON), &session.CompletedSections); err != nil {
		return nil, fmt.Errorf("decode completed sections: %w", err)
	}
	if session.CompletedSections == nil {
		session.CompletedSections = []string{}
	}
	if fieldValues.Valid && fieldValues.String != "" {
		if err := json.Unmarshal([]byte(fieldValues.String), &session.FieldValues); err != nil {
			return nil, fmt.Errorf("decode field values: %w", err)
		}
	}
	if messagesJSON.Valid && messagesJSON.String != "" {
		if err := json.Unmarshal([]byte(messagesJSON.String), &session.Messages); err != nil {
			return nil, fmt.Errorf("decode message history: %w", err)
		}
	}

	return &session, nil
}

// SaveSession upserts the full session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.Session) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	completedJSON, err := json.Marshal(session.CompletedSections)
	if err != nil {
		return fmt.Errorf("encode completed sections: %w", err)
	}

	var fieldValues interface{}
	if len(session.FieldValues) > 0 {
		data, err := json.Marshal(session.FieldValues)
		if err != nil {
			return fmt.Errorf("encode field values: %w", err)
		}
		fieldValues = string(data)
	}

	var messagesJSON interface{}
	if len(session.Messages) > 0 {
		data, err := json.Marshal(session.Messages)
		if err != nil {
			return fmt.Errorf("encode message history: %w", err)
		}
		messagesJSON = string(data)
	}

	var systemID, systemName interface{}
	if session.SystemID != "" {
		systemID = session.SystemID
	}
	if session.SystemName != "" {
		systemName = session.SystemName
	}

	query := `
	INSERT INTO wizard_sessions (
		id, owner_id, system_id, system_name, current_section, completed_sections,
		overall_progress, field_values, status, documents_generated, messages_json,
		created_at, last_activity_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		system_id = COALESCE(excluded.system_id, wizard_sessions.system_id),
		system_name = COALESCE(excluded.system_name, wizard_sessions.system_name),
		current_section = excluded.current_section,
		completed_sections = excluded.completed_sections,
		overall_progress = excluded.overall_progress,
		field_values = COALESCE(excluded.field_values, wizard_sessions.field_values),
		status = excluded.status,
		documents_generated = excluded.documents_generated,
		messages_json = COALESCE(excluded.messages_json, wizard_sessions.messages_json),
		last_activity_at = excluded.last_activity_at`

	docsGenerated := 0
	if session.DocumentsGenerated {
		docsGenerated = 1
	}

	_, err = s.db.ExecContext(ctx, query,
		session.ID, session.OwnerID, systemID, systemName,
		session.CurrentSection, string(completedJSON), session.OverallProgress,
		fieldValues, string(session.Status), docsGenerated, messagesJSON,
		session.CreatedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// AbandonStale flips active sessions idle past the TTL to abandoned.
func (s *SQLiteStore) AbandonStale(ctx context.Context, ttl time.Duration) (int64, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	threshold := time.Now().Add(-ttl).Unix()
	query := `UPDATE wizard_sessions SET status = 'abandoned'
		WHERE status = 'active' AND last_activity_at < ?`
	result, err := s.db.ExecContext(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("abandon stale sessions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// IsBusyError reports whether an error looks like SQLITE_BUSY contention.
// Used by callers that retry writes with backoff.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
