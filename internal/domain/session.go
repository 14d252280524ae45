package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a wizard session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusAbandoned SessionStatus = "abandoned"
)

// Session is the central mutable entity of a guided assessment run.
//
// CompletedSections is append-only and OverallProgress never decreases
// within a session's lifetime; both are maintained by the reconciler's
// monotonic merge, never by direct overwrite.
type Session struct {
	ID                 string         `json:"id"`
	OwnerID            string         `json:"owner_id"`
	SystemID           string         `json:"system_id,omitempty"`
	SystemName         string         `json:"system_name,omitempty"`
	CurrentSection     string         `json:"current_section"`
	CompletedSections  []string       `json:"completed_sections"`
	OverallProgress    int            `json:"overall_progress"`
	FieldValues        map[string]any `json:"field_values,omitempty"`
	Status             SessionStatus  `json:"status"`
	DocumentsGenerated bool           `json:"documents_generated"`
	Messages           []Message      `json:"messages,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	LastActivityAt     time.Time      `json:"last_activity_at"`
}

// HasCompleted reports whether a section is already marked complete.
func (s *Session) HasCompleted(sectionID string) bool {
	for _, id := range s.CompletedSections {
		if id == sectionID {
			return true
		}
	}
	return false
}

// MarkCompleted appends a section to the completed set. Idempotent;
// completed sections are never removed.
func (s *Session) MarkCompleted(sectionID string) {
	if sectionID == "" || s.HasCompleted(sectionID) {
		return
	}
	s.CompletedSections = append(s.CompletedSections, sectionID)
}

// SetFieldValue records or corrects a captured answer.
func (s *Session) SetFieldValue(key string, value any) {
	if s.FieldValues == nil {
		s.FieldValues = make(map[string]any)
	}
	s.FieldValues[key] = value
}
