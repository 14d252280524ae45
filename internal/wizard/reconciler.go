// Package wizard implements the guided conversational form engine:
// the progress reconciler, the tool-output bridge, and the session
// orchestrator that ties schema, store and transport together.
package wizard

import (
	"encoding/json"

	"github.com/veridia/aicomply/internal/domain"
	"github.com/veridia/aicomply/internal/schema"
)

// Snapshot is the state derived from one full scan of the message list.
type Snapshot struct {
	Completed          []string
	MaxOverall         int
	LatestSection      string
	SystemID           string
	SystemName         string
	DocumentsGenerated bool
}

// progressUpdate is the decoded output of the update_progress tool.
// Decoded once at the boundary; the fold never touches raw payloads.
type progressUpdate struct {
	Success           *bool    `json:"success"`
	Overall           int      `json:"overall"`
	SectionsCompleted []string `json:"sections_completed"`
	CurrentSection    string   `json:"current_section"`
}

type systemCreated struct {
	Success    bool   `json:"success"`
	SystemID   string `json:"system_id"`
	SystemName string `json:"system_name"`
}

type documentsDone struct {
	Success bool `json:"success"`
}

// Scan folds over the full ordered message list and derives session
// progress. It is pure and idempotent: re-running it on an unchanged
// list yields the same snapshot, and running it on a superset of a
// previously-seen list only adds to the result.
//
// Malformed or error-state tool outputs are skipped; a single bad part
// must never halt reconciliation of the rest of the history.
func Scan(messages []domain.Message) Snapshot {
	var snap Snapshot
	seen := make(map[string]bool)

	for _, msg := range messages {
		if msg.Role != domain.RoleAssistant {
			continue
		}
		for _, part := range msg.Parts {
			if !part.Resolved() || len(part.Output) == 0 {
				continue
			}
			switch part.ToolName {
			case domain.ToolUpdateProgress:
				scanProgressUpdate(&snap, seen, part.Output)
			case domain.ToolCreateAISystem:
				scanSystemCreated(&snap, part.Output)
			case domain.ToolGenerateDocuments:
				scanDocumentsDone(&snap, part.Output)
			}
		}
	}
	return snap
}

func scanProgressUpdate(snap *Snapshot, seen map[string]bool, raw json.RawMessage) {
	var upd progressUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		return
	}
	if upd.Success != nil && !*upd.Success {
		return
	}
	if upd.Overall > snap.MaxOverall {
		snap.MaxOverall = upd.Overall
	}
	if upd.CurrentSection != "" && schema.Ordinal(upd.CurrentSection) >= 0 {
		snap.LatestSection = upd.CurrentSection
	}
	for _, id := range upd.SectionsCompleted {
		// completedSections must stay a subset of the schema.
		if seen[id] || schema.Ordinal(id) < 0 {
			continue
		}
		seen[id] = true
		snap.Completed = append(snap.Completed, id)
	}
}

func scanSystemCreated(snap *Snapshot, raw json.RawMessage) {
	var created systemCreated
	if err := json.Unmarshal(raw, &created); err != nil {
		return
	}
	if !created.Success || created.SystemID == "" {
		return
	}
	snap.SystemID = created.SystemID
	snap.SystemName = created.SystemName
}

func scanDocumentsDone(snap *Snapshot, raw json.RawMessage) {
	var done documentsDone
	if err := json.Unmarshal(raw, &done); err != nil {
		return
	}
	if done.Success {
		snap.DocumentsGenerated = true
	}
}

// Merge applies a scan snapshot to session state using the monotonic
// rules: union of completed sections, max of overall progress,
// forward-only current-section pointer and sticky derived entity
// fields. Never a simple overwrite. Returns true when anything changed.
func Merge(session *domain.Session, snap Snapshot) bool {
	changed := false

	for _, id := range snap.Completed {
		if !session.HasCompleted(id) {
			session.MarkCompleted(id)
			changed = true
		}
	}

	overall := snap.MaxOverall
	if snap.DocumentsGenerated {
		overall = 100
	}
	if overall > 100 {
		overall = 100
	}
	if overall > session.OverallProgress {
		session.OverallProgress = overall
		changed = true
	}

	if snap.LatestSection != "" &&
		schema.Ordinal(snap.LatestSection) >= schema.Ordinal(session.CurrentSection) &&
		snap.LatestSection != session.CurrentSection {
		session.CurrentSection = snap.LatestSection
		changed = true
	}

	if snap.SystemID != "" && session.SystemID == "" {
		session.SystemID = snap.SystemID
		changed = true
	}
	if snap.SystemName != "" && session.SystemName == "" {
		session.SystemName = snap.SystemName
		changed = true
	}

	if snap.DocumentsGenerated && !session.DocumentsGenerated {
		session.DocumentsGenerated = true
		changed = true
	}

	return changed
}
