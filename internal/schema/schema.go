// Package schema defines the ordered assessment sections and their fields.
//
// The schema is declarative and immutable: it is parsed once from the
// embedded YAML document at package init and never changes at runtime.
// Validation rules declared here (required, min_selections, pattern) are
// enforced by the UI widget layer; this package only exposes them.
package schema

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed sections.yaml
var sectionsYAML []byte

// FieldType identifies how a field's value is captured.
type FieldType string

const (
	FieldText         FieldType = "text"
	FieldSingleSelect FieldType = "single_select"
	FieldMultiSelect  FieldType = "multi_select"
)

// Field describes one value collected within a section.
type Field struct {
	Key           string    `yaml:"key" json:"key"`
	Type          FieldType `yaml:"type" json:"type"`
	Required      bool      `yaml:"required" json:"required"`
	MinSelections int       `yaml:"min_selections" json:"min_selections,omitempty"`
	Pattern       string    `yaml:"pattern" json:"pattern,omitempty"`
}

// Section is one ordered step of the guided assessment.
type Section struct {
	ID               string  `yaml:"id" json:"id"`
	Name             string  `yaml:"name" json:"name"`
	Description      string  `yaml:"description" json:"description"`
	EstimatedMinutes int     `yaml:"estimated_minutes" json:"estimated_minutes"`
	Fields           []Field `yaml:"fields" json:"fields"`
}

type document struct {
	Sections []Section `yaml:"sections"`
}

var (
	sections []Section
	ordinals map[string]int
)

func init() {
	var doc document
	if err := yaml.Unmarshal(sectionsYAML, &doc); err != nil {
		panic(fmt.Sprintf("schema: parse embedded sections.yaml: %v", err))
	}
	if len(doc.Sections) == 0 {
		panic("schema: embedded sections.yaml defines no sections")
	}

	ordinals = make(map[string]int, len(doc.Sections))
	for i, s := range doc.Sections {
		if s.ID == "" {
			panic(fmt.Sprintf("schema: section at position %d has empty id", i))
		}
		if _, dup := ordinals[s.ID]; dup {
			panic(fmt.Sprintf("schema: duplicate section id %q", s.ID))
		}
		ordinals[s.ID] = i
	}
	sections = doc.Sections
}

// Sections returns the ordered section list. Callers must not mutate it.
func Sections() []Section {
	return sections
}

// Count returns the number of sections.
func Count() int {
	return len(sections)
}

// First returns the schema's first section.
func First() Section {
	return sections[0]
}

// ByID looks up a section by id.
func ByID(id string) (Section, bool) {
	i, ok := ordinals[id]
	if !ok {
		return Section{}, false
	}
	return sections[i], true
}

// Ordinal returns the zero-based position of a section, or -1 for ids
// not present in the schema. Unknown ids compare earlier than every
// known section, so forward-only merge logic never advances onto them.
func Ordinal(id string) int {
	i, ok := ordinals[id]
	if !ok {
		return -1
	}
	return i
}

// EstimatedMinutesRemaining sums the estimates of every section not yet
// completed, given the set of completed section ids.
func EstimatedMinutesRemaining(completed []string) int {
	done := make(map[string]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}
	total := 0
	for _, s := range sections {
		if !done[s.ID] {
			total += s.EstimatedMinutes
		}
	}
	return total
}
