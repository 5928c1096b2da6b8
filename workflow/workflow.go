// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package workflow defines the Workflow/ActivityDefinition/Resource
// data model: states, the activities that move a resource between
// them, and the validation invariants a Workflow must satisfy.
package workflow

import (
	"fmt"
	"time"

	"github.com/relaycore/gateway/workflow/rules"
)

// ActivityDefinition is one permitted transition: from a set of
// source states to a single destination state, gated by rules.
type ActivityDefinition struct {
	ID               string       `json:"id"`
	Name             string       `json:"name,omitempty"`
	Description      string       `json:"description,omitempty"`
	FromStates       []string     `json:"from_states"`
	ToState          string       `json:"to_state"`
	Rules            []rules.Rule `json:"rules,omitempty"`
	RequiresAllRules bool         `json:"requires_all_rules"`
	Triggers         []string     `json:"triggers,omitempty"` // function/agent trigger ids
}

// Workflow is an immutable (except metadata/description/version)
// named state machine definition.
type Workflow struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	Version      string                 `json:"version,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
	States       []string               `json:"states"`
	InitialState string                 `json:"initial_state"`
	Activities   []ActivityDefinition   `json:"activities"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// ValidationError names the broken invariant.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "workflow: " + e.Reason }

// Validate enforces the data-model invariants: initial state is a
// declared state, every activity's states are declared states, and
// activity ids are unique within the workflow.
func (w *Workflow) Validate() error {
	stateSet := map[string]bool{}
	for _, s := range w.States {
		stateSet[s] = true
	}
	if !stateSet[w.InitialState] {
		return &ValidationError{Reason: fmt.Sprintf("initial state %q is not a declared state", w.InitialState)}
	}

	seenIDs := map[string]bool{}
	for _, a := range w.Activities {
		if seenIDs[a.ID] {
			return &ValidationError{Reason: fmt.Sprintf("duplicate activity id %q", a.ID)}
		}
		seenIDs[a.ID] = true

		if !stateSet[a.ToState] {
			return &ValidationError{Reason: fmt.Sprintf("activity %q: to_state %q is not a declared state", a.ID, a.ToState)}
		}
		if len(a.FromStates) == 0 {
			return &ValidationError{Reason: fmt.Sprintf("activity %q: from_states must be nonempty", a.ID)}
		}
		for _, fs := range a.FromStates {
			if !stateSet[fs] {
				return &ValidationError{Reason: fmt.Sprintf("activity %q: from_state %q is not a declared state", a.ID, fs)}
			}
		}
	}
	return nil
}

// ActivityByID looks up an activity definition by id.
func (w *Workflow) ActivityByID(id string) (*ActivityDefinition, bool) {
	for i := range w.Activities {
		if w.Activities[i].ID == id {
			return &w.Activities[i], true
		}
	}
	return nil, false
}

// HistoryEvent is one atomic, journaled state transition.
type HistoryEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	ActivityID  string         `json:"activity_id"`
	FromState   string         `json:"from_state"`
	ToState     string         `json:"to_state"`
	Payload     map[string]any `json:"payload,omitempty"`
	TriggeredBy string         `json:"triggered_by,omitempty"`
	Sequence    uint64         `json:"sequence,omitempty"`
}

// Resource is one instance moving through a Workflow's states.
type Resource struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	State      string                 `json:"state"`
	Data       map[string]any         `json:"data,omitempty"`
	Metadata   map[string]any         `json:"metadata,omitempty"`
	History    []HistoryEvent         `json:"history,omitempty"`
	Sequence   uint64                 `json:"sequence,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}
