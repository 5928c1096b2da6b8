// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package engine

import "fmt"

// ValidationError wraps a bad workflow definition, malformed rule, or
// unknown model alias surfaced at the engine boundary.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "engine: validation: " + e.Reason }

// NotFoundKind discriminates which entity a NotFoundError names.
type NotFoundKind string

const (
	NotFoundWorkflow NotFoundKind = "workflow"
	NotFoundResource NotFoundKind = "resource"
	NotFoundActivity NotFoundKind = "activity"
)

// NotFoundError is returned when a workflow/resource/activity id is unknown.
type NotFoundError struct {
	Kind NotFoundKind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("engine: %s %q not found", e.Kind, e.ID)
}

// InvalidTransitionError is returned when an activity's from_states
// does not include the resource's current state.
type InvalidTransitionError struct {
	ResourceID string
	ActivityID string
	FromState  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("engine: resource %q in state %q cannot run activity %q", e.ResourceID, e.FromState, e.ActivityID)
}

// RuleDetail is one rule's pass/fail outcome, surfaced for diagnostics.
type RuleDetail struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// RulesNotSatisfiedError is returned when an activity's rules block
// the transition, carrying a per-rule breakdown.
type RulesNotSatisfiedError struct {
	ActivityID string
	Reason     string
	Details    []RuleDetail
}

func (e *RulesNotSatisfiedError) Error() string {
	return fmt.Sprintf("engine: activity %q rules not satisfied: %s", e.ActivityID, e.Reason)
}

// StorageError wraps a failure from the pluggable Store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("engine: storage op %q: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }
