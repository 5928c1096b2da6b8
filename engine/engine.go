// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package engine wires the Workflow/Resource data model, the rule
// evaluator, the pluggable Store, and the Event Broker into the
// Workflow Engine's CRUD and execute_activity operations.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/gateway/broker"
	"github.com/relaycore/gateway/shared/logger"
	"github.com/relaycore/gateway/store"
	"github.com/relaycore/gateway/workflow"
	"github.com/relaycore/gateway/workflow/rules"
)

// Publisher is the broker seam the engine publishes resource/workflow
// events through; implemented by *broker.Broker.
type Publisher interface {
	Publish(topic string, payload any) uint64
}

// Engine is the top-level workflow-engine object: stateless except
// for its per-resource lock table, safe to share across goroutines.
type Engine struct {
	store    store.Store
	broker   Publisher
	registry *rules.Registry
	log      *logger.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs an Engine. broker may be nil to disable event
// publication (e.g. in tests exercising store semantics in isolation).
func New(st store.Store, b *broker.Broker, registry *rules.Registry) *Engine {
	var pub Publisher
	if b != nil {
		pub = b
	}
	if registry == nil {
		registry = rules.NewRegistry()
	}
	return &Engine{
		store:    st,
		broker:   pub,
		registry: registry,
		log:      logger.New("engine"),
		locks:    map[string]*sync.Mutex{},
	}
}

func (e *Engine) lockFor(resourceID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[resourceID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[resourceID] = l
	}
	return l
}

// CreateWorkflow validates and persists a new workflow definition.
func (e *Engine) CreateWorkflow(ctx context.Context, w *workflow.Workflow) (*workflow.Workflow, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if err := w.Validate(); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		return nil, &StorageError{Op: "save_workflow", Err: err}
	}
	return w, nil
}

// GetWorkflow loads a workflow by id.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	w, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, e.notFoundOrStorage(err, NotFoundWorkflow, id, "load_workflow")
	}
	return w, nil
}

// ListWorkflows returns every stored workflow definition.
func (e *Engine) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	ws, err := e.store.ListWorkflows(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list_workflows", Err: err}
	}
	return ws, nil
}

// UpdateWorkflowMetadata patches the mutable fields of a workflow
// (description, tags, metadata) without touching states/activities.
func (e *Engine) UpdateWorkflowMetadata(ctx context.Context, id string, description string, tags []string, metadata map[string]any) (*workflow.Workflow, error) {
	w, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, e.notFoundOrStorage(err, NotFoundWorkflow, id, "load_workflow")
	}
	w.Description = description
	w.Tags = tags
	w.Metadata = metadata
	w.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		return nil, &StorageError{Op: "save_workflow", Err: err}
	}
	return w, nil
}

// DeleteWorkflow removes a workflow definition. Existing resources
// referencing it are left untouched; their activities will fail
// WorkflowNotFound on next execute_activity.
func (e *Engine) DeleteWorkflow(ctx context.Context, id string) error {
	if err := e.store.DeleteWorkflow(ctx, id); err != nil {
		return e.notFoundOrStorage(err, NotFoundWorkflow, id, "delete_workflow")
	}
	return nil
}

// CreateResource instantiates a new resource in its workflow's
// initial state.
func (e *Engine) CreateResource(ctx context.Context, workflowID string, data, metadata map[string]any) (*workflow.Resource, error) {
	w, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, e.notFoundOrStorage(err, NotFoundWorkflow, workflowID, "load_workflow")
	}
	now := time.Now().UTC()
	r := &workflow.Resource{
		ID:         uuid.NewString(),
		WorkflowID: w.ID,
		State:      w.InitialState,
		Data:       data,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.SaveResource(ctx, r); err != nil {
		return nil, &StorageError{Op: "save_resource", Err: err}
	}
	return r, nil
}

// GetResource loads a resource by id.
func (e *Engine) GetResource(ctx context.Context, id string) (*workflow.Resource, error) {
	r, err := e.store.LoadResource(ctx, id)
	if err != nil {
		return nil, e.notFoundOrStorage(err, NotFoundResource, id, "load_resource")
	}
	return r, nil
}

// ListResourcesInState returns every resource of workflowID currently
// in state (state == "" lists all states).
func (e *Engine) ListResourcesInState(ctx context.Context, workflowID, state string) ([]*workflow.Resource, error) {
	rs, err := e.store.ListResources(ctx, workflowID, state)
	if err != nil {
		return nil, &StorageError{Op: "list_resources", Err: err}
	}
	return rs, nil
}

// ExecuteActivity runs the 8-step execute_activity algorithm: it is
// atomic per resource (serialized under a per-resource lock) while
// operations on distinct resources proceed in parallel.
func (e *Engine) ExecuteActivity(ctx context.Context, resourceID, activityID string, payload map[string]any, triggeredBy string) (*workflow.Resource, error) {
	lock := e.lockFor(resourceID)
	lock.Lock()
	defer lock.Unlock()

	// 1. Load resource.
	res, err := e.store.LoadResource(ctx, resourceID)
	if err != nil {
		return nil, e.notFoundOrStorage(err, NotFoundResource, resourceID, "load_resource")
	}

	// 2. Load workflow.
	w, err := e.store.LoadWorkflow(ctx, res.WorkflowID)
	if err != nil {
		return nil, e.notFoundOrStorage(err, NotFoundWorkflow, res.WorkflowID, "load_workflow")
	}

	// 3. Look up activity by id.
	activity, ok := w.ActivityByID(activityID)
	if !ok {
		return nil, &NotFoundError{Kind: NotFoundActivity, ID: activityID}
	}

	// 4. Verify resource.state is an allowed source state.
	if !containsState(activity.FromStates, res.State) {
		return nil, &InvalidTransitionError{ResourceID: resourceID, ActivityID: activityID, FromState: res.State}
	}

	// 5. Evaluate activity rules under the current RuleContext.
	rc := rules.Context{
		ResourceData:     res.Data,
		ResourceMetadata: res.Metadata,
		WorkflowID:       w.ID,
		ActivityID:       activity.ID,
		Metadata:         payload,
		Timestamp:        time.Now().UTC(),
	}
	result := rules.EvaluateAll(ctx, activity.Rules, activity.RequiresAllRules, rc, e.registry)
	if !result.Passed {
		details := make([]RuleDetail, len(result.Results))
		for i, rr := range result.Results {
			details[i] = RuleDetail{Passed: rr.Passed, Reason: rr.Reason}
		}
		return nil, &RulesNotSatisfiedError{ActivityID: activity.ID, Reason: result.Reason, Details: details}
	}

	// 6. Construct the history event.
	now := time.Now().UTC()
	event := workflow.HistoryEvent{
		Timestamp:   now,
		ActivityID:  activity.ID,
		FromState:   res.State,
		ToState:     activity.ToState,
		Payload:     payload,
		TriggeredBy: triggeredBy,
	}

	// 7. Commit the transition under the per-resource lock already held.
	fromState := res.State
	res.State = activity.ToState
	res.UpdatedAt = now
	seq, err := e.store.NextSequence(ctx)
	if err != nil {
		return nil, &StorageError{Op: "next_sequence", Err: err}
	}
	event.Sequence = seq
	res.Sequence = seq

	// SaveResource persists the transitioned state against the history
	// as loaded; AppendHistory is the sole writer of the new event, so
	// the two calls don't each persist it and double the stored length.
	if err := e.store.SaveResource(ctx, res); err != nil {
		return nil, &StorageError{Op: "save_resource", Err: err}
	}
	if err := e.store.AppendHistory(ctx, res.ID, event); err != nil {
		return nil, &StorageError{Op: "append_history", Err: err}
	}
	res.History = append(res.History, event)

	// 8. Publish at-least-once; subscribers dedup via event.Sequence.
	if e.broker != nil {
		e.broker.Publish(fmt.Sprintf("resource:%s", res.ID), event)
		e.broker.Publish(fmt.Sprintf("workflow:%s", w.ID), activityExecutedEvent{
			WorkflowID: w.ID,
			ResourceID: res.ID,
			ActivityID: activity.ID,
			FromState:  fromState,
			ToState:    activity.ToState,
			Sequence:   seq,
			Timestamp:  now,
		})
	}

	e.log.Info("", res.ID, "activity executed", map[string]any{
		"workflow_id": w.ID,
		"activity_id": activity.ID,
		"from_state":  fromState,
		"to_state":    activity.ToState,
	})

	return res, nil
}

// activityExecutedEvent is the payload published to workflow:<id>.
type activityExecutedEvent struct {
	WorkflowID string    `json:"workflow_id"`
	ResourceID string    `json:"resource_id"`
	ActivityID string    `json:"activity_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
}

func containsState(states []string, s string) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

func (e *Engine) notFoundOrStorage(err error, kind NotFoundKind, id, op string) error {
	if err == store.ErrNotFound {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return &StorageError{Op: op, Err: err}
}
