// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/gateway/store"
	"github.com/relaycore/gateway/workflow"
	"github.com/relaycore/gateway/workflow/rules"
)

func approvalWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:           "wf-approval",
		Name:         "approval",
		States:       []string{"draft", "pending", "approved", "rejected"},
		InitialState: "draft",
		Activities: []workflow.ActivityDefinition{
			{ID: "submit", FromStates: []string{"draft"}, ToState: "pending"},
			{
				ID:         "approve",
				FromStates: []string{"pending"},
				ToState:    "approved",
				Rules:      []rules.Rule{rules.FieldGreaterThan("amount", 0)},
			},
			{ID: "reject", FromStates: []string{"pending"}, ToState: "rejected"},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	e := New(st, nil, rules.NewRegistry())
	_, err := e.CreateWorkflow(context.Background(), approvalWorkflow())
	require.NoError(t, err)
	return e, st
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []struct {
		topic   string
		payload any
	}
	seq uint64
}

func (f *fakePublisher) Publish(topic string, payload any) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.msgs = append(f.msgs, struct {
		topic   string
		payload any
	}{topic, payload})
	return f.seq
}

func (f *fakePublisher) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.msgs {
		out = append(out, m.topic)
	}
	return out
}

func TestEngine_CreateWorkflow_AssignsIDAndTimestamps(t *testing.T) {
	e, _ := newTestEngine(t)
	w, err := e.CreateWorkflow(context.Background(), &workflow.Workflow{
		Name:         "no-id",
		States:       []string{"a"},
		InitialState: "a",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)
	assert.False(t, w.CreatedAt.IsZero())
}

func TestEngine_CreateWorkflow_RejectsInvalidDefinition(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateWorkflow(context.Background(), &workflow.Workflow{
		Name:         "bad",
		States:       []string{"a"},
		InitialState: "not-a-state",
	})
	require.Error(t, err)
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestEngine_GetWorkflow_NotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.GetWorkflow(context.Background(), "missing")
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, NotFoundWorkflow, nfErr.Kind)
}

func TestEngine_ListWorkflows(t *testing.T) {
	e, _ := newTestEngine(t)
	ws, err := e.ListWorkflows(context.Background())
	require.NoError(t, err)
	assert.Len(t, ws, 1)
}

func TestEngine_UpdateWorkflowMetadata(t *testing.T) {
	e, _ := newTestEngine(t)
	w, err := e.UpdateWorkflowMetadata(context.Background(), "wf-approval", "new description", []string{"a", "b"}, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "new description", w.Description)
	assert.Equal(t, []string{"a", "b"}, w.Tags)

	reloaded, err := e.GetWorkflow(context.Background(), "wf-approval")
	require.NoError(t, err)
	assert.Equal(t, "new description", reloaded.Description)
}

func TestEngine_DeleteWorkflow(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.DeleteWorkflow(context.Background(), "wf-approval"))

	_, err := e.GetWorkflow(context.Background(), "wf-approval")
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestEngine_CreateResource_StartsInInitialState(t *testing.T) {
	e, _ := newTestEngine(t)
	r, err := e.CreateResource(context.Background(), "wf-approval", map[string]any{"amount": 100.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, "draft", r.State)
	assert.Equal(t, "wf-approval", r.WorkflowID)
}

func TestEngine_CreateResource_UnknownWorkflow(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateResource(context.Background(), "missing", nil, nil)
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, NotFoundWorkflow, nfErr.Kind)
}

func TestEngine_GetResource_NotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.GetResource(context.Background(), "missing")
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, NotFoundResource, nfErr.Kind)
}

func TestEngine_ListResourcesInState(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateResource(context.Background(), "wf-approval", map[string]any{"amount": 10.0}, nil)
	require.NoError(t, err)
	_, err = e.CreateResource(context.Background(), "wf-approval", map[string]any{"amount": 20.0}, nil)
	require.NoError(t, err)

	all, err := e.ListResourcesInState(context.Background(), "wf-approval", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	draft, err := e.ListResourcesInState(context.Background(), "wf-approval", "draft")
	require.NoError(t, err)
	assert.Len(t, draft, 2)

	approved, err := e.ListResourcesInState(context.Background(), "wf-approval", "approved")
	require.NoError(t, err)
	assert.Len(t, approved, 0)
}

func TestEngine_ExecuteActivity_HappyPath(t *testing.T) {
	e, st := newTestEngine(t)
	r, err := e.CreateResource(context.Background(), "wf-approval", map[string]any{"amount": 100.0}, nil)
	require.NoError(t, err)

	updated, err := e.ExecuteActivity(context.Background(), r.ID, "submit", map[string]any{"note": "ready"}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", updated.State)
	require.Len(t, updated.History, 1)
	assert.Equal(t, "submit", updated.History[0].ActivityID)
	assert.Equal(t, "draft", updated.History[0].FromState)
	assert.Equal(t, "pending", updated.History[0].ToState)
	assert.Equal(t, "user-1", updated.History[0].TriggeredBy)
	assert.NotZero(t, updated.Sequence)

	persisted, err := st.LoadResource(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", persisted.State)
	assert.Len(t, persisted.History, 1)

	again, err := e.ExecuteActivity(context.Background(), r.ID, "approve", nil, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "approved", again.State)
	assert.Len(t, again.History, 2)
	assert.Greater(t, again.Sequence, updated.Sequence)
}

func TestEngine_ExecuteActivity_ResourceNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.ExecuteActivity(context.Background(), "missing", "submit", nil, "user-1")
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, NotFoundResource, nfErr.Kind)
}

func TestEngine_ExecuteActivity_WorkflowNotFound(t *testing.T) {
	st := store.NewInMemoryStore()
	e := New(st, nil, rules.NewRegistry())
	require.NoError(t, st.SaveResource(context.Background(), &workflow.Resource{
		ID: "orphan", WorkflowID: "ghost-workflow", State: "draft",
	}))

	_, err := e.ExecuteActivity(context.Background(), "orphan", "submit", nil, "user-1")
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, NotFoundWorkflow, nfErr.Kind)
}

func TestEngine_ExecuteActivity_ActivityNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	r, err := e.CreateResource(context.Background(), "wf-approval", nil, nil)
	require.NoError(t, err)

	_, err = e.ExecuteActivity(context.Background(), r.ID, "no-such-activity", nil, "user-1")
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, NotFoundActivity, nfErr.Kind)
}

func TestEngine_ExecuteActivity_InvalidTransition(t *testing.T) {
	e, _ := newTestEngine(t)
	r, err := e.CreateResource(context.Background(), "wf-approval", map[string]any{"amount": 100.0}, nil)
	require.NoError(t, err)

	// resource is in "draft"; "approve" only accepts "pending".
	_, err = e.ExecuteActivity(context.Background(), r.ID, "approve", nil, "user-1")
	var itErr *InvalidTransitionError
	require.ErrorAs(t, err, &itErr)
	assert.Equal(t, "approve", itErr.ActivityID)
	assert.Equal(t, "draft", itErr.FromState)
}

func TestEngine_ExecuteActivity_RulesNotSatisfied(t *testing.T) {
	e, _ := newTestEngine(t)
	r, err := e.CreateResource(context.Background(), "wf-approval", map[string]any{"amount": 0.0}, nil)
	require.NoError(t, err)

	_, err = e.ExecuteActivity(context.Background(), r.ID, "submit", nil, "user-1")
	require.NoError(t, err)

	_, err = e.ExecuteActivity(context.Background(), r.ID, "approve", nil, "user-1")
	var rnsErr *RulesNotSatisfiedError
	require.ErrorAs(t, err, &rnsErr)
	assert.Equal(t, "approve", rnsErr.ActivityID)
	require.Len(t, rnsErr.Details, 1)
	assert.False(t, rnsErr.Details[0].Passed)
}

func TestEngine_ExecuteActivity_PublishesResourceAndWorkflowEvents(t *testing.T) {
	st := store.NewInMemoryStore()
	pub := &fakePublisher{}
	e := New(st, nil, rules.NewRegistry())
	e.broker = pub

	_, err := e.CreateWorkflow(context.Background(), approvalWorkflow())
	require.NoError(t, err)
	r, err := e.CreateResource(context.Background(), "wf-approval", map[string]any{"amount": 100.0}, nil)
	require.NoError(t, err)

	_, err = e.ExecuteActivity(context.Background(), r.ID, "submit", nil, "user-1")
	require.NoError(t, err)

	topics := pub.topics()
	assert.Contains(t, topics, fmt.Sprintf("resource:%s", r.ID))
	assert.Contains(t, topics, "workflow:wf-approval")
}

func TestEngine_ExecuteActivity_SerializesConcurrentCallsOnSameResource(t *testing.T) {
	e, st := newTestEngine(t)

	wf := &workflow.Workflow{
		ID:           "wf-loop",
		Name:         "loop",
		States:       []string{"a", "b"},
		InitialState: "a",
		Activities: []workflow.ActivityDefinition{
			{ID: "to-b", FromStates: []string{"a"}, ToState: "b"},
			{ID: "to-a", FromStates: []string{"b"}, ToState: "a"},
		},
	}
	_, err := e.CreateWorkflow(context.Background(), wf)
	require.NoError(t, err)
	r, err := e.CreateResource(context.Background(), "wf-loop", nil, nil)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			activity := "to-b"
			if i%2 == 1 {
				activity = "to-a"
			}
			// Many of these calls will fail InvalidTransition since the
			// resource can only be in one state at a time; the point of
			// this test is that the store never observes a torn/lost
			// update, not that every call succeeds.
			_, _ = e.ExecuteActivity(context.Background(), r.ID, activity, nil, "user-1")
		}(i)
	}
	wg.Wait()

	final, err := st.LoadResource(context.Background(), r.ID)
	require.NoError(t, err)

	seen := map[uint64]bool{}
	for _, h := range final.History {
		require.False(t, seen[h.Sequence], "sequence %d must not repeat across history entries", h.Sequence)
		seen[h.Sequence] = true
	}
	for i := 1; i < len(final.History); i++ {
		assert.Greater(t, final.History[i].Sequence, final.History[i-1].Sequence)
	}
}

func TestEngine_ExecuteActivity_DifferentResourcesProceedInParallel(t *testing.T) {
	e, _ := newTestEngine(t)

	const n = 20
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		r, err := e.CreateResource(context.Background(), "wf-approval", map[string]any{"amount": 100.0}, nil)
		require.NoError(t, err)
		ids[i] = r.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.ExecuteActivity(context.Background(), ids[i], "submit", nil, "user-1")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}
