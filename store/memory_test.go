// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/gateway/workflow"
)

func TestInMemoryStore_SaveAndLoadWorkflow(t *testing.T) {
	s := NewInMemoryStore()
	w := &workflow.Workflow{ID: "wf-1", Name: "original"}
	require.NoError(t, s.SaveWorkflow(context.Background(), w))

	loaded, err := s.LoadWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "original", loaded.Name)
}

func TestInMemoryStore_SaveWorkflowIsCopyOnWrite(t *testing.T) {
	s := NewInMemoryStore()
	w := &workflow.Workflow{ID: "wf-1", Name: "original"}
	require.NoError(t, s.SaveWorkflow(context.Background(), w))

	w.Name = "mutated-after-save"
	loaded, err := s.LoadWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "original", loaded.Name, "mutating the caller's struct after save must not affect the stored copy")
}

func TestInMemoryStore_LoadWorkflowReturnsIndependentCopy(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.SaveWorkflow(context.Background(), &workflow.Workflow{ID: "wf-1", Name: "original"}))

	first, err := s.LoadWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	first.Name = "mutated-by-caller"

	second, err := s.LoadWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "original", second.Name)
}

func TestInMemoryStore_LoadWorkflowNotFound(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.LoadWorkflow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_ListWorkflows(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.SaveWorkflow(context.Background(), &workflow.Workflow{ID: "wf-1"}))
	require.NoError(t, s.SaveWorkflow(context.Background(), &workflow.Workflow{ID: "wf-2"}))

	ws, err := s.ListWorkflows(context.Background())
	require.NoError(t, err)
	assert.Len(t, ws, 2)
}

func TestInMemoryStore_DeleteWorkflow(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.SaveWorkflow(context.Background(), &workflow.Workflow{ID: "wf-1"}))
	require.NoError(t, s.DeleteWorkflow(context.Background(), "wf-1"))

	_, err := s.LoadWorkflow(context.Background(), "wf-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_DeleteWorkflowNotFound(t *testing.T) {
	s := NewInMemoryStore()
	err := s.DeleteWorkflow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_SaveResourceCopiesHistorySlice(t *testing.T) {
	s := NewInMemoryStore()
	r := &workflow.Resource{ID: "r-1", History: []workflow.HistoryEvent{{ActivityID: "a1"}}}
	require.NoError(t, s.SaveResource(context.Background(), r))

	r.History = append(r.History, workflow.HistoryEvent{ActivityID: "a2"})
	loaded, err := s.LoadResource(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Len(t, loaded.History, 1, "appending to the caller's slice after save must not affect the stored copy")
}

func TestInMemoryStore_LoadResourceNotFound(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.LoadResource(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_ListResourcesFiltersByWorkflowAndState(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.SaveResource(context.Background(), &workflow.Resource{ID: "r-1", WorkflowID: "wf-1", State: "draft"}))
	require.NoError(t, s.SaveResource(context.Background(), &workflow.Resource{ID: "r-2", WorkflowID: "wf-1", State: "approved"}))
	require.NoError(t, s.SaveResource(context.Background(), &workflow.Resource{ID: "r-3", WorkflowID: "wf-2", State: "draft"}))

	all, err := s.ListResources(context.Background(), "wf-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	draftOnly, err := s.ListResources(context.Background(), "wf-1", "draft")
	require.NoError(t, err)
	require.Len(t, draftOnly, 1)
	assert.Equal(t, "r-1", draftOnly[0].ID)
}

func TestInMemoryStore_AppendHistory(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.SaveResource(context.Background(), &workflow.Resource{ID: "r-1"}))
	require.NoError(t, s.AppendHistory(context.Background(), "r-1", workflow.HistoryEvent{ActivityID: "a1"}))
	require.NoError(t, s.AppendHistory(context.Background(), "r-1", workflow.HistoryEvent{ActivityID: "a2"}))

	loaded, err := s.LoadResource(context.Background(), "r-1")
	require.NoError(t, err)
	require.Len(t, loaded.History, 2)
	assert.Equal(t, "a2", loaded.History[1].ActivityID)
}

func TestInMemoryStore_AppendHistoryNotFound(t *testing.T) {
	s := NewInMemoryStore()
	err := s.AppendHistory(context.Background(), "missing", workflow.HistoryEvent{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_NextSequenceIsStrictlyIncreasing(t *testing.T) {
	s := NewInMemoryStore()
	seq1, err := s.NextSequence(context.Background())
	require.NoError(t, err)
	seq2, err := s.NextSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)
}

func TestInMemoryStore_NextSequenceConcurrentCallsNeverRepeat(t *testing.T) {
	s := NewInMemoryStore()
	const n = 200
	seqs := make([]uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			seq, err := s.NextSequence(context.Background())
			require.NoError(t, err)
			seqs[i] = seq
		}(i)
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, seq := range seqs {
		require.False(t, seen[seq], "sequence %d issued more than once", seq)
		seen[seq] = true
	}
}
