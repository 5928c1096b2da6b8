// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/relaycore/gateway/workflow"
)

// InMemoryStore is the default, process-local Store implementation,
// used by the testable properties and as the reference behavior every
// other adapter must match.
type InMemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
	resources map[string]*workflow.Resource
	sequence  uint64
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows: map[string]*workflow.Workflow{},
		resources: map[string]*workflow.Resource{},
	}
}

func (s *InMemoryStore) SaveWorkflow(ctx context.Context, w *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workflows[w.ID] = &cp
	return nil
}

func (s *InMemoryStore) LoadWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *InMemoryStore) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(s.workflows, id)
	return nil
}

func (s *InMemoryStore) SaveResource(ctx context.Context, r *workflow.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.History = append([]workflow.HistoryEvent(nil), r.History...)
	s.resources[r.ID] = &cp
	return nil
}

func (s *InMemoryStore) LoadResource(ctx context.Context, id string) (*workflow.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	cp.History = append([]workflow.HistoryEvent(nil), r.History...)
	return &cp, nil
}

func (s *InMemoryStore) ListResources(ctx context.Context, workflowID string, state string) ([]*workflow.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Resource
	for _, r := range s.resources {
		if r.WorkflowID != workflowID {
			continue
		}
		if state != "" && r.State != state {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryStore) AppendHistory(ctx context.Context, resourceID string, event workflow.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceID]
	if !ok {
		return ErrNotFound
	}
	r.History = append(r.History, event)
	return nil
}

func (s *InMemoryStore) NextSequence(ctx context.Context) (uint64, error) {
	return atomic.AddUint64(&s.sequence, 1), nil
}
