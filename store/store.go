// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package store defines the pluggable persistence contract the
// workflow engine runs against, plus an in-memory reference
// implementation. Postgres and MongoDB adapters live in subpackages.
package store

import (
	"context"
	"errors"

	"github.com/relaycore/gateway/workflow"
)

// ErrNotFound is returned by load operations when the entity is absent.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract the workflow engine is built
// against. Implementations may be in-memory or event-log backed; the
// engine does not assume transactionality beyond single-resource
// atomic writes.
type Store interface {
	SaveWorkflow(ctx context.Context, w *workflow.Workflow) error
	LoadWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	SaveResource(ctx context.Context, r *workflow.Resource) error
	LoadResource(ctx context.Context, id string) (*workflow.Resource, error)
	ListResources(ctx context.Context, workflowID string, state string) ([]*workflow.Resource, error)

	AppendHistory(ctx context.Context, resourceID string, event workflow.HistoryEvent) error
	NextSequence(ctx context.Context) (uint64, error)
}
