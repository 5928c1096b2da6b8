// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package postgres is a reference Store adapter persisting
// workflows/resources/history to PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/relaycore/gateway/store"
	"github.com/relaycore/gateway/workflow"
)

// Store implements store.Store over database/sql with the lib/pq driver.
type Store struct {
	db *sql.DB
}

// Open connects to dsn (a postgres:// URL) and returns a ready Store.
// Callers own the returned *sql.DB's lifecycle via Store.Close.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB, e.g. one built by go-sqlmock in tests.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	document JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS resources (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	state TEXT NOT NULL,
	document JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS sequences (
	id INTEGER PRIMARY KEY DEFAULT 1,
	value BIGINT NOT NULL
);
`

// Migrate creates the tables this adapter needs, if absent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) SaveWorkflow(ctx context.Context, w *workflow.Workflow) error {
	doc, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, document, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET document = $2, updated_at = $3`,
		w.ID, doc, time.Now().UTC())
	return err
}

func (s *Store) LoadWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM workflows WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var w workflow.Workflow
	if err := json.Unmarshal(doc, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM workflows`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var w workflow.Workflow
		if err := json.Unmarshal(doc, &w); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SaveResource(ctx context.Context, r *workflow.Resource) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resources (id, workflow_id, state, document, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET workflow_id = $2, state = $3, document = $4, updated_at = $5`,
		r.ID, r.WorkflowID, r.State, doc, time.Now().UTC())
	return err
}

func (s *Store) LoadResource(ctx context.Context, id string) (*workflow.Resource, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM resources WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r workflow.Resource
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListResources(ctx context.Context, workflowID string, state string) ([]*workflow.Resource, error) {
	query := `SELECT document FROM resources WHERE workflow_id = $1`
	args := []any{workflowID}
	if state != "" {
		query += ` AND state = $2`
		args = append(args, state)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.Resource
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r workflow.Resource
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) AppendHistory(ctx context.Context, resourceID string, event workflow.HistoryEvent) error {
	r, err := s.LoadResource(ctx, resourceID)
	if err != nil {
		return err
	}
	r.History = append(r.History, event)
	return s.SaveResource(ctx, r)
}

func (s *Store) NextSequence(ctx context.Context) (uint64, error) {
	var value uint64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sequences (id, value) VALUES (1, 1)
		 ON CONFLICT (id) DO UPDATE SET value = sequences.value + 1
		 RETURNING value`).Scan(&value)
	return value, err
}
