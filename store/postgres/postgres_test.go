// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package postgres

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/gateway/store"
	"github.com/relaycore/gateway/workflow"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestStore_SaveWorkflow_UpsertsDocument(t *testing.T) {
	s, mock := newMockStore(t)
	w := &workflow.Workflow{ID: "wf-1", Name: "approval"}

	mock.ExpectExec(`INSERT INTO workflows`).
		WithArgs("wf-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveWorkflow(context.Background(), w))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LoadWorkflow_DecodesDocument(t *testing.T) {
	s, mock := newMockStore(t)
	doc := `{"id":"wf-1","name":"approval"}`

	mock.ExpectQuery(`SELECT document FROM workflows WHERE id = \$1`).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))

	w, err := s.LoadWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "approval", w.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LoadWorkflow_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT document FROM workflows WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.LoadWorkflow(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListWorkflows_DecodesEachRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT document FROM workflows`).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).
			AddRow(`{"id":"wf-1","name":"a"}`).
			AddRow(`{"id":"wf-2","name":"b"}`))

	ws, err := s.ListWorkflows(context.Background())
	require.NoError(t, err)
	require.Len(t, ws, 2)
	assert.Equal(t, "wf-1", ws[0].ID)
	assert.Equal(t, "wf-2", ws[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteWorkflow_NotFoundWhenNoRowsAffected(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM workflows WHERE id = \$1`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeleteWorkflow(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteWorkflow_Success(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM workflows WHERE id = \$1`).
		WithArgs("wf-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.DeleteWorkflow(context.Background(), "wf-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveAndLoadResource(t *testing.T) {
	s, mock := newMockStore(t)
	r := &workflow.Resource{ID: "r-1", WorkflowID: "wf-1", State: "draft"}

	mock.ExpectExec(`INSERT INTO resources`).
		WithArgs("r-1", "wf-1", "draft", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SaveResource(context.Background(), r))

	mock.ExpectQuery(`SELECT document FROM resources WHERE id = \$1`).
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(`{"id":"r-1","workflow_id":"wf-1","state":"draft"}`))

	loaded, err := s.LoadResource(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, "draft", loaded.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListResources_FiltersByState(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT document FROM resources WHERE workflow_id = \$1 AND state = \$2`).
		WithArgs("wf-1", "draft").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(`{"id":"r-1","state":"draft"}`))

	rs, err := s.ListResources(context.Background(), "wf-1", "draft")
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "r-1", rs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendHistory_LoadsThenResaves(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT document FROM resources WHERE id = \$1`).
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(`{"id":"r-1","workflow_id":"wf-1","state":"draft"}`))
	mock.ExpectExec(`INSERT INTO resources`).
		WithArgs("r-1", "wf-1", "draft", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.AppendHistory(context.Background(), "r-1", workflow.HistoryEvent{ActivityID: "submit"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_NextSequence_ReturnsIncrementedValue(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO sequences`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(42))

	seq, err := s.NextSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Migrate_ExecutesSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
