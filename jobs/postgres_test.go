package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jobCols = []string{"id", "strategy_id", "symbols", "timeframe", "start_time", "end_time", "parameters", "status", "message", "created", "updated"}

func newMockQueue(t *testing.T) (*PostgresQueue, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewPostgresQueue(sqlx.NewDb(mockDB, "postgres"), time.Second), mock
}

func TestPostgresQueueSubmit(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q.Now = func() time.Time { return now }

	mock.ExpectExec("INSERT INTO wf_jobs").
		WithArgs(sqlmock.AnyArg(), "breakout", sqlmock.AnyArg(), "1h",
			sql.NullTime{}, sql.NullTime{}, sqlmock.AnyArg(), "pending", "", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	j, err := q.Submit(context.Background(), Job{StrategyID: "breakout", Symbols: []string{"AAPL", "MSFT"}})
	require.NoError(t, err)
	assert.Len(t, j.ID, 36)
	assert.Equal(t, StatusPending, j.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueueClaim(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE wf_jobs SET status = 'running'.*FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows(jobCols).AddRow(
			"0b7e6c1c-6f7e-4c55-9d64-0d7a3c3d2f10", "breakout", "{AAPL,MSFT}", "1h",
			now.Add(-48*time.Hour), nil, []byte(`{"grid_from":1,"grid_to":2,"grid_step":0.5}`),
			"running", "", now, now))
	mock.ExpectQuery(`UPDATE wf_jobs SET status = 'running'`).WillReturnError(sql.ErrNoRows)

	j, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, []string{"AAPL", "MSFT"}, j.Symbols)
	assert.Equal(t, StatusRunning, j.Status)
	assert.True(t, j.End.IsZero())
	assert.Equal(t, 2.0, j.Parameters.GridTo)

	j, err = q.Claim(context.Background())
	require.NoError(t, err)
	assert.Nil(t, j)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueueFinish(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	mock.ExpectExec(`UPDATE wf_jobs SET status = \$2`).
		WithArgs("J1", "completed", "ok").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE wf_jobs SET status = \$2`).
		WithArgs("J1", "failed", "late").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, q.Complete(context.Background(), "J1", "ok"))
	assert.ErrorIs(t, q.Fail(context.Background(), "J1", "late"), ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueueGetNotFound(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	mock.ExpectQuery("SELECT id, strategy_id").WithArgs("J1").WillReturnRows(sqlmock.NewRows(jobCols))

	_, err := q.Get(context.Background(), "J1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
