package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columnNames = []string{"id", "type", "payload", "resource_key", "domain", "status", "attempts", "max_attempts",
	"claim_epoch", "created_at", "updated_at", "scheduled_at", "claimed_at", "claimed_by", "last_heartbeat_at",
	"completed_at", "flagged_at", "last_error", "result", "dedupe_key"}

func newPostgresMock(t *testing.T) (*SQLStore, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewSQLStore(db, DialectPostgres, WithClock(func() time.Time { return now })), mock, now
}

func TestPostgresClaimUsesSkipLocked(t *testing.T) {
	s, mock, now := newPostgresMock(t)
	us := now.UnixMicro()

	rows := sqlmock.NewRows(columnNames).AddRow(
		"t1", "fetch", `{"a":1}`, "arxiv", "", "IN_PROGRESS", 0, 3,
		int64(1), us, us, us, us, "w1", us,
		nil, nil, nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs("w1", us, pq.Array([]string{"arxiv"})).
		WillReturnRows(rows)

	got, err := s.ClaimNext(context.Background(), "w1", []string{"ArXiv"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.EqualValues(t, 1, got.ClaimEpoch)
	assert.True(t, got.ClaimedAt.Equal(now))
	assert.Nil(t, got.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimNothingDue(t *testing.T) {
	s, mock, _ := newPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WillReturnError(sql.ErrNoRows)

	got, err := s.ClaimNext(context.Background(), "w1", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHeartbeatLeaseLost(t *testing.T) {
	s, mock, now := newPostgresMock(t)
	us := now.UnixMicro()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET last_heartbeat_at = $1")).
		WithArgs(us, "t1", "w1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM tasks WHERE id = $1")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(
			"t1", "fetch", `{}`, "arxiv", "", "IN_PROGRESS", 1, 3,
			int64(3), us, us, us, us, "w2", us,
			nil, nil, nil, nil, nil))

	err := s.Heartbeat(context.Background(), task.Lease{TaskID: "t1", WorkerID: "w1", Epoch: 2})
	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnqueueDedupeRace(t *testing.T) {
	s, mock, _ := newPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM tasks WHERE dedupe_key = $1")).
		WithArgs("k").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tasks")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM tasks WHERE dedupe_key = $1")).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("winner"))

	id, err := s.Enqueue(context.Background(), task.NewTask{Type: "fetch", ResourceKey: "arxiv", DedupeKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "winner", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRefusesNewerMajor(t *testing.T) {
	s, mock, _ := newPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_meta")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_meta")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("2.0.0"))

	err := s.Migrate(context.Background())
	assert.ErrorIs(t, err, ErrSchemaTooNew)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	s, mock, _ := newPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_meta")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_meta")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("1.0.0"))
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE tasks ADD COLUMN flagged_at")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_meta")).
		WithArgs("1.1.0").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
