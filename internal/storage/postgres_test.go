package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vstride/vstride-bridge/internal/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreDB(db), mock
}

var runCols = []string{
	"id", "started_at", "finished_at", "device", "speed_device_id", "stride_device_id",
	"ticks", "stride_count", "distance_meters", "max_speed_mps", "exit_reason",
}

func TestEnsureSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS runs").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRun(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO runs").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "0fcf:1008@1.1", 12345, 6789).
		WillReturnResult(sqlmock.NewResult(0, 1))

	run := &models.Run{Device: "0fcf:1008@1.1", SpeedDeviceID: 12345, StrideDeviceID: 6789}
	require.NoError(t, s.CreateRun(context.Background(), run))
	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.False(t, run.StartedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunTotalsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateRunTotals(context.Background(), &models.Run{ID: uuid.New(), Ticks: 4})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinishRun(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE runs SET finished_at").
		WithArgs(sqlmock.AnyArg(), at, "interrupt").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.FinishRun(context.Background(), id, at, "interrupt"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM runs WHERE id").
		WillReturnRows(sqlmock.NewRows(runCols).
			AddRow(id.String(), started, nil, "sim", int64(12345), int64(6789), int64(40), 30.0, 1.5, 0.3, ""))

	run, err := s.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.Nil(t, run.FinishedAt)
	assert.Equal(t, uint16(12345), run.SpeedDeviceID)
	assert.Equal(t, uint64(40), run.Ticks)
	assert.Equal(t, 30.0, run.StrideCount)
}

func TestGetRunNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM runs WHERE id").WillReturnRows(sqlmock.NewRows(runCols))

	_, err := s.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRuns(t *testing.T) {
	s, mock := newMockStore(t)
	finished := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM runs")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))
	mock.ExpectQuery("FROM runs ORDER BY started_at DESC").
		WithArgs(2, 0).
		WillReturnRows(sqlmock.NewRows(runCols).
			AddRow(uuid.New().String(), finished.Add(-time.Hour), finished, "a", int64(1), int64(2), int64(10), 7.5, 0.4, 0.2, "interrupt").
			AddRow(uuid.New().String(), finished.Add(-2*time.Hour), nil, "b", int64(1), int64(2), int64(0), 0.0, 0.0, 0.0, ""))

	runs, total, err := s.ListRuns(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	require.Len(t, runs, 2)
	require.NotNil(t, runs[0].FinishedAt)
	assert.Equal(t, "interrupt", runs[0].ExitReason)
	assert.Nil(t, runs[1].FinishedAt)
}

func TestCreateRunEvent(t *testing.T) {
	s, mock := newMockStore(t)

	err := s.CreateRunEvent(context.Background(), &models.Event{Type: models.EventTypeShutdown})
	assert.ErrorIs(t, err, ErrInvalidData)

	mock.ExpectExec("INSERT INTO run_events").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"SESSION_FAILED", "WARNING", "speed_receiver", "speed receiver failed to open", []byte(`{"device_id":12345}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := &models.Event{
		RunID:       uuid.New(),
		Type:        models.EventTypeSessionFailed,
		Level:       models.EventLevelWarning,
		Source:      models.SourceReceiver,
		Description: "speed receiver failed to open",
		Details:     models.Variables{"device_id": 12345},
	}
	require.NoError(t, s.CreateRunEvent(context.Background(), e))
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunEvents(t *testing.T) {
	s, mock := newMockStore(t)
	runID := uuid.New()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM run_events WHERE run_id").
		WithArgs(sqlmock.AnyArg(), 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "created_at", "type", "level", "source", "description", "details"}).
			AddRow(uuid.New().String(), runID.String(), at, "BROADCAST_FAILED", "WARNING", "stride_transmitter", "stride update failed", []byte(`{"tick":3}`)).
			AddRow(uuid.New().String(), runID.String(), at.Add(time.Second), "SHUTDOWN", "INFO", "bridge", "bridge shut down", nil))

	events, err := s.ListRunEvents(context.Background(), runID, 50)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventTypeBroadcastFailed, events[0].Type)
	assert.Equal(t, float64(3), events[0].Details["tick"])
	assert.Equal(t, runID, events[1].RunID)
	assert.Empty(t, events[1].Details)
}
