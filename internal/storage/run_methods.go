package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vstride/vstride-bridge/internal/models"
)

// CreateRun inserts a run record
func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	query := `
		INSERT INTO runs (
			id, started_at, device, speed_device_id, stride_device_id
		) VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.StartedAt, run.Device, int(run.SpeedDeviceID), int(run.StrideDeviceID),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// UpdateRunTotals stores the running totals of a run
func (s *PostgresStore) UpdateRunTotals(ctx context.Context, run *models.Run) error {
	query := `
		UPDATE runs SET
			ticks = $2, stride_count = $3, distance_meters = $4, max_speed_mps = $5
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		run.ID, int64(run.Ticks), run.StrideCount, run.DistanceMeters, run.MaxSpeedMps,
	)
	if err != nil {
		return fmt.Errorf("update run totals: %w", err)
	}
	return expectOne(result)
}

// FinishRun marks a run finished
func (s *PostgresStore) FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, reason string) error {
	query := `UPDATE runs SET finished_at = $2, exit_reason = $3 WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id, finishedAt, reason)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return expectOne(result)
}

const runColumns = `id, started_at, finished_at, device, speed_device_id, stride_device_id,
	ticks, stride_count, distance_meters, max_speed_mps, exit_reason`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run        models.Run
		finishedAt sql.NullTime
		speedID    int
		strideID   int
		ticks      int64
	)
	err := row.Scan(
		&run.ID, &run.StartedAt, &finishedAt, &run.Device, &speedID, &strideID,
		&ticks, &run.StrideCount, &run.DistanceMeters, &run.MaxSpeedMps, &run.ExitReason,
	)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	run.SpeedDeviceID = uint16(speedID)
	run.StrideDeviceID = uint16(strideID)
	run.Ticks = uint64(ticks)
	return &run, nil
}

// GetRun gets a run by ID
func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first
func (s *PostgresStore) ListRuns(ctx context.Context, limit, offset int) ([]*models.Run, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT $1 OFFSET $2`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func expectOne(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
