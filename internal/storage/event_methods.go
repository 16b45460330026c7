package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vstride/vstride-bridge/internal/models"
)

// CreateRunEvent creates an event log entry
func (s *PostgresStore) CreateRunEvent(ctx context.Context, event *models.Event) error {
	if event.RunID == uuid.Nil {
		return fmt.Errorf("%w: event without run", ErrInvalidData)
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO run_events (
			id, run_id, created_at, type, level, source, description, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.RunID, event.CreatedAt, event.Type, event.Level,
		event.Source, event.Description, event.Details,
	)
	if err != nil {
		return fmt.Errorf("create run event: %w", err)
	}
	return nil
}

// ListRunEvents lists the most recent events of a run, oldest first
func (s *PostgresStore) ListRunEvents(ctx context.Context, runID uuid.UUID, limit int) ([]*models.Event, error) {
	query := `
		SELECT id, run_id, created_at, type, level, source, description, details
		FROM (
			SELECT * FROM run_events WHERE run_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.Event, 0)
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.RunID, &e.CreatedAt, &e.Type, &e.Level,
			&e.Source, &e.Description, &e.Details); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
