package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vstride/vstride-bridge/internal/models"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Run methods
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRunTotals(ctx context.Context, run *models.Run) error
	FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, reason string) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*models.Run, int64, error)

	// Event methods
	CreateRunEvent(ctx context.Context, event *models.Event) error
	ListRunEvents(ctx context.Context, runID uuid.UUID, limit int) ([]*models.Event, error)

	Close() error
}
