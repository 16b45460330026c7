package models

import (
	"time"

	"github.com/google/uuid"
)

// Run is one process lifetime of the bridge.
type Run struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	StartedAt  time.Time  `json:"startedAt" db:"started_at"`
	FinishedAt *time.Time `json:"finishedAt,omitempty" db:"finished_at"`

	Device         string `json:"device" db:"device"`
	SpeedDeviceID  uint16 `json:"speedDeviceId" db:"speed_device_id"`
	StrideDeviceID uint16 `json:"strideDeviceId" db:"stride_device_id"`

	Ticks          uint64  `json:"ticks" db:"ticks"`
	StrideCount    float64 `json:"strideCount" db:"stride_count"`
	DistanceMeters float64 `json:"distanceMeters" db:"distance_meters"`
	MaxSpeedMps    float64 `json:"maxSpeedMps" db:"max_speed_mps"`

	ExitReason string `json:"exitReason,omitempty" db:"exit_reason"`
}

// Totals folds a sample into the run's running totals.
func (r *Run) Totals(s Sample) {
	r.Ticks = s.Tick
	r.StrideCount = s.StrideCount
	r.DistanceMeters = s.DistanceMeters
	if s.SpeedMps > r.MaxSpeedMps {
		r.MaxSpeedMps = s.SpeedMps
	}
}
