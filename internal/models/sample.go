package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the externally visible state of a sensor session.
type SessionState string

const (
	SessionAbsent SessionState = "absent"
	SessionOpen   SessionState = "open"
	SessionClosed SessionState = "closed"
)

// Sample is the outcome of one loop tick.
type Sample struct {
	RunID uuid.UUID `json:"runId"`
	Tick  uint64    `json:"tick"`
	At    time.Time `json:"at"`

	RevolutionsPerSecond float64 `json:"revolutionsPerSecond"`
	SpeedKmh             float64 `json:"speedKmh"`
	SpeedMps             float64 `json:"speedMps"`
	StrideCount          float64 `json:"strideCount"`
	DistanceMeters       float64 `json:"distanceMeters"`

	Receiver    SessionState `json:"receiver"`
	Transmitter SessionState `json:"transmitter"`
	Broadcast   bool         `json:"broadcast"`
}

// Status is a point-in-time view of the bridge.
type Status struct {
	RunID       uuid.UUID    `json:"runId"`
	StartedAt   time.Time    `json:"startedAt"`
	NodeRunning bool         `json:"nodeRunning"`
	Receiver    SessionState `json:"receiver"`
	Transmitter SessionState `json:"transmitter"`
	ShutDown    bool         `json:"shutDown"`
	Last        *Sample      `json:"last,omitempty"`
}
