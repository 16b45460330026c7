package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle record of one bridge run.
type Event struct {
	ID        uuid.UUID `json:"id" db:"id"`
	RunID     uuid.UUID `json:"runId" db:"run_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Source      string     `json:"source" db:"source"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	EventTypeNodeStarted     EventType = "NODE_STARTED"
	EventTypeNodeStopped     EventType = "NODE_STOPPED"
	EventTypeSessionOpened   EventType = "SESSION_OPENED"
	EventTypeSessionFailed   EventType = "SESSION_FAILED"
	EventTypeSessionClosed   EventType = "SESSION_CLOSED"
	EventTypeBroadcastFailed EventType = "BROADCAST_FAILED"
	EventTypeCleanupFailed   EventType = "CLEANUP_FAILED"
	EventTypeShutdown        EventType = "SHUTDOWN"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// Event sources
const (
	SourceNode        = "node"
	SourceReceiver    = "speed_receiver"
	SourceTransmitter = "stride_transmitter"
	SourceBridge      = "bridge"
)
