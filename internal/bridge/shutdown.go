package bridge

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/vstride/vstride-bridge/internal/models"
	"github.com/vstride/vstride-bridge/internal/sensor"
)

// Shutdown tears down transmitter, receiver and node in that order. It is
// safe to call concurrently and more than once: only the first call touches
// the lower layer and later callers return once it has finished. Cleanup
// errors are logged and the next step still runs.
func (b *Bridge) Shutdown() {
	b.shutdownOnce.Do(b.shutdown)
}

func (b *Bridge) shutdown() {
	var events []models.Event
	defer func() { b.emit(events...) }()

	b.mu.Lock()
	b.stopped = true
	tx, txOpen := b.transmitter.ref, b.transmitter.isOpen()
	rx, rxOpen := b.receiver.ref, b.receiver.isOpen()
	if txOpen {
		b.transmitter.closed = true
	}
	if rxOpen {
		b.receiver.closed = true
	}
	node, running := b.node, b.nodeRunning
	b.nodeRunning = false
	b.mu.Unlock()

	if txOpen {
		events = append(events, closeSession(b, tx, models.SourceTransmitter)...)
	}
	if rxOpen {
		events = append(events, closeSession(b, rx, models.SourceReceiver)...)
	}

	if running {
		if err := guard(node.Stop); err != nil {
			log.Error().Err(newError(KindShutdownCleanup, "stop node", err)).Msg("cleanup failed")
			events = append(events, b.event(models.EventTypeCleanupFailed, models.EventLevelError, models.SourceNode,
				"node stop failed", models.Variables{"error": err.Error()}))
		} else {
			events = append(events, b.event(models.EventTypeNodeStopped, models.EventLevelInfo, models.SourceNode, "node stopped", nil))
		}
	}

	b.mu.Lock()
	ticks, state := b.tick, b.state
	b.mu.Unlock()

	events = append(events, b.event(models.EventTypeShutdown, models.EventLevelInfo, models.SourceBridge, "bridge shut down",
		models.Variables{"ticks": ticks, "strides": state.StrideCount, "distance_m": state.DistanceMeters}))
	log.Info().
		Uint64("ticks", ticks).
		Float64("strides", state.StrideCount).
		Float64("distance_m", state.DistanceMeters).
		Msg("bridge shut down")
}

// closeSession closes then unassigns s.
func closeSession(b *Bridge, s sensor.Session, source string) []models.Event {
	var events []models.Event
	fail := func(op string, err error) {
		log.Error().Err(newError(KindShutdownCleanup, op, err)).Str("session", source).Msg("cleanup failed")
		events = append(events, b.event(models.EventTypeCleanupFailed, models.EventLevelError, source,
			op+" failed", models.Variables{"error": err.Error()}))
	}

	if err := guard(s.Close); err != nil {
		fail("close", err)
	}
	if err := guard(s.Unassign); err != nil {
		fail("unassign", err)
	}
	if len(events) == 0 {
		events = append(events, b.event(models.EventTypeSessionClosed, models.EventLevelInfo, source, "session closed", nil))
	}
	log.Debug().Str("session", source).Msg("session closed")
	return events
}

// Coordinator funnels every stop request into one cancellation and one
// Shutdown.
type Coordinator struct {
	bridge *Bridge
	cancel context.CancelFunc

	mu     sync.Mutex
	reason string
}

// NewCoordinator returns a coordinator that cancels the run through cancel.
func NewCoordinator(b *Bridge, cancel context.CancelFunc) *Coordinator {
	return &Coordinator{bridge: b, cancel: cancel}
}

// Request cancels the run. The first reason wins.
func (c *Coordinator) Request(reason string) {
	c.mu.Lock()
	first := c.reason == ""
	if first {
		c.reason = reason
	}
	c.mu.Unlock()

	if first {
		log.Info().Str("reason", reason).Msg("shutdown requested")
	}
	c.cancel()
}

// RequestNow cancels the run and tears down before returning, for sources
// that may not let the process unwind normally.
func (c *Coordinator) RequestNow(reason string) {
	c.Request(reason)
	c.bridge.Shutdown()
}

// Finish is the normal unwind path.
func (c *Coordinator) Finish() {
	c.bridge.Shutdown()
}

// Reason returns the first recorded stop reason.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
