// Package bridge owns one run of the treadmill to foot pod bridge: the
// claimed stick, the node, both sensor sessions and the loop accumulators.
// Every stage takes and returns the same *Bridge; nothing lives in globals.
package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vstride/vstride-bridge/internal/models"
	"github.com/vstride/vstride-bridge/internal/sensor"
	"github.com/vstride/vstride-bridge/internal/usb"
)

const (
	DefaultTick                 = 250 * time.Millisecond
	DefaultWheelCircumferenceKm = 0.00015
	DefaultCadenceSPM           = 180.0
)

// Config is the static input of a run.
type Config struct {
	NetworkKey      sensor.NetworkKey
	NetworkKeyIndex uint8

	SpeedDeviceType uint8
	SpeedDeviceID   uint16

	StrideDeviceType       uint8
	StrideDeviceID         uint16
	StrideTransmissionType uint8

	Tick                 time.Duration
	WheelCircumferenceKm float64
	CadenceSPM           float64
}

func (c *Config) setDefaults() {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.WheelCircumferenceKm <= 0 {
		c.WheelCircumferenceKm = DefaultWheelCircumferenceKm
	}
	if c.CadenceSPM <= 0 {
		c.CadenceSPM = DefaultCadenceSPM
	}
	if c.SpeedDeviceType == 0 {
		c.SpeedDeviceType = sensor.DeviceTypeSpeed
	}
	if c.StrideDeviceType == 0 {
		c.StrideDeviceType = sensor.DeviceTypeStride
	}
}

// LoopState holds the accumulators. They only grow while the bridge runs.
type LoopState struct {
	StrideCount    float64
	DistanceMeters float64
}

// session tracks one sensor session. A failed open leaves it absent.
type session[T sensor.Session] struct {
	ref     T
	present bool
	closed  bool
}

func (s *session[T]) isOpen() bool {
	return s.present && !s.closed
}

func (s *session[T]) state() models.SessionState {
	switch {
	case !s.present:
		return models.SessionAbsent
	case s.closed:
		return models.SessionClosed
	default:
		return models.SessionOpen
	}
}

// Bridge is the owned run context.
type Bridge struct {
	cfg      Config
	backend  sensor.Backend
	observer Observer
	runID    uuid.UUID
	now      func() time.Time

	// opMu serialises StartNode, the session opens and ticks. mu guards the
	// fields below and is never held while talking to the radio.
	opMu         sync.Mutex
	shutdownOnce sync.Once

	mu          sync.Mutex
	startedAt   time.Time
	handle      usb.Handle
	node        sensor.Node
	nodeRunning bool
	receiver    session[sensor.SpeedReceiver]
	transmitter session[sensor.StrideTransmitter]
	state       LoopState
	tick        uint64
	last        *models.Sample
	stopped     bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithObserver attaches an observer for samples and events.
func WithObserver(o Observer) Option {
	return func(b *Bridge) { b.observer = o }
}

// WithRunID sets the run identifier stamped on samples and events.
func WithRunID(id uuid.UUID) Option {
	return func(b *Bridge) { b.runID = id }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// New creates a bridge for one run.
func New(cfg Config, backend sensor.Backend, opts ...Option) *Bridge {
	cfg.setDefaults()
	b := &Bridge{
		cfg:      cfg,
		backend:  backend,
		observer: Observers(nil),
		runID:    uuid.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.startedAt = b.now()
	return b
}

func (b *Bridge) RunID() uuid.UUID { return b.runID }

func (b *Bridge) Config() Config { return b.cfg }

// Claim finds a free stick and records it as the run's only handle.
func (b *Bridge) Claim(bus usb.Bus, vendorID uint16, productIDs []uint16) (usb.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return nil, newError(KindFatalStartup, "claim", ErrShutdown)
	}
	if b.handle != nil {
		return b.handle, nil
	}

	h, err := usb.Claim(bus, vendorID, productIDs)
	if err != nil {
		return nil, newError(KindFatalStartup, "claim", err)
	}
	b.handle = h
	log.Info().Stringer("device", h.Descriptor()).Msg("radio stick claimed")
	return h, nil
}

// StartNode wraps the claimed handle into a node, starts it and installs the
// network key. On failure the node is stopped again before returning. The
// radio is driven without b.mu held; a Shutdown that lands meanwhile wins and
// the new node is stopped.
func (b *Bridge) StartNode(h usb.Handle) error {
	var events []models.Event
	defer func() { b.emit(events...) }()

	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	stopped, running := b.stopped, b.nodeRunning
	b.mu.Unlock()
	if stopped {
		return newError(KindFatalStartup, "start node", ErrShutdown)
	}
	if running {
		return nil
	}

	node := b.backend.NewNode(h)
	if err := guard(node.Start); err != nil {
		b.stopQuietly(node)
		return newError(KindFatalStartup, "start node", fmt.Errorf("%w: %w", ErrNodeStart, err))
	}

	key := b.cfg.NetworkKey
	if err := guard(func() error { return node.SetNetworkKey(b.cfg.NetworkKeyIndex, key) }); err != nil {
		b.stopQuietly(node)
		return newError(KindFatalStartup, "set network key", fmt.Errorf("%w: %w", ErrNetworkKey, err))
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.stopQuietly(node)
		return newError(KindFatalStartup, "start node", ErrShutdown)
	}
	b.handle = h
	b.node = node
	b.nodeRunning = true
	b.mu.Unlock()

	log.Info().
		Str("network", key.Name).
		Uint8("index", b.cfg.NetworkKeyIndex).
		Msg("node started")
	events = append(events, b.event(models.EventTypeNodeStarted, models.EventLevelInfo, models.SourceNode, "node started", nil))
	return nil
}

func (b *Bridge) stopQuietly(node sensor.Node) {
	if err := guard(node.Stop); err != nil {
		log.Warn().Err(err).Msg("stopping node after failed start")
	}
}

// OpenSpeedReceiver opens the inbound session. A failure leaves the receiver
// absent and is returned as a KindDegradedSession error.
func (b *Bridge) OpenSpeedReceiver() error {
	var events []models.Event
	defer func() { b.emit(events...) }()

	b.opMu.Lock()
	defer b.opMu.Unlock()

	const op = "open speed receiver"
	node, present, err := b.openTarget(&b.receiver.present)
	if err != nil {
		return newError(KindDegradedSession, op, err)
	}
	if present {
		return nil
	}

	r, err := openSession(func() (sensor.SpeedReceiver, error) {
		return b.backend.NewSpeedReceiver(node, b.cfg.SpeedDeviceType, b.cfg.SpeedDeviceID)
	})
	details := models.Variables{"device_id": b.cfg.SpeedDeviceID, "device_type": b.cfg.SpeedDeviceType}
	if err == nil {
		err = b.commit(r, func() { b.receiver = session[sensor.SpeedReceiver]{ref: r, present: true} })
	}
	if err != nil {
		log.Warn().Err(err).
			Uint16("device_id", b.cfg.SpeedDeviceID).
			Uint8("device_type", b.cfg.SpeedDeviceType).
			Msg("speed receiver unavailable, speed will read as zero")
		details["error"] = err.Error()
		events = append(events, b.event(models.EventTypeSessionFailed, models.EventLevelWarning, models.SourceReceiver, "speed receiver failed to open", details))
		return newError(KindDegradedSession, op, err)
	}

	log.Info().
		Uint16("device_id", b.cfg.SpeedDeviceID).
		Uint8("device_type", b.cfg.SpeedDeviceType).
		Msg("speed receiver open")
	events = append(events, b.event(models.EventTypeSessionOpened, models.EventLevelInfo, models.SourceReceiver, "speed receiver open", details))
	return nil
}

// OpenStrideTransmitter opens the outbound session. A failure leaves the
// transmitter absent and is returned as a KindDegradedSession error.
func (b *Bridge) OpenStrideTransmitter() error {
	var events []models.Event
	defer func() { b.emit(events...) }()

	b.opMu.Lock()
	defer b.opMu.Unlock()

	const op = "open stride transmitter"
	node, present, err := b.openTarget(&b.transmitter.present)
	if err != nil {
		return newError(KindDegradedSession, op, err)
	}
	if present {
		return nil
	}

	tx, err := openSession(func() (sensor.StrideTransmitter, error) {
		return b.backend.NewStrideTransmitter(node, b.cfg.StrideDeviceType, b.cfg.StrideDeviceID, b.cfg.StrideTransmissionType)
	})
	details := models.Variables{"device_id": b.cfg.StrideDeviceID, "device_type": b.cfg.StrideDeviceType}
	if err == nil {
		err = b.commit(tx, func() { b.transmitter = session[sensor.StrideTransmitter]{ref: tx, present: true} })
	}
	if err != nil {
		log.Warn().Err(err).
			Uint16("device_id", b.cfg.StrideDeviceID).
			Msg("stride transmitter unavailable, nothing will be broadcast")
		details["error"] = err.Error()
		events = append(events, b.event(models.EventTypeSessionFailed, models.EventLevelWarning, models.SourceTransmitter, "stride transmitter failed to open", details))
		return newError(KindDegradedSession, op, err)
	}

	log.Info().
		Uint16("device_id", b.cfg.StrideDeviceID).
		Uint8("device_type", b.cfg.StrideDeviceType).
		Msg("stride transmitter open")
	events = append(events, b.event(models.EventTypeSessionOpened, models.EventLevelInfo, models.SourceTransmitter, "stride transmitter open", details))
	return nil
}

// openTarget reads what an open needs under b.mu.
func (b *Bridge) openTarget(present *bool) (sensor.Node, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.canOpen(); err != nil {
		return nil, false, err
	}
	return b.node, *present, nil
}

// commit records an opened session unless Shutdown ran while it was being
// opened, in which case the session is closed again.
func (b *Bridge) commit(s sensor.Session, record func()) error {
	b.mu.Lock()
	if !b.stopped {
		record()
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := guard(s.Close); err != nil {
		log.Debug().Err(err).Msg("close session opened during shutdown")
	}
	if err := guard(s.Unassign); err != nil {
		log.Debug().Err(err).Msg("unassign session opened during shutdown")
	}
	return ErrShutdown
}

// OpenSessions opens the receiver, then the transmitter. Each failure is
// independent; the joined error only reports which sessions are absent.
func (b *Bridge) OpenSessions() error {
	return errors.Join(b.OpenSpeedReceiver(), b.OpenStrideTransmitter())
}

func (b *Bridge) canOpen() error {
	if b.stopped {
		return ErrShutdown
	}
	if !b.nodeRunning {
		return ErrNoNode
	}
	return nil
}

// openSession builds and opens a session. Errors and panics from either step
// come back as an error; a session that was built but failed to open is
// unassigned best-effort.
func openSession[T sensor.Session](build func() (T, error)) (T, error) {
	var zero T
	var s T
	if err := guard(func() (err error) {
		s, err = build()
		return err
	}); err != nil {
		return zero, err
	}

	if err := guard(s.Open); err != nil {
		if uerr := guard(s.Unassign); uerr != nil {
			log.Debug().Err(uerr).Msg("unassign after failed open")
		}
		return zero, err
	}
	return s, nil
}

// Status returns a snapshot of the run.
func (b *Bridge) Status() models.Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := models.Status{
		RunID:       b.runID,
		StartedAt:   b.startedAt,
		NodeRunning: b.nodeRunning,
		Receiver:    b.receiver.state(),
		Transmitter: b.transmitter.state(),
		ShutDown:    b.stopped,
	}
	if b.last != nil {
		last := *b.last
		st.Last = &last
	}
	return st
}

// State returns the current accumulators.
func (b *Bridge) State() LoopState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) event(typ models.EventType, level models.EventLevel, source, desc string, details models.Variables) models.Event {
	return models.Event{
		ID:          uuid.New(),
		RunID:       b.runID,
		CreatedAt:   b.now(),
		Type:        typ,
		Level:       level,
		Source:      source,
		Description: desc,
		Details:     details,
	}
}

// emit is called without b.mu held.
func (b *Bridge) emit(events ...models.Event) {
	for _, e := range events {
		b.observer.OnEvent(e)
	}
}
