// Package sim stands in for the USB stick and the radio so the bridge can run
// without hardware: one fake stick on the bus, a speed receiver reporting a
// fixed wheel rate and a transmitter that logs what it would broadcast.
package sim

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/vstride/vstride-bridge/internal/sensor"
	"github.com/vstride/vstride-bridge/internal/usb"
)

var errNoRadio = errors.New("sim: no radio traffic")

// Bus exposes a single simulated stick.
type Bus struct {
	Stick usb.Descriptor
}

// NewBus returns a bus with one ANTUSB2 stick at 1.1.
func NewBus() *Bus {
	return &Bus{Stick: usb.Descriptor{
		VendorID:  usb.VendorDynastream,
		ProductID: usb.ProductANTUSB2,
		Bus:       1,
		Address:   1,
	}}
}

func (b *Bus) Enumerate(vendorID uint16) ([]usb.Descriptor, error) {
	if vendorID != b.Stick.VendorID {
		return nil, nil
	}
	return []usb.Descriptor{b.Stick}, nil
}

func (b *Bus) Handle(d usb.Descriptor) usb.Handle {
	return &Handle{desc: d}
}

// Handle tracks open/closed state only.
type Handle struct {
	desc  usb.Descriptor
	mu    sync.Mutex
	state usb.State
}

func (h *Handle) Descriptor() usb.Descriptor { return h.desc }

func (h *Handle) State() usb.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = usb.StateOpen
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == usb.StateOpen {
		h.state = usb.StateClosed
	}
	return nil
}

func (h *Handle) Read(ctx context.Context, _ []byte) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (h *Handle) Write(p []byte) (int, error) {
	return 0, errNoRadio
}

// Backend builds simulated nodes and sessions.
type Backend struct {
	// RevolutionsPerSecond is the wheel rate every receiver reports.
	RevolutionsPerSecond float64
}

func (b *Backend) NewNode(h usb.Handle) sensor.Node {
	return &Node{handle: h}
}

func (b *Backend) NewSpeedReceiver(_ sensor.Node, deviceType uint8, deviceID uint16) (sensor.SpeedReceiver, error) {
	r := &SpeedReceiver{DeviceType: deviceType, DeviceID: deviceID}
	r.SetRevolutionsPerSecond(b.RevolutionsPerSecond)
	return r, nil
}

func (b *Backend) NewStrideTransmitter(_ sensor.Node, deviceType uint8, deviceID uint16, _ uint8) (sensor.StrideTransmitter, error) {
	return &StrideTransmitter{DeviceType: deviceType, DeviceID: deviceID}, nil
}

// Node reopens the handle on Start and closes it on Stop.
type Node struct {
	handle  usb.Handle
	running atomic.Bool
	key     atomic.Pointer[sensor.NetworkKey]
}

func (n *Node) Start() error {
	if n.running.Swap(true) {
		return nil
	}
	return n.handle.Open()
}

func (n *Node) SetNetworkKey(index uint8, key sensor.NetworkKey) error {
	n.key.Store(&key)
	log.Debug().Uint8("index", index).Str("network", key.Name).Msg("sim network key set")
	return nil
}

func (n *Node) Stop() error {
	if !n.running.Swap(false) {
		return nil
	}
	return n.handle.Close()
}

// SpeedReceiver reports a settable wheel rate.
type SpeedReceiver struct {
	DeviceType uint8
	DeviceID   uint16

	open atomic.Bool
	rps  atomic.Uint64
}

func (r *SpeedReceiver) Open() error     { r.open.Store(true); return nil }
func (r *SpeedReceiver) Close() error    { r.open.Store(false); return nil }
func (r *SpeedReceiver) Unassign() error { return nil }

func (r *SpeedReceiver) RevolutionsPerSecond() float64 {
	return math.Float64frombits(r.rps.Load())
}

// SetRevolutionsPerSecond changes the reported wheel rate.
func (r *SpeedReceiver) SetRevolutionsPerSecond(rps float64) {
	r.rps.Store(math.Float64bits(rps))
}

// StrideTransmitter logs updates instead of broadcasting them.
type StrideTransmitter struct {
	DeviceType uint8
	DeviceID   uint16

	open    atomic.Bool
	updates atomic.Uint64
}

func (s *StrideTransmitter) Open() error     { s.open.Store(true); return nil }
func (s *StrideTransmitter) Close() error    { s.open.Store(false); return nil }
func (s *StrideTransmitter) Unassign() error { return nil }

func (s *StrideTransmitter) Update(strides, distanceMeters, speedMps float64) error {
	if !s.open.Load() {
		return sensor.ErrClosed
	}
	s.updates.Add(1)
	log.Debug().
		Uint16("device_id", s.DeviceID).
		Uint8("device_type", s.DeviceType).
		Float64("strides", strides).
		Float64("distance_m", distanceMeters).
		Float64("speed_mps", speedMps).
		Msg("sim stride broadcast")
	return nil
}

// Updates returns how many payloads were accepted.
func (s *StrideTransmitter) Updates() uint64 {
	return s.updates.Load()
}
