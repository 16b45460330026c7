package ant

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/vstride/vstride-bridge/internal/sensor"
)

// Channel periods in 1/32768 s.
const (
	PeriodSpeedCadence uint16 = 8086
	PeriodSpeed        uint16 = 8118
)

// staleMessages is how many messages without a new wheel event (about 3 s)
// are tolerated before the wheel is reported as stopped.
const staleMessages = 12

// wheelState turns cumulative event time (1/1024 s) and revolution counts
// into revolutions per second. Both counters roll over at 16 bits.
type wheelState struct {
	seen     bool
	lastTime uint16
	lastRevs uint16
	stale    int
	rps      float64
}

// update consumes one data page and returns the current rate.
func (w *wheelState) update(page []byte) float64 {
	eventTime := binary.LittleEndian.Uint16(page[4:6])
	revs := binary.LittleEndian.Uint16(page[6:8])

	if !w.seen {
		w.seen = true
		w.lastTime, w.lastRevs = eventTime, revs
		return w.rps
	}

	dt := eventTime - w.lastTime
	if dt == 0 {
		return w.miss()
	}

	dr := revs - w.lastRevs
	w.lastTime, w.lastRevs = eventTime, revs
	w.stale = 0
	w.rps = float64(dr) * 1024 / float64(dt)
	return w.rps
}

// miss records a message or RX failure without a new wheel event.
func (w *wheelState) miss() float64 {
	w.stale++
	if w.stale >= staleMessages {
		w.rps = 0
	}
	return w.rps
}

// SpeedReceiver is a slave channel on a bike speed or speed/cadence sensor.
type SpeedReceiver struct {
	channel

	deviceType uint8
	deviceID   uint16
	period     uint16

	wheel wheelState
	rps   atomic.Uint64
}

// NewSpeedReceiver binds a receiver to node. The radio is untouched until
// Open.
func NewSpeedReceiver(node *Node, deviceType uint8, deviceID uint16) (*SpeedReceiver, error) {
	var period uint16
	switch deviceType {
	case sensor.DeviceTypeSpeedCadence:
		period = PeriodSpeedCadence
	case sensor.DeviceTypeSpeed:
		period = PeriodSpeed
	default:
		return nil, fmt.Errorf("speed receiver: unsupported device type %d", deviceType)
	}

	return &SpeedReceiver{
		channel:    channel{node: node},
		deviceType: deviceType,
		deviceID:   deviceID,
		period:     period,
	}, nil
}

// Open assigns a slave channel paired to the configured sensor and opens it.
func (r *SpeedReceiver) Open() error {
	return r.setup(r, channelConfig{
		chType:     ChannelTypeSlave,
		deviceID:   r.deviceID,
		deviceType: r.deviceType,
		period:     r.period,
		search:     true,
	})
}

// Close closes the channel. The last reading is kept.
func (r *SpeedReceiver) Close() error {
	return r.shut()
}

// Unassign releases the channel.
func (r *SpeedReceiver) Unassign() error {
	return r.unassign()
}

// RevolutionsPerSecond returns the latest wheel rate.
func (r *SpeedReceiver) RevolutionsPerSecond() float64 {
	return math.Float64frombits(r.rps.Load())
}

func (r *SpeedReceiver) handleData(payload []byte) {
	r.store(r.wheel.update(payload))
}

func (r *SpeedReceiver) handleEvent(code byte) {
	switch code {
	case EventRXFail, EventRXFailGoToSearch, EventRXSearchTimeout:
		r.store(r.wheel.miss())
	}
	r.channel.handleEvent(code)
}

func (r *SpeedReceiver) store(rps float64) {
	r.rps.Store(math.Float64bits(rps))
}
