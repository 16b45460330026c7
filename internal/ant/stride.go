package ant

import (
	"math"
	"sync"
	"time"

	"github.com/vstride/vstride-bridge/internal/sensor"
)

// PeriodStride is the stride-based speed and distance channel period.
const PeriodStride uint16 = 8134

// DefaultTransmissionType is used when none is configured.
const DefaultTransmissionType uint8 = 0x05

// SDM status byte: location laces, battery new, health ok, use state.
const (
	sdmStatusInactive byte = 0x00
	sdmStatusActive   byte = 0x01
)

// page2Every interleaves the cadence page between distance pages.
const page2Every = 4

// StridePage1 encodes SDM data page 1: time, distance, speed and strides.
func StridePage1(elapsed time.Duration, distanceMeters, speedMps, strides float64) [8]byte {
	var p [8]byte
	p[0] = 0x01

	secs := elapsed.Seconds()
	whole, frac := math.Modf(secs)
	p[1] = byte(int(frac*200) % 200)
	p[2] = byte(int64(whole) % 256)

	dWhole, dFrac := math.Modf(math.Max(distanceMeters, 0))
	p[3] = byte(int64(dWhole) % 256)

	sInt, sFrac := speedParts(speedMps)
	p[4] = byte(int(dFrac*16)&0x0F)<<4 | sInt
	p[5] = sFrac

	p[6] = byte(int64(math.Max(strides, 0)) % 256)
	p[7] = 0
	return p
}

// StridePage2 encodes SDM data page 2: cadence, speed and status.
func StridePage2(cadenceSpm, speedMps float64) [8]byte {
	var p [8]byte
	p[0] = 0x02
	p[1] = 0xFF
	p[2] = 0xFF

	cadenceSpm = math.Min(math.Max(cadenceSpm, 0), 255)
	cWhole, cFrac := math.Modf(cadenceSpm)
	p[3] = byte(cWhole)

	sInt, sFrac := speedParts(speedMps)
	p[4] = byte(int(cFrac*16)&0x0F)<<4 | sInt
	p[5] = sFrac
	p[6] = 0xFF

	p[7] = sdmStatusInactive
	if speedMps > 0 {
		p[7] = sdmStatusActive
	}
	return p
}

// speedParts splits m/s into a 4 bit integer and 1/256 fraction.
func speedParts(speedMps float64) (byte, byte) {
	speedMps = math.Min(math.Max(speedMps, 0), 15+255.0/256)
	whole, frac := math.Modf(speedMps)
	return byte(whole) & 0x0F, byte(int(frac * 256))
}

// StrideTransmitter is a master channel broadcasting as a foot pod.
type StrideTransmitter struct {
	channel

	deviceType uint8
	deviceID   uint16
	transType  uint8
	now        func() time.Time

	mu          sync.Mutex
	started     time.Time
	updates     uint64
	lastStrides float64
	lastAt      time.Time
}

// NewStrideTransmitter binds a transmitter to node. The radio is untouched
// until Open. Zero device and transmission types take the foot pod defaults.
func NewStrideTransmitter(node *Node, deviceType uint8, deviceID uint16, transmissionType uint8) *StrideTransmitter {
	if deviceType == 0 {
		deviceType = sensor.DeviceTypeStride
	}
	if transmissionType == 0 {
		transmissionType = DefaultTransmissionType
	}
	return &StrideTransmitter{
		channel:    channel{node: node},
		deviceType: deviceType,
		deviceID:   deviceID,
		transType:  transmissionType,
		now:        time.Now,
	}
}

// Open assigns a master channel with the foot pod channel id and opens it.
func (s *StrideTransmitter) Open() error {
	if err := s.setup(s, channelConfig{
		chType:     ChannelTypeMaster,
		deviceID:   s.deviceID,
		deviceType: s.deviceType,
		transType:  s.transType,
		period:     PeriodStride,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.started = s.now()
	s.lastAt = s.started
	s.mu.Unlock()
	return nil
}

// Close closes the channel.
func (s *StrideTransmitter) Close() error {
	return s.shut()
}

// Unassign releases the channel.
func (s *StrideTransmitter) Unassign() error {
	return s.unassign()
}

// Update replaces the broadcast payload.
func (s *StrideTransmitter) Update(strides, distanceMeters, speedMps float64) error {
	if !s.isOpen() {
		return sensor.ErrClosed
	}
	return s.node.broadcast(s.channelNumber(), s.nextPage(strides, distanceMeters, speedMps))
}

func (s *StrideTransmitter) nextPage(strides, distanceMeters, speedMps float64) [8]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.updates++

	var page [8]byte
	if s.updates%page2Every == 0 {
		cadence := 0.0
		if dt := now.Sub(s.lastAt).Minutes(); dt > 0 {
			cadence = (strides - s.lastStrides) / dt
		}
		s.lastStrides, s.lastAt = strides, now
		page = StridePage2(cadence, speedMps)
	} else {
		page = StridePage1(now.Sub(s.started), distanceMeters, speedMps, strides)
	}
	return page
}

func (s *StrideTransmitter) handleData([]byte) {}
