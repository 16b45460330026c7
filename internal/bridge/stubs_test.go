package bridge

import (
	"math"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/vstride/vstride-bridge/internal/models"
	"github.com/vstride/vstride-bridge/internal/sensor"
	"github.com/vstride/vstride-bridge/internal/usb"
)

type stubNode struct{ mock.Mock }

func (n *stubNode) Start() error { return n.Called().Error(0) }

func (n *stubNode) SetNetworkKey(index uint8, key sensor.NetworkKey) error {
	return n.Called(index, key).Error(0)
}

func (n *stubNode) Stop() error { return n.Called().Error(0) }

type stubReceiver struct{ mock.Mock }

func (r *stubReceiver) Open() error     { return r.Called().Error(0) }
func (r *stubReceiver) Close() error    { return r.Called().Error(0) }
func (r *stubReceiver) Unassign() error { return r.Called().Error(0) }

func (r *stubReceiver) RevolutionsPerSecond() float64 {
	return r.Called().Get(0).(float64)
}

type stubTransmitter struct{ mock.Mock }

func (t *stubTransmitter) Open() error     { return t.Called().Error(0) }
func (t *stubTransmitter) Close() error    { return t.Called().Error(0) }
func (t *stubTransmitter) Unassign() error { return t.Called().Error(0) }

func (t *stubTransmitter) Update(strides, distanceMeters, speedMps float64) error {
	return t.Called(strides, distanceMeters, speedMps).Error(0)
}

type stubBackend struct{ mock.Mock }

func (b *stubBackend) NewNode(h usb.Handle) sensor.Node {
	return b.Called(h).Get(0).(sensor.Node)
}

func (b *stubBackend) NewSpeedReceiver(n sensor.Node, deviceType uint8, deviceID uint16) (sensor.SpeedReceiver, error) {
	args := b.Called(n, deviceType, deviceID)
	r, _ := args.Get(0).(sensor.SpeedReceiver)
	return r, args.Error(1)
}

func (b *stubBackend) NewStrideTransmitter(n sensor.Node, deviceType uint8, deviceID uint16, transmissionType uint8) (sensor.StrideTransmitter, error) {
	args := b.Called(n, deviceType, deviceID, transmissionType)
	t, _ := args.Get(0).(sensor.StrideTransmitter)
	return t, args.Error(1)
}

type collector struct {
	mu      sync.Mutex
	samples []models.Sample
	events  []models.Event
}

func (c *collector) OnSample(s models.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
}

func (c *collector) OnEvent(e models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) eventTypes() []models.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.EventType, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

// near matches a float argument within 1e-9.
func near(want float64) interface{} {
	return mock.MatchedBy(func(got float64) bool {
		return math.Abs(got-want) < 1e-9
	})
}
