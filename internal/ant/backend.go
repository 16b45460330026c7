package ant

import (
	"time"

	"github.com/vstride/vstride-bridge/internal/sensor"
	"github.com/vstride/vstride-bridge/internal/usb"
)

// Backend builds hardware nodes and sessions.
type Backend struct {
	Timeout time.Duration
}

func (b Backend) NewNode(h usb.Handle) sensor.Node {
	return NewNode(h, b.Timeout)
}

func (b Backend) NewSpeedReceiver(n sensor.Node, deviceType uint8, deviceID uint16) (sensor.SpeedReceiver, error) {
	node, ok := n.(*Node)
	if !ok {
		return nil, ErrForeignNode
	}
	r, err := NewSpeedReceiver(node, deviceType, deviceID)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (b Backend) NewStrideTransmitter(n sensor.Node, deviceType uint8, deviceID uint16, transmissionType uint8) (sensor.StrideTransmitter, error) {
	node, ok := n.(*Node)
	if !ok {
		return nil, ErrForeignNode
	}
	return NewStrideTransmitter(node, deviceType, deviceID, transmissionType), nil
}
