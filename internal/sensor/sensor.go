// Package sensor defines the radio capabilities the bridge consumes: a node
// that owns the claimed stick, an inbound speed receiver and an outbound
// stride transmitter. Hardware and simulated backends implement them.
package sensor

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/vstride/vstride-bridge/internal/usb"
)

// NetworkKeyLen is the length of an ANT network key in bytes.
const NetworkKeyLen = 8

// ANT+ device types used by the bridge.
const (
	DeviceTypeSpeedCadence uint8 = 121
	DeviceTypeSpeed        uint8 = 123
	DeviceTypeStride       uint8 = 124
)

var (
	ErrClosed         = errors.New("session closed")
	ErrInvalidNetwork = errors.New("invalid network key")
)

// NetworkKey is the shared key installed on the node.
type NetworkKey struct {
	Name string
	Key  [NetworkKeyLen]byte
}

// ParseNetworkKey parses 8 hex bytes, optionally separated by spaces, colons
// or commas.
func ParseNetworkKey(s, name string) (NetworkKey, error) {
	clean := strings.NewReplacer(" ", "", ":", "", ",", "", "0x", "").Replace(strings.ToLower(s))
	b, err := hex.DecodeString(clean)
	if err != nil {
		return NetworkKey{}, fmt.Errorf("%w: %v", ErrInvalidNetwork, err)
	}
	if len(b) != NetworkKeyLen {
		return NetworkKey{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidNetwork, NetworkKeyLen, len(b))
	}

	k := NetworkKey{Name: name}
	copy(k.Key[:], b)
	return k, nil
}

// Node owns the claimed stick for the process lifetime.
type Node interface {
	Start() error
	SetNetworkKey(index uint8, key NetworkKey) error
	Stop() error
}

// Session is the capability set shared by both sensor sessions.
type Session interface {
	Open() error
	Close() error
	Unassign() error
}

// SpeedReceiver listens to a wheel speed sensor. RevolutionsPerSecond is
// updated by the node's message pump and is safe to read concurrently.
type SpeedReceiver interface {
	Session
	RevolutionsPerSecond() float64
}

// StrideTransmitter broadcasts as a foot pod.
type StrideTransmitter interface {
	Session
	Update(strides, distanceMeters, speedMps float64) error
}

// Backend builds nodes and sessions for one kind of radio.
type Backend interface {
	NewNode(h usb.Handle) Node
	NewSpeedReceiver(n Node, deviceType uint8, deviceID uint16) (SpeedReceiver, error)
	NewStrideTransmitter(n Node, deviceType uint8, deviceID uint16, transmissionType uint8) (StrideTransmitter, error)
}
