package usb

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Dynastream vendor id and the two known ANT stick revisions.
const (
	VendorDynastream uint16 = 0x0fcf
	ProductANTUSB2   uint16 = 0x1008
	ProductANTUSBm   uint16 = 0x1009
)

// ErrNotFound is returned by Claim when no candidate stick could be probed.
var ErrNotFound = errors.New("no ANT devices available")

// Descriptor identifies a candidate radio stick before it is claimed.
type Descriptor struct {
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`
	Bus       int    `json:"bus"`
	Address   int    `json:"address"`
}

// String returns vid:pid@bus.address
func (d Descriptor) String() string {
	return fmt.Sprintf("%04x:%04x@%d.%d", d.VendorID, d.ProductID, d.Bus, d.Address)
}

// State is the lifecycle state of a Handle.
type State uint8

const (
	StateUnopened State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "UNOPENED"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Handle owns the USB connection to one stick while it is open.
// A closed handle may be opened again.
type Handle interface {
	Descriptor() Descriptor
	State() State
	Open() error
	Close() error
	Read(ctx context.Context, p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Bus enumerates attached devices and hands out unopened handles.
type Bus interface {
	Enumerate(vendorID uint16) ([]Descriptor, error)
	Handle(d Descriptor) Handle
}

// Claim returns the first stick of vendorID with an accepted product id that
// can be opened and closed again. The returned handle is closed.
//
// Probing skips sticks already held by another process, e.g. a second
// instance running on the same machine with an identical stick.
func Claim(bus Bus, vendorID uint16, productIDs []uint16) (Handle, error) {
	descs, err := bus.Enumerate(vendorID)
	if err != nil {
		return nil, fmt.Errorf("enumerate vendor %04x: %w", vendorID, err)
	}

	for _, d := range descs {
		if !accepted(d.ProductID, productIDs) {
			continue
		}

		h := bus.Handle(d)
		if err := h.Open(); err != nil {
			log.Debug().Err(err).Str("device", d.String()).Msg("stick busy, trying next")
			continue
		}
		if err := h.Close(); err != nil {
			log.Warn().Err(err).Str("device", d.String()).Msg("probe close failed, trying next")
			continue
		}

		log.Info().Str("device", d.String()).Msg("claimed ANT stick")
		return h, nil
	}

	return nil, ErrNotFound
}

func accepted(productID uint16, productIDs []uint16) bool {
	for _, p := range productIDs {
		if p == productID {
			return true
		}
	}
	return false
}
