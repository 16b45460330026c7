//go:build cgo

package usb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"
)

var errNoEndpoints = errors.New("bulk endpoints not found")

// GoUSBBus enumerates and opens sticks through libusb.
type GoUSBBus struct {
	ctx *gousb.Context
}

// NewGoUSBBus creates a libusb context. Close releases it.
func NewGoUSBBus() *GoUSBBus {
	return &GoUSBBus{ctx: gousb.NewContext()}
}

// Close releases the libusb context
func (b *GoUSBBus) Close() error {
	return b.ctx.Close()
}

// Enumerate lists attached devices of vendorID without opening them.
func (b *GoUSBBus) Enumerate(vendorID uint16) ([]Descriptor, error) {
	var found []Descriptor
	_, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) == vendorID {
			found = append(found, Descriptor{
				VendorID:  uint16(desc.Vendor),
				ProductID: uint16(desc.Product),
				Bus:       desc.Bus,
				Address:   desc.Address,
			})
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Handle returns an unopened handle for d.
func (b *GoUSBBus) Handle(d Descriptor) Handle {
	return &goUSBHandle{ctx: b.ctx, desc: d}
}

type goUSBHandle struct {
	ctx  *gousb.Context
	desc Descriptor

	mu    sync.RWMutex
	state State
	dev   *gousb.Device
	done  func()
	in    *gousb.InEndpoint
	out   *gousb.OutEndpoint
}

func (h *goUSBHandle) Descriptor() Descriptor { return h.desc }

func (h *goUSBHandle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *goUSBHandle) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateOpen {
		return nil
	}

	devs, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == h.desc.Bus && desc.Address == h.desc.Address
	})
	if err != nil {
		closeAll(devs)
		return fmt.Errorf("open %s: %w", h.desc, err)
	}
	if len(devs) == 0 {
		return fmt.Errorf("open %s: device not attached", h.desc)
	}
	dev := devs[0]
	closeAll(devs[1:])

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return fmt.Errorf("auto detach %s: %w", h.desc, err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		return fmt.Errorf("claim interface %s: %w", h.desc, err)
	}

	in, out, err := bulkEndpoints(intf)
	if err != nil {
		done()
		dev.Close()
		return fmt.Errorf("endpoints %s: %w", h.desc, err)
	}

	h.dev, h.done, h.in, h.out = dev, done, in, out
	h.state = StateOpen
	return nil
}

func (h *goUSBHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateOpen {
		return nil
	}

	h.done()
	err := h.dev.Close()
	h.dev, h.done, h.in, h.out = nil, nil, nil, nil
	h.state = StateClosed
	if err != nil {
		return fmt.Errorf("close %s: %w", h.desc, err)
	}
	return nil
}

func (h *goUSBHandle) Read(ctx context.Context, p []byte) (int, error) {
	h.mu.RLock()
	in := h.in
	h.mu.RUnlock()
	if in == nil {
		return 0, fmt.Errorf("read %s: handle not open", h.desc)
	}
	return in.ReadContext(ctx, p)
}

func (h *goUSBHandle) Write(p []byte) (int, error) {
	h.mu.RLock()
	out := h.out
	h.mu.RUnlock()
	if out == nil {
		return 0, fmt.Errorf("write %s: handle not open", h.desc)
	}
	return out.Write(p)
}

func bulkEndpoints(intf *gousb.Interface) (*gousb.InEndpoint, *gousb.OutEndpoint, error) {
	inNum, outNum := -1, -1
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn {
			if inNum < 0 {
				inNum = ep.Number
			}
		} else if outNum < 0 {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		return nil, nil, errNoEndpoints
	}

	in, err := intf.InEndpoint(inNum)
	if err != nil {
		return nil, nil, err
	}
	out, err := intf.OutEndpoint(outNum)
	if err != nil {
		return nil, nil, err
	}
	return in, out, nil
}

func closeAll(devs []*gousb.Device) {
	for _, d := range devs {
		d.Close()
	}
}
