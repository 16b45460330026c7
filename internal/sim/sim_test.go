package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vstride/vstride-bridge/internal/sensor"
	"github.com/vstride/vstride-bridge/internal/usb"
)

func TestBusClaim(t *testing.T) {
	bus := NewBus()

	h, err := usb.Claim(bus, usb.VendorDynastream, []uint16{usb.ProductANTUSBm, usb.ProductANTUSB2})
	require.NoError(t, err)
	assert.Equal(t, usb.StateClosed, h.State())
	assert.Equal(t, bus.Stick, h.Descriptor())

	_, err = usb.Claim(bus, 0x1234, []uint16{usb.ProductANTUSB2})
	assert.ErrorIs(t, err, usb.ErrNotFound)
}

func TestHandleReadBlocksUntilCancel(t *testing.T) {
	h := NewBus().Handle(NewBus().Stick)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.Read(ctx, make([]byte, 8))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackendSessions(t *testing.T) {
	bus := NewBus()
	h := bus.Handle(bus.Stick)
	b := &Backend{RevolutionsPerSecond: 2.5}

	node := b.NewNode(h)
	require.NoError(t, node.Start())
	assert.Equal(t, usb.StateOpen, h.State())
	require.NoError(t, node.SetNetworkKey(0, sensor.NetworkKey{Name: "N:ANT+"}))

	rx, err := b.NewSpeedReceiver(node, sensor.DeviceTypeSpeed, 99)
	require.NoError(t, err)
	require.NoError(t, rx.Open())
	assert.Equal(t, 2.5, rx.RevolutionsPerSecond())
	rx.(*SpeedReceiver).SetRevolutionsPerSecond(4)
	assert.Equal(t, 4.0, rx.RevolutionsPerSecond())

	tx, err := b.NewStrideTransmitter(node, sensor.DeviceTypeStride, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, sensor.DeviceTypeStride, tx.(*StrideTransmitter).DeviceType)
	assert.ErrorIs(t, tx.Update(0.75, 0.03, 0.15), sensor.ErrClosed)
	require.NoError(t, tx.Open())
	require.NoError(t, tx.Update(0.75, 0.03, 0.15))
	require.NoError(t, tx.Update(1.5, 0.06, 0.15))
	assert.Equal(t, uint64(2), tx.(*StrideTransmitter).Updates())

	require.NoError(t, tx.Close())
	require.NoError(t, rx.Close())
	require.NoError(t, node.Stop())
	require.NoError(t, node.Stop())
	assert.Equal(t, usb.StateClosed, h.State())
}
