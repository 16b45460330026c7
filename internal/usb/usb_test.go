package usb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubBus struct{ mock.Mock }

func (b *stubBus) Enumerate(vendorID uint16) ([]Descriptor, error) {
	ret := b.Called(vendorID)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).([]Descriptor), ret.Error(1)
}

func (b *stubBus) Handle(d Descriptor) Handle {
	return b.Called(d).Get(0).(Handle)
}

type stubHandle struct {
	mock.Mock
	desc Descriptor
}

func (h *stubHandle) Descriptor() Descriptor { return h.desc }
func (h *stubHandle) State() State           { return h.Called().Get(0).(State) }
func (h *stubHandle) Open() error            { return h.Called().Error(0) }
func (h *stubHandle) Close() error           { return h.Called().Error(0) }
func (h *stubHandle) Read(ctx context.Context, p []byte) (int, error) {
	ret := h.Called(ctx, p)
	return ret.Int(0), ret.Error(1)
}
func (h *stubHandle) Write(p []byte) (int, error) {
	ret := h.Called(p)
	return ret.Int(0), ret.Error(1)
}

var accepted2 = []uint16{ProductANTUSB2, ProductANTUSBm}

func desc(product uint16, addr int) Descriptor {
	return Descriptor{VendorID: VendorDynastream, ProductID: product, Bus: 1, Address: addr}
}

func TestClaimReturnsFirstProbeSuccess(t *testing.T) {
	busy := desc(ProductANTUSB2, 3)
	free := desc(ProductANTUSBm, 4)
	never := desc(ProductANTUSB2, 5)

	bus := &stubBus{}
	bus.On("Enumerate", VendorDynastream).Return([]Descriptor{busy, free, never}, nil)

	hBusy := &stubHandle{desc: busy}
	hBusy.On("Open").Return(errors.New("resource busy"))
	hFree := &stubHandle{desc: free}
	hFree.On("Open").Return(nil)
	hFree.On("Close").Return(nil)

	bus.On("Handle", busy).Return(hBusy)
	bus.On("Handle", free).Return(hFree)

	h, err := Claim(bus, VendorDynastream, accepted2)
	require.NoError(t, err)
	assert.Equal(t, free, h.Descriptor())

	bus.AssertExpectations(t)
	bus.AssertNotCalled(t, "Handle", never)
	hFree.AssertNumberOfCalls(t, "Open", 1)
	hFree.AssertNumberOfCalls(t, "Close", 1)
	hBusy.AssertNotCalled(t, "Close")
}

func TestClaimSkipsUnacceptedProducts(t *testing.T) {
	other := desc(0x1004, 2)
	ok := desc(ProductANTUSB2, 7)

	bus := &stubBus{}
	bus.On("Enumerate", VendorDynastream).Return([]Descriptor{other, ok}, nil)
	hOK := &stubHandle{desc: ok}
	hOK.On("Open").Return(nil)
	hOK.On("Close").Return(nil)
	bus.On("Handle", ok).Return(hOK)

	h, err := Claim(bus, VendorDynastream, accepted2)
	require.NoError(t, err)
	assert.Equal(t, ok, h.Descriptor())
	bus.AssertNotCalled(t, "Handle", other)
}

func TestClaimNotFound(t *testing.T) {
	a := desc(ProductANTUSB2, 3)
	b := desc(ProductANTUSBm, 4)

	bus := &stubBus{}
	bus.On("Enumerate", VendorDynastream).Return([]Descriptor{a, b}, nil)
	hA := &stubHandle{desc: a}
	hA.On("Open").Return(errors.New("busy"))
	hB := &stubHandle{desc: b}
	hB.On("Open").Return(nil)
	hB.On("Close").Return(errors.New("io error"))
	bus.On("Handle", a).Return(hA)
	bus.On("Handle", b).Return(hB)

	h, err := Claim(bus, VendorDynastream, accepted2)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimNoDevices(t *testing.T) {
	bus := &stubBus{}
	bus.On("Enumerate", VendorDynastream).Return([]Descriptor{}, nil)

	h, err := Claim(bus, VendorDynastream, accepted2)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrNotFound)
	bus.AssertNotCalled(t, "Handle", mock.Anything)
}

func TestClaimEnumerateError(t *testing.T) {
	bus := &stubBus{}
	bus.On("Enumerate", VendorDynastream).Return(nil, errors.New("libusb: access denied"))

	_, err := Claim(bus, VendorDynastream, accepted2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestDescriptorString(t *testing.T) {
	assert.Equal(t, "0fcf:1008@1.3", desc(ProductANTUSB2, 3).String())
	assert.Equal(t, "OPEN", StateOpen.String())
}
