package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vstride/vstride-bridge/internal/models"
	"github.com/vstride/vstride-bridge/internal/sensor"
	"github.com/vstride/vstride-bridge/internal/sim"
	"github.com/vstride/vstride-bridge/internal/usb"
)

var testKey = sensor.NetworkKey{Name: "N:TEST", Key: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}

const (
	speedID  uint16 = 12345
	strideID uint16 = 6789
)

type rig struct {
	bridge  *Bridge
	backend *stubBackend
	node    *stubNode
	rx      *stubReceiver
	tx      *stubTransmitter
	obs     *collector
	handle  usb.Handle
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	bus := sim.NewBus()
	r := &rig{
		backend: &stubBackend{},
		node:    &stubNode{},
		rx:      &stubReceiver{},
		tx:      &stubTransmitter{},
		obs:     &collector{},
		handle:  bus.Handle(bus.Stick),
	}
	cfg := Config{NetworkKey: testKey, SpeedDeviceID: speedID, StrideDeviceID: strideID}
	r.bridge = New(cfg, r.backend, append([]Option{WithObserver(r.obs)}, opts...)...)
	return r
}

func (r *rig) expectNode() {
	r.backend.On("NewNode", r.handle).Return(r.node)
	r.node.On("Start").Return(nil)
	r.node.On("SetNetworkKey", uint8(0), testKey).Return(nil)
}

func (r *rig) expectReceiver() {
	r.backend.On("NewSpeedReceiver", r.node, sensor.DeviceTypeSpeed, speedID).Return(r.rx, nil)
	r.rx.On("Open").Return(nil)
}

func (r *rig) expectTransmitter() {
	r.backend.On("NewStrideTransmitter", r.node, sensor.DeviceTypeStride, strideID, uint8(0)).Return(r.tx, nil)
	r.tx.On("Open").Return(nil)
}

func (r *rig) expectTeardown() {
	r.tx.On("Close").Return(nil)
	r.tx.On("Unassign").Return(nil)
	r.rx.On("Close").Return(nil)
	r.rx.On("Unassign").Return(nil)
	r.node.On("Stop").Return(nil)
}

// openAll starts the node and opens both sessions.
func (r *rig) openAll(t *testing.T) {
	t.Helper()
	r.expectNode()
	r.expectReceiver()
	r.expectTransmitter()
	require.NoError(t, r.bridge.StartNode(r.handle))
	require.NoError(t, r.bridge.OpenSessions())
}

func TestConvertSpeed(t *testing.T) {
	kmh, mps := ConvertSpeed(1.0, DefaultWheelCircumferenceKm)
	assert.InDelta(t, 0.54, kmh, 1e-12)
	assert.InDelta(t, 0.15012, mps, 1e-12)

	kmh, mps = ConvertSpeed(0, DefaultWheelCircumferenceKm)
	assert.Equal(t, 0.0, kmh)
	assert.Equal(t, 0.0, mps)
}

func TestStrideIncrementAtDefaultTick(t *testing.T) {
	b := New(Config{}, &stubBackend{})
	assert.Equal(t, 0.75, b.StrideIncrement())
}

func TestEndToEndFourTicks(t *testing.T) {
	r := newRig(t)
	r.openAll(t)
	r.rx.On("RevolutionsPerSecond").Return(1.0)

	var distances []float64
	r.tx.On("Update", mock.Anything, mock.Anything, near(0.15012)).
		Return(nil).
		Run(func(args mock.Arguments) {
			distances = append(distances, args.Get(1).(float64))
		})

	for i := 0; i < 4; i++ {
		s, err := r.bridge.Step()
		require.NoError(t, err)
		assert.True(t, s.Broadcast)
	}

	st := r.bridge.State()
	assert.InDelta(t, 3.0, st.StrideCount, 1e-12)
	assert.InDelta(t, 0.15012, st.DistanceMeters, 1e-12)

	r.tx.AssertNumberOfCalls(t, "Update", 4)
	require.Len(t, distances, 4)
	for i := 1; i < len(distances); i++ {
		assert.Greater(t, distances[i], distances[i-1])
	}
	assert.Len(t, r.obs.samples, 4)
}

func TestStepUsesFreshSpeedEveryTick(t *testing.T) {
	r := newRig(t)
	r.openAll(t)

	rates := []float64{1.0, 2.0, 0.5, 0, 3.0}
	for _, rate := range rates {
		r.rx.On("RevolutionsPerSecond").Return(rate).Once()
		r.tx.On("Update", mock.Anything, mock.Anything, near(rate*0.15012)).Return(nil).Once()
	}

	for _, rate := range rates {
		s, err := r.bridge.Step()
		require.NoError(t, err)
		assert.InDelta(t, rate*0.54, s.SpeedKmh, 1e-9)
		assert.InDelta(t, rate*0.15012, s.SpeedMps, 1e-9)
	}
	r.tx.AssertExpectations(t)
}

func TestDegradedReceiverAbsent(t *testing.T) {
	r := newRig(t)
	r.expectNode()
	r.expectTransmitter()
	r.backend.On("NewSpeedReceiver", r.node, sensor.DeviceTypeSpeed, speedID).
		Return(nil, errors.New("no sensor in range"))
	r.tx.On("Update", mock.Anything, 0.0, 0.0).Return(nil)

	require.NoError(t, r.bridge.StartNode(r.handle))
	err := r.bridge.OpenSessions()
	require.Error(t, err)
	assert.Equal(t, KindDegradedSession, KindOf(err))

	const n = 10
	for i := 0; i < n; i++ {
		s, err := r.bridge.Step()
		require.NoError(t, err)
		assert.Equal(t, models.SessionAbsent, s.Receiver)
	}

	st := r.bridge.State()
	assert.Equal(t, 0.0, st.DistanceMeters)
	assert.InDelta(t, n*0.75, st.StrideCount, 1e-12)
	r.tx.AssertNumberOfCalls(t, "Update", n)
}

func TestDegradedTransmitterAbsent(t *testing.T) {
	r := newRig(t)
	r.expectNode()
	r.expectReceiver()
	r.backend.On("NewStrideTransmitter", r.node, sensor.DeviceTypeStride, strideID, uint8(0)).Return(r.tx, nil)
	r.tx.On("Open").Return(errors.New("channel in wrong state"))
	r.tx.On("Unassign").Return(nil)
	r.rx.On("RevolutionsPerSecond").Return(1.0)

	require.NoError(t, r.bridge.StartNode(r.handle))
	assert.NoError(t, r.bridge.OpenSpeedReceiver())
	err := r.bridge.OpenStrideTransmitter()
	assert.Equal(t, KindDegradedSession, KindOf(err))

	for i := 0; i < 2; i++ {
		s, err := r.bridge.Step()
		require.NoError(t, err)
		assert.False(t, s.Broadcast)
	}
	assert.InDelta(t, 2*0.15012/4, r.bridge.State().DistanceMeters, 1e-12)
	r.tx.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
	// the half-open channel was released
	r.tx.AssertNumberOfCalls(t, "Unassign", 1)
}

func TestSessionPanicIsContained(t *testing.T) {
	r := newRig(t)
	r.expectNode()
	r.expectReceiver()
	r.backend.On("NewStrideTransmitter", r.node, sensor.DeviceTypeStride, strideID, uint8(0)).
		Return(nil, nil).
		Run(func(mock.Arguments) { panic("driver bug") })

	require.NoError(t, r.bridge.StartNode(r.handle))
	err := r.bridge.OpenSessions()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPanic)

	st := r.bridge.Status()
	assert.Equal(t, models.SessionOpen, st.Receiver)
	assert.Equal(t, models.SessionAbsent, st.Transmitter)
}

func TestTransientBroadcastFailure(t *testing.T) {
	r := newRig(t)
	r.openAll(t)
	r.rx.On("RevolutionsPerSecond").Return(1.0)
	r.tx.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("tx busy")).Once()
	r.tx.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	s, err := r.bridge.Step()
	require.Error(t, err)
	assert.Equal(t, KindTransientBroadcast, KindOf(err))
	assert.False(t, KindOf(err).Fatal())
	assert.False(t, s.Broadcast)

	s, err = r.bridge.Step()
	require.NoError(t, err)
	assert.True(t, s.Broadcast)
	assert.InDelta(t, 1.5, s.StrideCount, 1e-12)
	assert.Contains(t, r.obs.eventTypes(), models.EventTypeBroadcastFailed)
}

func TestStartNodeFailure(t *testing.T) {
	r := newRig(t)
	cause := errors.New("usb timeout")
	r.backend.On("NewNode", r.handle).Return(r.node)
	r.node.On("Start").Return(cause)
	r.node.On("Stop").Return(nil)

	err := r.bridge.StartNode(r.handle)
	require.Error(t, err)
	assert.Equal(t, KindFatalStartup, KindOf(err))
	assert.True(t, KindOf(err).Fatal())
	assert.ErrorIs(t, err, ErrNodeStart)
	assert.ErrorIs(t, err, cause)

	err = r.bridge.OpenSpeedReceiver()
	assert.ErrorIs(t, err, ErrNoNode)

	// startup cleanup already stopped the node
	r.bridge.Shutdown()
	r.node.AssertNumberOfCalls(t, "Stop", 1)
}

func TestStartNodeKeyRejected(t *testing.T) {
	r := newRig(t)
	r.backend.On("NewNode", r.handle).Return(r.node)
	r.node.On("Start").Return(nil)
	r.node.On("SetNetworkKey", uint8(0), testKey).Return(errors.New("invalid message"))
	r.node.On("Stop").Return(nil)

	err := r.bridge.StartNode(r.handle)
	assert.Equal(t, KindFatalStartup, KindOf(err))
	assert.ErrorIs(t, err, ErrNetworkKey)
	assert.False(t, r.bridge.Status().NodeRunning)
	r.node.AssertNumberOfCalls(t, "Stop", 1)
}

func TestShutdownOrderAndIdempotence(t *testing.T) {
	r := newRig(t)
	r.openAll(t)

	var order []string
	record := func(name string) func(mock.Arguments) {
		return func(mock.Arguments) { order = append(order, name) }
	}
	r.tx.On("Close").Return(nil).Run(record("tx.close"))
	r.tx.On("Unassign").Return(nil).Run(record("tx.unassign"))
	r.rx.On("Close").Return(nil).Run(record("rx.close"))
	r.rx.On("Unassign").Return(nil).Run(record("rx.unassign"))
	r.node.On("Stop").Return(nil).Run(record("node.stop"))

	r.bridge.Shutdown()
	first := r.bridge.Status()
	r.bridge.Shutdown()

	assert.Equal(t, []string{"tx.close", "tx.unassign", "rx.close", "rx.unassign", "node.stop"}, order)
	for _, m := range []*mock.Mock{&r.tx.Mock, &r.rx.Mock} {
		m.AssertNumberOfCalls(t, "Close", 1)
		m.AssertNumberOfCalls(t, "Unassign", 1)
	}
	r.node.AssertNumberOfCalls(t, "Stop", 1)

	assert.Equal(t, first, r.bridge.Status())
	assert.Equal(t, models.SessionClosed, first.Receiver)
	assert.Equal(t, models.SessionClosed, first.Transmitter)
	assert.False(t, first.NodeRunning)
	assert.True(t, first.ShutDown)
}

func TestShutdownSwallowsCleanupErrors(t *testing.T) {
	r := newRig(t)
	r.openAll(t)
	r.tx.On("Close").Return(errors.New("close failed"))
	r.tx.On("Unassign").Return(errors.New("unassign failed"))
	r.rx.On("Close").Return(nil).Run(func(mock.Arguments) { panic("close panicked") })
	r.rx.On("Unassign").Return(nil)
	r.node.On("Stop").Return(errors.New("stop failed"))

	assert.NotPanics(t, r.bridge.Shutdown)

	r.rx.AssertNumberOfCalls(t, "Unassign", 1)
	r.node.AssertNumberOfCalls(t, "Stop", 1)

	failed := 0
	for _, typ := range r.obs.eventTypes() {
		if typ == models.EventTypeCleanupFailed {
			failed++
		}
	}
	assert.Equal(t, 4, failed)
}

func TestConcurrentShutdown(t *testing.T) {
	r := newRig(t)
	r.openAll(t)
	r.expectTeardown()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.bridge.Shutdown()
		}()
	}
	wg.Wait()

	r.tx.AssertNumberOfCalls(t, "Close", 1)
	r.rx.AssertNumberOfCalls(t, "Close", 1)
	r.node.AssertNumberOfCalls(t, "Stop", 1)
}

func TestSignalBeforeSessionsOpen(t *testing.T) {
	t.Run("before node", func(t *testing.T) {
		r := newRig(t)
		ctx, cancel := context.WithCancel(context.Background())
		c := NewCoordinator(r.bridge, cancel)

		c.RequestNow("interrupt")
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
		assert.Equal(t, "interrupt", c.Reason())

		c.Finish()
		r.backend.AssertNotCalled(t, "NewNode", mock.Anything)

		err := r.bridge.StartNode(r.handle)
		assert.ErrorIs(t, err, ErrShutdown)
		assert.Equal(t, KindFatalStartup, KindOf(err))
		assert.Equal(t, []models.EventType{models.EventTypeShutdown}, r.obs.eventTypes())
	})

	t.Run("after node", func(t *testing.T) {
		r := newRig(t)
		r.expectNode()
		r.node.On("Stop").Return(nil)
		require.NoError(t, r.bridge.StartNode(r.handle))

		_, cancel := context.WithCancel(context.Background())
		c := NewCoordinator(r.bridge, cancel)
		c.RequestNow("console close")
		c.Finish()

		r.node.AssertNumberOfCalls(t, "Stop", 1)
		r.rx.AssertNotCalled(t, "Close")
		r.tx.AssertNotCalled(t, "Close")

		err := r.bridge.OpenSessions()
		assert.ErrorIs(t, err, ErrShutdown)
	})
}

func TestCoordinatorFirstReasonWins(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCoordinator(r.bridge, cancel)

	c.Request("interrupt")
	c.Request("api")
	assert.Equal(t, "interrupt", c.Reason())
	assert.Error(t, ctx.Err())
	assert.False(t, r.bridge.Status().ShutDown)
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newRig(t)
	r.bridge.cfg.Tick = time.Millisecond
	r.openAll(t)
	r.rx.On("RevolutionsPerSecond").Return(1.0)
	r.tx.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.bridge.Run(ctx) }()

	require.Eventually(t, func() bool { return r.bridge.Ticks() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestRunRecoversPanic(t *testing.T) {
	r := newRig(t)
	r.bridge.cfg.Tick = time.Millisecond
	r.openAll(t)
	r.expectTeardown()
	r.rx.On("RevolutionsPerSecond").Return(0.0).Run(func(mock.Arguments) { panic("sensor driver") })

	err := r.bridge.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindUnhandled, KindOf(err))
	assert.ErrorIs(t, err, ErrPanic)

	// the loop released its lock so teardown still runs
	r.bridge.Shutdown()
	r.node.AssertNumberOfCalls(t, "Stop", 1)
}

func TestClaim(t *testing.T) {
	bus := sim.NewBus()
	b := New(Config{}, &stubBackend{})

	h, err := b.Claim(bus, usb.VendorDynastream, []uint16{usb.ProductANTUSB2, usb.ProductANTUSBm})
	require.NoError(t, err)
	assert.Equal(t, usb.StateClosed, h.State())

	again, err := b.Claim(bus, usb.VendorDynastream, []uint16{usb.ProductANTUSB2})
	require.NoError(t, err)
	assert.Same(t, h, again)
}

func TestClaimNotFound(t *testing.T) {
	b := New(Config{}, &stubBackend{})
	_, err := b.Claim(sim.NewBus(), usb.VendorDynastream, []uint16{0x1234})
	assert.ErrorIs(t, err, usb.ErrNotFound)
	assert.Equal(t, KindFatalStartup, KindOf(err))
}

func TestBridgeWithSimulator(t *testing.T) {
	obs := &collector{}
	b := New(Config{NetworkKey: testKey}, &sim.Backend{RevolutionsPerSecond: 1}, WithObserver(obs))

	h, err := b.Claim(sim.NewBus(), usb.VendorDynastream, []uint16{usb.ProductANTUSB2})
	require.NoError(t, err)
	require.NoError(t, b.StartNode(h))
	assert.Equal(t, usb.StateOpen, h.State())
	require.NoError(t, b.OpenSessions())

	for i := 0; i < 4; i++ {
		_, err := b.Step()
		require.NoError(t, err)
	}
	st := b.Status()
	require.NotNil(t, st.Last)
	assert.Equal(t, uint64(4), st.Last.Tick)
	assert.InDelta(t, 3.0, st.Last.StrideCount, 1e-12)
	assert.InDelta(t, 0.15012, st.Last.DistanceMeters, 1e-12)
	assert.True(t, st.Last.Broadcast)

	b.Shutdown()
	assert.Equal(t, usb.StateClosed, h.State())
	assert.Equal(t, []models.EventType{
		models.EventTypeNodeStarted,
		models.EventTypeSessionOpened,
		models.EventTypeSessionOpened,
		models.EventTypeSessionClosed,
		models.EventTypeSessionClosed,
		models.EventTypeNodeStopped,
		models.EventTypeShutdown,
	}, obs.eventTypes())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	wrapped := errors.Join(errors.New("other"), newError(KindShutdownCleanup, "stop node", errors.New("x")))
	assert.Equal(t, KindShutdownCleanup, KindOf(wrapped))
	assert.Equal(t, "shutdown-cleanup", KindShutdownCleanup.String())
	assert.False(t, KindDegradedSession.Fatal())
}

// returnsWithin fails the test if fn does not return before the deadline.
func returnsWithin(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("call blocked")
	}
}

func TestStatusAndShutdownDuringSlowStart(t *testing.T) {
	r := newRig(t)
	started := make(chan struct{})
	release := make(chan struct{})
	r.backend.On("NewNode", r.handle).Return(r.node)
	r.node.On("Start").Return(nil).Run(func(mock.Arguments) {
		close(started)
		<-release
	})
	r.node.On("SetNetworkKey", uint8(0), testKey).Return(nil)
	r.node.On("Stop").Return(nil)

	errc := make(chan error, 1)
	go func() { errc <- r.bridge.StartNode(r.handle) }()
	<-started

	returnsWithin(t, time.Second, func() { r.bridge.Status() })
	returnsWithin(t, time.Second, r.bridge.Shutdown)
	assert.True(t, r.bridge.Status().ShutDown)
	assert.False(t, r.bridge.Status().NodeRunning)

	close(release)
	err := <-errc
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, KindFatalStartup, KindOf(err))
	// the node that finished starting after shutdown is stopped again
	r.node.AssertNumberOfCalls(t, "Stop", 1)
	assert.False(t, r.bridge.Status().NodeRunning)
}

func TestStatusDuringSlowBroadcast(t *testing.T) {
	r := newRig(t)
	r.openAll(t)
	r.rx.On("RevolutionsPerSecond").Return(1.0)
	inUpdate := make(chan struct{})
	release := make(chan struct{})
	r.tx.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) {
		close(inUpdate)
		<-release
	}).Once()

	done := make(chan models.Sample, 1)
	go func() {
		s, err := r.bridge.Step()
		assert.NoError(t, err)
		done <- s
	}()
	<-inUpdate

	var st models.Status
	returnsWithin(t, time.Second, func() { st = r.bridge.Status() })
	assert.Equal(t, models.SessionOpen, st.Transmitter)

	close(release)
	s := <-done
	assert.True(t, s.Broadcast)
	assert.Equal(t, uint64(1), r.bridge.Ticks())
}

func TestShutdownDuringSlowBroadcast(t *testing.T) {
	r := newRig(t)
	r.openAll(t)
	r.expectTeardown()
	r.rx.On("RevolutionsPerSecond").Return(1.0)
	inUpdate := make(chan struct{})
	release := make(chan struct{})
	r.tx.On("Update", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("channel closed")).
		Run(func(mock.Arguments) {
			close(inUpdate)
			<-release
		}).Once()

	errc := make(chan error, 1)
	go func() {
		_, err := r.bridge.Step()
		errc <- err
	}()
	<-inUpdate

	returnsWithin(t, time.Second, r.bridge.Shutdown)
	r.tx.AssertNumberOfCalls(t, "Close", 1)
	r.node.AssertNumberOfCalls(t, "Stop", 1)

	close(release)
	// an update cut short by shutdown is not a broadcast failure
	assert.NoError(t, <-errc)
	assert.NotContains(t, r.obs.eventTypes(), models.EventTypeBroadcastFailed)
}

func TestStrideDeviceTypePassedToTransmitter(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  uint8
		want uint8
	}{
		{"default", 0, sensor.DeviceTypeStride},
		{"configured", 0x7d, 0x7d},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := New(Config{NetworkKey: testKey, StrideDeviceType: tc.cfg, StrideDeviceID: strideID}, &sim.Backend{})
			bus := sim.NewBus()
			require.NoError(t, b.StartNode(bus.Handle(bus.Stick)))
			require.NoError(t, b.OpenStrideTransmitter())

			tx, ok := b.transmitter.ref.(*sim.StrideTransmitter)
			require.True(t, ok)
			assert.Equal(t, tc.want, tx.DeviceType)
			assert.Equal(t, strideID, tx.DeviceID)
			b.Shutdown()
		})
	}
}
