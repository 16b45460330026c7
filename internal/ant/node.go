package ant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vstride/vstride-bridge/internal/sensor"
	"github.com/vstride/vstride-bridge/internal/usb"
)

// MaxChannels is the channel count of the supported sticks.
const MaxChannels = 8

// DefaultTimeout bounds every command/response exchange.
const DefaultTimeout = 2 * time.Second

var (
	ErrTimeout         = errors.New("ant: response timeout")
	ErrChannelResponse = errors.New("ant: command rejected")
	ErrNotRunning      = errors.New("ant: node not running")
	ErrNoFreeChannel   = errors.New("ant: no free channel")
	ErrForeignNode     = errors.New("ant: node was not created by this backend")
)

// handler receives traffic for one assigned channel. Both methods run on the
// pump goroutine.
type handler interface {
	handleData(payload []byte)
	handleEvent(code byte)
}

// Node drives one stick: a read pump decodes messages and routes them to
// channel handlers or to the pending command.
type Node struct {
	handle  usb.Handle
	timeout time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	channels [MaxChannels]handler

	writeMu   sync.Mutex
	reqMu     sync.Mutex
	responses chan Message
}

// NewNode binds a node to a claimed, closed handle.
func NewNode(h usb.Handle, timeout time.Duration) *Node {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Node{
		handle:    h,
		timeout:   timeout,
		responses: make(chan Message, 16),
	}
}

// Start reopens the handle, starts the pump and resets the stick.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return nil
	}
	if err := n.handle.Open(); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("open stick: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.running = true
	n.wg.Add(1)
	go n.pump(ctx)
	n.mu.Unlock()

	err := n.exchange(Message{ID: MsgSystemReset, Data: []byte{0}}, func(m Message) (bool, error) {
		return m.ID == MsgStartup, nil
	})
	if errors.Is(err, ErrTimeout) {
		// older sticks do not announce startup
		log.Warn().Str("device", n.handle.Descriptor().String()).Msg("no startup message after reset")
		time.Sleep(500 * time.Millisecond)
		return nil
	}
	return err
}

// SetNetworkKey installs key at network index.
func (n *Node) SetNetworkKey(index uint8, key sensor.NetworkKey) error {
	data := append([]byte{index}, key.Key[:]...)
	return n.request(MsgNetworkKey, data...)
}

// Stop resets the stick, stops the pump and closes the handle. Calling Stop
// on a stopped node is a no-op.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.mu.Unlock()

	resetErr := n.write(Message{ID: MsgSystemReset, Data: []byte{0}})
	n.cancel()
	n.wg.Wait()

	n.mu.Lock()
	n.channels = [MaxChannels]handler{}
	n.mu.Unlock()

	if err := n.handle.Close(); err != nil {
		return err
	}
	if resetErr != nil {
		return fmt.Errorf("reset stick: %w", resetErr)
	}
	return nil
}

// Running reports whether the pump is active.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

func (n *Node) pump(ctx context.Context) {
	defer n.wg.Done()

	var dec Decoder
	buf := make([]byte, 64)
	for {
		nr, err := n.handle.Read(ctx, buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Debug().Err(err).Msg("ant read")
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		for _, m := range dec.Feed(buf[:nr]) {
			n.dispatch(m)
		}
	}
}

func (n *Node) dispatch(m Message) {
	switch m.ID {
	case MsgBroadcastData, MsgAcknowledgeData, MsgBurstData:
		if len(m.Data) < 9 {
			return
		}
		if h := n.handler(m.Data[0]); h != nil {
			h.handleData(m.Data[1:9])
		}
	case MsgChannelResponse:
		if m.IsEvent() {
			if h := n.handler(m.Data[0]); h != nil {
				h.handleEvent(m.Data[2])
			}
			return
		}
		n.deliver(m)
	case MsgStartup:
		n.deliver(m)
	default:
		log.Debug().Str("message", m.String()).Msg("ant message ignored")
	}
}

func (n *Node) deliver(m Message) {
	select {
	case n.responses <- m:
	default:
		log.Warn().Str("message", m.String()).Msg("ant response dropped")
	}
}

func (n *Node) handler(ch byte) handler {
	if int(ch) >= MaxChannels {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channels[ch]
}

func (n *Node) allocate(h handler) (uint8, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return 0, ErrNotRunning
	}
	for i := range n.channels {
		if n.channels[i] == nil {
			n.channels[i] = h
			return uint8(i), nil
		}
	}
	return 0, ErrNoFreeChannel
}

func (n *Node) release(ch uint8) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if int(ch) < MaxChannels {
		n.channels[ch] = nil
	}
}

func (n *Node) write(m Message) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	if _, err := n.handle.Write(m.Encode()); err != nil {
		return fmt.Errorf("write 0x%02x: %w", m.ID, err)
	}
	return nil
}

// request sends a command and waits for its RESPONSE_NO_ERROR.
func (n *Node) request(id byte, data ...byte) error {
	return n.exchange(Message{ID: id, Data: data}, func(m Message) (bool, error) {
		if m.ID != MsgChannelResponse || len(m.Data) < 3 || m.Data[1] != id {
			return false, nil
		}
		if code := m.Data[2]; code != ResponseNoError {
			return true, fmt.Errorf("%w: message 0x%02x code 0x%02x", ErrChannelResponse, id, code)
		}
		return true, nil
	})
}

func (n *Node) exchange(m Message, match func(Message) (bool, error)) error {
	if !n.Running() {
		return ErrNotRunning
	}

	n.reqMu.Lock()
	defer n.reqMu.Unlock()

	for drained := false; !drained; {
		select {
		case <-n.responses:
		default:
			drained = true
		}
	}

	if err := n.write(m); err != nil {
		return err
	}

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()
	for {
		select {
		case r := <-n.responses:
			if ok, err := match(r); ok {
				return err
			}
		case <-timer.C:
			return fmt.Errorf("%w: message 0x%02x", ErrTimeout, m.ID)
		}
	}
}

// broadcast queues an 8 byte payload on ch without waiting for a response.
func (n *Node) broadcast(ch uint8, payload [8]byte) error {
	if !n.Running() {
		return ErrNotRunning
	}
	return n.write(Message{ID: MsgBroadcastData, Data: append([]byte{ch}, payload[:]...)})
}
