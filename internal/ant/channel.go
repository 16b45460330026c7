package ant

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RFFrequency is the ANT+ frequency offset from 2400 MHz.
const RFFrequency byte = 57

// searchTimeoutInfinite keeps a slave searching until its sensor shows up.
const searchTimeoutInfinite byte = 0xFF

type channelConfig struct {
	chType     byte
	deviceID   uint16
	deviceType byte
	transType  byte
	period     uint16
	search     bool
}

type command struct {
	name string
	id   byte
	data []byte
}

// channel is the per-session channel state shared by both profiles.
// opMu serialises radio operations; mu only guards the fields and is never
// held while waiting on the stick, since the pump takes it for events.
type channel struct {
	node *Node

	opMu sync.Mutex

	mu       sync.Mutex
	number   uint8
	assigned bool
	open     bool
	closed   chan struct{}
}

// setup assigns and configures a channel for h, then opens it.
func (c *channel) setup(h handler, cfg channelConfig) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	num, assigned, open := c.number, c.assigned, c.open
	c.mu.Unlock()
	if open {
		return nil
	}

	if !assigned {
		var err error
		if num, err = c.node.allocate(h); err != nil {
			return err
		}
		if err := c.node.request(MsgAssignChannel, num, cfg.chType, 0); err != nil {
			c.node.release(num)
			return fmt.Errorf("assign channel %d: %w", num, err)
		}
		c.mu.Lock()
		c.number, c.assigned = num, true
		c.mu.Unlock()
	}

	cmds := []command{
		{"channel id", MsgChannelID, []byte{num, byte(cfg.deviceID), byte(cfg.deviceID >> 8), cfg.deviceType, cfg.transType}},
		{"period", MsgChannelPeriod, []byte{num, byte(cfg.period), byte(cfg.period >> 8)}},
		{"rf frequency", MsgChannelRFFreq, []byte{num, RFFrequency}},
	}
	if cfg.search {
		cmds = append(cmds, command{"search timeout", MsgSearchTimeout, []byte{num, searchTimeoutInfinite}})
	}
	for _, cmd := range cmds {
		if err := c.node.request(cmd.id, cmd.data...); err != nil {
			return fmt.Errorf("set %s on channel %d: %w", cmd.name, num, err)
		}
	}

	c.mu.Lock()
	c.closed = make(chan struct{})
	c.mu.Unlock()

	if err := c.node.request(MsgOpenChannel, num); err != nil {
		return fmt.Errorf("open channel %d: %w", num, err)
	}

	c.mu.Lock()
	c.open = true
	c.mu.Unlock()

	log.Debug().
		Uint8("channel", num).
		Uint16("device_id", cfg.deviceID).
		Uint8("device_type", cfg.deviceType).
		Msg("ant channel open")
	return nil
}

// shut closes the channel and waits for the stick to confirm.
func (c *channel) shut() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	closed, num := c.closed, c.number
	c.mu.Unlock()

	if err := c.node.request(MsgCloseChannel, num); err != nil {
		return fmt.Errorf("close channel %d: %w", num, err)
	}

	select {
	case <-closed:
		return nil
	case <-time.After(c.node.timeout):
		return fmt.Errorf("%w: channel %d closed event", ErrTimeout, num)
	}
}

// unassign frees the channel number on the stick and in the node.
func (c *channel) unassign() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if !c.assigned {
		c.mu.Unlock()
		return nil
	}
	c.assigned = false
	num := c.number
	c.mu.Unlock()

	defer c.node.release(num)
	if err := c.node.request(MsgUnassignChannel, num); err != nil {
		return fmt.Errorf("unassign channel %d: %w", num, err)
	}
	return nil
}

func (c *channel) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *channel) channelNumber() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.number
}

func (c *channel) handleEvent(code byte) {
	switch code {
	case EventChannelClosed:
		c.mu.Lock()
		if c.closed != nil {
			select {
			case <-c.closed:
			default:
				close(c.closed)
			}
		}
		c.mu.Unlock()
	case EventRXSearchTimeout:
		log.Warn().Uint8("channel", c.channelNumber()).Msg("ant search timeout")
	}
}
