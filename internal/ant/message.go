package ant

import (
	"bytes"
	"fmt"
)

// Sync is the first byte of every serial message.
const Sync byte = 0xA4

// MaxDataLen bounds the data field accepted by the decoder.
const MaxDataLen = 32

// Message ids
const (
	MsgChannelResponse byte = 0x40
	MsgUnassignChannel byte = 0x41
	MsgAssignChannel   byte = 0x42
	MsgChannelPeriod   byte = 0x43
	MsgSearchTimeout   byte = 0x44
	MsgChannelRFFreq   byte = 0x45
	MsgNetworkKey      byte = 0x46
	MsgSystemReset     byte = 0x4A
	MsgOpenChannel     byte = 0x4B
	MsgCloseChannel    byte = 0x4C
	MsgBroadcastData   byte = 0x4E
	MsgAcknowledgeData byte = 0x4F
	MsgBurstData       byte = 0x50
	MsgChannelID       byte = 0x51
	MsgStartup         byte = 0x6F
)

// Response and event codes carried by MsgChannelResponse.
const (
	ResponseNoError         byte = 0x00
	EventRXSearchTimeout    byte = 0x01
	EventRXFail             byte = 0x02
	EventTX                 byte = 0x03
	EventChannelClosed      byte = 0x07
	EventRXFailGoToSearch   byte = 0x08
	ChannelInWrongState     byte = 0x15
	ChannelNotOpened        byte = 0x16
	InvalidMessage          byte = 0x28
	eventMarker             byte = 0x01
)

// Channel types
const (
	ChannelTypeSlave  byte = 0x00
	ChannelTypeMaster byte = 0x10
)

// Message is one decoded serial message.
type Message struct {
	ID   byte
	Data []byte
}

// IsEvent reports whether m is an RF event rather than a command response.
func (m Message) IsEvent() bool {
	return m.ID == MsgChannelResponse && len(m.Data) >= 3 && m.Data[1] == eventMarker
}

func (m Message) String() string {
	return fmt.Sprintf("0x%02x % x", m.ID, m.Data)
}

// Encode returns sync, length, id, data and the xor checksum.
func (m Message) Encode() []byte {
	frame := make([]byte, 0, len(m.Data)+4)
	frame = append(frame, Sync, byte(len(m.Data)), m.ID)
	frame = append(frame, m.Data...)
	return append(frame, checksum(frame))
}

func checksum(b []byte) byte {
	var c byte
	for _, v := range b {
		c ^= v
	}
	return c
}

// Decoder reassembles messages from arbitrary USB reads. It resynchronises
// on the sync byte and drops frames with a bad checksum.
type Decoder struct {
	buf []byte
}

// Feed appends p and returns every complete message.
func (d *Decoder) Feed(p []byte) []Message {
	d.buf = append(d.buf, p...)

	var out []Message
	for {
		i := bytes.IndexByte(d.buf, Sync)
		if i < 0 {
			d.buf = d.buf[:0]
			return out
		}
		d.buf = d.buf[i:]
		if len(d.buf) < 2 {
			return out
		}

		n := int(d.buf[1])
		if n > MaxDataLen {
			d.buf = d.buf[1:]
			continue
		}
		total := n + 4
		if len(d.buf) < total {
			return out
		}

		frame := d.buf[:total]
		if checksum(frame[:total-1]) != frame[total-1] {
			d.buf = d.buf[1:]
			continue
		}

		out = append(out, Message{ID: frame[2], Data: append([]byte(nil), frame[3:3+n]...)})
		d.buf = d.buf[total:]
	}
}
