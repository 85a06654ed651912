package firmata

import (
	"fmt"

	"github.com/srg/blefirmata/internal/ringchan"
)

// Event is something the board reported without being asked.
type Event interface {
	fmt.Stringer
	isEvent()
}

// PinValueEvent is emitted when a digital or analog report changes a pin value.
type PinValueEvent struct {
	Pin    Pin
	Analog bool
}

func (PinValueEvent) isEvent() {}

func (e PinValueEvent) String() string {
	return fmt.Sprintf("pin %d = %d", e.Pin.Number, e.Pin.Value)
}

type StringEvent struct {
	Text string
}

func (StringEvent) isEvent() {}

func (e StringEvent) String() string {
	return fmt.Sprintf("string %q", e.Text)
}

// FirmwareEvent is emitted for every firmware report, including the one a board sends
// after a reset.
type FirmwareEvent struct {
	Firmware FirmwareReport
}

func (FirmwareEvent) isEvent() {}

func (e FirmwareEvent) String() string {
	return "firmware " + e.Firmware.String()
}

type I2CReplyEvent struct {
	Reply I2CReply
}

func (I2CReplyEvent) isEvent() {}

func (e I2CReplyEvent) String() string {
	return fmt.Sprintf("i2c 0x%02X reg %d % X", e.Reply.Address, e.Reply.Register, e.Reply.Data)
}

// SysExEvent carries a sysex message the client has no handler for.
type SysExEvent struct {
	Message SysExMessage
}

func (SysExEvent) isEvent() {}

func (e SysExEvent) String() string {
	return fmt.Sprintf("sysex %s % X", e.Message.Cmd, e.Message.Data)
}

// DisconnectedEvent is the last event a subscription receives when the link is lost.
type DisconnectedEvent struct {
	Err error
}

func (DisconnectedEvent) isEvent() {}

func (e DisconnectedEvent) String() string {
	return fmt.Sprintf("disconnected: %v", e.Err)
}

// Subscription delivers events from a Client. When the buffer is full the oldest event
// is dropped.
type Subscription struct {
	id     uint64
	events *ringchan.RingChannel[Event]
	client *Client
}

// C is closed after Unsubscribe, Client.Close, or a DisconnectedEvent.
func (s *Subscription) C() <-chan Event {
	return s.events.C()
}

func (s *Subscription) Unsubscribe() {
	if s.client != nil {
		s.client.removeSubscription(s.id)
	}
	s.events.Close()
}

// Dropped returns how many events were overwritten before being read.
func (s *Subscription) Dropped() int64 {
	return s.events.GetMetrics().Overwritten
}

func (s *Subscription) deliver(ev Event) {
	if _, dropped := s.events.ForceSend(ev); dropped {
		eventsDroppedTotal.Inc()
	}
}

func newEventChannel(capacity int) *ringchan.RingChannel[Event] {
	return ringchan.New[Event](capacity)
}
