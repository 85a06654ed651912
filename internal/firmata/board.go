package firmata

import (
	"fmt"
	"sync"
)

// Pin is the host-side view of one board pin.
type Pin struct {
	Number        uint8
	Modes         map[PinMode]uint8 // supported modes -> resolution in bits
	Mode          PinMode
	Value         int
	AnalogChannel int // NoAnalogChannel when the pin has none
	State         int // last state reported by a pin state query
}

func (p Pin) Supports(mode PinMode) bool {
	_, ok := p.Modes[mode]
	return ok
}

func (p Pin) String() string {
	if p.AnalogChannel != NoAnalogChannel {
		return fmt.Sprintf("pin %d (A%d) %s=%d", p.Number, p.AnalogChannel, p.Mode, p.Value)
	}
	return fmt.Sprintf("pin %d %s=%d", p.Number, p.Mode, p.Value)
}

// BoardState is an immutable snapshot of a Board.
type BoardState struct {
	Firmware        FirmwareReport
	ProtocolMajor   uint8
	ProtocolMinor   uint8
	Pins            []Pin
	AnalogMapping   map[uint8]uint8 // channel -> pin
	CapabilitiesSet bool
}

// Board tracks what the remote device has reported about itself and the values the host
// last wrote. It is safe for concurrent use.
type Board struct {
	mu              sync.RWMutex
	firmware        FirmwareReport
	protocolMajor   uint8
	protocolMinor   uint8
	pins            []Pin
	analogMapping   map[uint8]uint8
	portMasks       [16]uint8
	capabilitiesSet bool
}

func NewBoard() *Board {
	return &Board{analogMapping: make(map[uint8]uint8)}
}

func (b *Board) SetFirmware(f FirmwareReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.firmware = f
}

func (b *Board) SetProtocolVersion(major, minor uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.protocolMajor, b.protocolMinor = major, minor
}

// ApplyCapabilities replaces the pin table. Known analog channels are preserved.
func (b *Board) ApplyCapabilities(c CapabilityResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pins := make([]Pin, len(c.SupportedPinModes))
	for i, modes := range c.SupportedPinModes {
		copied := make(map[PinMode]uint8, len(modes))
		for m, r := range modes {
			copied[m] = r
		}
		pins[i] = Pin{
			Number:        uint8(i),
			Modes:         copied,
			Mode:          PinModeUnknown,
			AnalogChannel: NoAnalogChannel,
		}
	}
	for ch, pin := range b.analogMapping {
		if int(pin) < len(pins) {
			pins[pin].AnalogChannel = int(ch)
		}
	}
	b.pins = pins
	b.portMasks = [16]uint8{}
	b.capabilitiesSet = true
}

// ApplyAnalogMapping records the channel -> pin mapping and tags mapped pins.
func (b *Board) ApplyAnalogMapping(a AnalogMappingResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.analogMapping = make(map[uint8]uint8, len(a.ChannelToPin))
	for i := range b.pins {
		b.pins[i].AnalogChannel = NoAnalogChannel
	}
	for ch, pin := range a.ChannelToPin {
		b.analogMapping[ch] = pin
		if int(pin) < len(b.pins) {
			b.pins[pin].AnalogChannel = int(ch)
		}
	}
}

// ApplyPinState stores a pin state reply. Output pins take the state as their value.
func (b *Board) ApplyPinState(s PinStateResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(s.Pin) >= len(b.pins) {
		return
	}
	p := &b.pins[s.Pin]
	p.Mode = s.Mode
	p.State = s.State
	switch s.Mode {
	case PinModeOutput:
		p.Value = s.State
		b.setPortBit(s.Pin, s.State != 0)
	case PinModePWM, PinModeServo:
		p.Value = s.State
	}
}

// SetMode records a mode the host has sent to the device.
func (b *Board) SetMode(pin uint8, mode PinMode) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(pin) < len(b.pins) {
		b.pins[pin].Mode = mode
	}
}

// ApplyDigitalPort updates input pins of a port from a digital report. Pins in any other
// mode are left untouched. It returns the pins whose value changed.
func (b *Board) ApplyDigitalPort(port uint8, mask uint8) []Pin {
	b.mu.Lock()
	defer b.mu.Unlock()

	var changed []Pin
	for bit := 0; bit < 8; bit++ {
		n := int(port)*8 + bit
		if n >= len(b.pins) {
			break
		}
		p := &b.pins[n]
		if p.Mode != PinModeInput && p.Mode != PinModePullUp {
			continue
		}
		v := int(mask>>bit) & 1
		if p.Value != v {
			p.Value = v
			changed = append(changed, clonePin(*p))
		}
	}
	return changed
}

// ApplyAnalog updates the pin mapped to channel. Unmapped channels are ignored.
func (b *Board) ApplyAnalog(channel uint8, value uint16) (Pin, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pin, ok := b.analogMapping[channel]
	if !ok || int(pin) >= len(b.pins) {
		return Pin{}, false
	}
	b.pins[pin].Value = int(value)
	return clonePin(b.pins[pin]), true
}

// SetDigitalValue records an output value and returns the port and its new mask.
func (b *Board) SetDigitalValue(pin uint8, value bool) (port uint8, mask uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(pin) < len(b.pins) {
		b.pins[pin].Value = int(boolByte(value))
	}
	b.setPortBit(pin, value)
	port = pin / 8
	return port, b.portMasks[port]
}

// PortWithValue returns the port of pin and the mask it would have with pin set to value.
// The board is not changed.
func (b *Board) PortWithValue(pin uint8, value bool) (port uint8, mask uint8) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	port = pin / 8
	if int(port) >= len(b.portMasks) {
		return port, 0
	}
	bit := uint8(1) << (pin % 8)
	if value {
		return port, b.portMasks[port] | bit
	}
	return port, b.portMasks[port] &^ bit
}

// SetAnalogValue records a PWM/servo value written by the host.
func (b *Board) SetAnalogValue(pin uint8, value int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(pin) < len(b.pins) {
		b.pins[pin].Value = value
	}
}

func (b *Board) setPortBit(pin uint8, value bool) {
	port := pin / 8
	if int(port) >= len(b.portMasks) {
		return
	}
	bit := uint8(1) << (pin % 8)
	if value {
		b.portMasks[port] |= bit
	} else {
		b.portMasks[port] &^= bit
	}
}

// Pin returns a copy of one pin.
func (b *Board) Pin(n uint8) (Pin, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if int(n) >= len(b.pins) {
		return Pin{}, false
	}
	return clonePin(b.pins[n]), true
}

func (b *Board) PinCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pins)
}

func (b *Board) HasCapabilities() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.capabilitiesSet
}

// Snapshot returns a deep copy of the board.
func (b *Board) Snapshot() BoardState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pins := make([]Pin, len(b.pins))
	for i, p := range b.pins {
		pins[i] = clonePin(p)
	}
	mapping := make(map[uint8]uint8, len(b.analogMapping))
	for ch, pin := range b.analogMapping {
		mapping[ch] = pin
	}
	return BoardState{
		Firmware:        b.firmware,
		ProtocolMajor:   b.protocolMajor,
		ProtocolMinor:   b.protocolMinor,
		Pins:            pins,
		AnalogMapping:   mapping,
		CapabilitiesSet: b.capabilitiesSet,
	}
}

func clonePin(p Pin) Pin {
	modes := make(map[PinMode]uint8, len(p.Modes))
	for m, r := range p.Modes {
		modes[m] = r
	}
	p.Modes = modes
	return p
}
