//go:build test

package testutils

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/srg/blefirmata/internal/firmata"
)

// FakePin describes one pin of a FakeBoard.
type FakePin struct {
	Modes         map[firmata.PinMode]uint8
	AnalogChannel int // firmata.NoAnalogChannel for none
}

// FakeBoardConfig describes what a FakeBoard reports about itself.
type FakeBoardConfig struct {
	FirmwareName  string
	FirmwareMajor uint8
	FirmwareMinor uint8
	ProtocolMajor uint8
	ProtocolMinor uint8
	Pins          []FakePin
	I2CDevices    map[uint8][]byte // address -> register file
	EchoStrings   bool             // reply to STRING_DATA with the same string
	Silent        bool             // never answer queries
	FragmentSize  int              // split every reply into chunks of this size, 0 for none
}

// UnoBoardConfig mimics StandardFirmata on an Arduino Uno: 20 pins, A0-A5 on pins 14-19,
// PWM on 3, 5, 6, 9, 10, 11, servo everywhere digital, I2C on A4/A5.
func UnoBoardConfig() FakeBoardConfig {
	pwm := map[int]bool{3: true, 5: true, 6: true, 9: true, 10: true, 11: true}
	pins := make([]FakePin, 20)
	for i := range pins {
		modes := map[firmata.PinMode]uint8{}
		channel := firmata.NoAnalogChannel
		if i >= 2 {
			modes[firmata.PinModeInput] = 1
			modes[firmata.PinModeOutput] = 1
			modes[firmata.PinModePullUp] = 1
			modes[firmata.PinModeServo] = 14
		}
		if pwm[i] {
			modes[firmata.PinModePWM] = 8
		}
		if i >= 14 {
			modes[firmata.PinModeAnalog] = 10
			channel = i - 14
		}
		if i == 18 || i == 19 {
			modes[firmata.PinModeI2C] = 1
		}
		pins[i] = FakePin{Modes: modes, AnalogChannel: channel}
	}
	return FakeBoardConfig{
		FirmwareName:  "StandardFirmata.ino",
		FirmwareMajor: 2,
		FirmwareMinor: 5,
		ProtocolMajor: 2,
		ProtocolMinor: 6,
		Pins:          pins,
	}
}

// FakeBoard is a scripted Firmata device on the far end of an in-memory pipe.
type FakeBoard struct {
	cfg    FakeBoardConfig
	host   net.Conn
	device net.Conn

	mu       sync.Mutex
	frames   [][]byte
	modes    map[uint8]firmata.PinMode
	ports    map[uint8]uint8
	analog   map[uint8]int
	inputs   map[uint8]uint16
	strings  []string
	received chan []byte

	writeMu sync.Mutex
	done    chan struct{}
}

func NewFakeBoard(cfg FakeBoardConfig) *FakeBoard {
	host, device := net.Pipe()
	b := &FakeBoard{
		cfg:      cfg,
		host:     host,
		device:   device,
		modes:    make(map[uint8]firmata.PinMode),
		ports:    make(map[uint8]uint8),
		analog:   make(map[uint8]int),
		inputs:   make(map[uint8]uint16),
		received: make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	go b.serve()
	return b
}

// Transport returns the host side of the link.
func (b *FakeBoard) Transport() *PipeTransport {
	return &PipeTransport{Conn: b.host, name: "fake:" + b.cfg.FirmwareName}
}

// Disconnect drops the link as a powered-off board would.
func (b *FakeBoard) Disconnect() {
	_ = b.device.Close()
	<-b.done
}

// Frames returns every frame received from the host.
func (b *FakeBoard) Frames() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.frames))
	copy(out, b.frames)
	return out
}

// WaitFrame waits for the next received frame that starts with prefix.
func (b *FakeBoard) WaitFrame(timeout time.Duration, prefix ...byte) ([]byte, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case f := <-b.received:
			if bytes.HasPrefix(f, prefix) {
				return f, true
			}
		case <-deadline:
			return nil, false
		}
	}
}

func (b *FakeBoard) PinMode(pin uint8) (firmata.PinMode, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.modes[pin]
	return m, ok
}

func (b *FakeBoard) PortValue(port uint8) uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ports[port]
}

func (b *FakeBoard) AnalogValue(pin uint8) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.analog[pin]
}

func (b *FakeBoard) Strings() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.strings...)
}

// SendDigitalPort reports a digital port value to the host.
func (b *FakeBoard) SendDigitalPort(port, mask uint8) {
	frame, _ := firmata.EncodeDigitalPort(port, mask)
	b.send(frame)
}

// SetMode puts pin in mode, as if a previous host had set it.
func (b *FakeBoard) SetMode(pin uint8, mode firmata.PinMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modes[pin] = mode
}

// SetAnalogInput sets what the board reports for channel once analog reporting is on.
func (b *FakeBoard) SetAnalogInput(channel uint8, value uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs[channel] = value
}

// SetPortInput sets the level of every pin in port, as if driven from outside.
func (b *FakeBoard) SetPortInput(port, mask uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ports[port] = mask
}

// SendAnalog reports an analog channel value to the host.
func (b *FakeBoard) SendAnalog(channel uint8, value uint16) {
	frame, _ := firmata.EncodeAnalogMessage(channel, value)
	b.send(frame)
}

func (b *FakeBoard) SendString(s string) {
	frame, _ := firmata.EncodeStringData(s)
	b.send(frame)
}

// SendRaw writes bytes to the host untouched.
func (b *FakeBoard) SendRaw(data []byte) {
	b.send(data)
}

func (b *FakeBoard) send(data []byte) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	size := b.cfg.FragmentSize
	if size <= 0 {
		size = len(data)
	}
	for len(data) > 0 {
		n := min(size, len(data))
		if _, err := b.device.Write(data[:n]); err != nil {
			return
		}
		data = data[n:]
	}
}

func (b *FakeBoard) serve() {
	defer close(b.done)

	buf := make([]byte, 256)
	var pending []byte
	for {
		n, err := b.device.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			var frames [][]byte
			frames, pending = splitHostFrames(pending)
			for _, f := range frames {
				b.record(f)
				b.respond(f)
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *FakeBoard) record(f []byte) {
	b.mu.Lock()
	b.frames = append(b.frames, f)
	b.mu.Unlock()

	select {
	case b.received <- f:
	default:
	}
}

// splitHostFrames cuts complete host->device frames off the front of data.
func splitHostFrames(data []byte) (frames [][]byte, rest []byte) {
	for len(data) > 0 {
		var n int
		cmd := data[0]
		switch {
		case cmd == byte(firmata.StartSysEx):
			end := bytes.IndexByte(data, byte(firmata.EndSysEx))
			if end < 0 {
				return frames, data
			}
			n = end + 1
		case cmd == byte(firmata.ProtocolVersion), cmd == byte(firmata.SystemReset):
			n = 1
		case cmd == byte(firmata.SetPinMode), cmd == byte(firmata.SetDigitalPinValue),
			cmd&0xF0 == byte(firmata.DigitalMessage), cmd&0xF0 == byte(firmata.AnalogMessage):
			n = 3
		case cmd&0xF0 == byte(firmata.ReportAnalogPin), cmd&0xF0 == byte(firmata.ReportDigitalPort):
			n = 2
		default:
			data = data[1:]
			continue
		}
		if len(data) < n {
			return frames, data
		}
		frames = append(frames, append([]byte(nil), data[:n]...))
		data = data[n:]
	}
	return frames, nil
}

func (b *FakeBoard) respond(f []byte) {
	cmd := f[0]
	switch {
	case cmd == byte(firmata.ProtocolVersion):
		b.reply([]byte{byte(firmata.ProtocolVersion), b.cfg.ProtocolMajor, b.cfg.ProtocolMinor})
	case cmd == byte(firmata.SystemReset):
		b.mu.Lock()
		b.modes = make(map[uint8]firmata.PinMode)
		b.ports = make(map[uint8]uint8)
		b.analog = make(map[uint8]int)
		b.mu.Unlock()
		b.reply(b.firmwareReport())
	case cmd == byte(firmata.SetPinMode):
		b.mu.Lock()
		b.modes[f[1]] = firmata.PinMode(f[2])
		b.mu.Unlock()
	case cmd == byte(firmata.SetDigitalPinValue):
		b.mu.Lock()
		port, bit := f[1]/8, uint8(1)<<(f[1]%8)
		if f[2] != 0 {
			b.ports[port] |= bit
		} else {
			b.ports[port] &^= bit
		}
		b.mu.Unlock()
	case cmd&0xF0 == byte(firmata.DigitalMessage):
		b.mu.Lock()
		b.ports[cmd&0x0F] = firmata.TwoByteToByte(f[1], f[2])
		b.mu.Unlock()
	case cmd&0xF0 == byte(firmata.AnalogMessage):
		b.mu.Lock()
		b.analog[cmd&0x0F] = int(firmata.TwoByteToUint14(f[1], f[2]))
		b.mu.Unlock()
	case cmd&0xF0 == byte(firmata.ReportDigitalPort) && f[1] != 0:
		b.mu.Lock()
		mask := b.ports[cmd&0x0F]
		b.mu.Unlock()
		frame, _ := firmata.EncodeDigitalPort(cmd&0x0F, mask)
		b.reply(frame)
	case cmd&0xF0 == byte(firmata.ReportAnalogPin) && f[1] != 0:
		b.mu.Lock()
		value := b.inputs[cmd&0x0F]
		b.mu.Unlock()
		frame, _ := firmata.EncodeAnalogMessage(cmd&0x0F, value)
		b.reply(frame)
	case cmd == byte(firmata.StartSysEx) && len(f) >= 3:
		b.respondSysEx(firmata.SysExCmd(f[1]), f[2:len(f)-1])
	}
}

func (b *FakeBoard) respondSysEx(cmd firmata.SysExCmd, data []byte) {
	switch cmd {
	case firmata.SysExReportFirmware:
		b.reply(b.firmwareReport())
	case firmata.SysExCapabilityQuery:
		payload := []byte{}
		for _, p := range b.cfg.Pins {
			for _, m := range firmata.SortPinModes(p.Modes) {
				payload = append(payload, byte(m), p.Modes[m])
			}
			payload = append(payload, firmata.CapabilityResponsePinDelimiter)
		}
		b.replySysEx(firmata.SysExCapabilityResponse, payload)
	case firmata.SysExAnalogMappingQuery:
		payload := make([]byte, len(b.cfg.Pins))
		for i, p := range b.cfg.Pins {
			payload[i] = firmata.CapabilityResponsePinDelimiter
			if p.AnalogChannel != firmata.NoAnalogChannel {
				payload[i] = byte(p.AnalogChannel)
			}
		}
		b.replySysEx(firmata.SysExAnalogMappingResponse, payload)
	case firmata.SysExPinStateQuery:
		if len(data) < 1 {
			return
		}
		pin := data[0]
		b.mu.Lock()
		mode, ok := b.modes[pin]
		if !ok {
			mode = firmata.PinModeOutput
		}
		state := int(b.ports[pin/8]>>(pin%8)) & 1
		if mode == firmata.PinModePWM || mode == firmata.PinModeServo {
			state = b.analog[pin]
		}
		b.mu.Unlock()
		payload := append([]byte{pin, byte(mode)}, firmata.SplitSevenBit(state)...)
		b.replySysEx(firmata.SysExPinStateResponse, payload)
	case firmata.SysExStringData:
		s := firmata.ParseStringData(data)
		b.mu.Lock()
		b.strings = append(b.strings, s)
		b.mu.Unlock()
		if b.cfg.EchoStrings && !b.cfg.Silent {
			b.SendString(s)
		}
	case firmata.SysExI2CRequest:
		b.respondI2C(data)
	}
}

func (b *FakeBoard) respondI2C(data []byte) {
	if len(data) < 2 || data[1]&0x18 != firmata.I2CModeRead {
		return
	}
	addr := data[0]
	args := firmata.TwoByteRepresentationToByteSlice(data[2:])
	register, count := 0, 0
	switch len(args) {
	case 1:
		count = int(args[0])
	case 2:
		register, count = int(args[0]), int(args[1])
	default:
		return
	}
	regs := b.cfg.I2CDevices[addr]
	out := make([]byte, 0, count)
	for i := 0; i < count && register+i < len(regs); i++ {
		out = append(out, regs[register+i])
	}
	lsb, msb := firmata.Uint14ToTwoByte(uint16(register))
	payload := append([]byte{addr, 0, lsb, msb}, firmata.ByteSliceToTwoByteRepresentation(out)...)
	b.replySysEx(firmata.SysExI2CReply, payload)
}

func (b *FakeBoard) firmwareReport() []byte {
	payload := append([]byte{b.cfg.FirmwareMajor, b.cfg.FirmwareMinor},
		firmata.ByteSliceToTwoByteRepresentation([]byte(b.cfg.FirmwareName))...)
	frame, _ := firmata.EncodeSysEx(firmata.SysExReportFirmware, payload...)
	return frame
}

func (b *FakeBoard) replySysEx(cmd firmata.SysExCmd, payload []byte) {
	frame, err := firmata.EncodeSysEx(cmd, payload...)
	if err != nil {
		panic(err)
	}
	b.reply(frame)
}

func (b *FakeBoard) reply(frame []byte) {
	if b.cfg.Silent {
		return
	}
	b.send(frame)
}

// PipeTransport is an in-memory transport.
type PipeTransport struct {
	net.Conn
	name string
}

func (p *PipeTransport) Name() string {
	return p.name
}
