package firmata

import "fmt"

// Message is a decoded Firmata frame.
type Message interface {
	Type() MessageType
}

type ProtocolVersionMessage struct {
	Major uint8
	Minor uint8
}

func (ProtocolVersionMessage) Type() MessageType { return ProtocolVersion }

func (m ProtocolVersionMessage) String() string {
	return fmt.Sprintf("protocol %d.%d", m.Major, m.Minor)
}

type DigitalPortMessage struct {
	Port uint8
	Mask uint8
}

func (DigitalPortMessage) Type() MessageType { return DigitalMessage }

type AnalogChannelMessage struct {
	Channel uint8
	Value   uint16
}

func (AnalogChannelMessage) Type() MessageType { return AnalogMessage }

// SysExMessage carries the raw payload between the command byte and END_SYSEX.
type SysExMessage struct {
	Cmd  SysExCmd
	Data []byte
}

func (SysExMessage) Type() MessageType { return StartSysEx }

// DecoderStats counts bytes the decoder could not attribute to a frame.
type DecoderStats struct {
	Messages       uint64
	DiscardedBytes uint64
	DroppedFrames  uint64
}

// Decoder is a streaming Firmata frame parser. Input may be split at any byte boundary,
// which is the norm for BLE notifications. A Decoder is not safe for concurrent use.
type Decoder struct {
	cmd     MessageType
	want    int
	buf     []byte
	inSysEx bool
	stats   DecoderStats
}

func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, 64)}
}

func (d *Decoder) Stats() DecoderStats {
	return d.stats
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.cmd = 0
	d.want = 0
	d.inSysEx = false
	d.buf = d.buf[:0]
}

// Feed consumes bytes and returns every message they complete.
func (d *Decoder) Feed(data []byte) []Message {
	var out []Message
	for _, b := range data {
		if m := d.step(b); m != nil {
			d.stats.Messages++
			out = append(out, m)
		}
	}
	return out
}

func (d *Decoder) step(b byte) Message {
	if d.inSysEx {
		return d.stepSysEx(b)
	}

	if b&0x80 != 0 {
		if d.cmd != 0 {
			// a command byte aborts the unfinished frame
			d.stats.DroppedFrames++
			d.Reset()
		}
		cmd := MessageType(b)
		if cmd == StartSysEx {
			d.inSysEx = true
			d.buf = d.buf[:0]
			return nil
		}
		n, ok := cmd.dataLength()
		if !ok {
			d.stats.DiscardedBytes++
			return nil
		}
		if n == 0 {
			return nil
		}
		d.cmd = cmd
		d.want = n
		d.buf = d.buf[:0]
		return nil
	}

	if d.cmd == 0 {
		d.stats.DiscardedBytes++
		return nil
	}

	d.buf = append(d.buf, b)
	if len(d.buf) < d.want {
		return nil
	}

	m := d.build()
	d.Reset()
	return m
}

func (d *Decoder) stepSysEx(b byte) Message {
	switch {
	case MessageType(b) == EndSysEx:
		d.inSysEx = false
		if len(d.buf) == 0 {
			d.stats.DroppedFrames++
			return nil
		}
		data := make([]byte, len(d.buf)-1)
		copy(data, d.buf[1:])
		m := SysExMessage{Cmd: SysExCmd(d.buf[0]), Data: data}
		d.buf = d.buf[:0]
		return m
	case b&0x80 != 0:
		// sysex interrupted by another command; reprocess the byte outside sysex
		d.stats.DroppedFrames++
		d.Reset()
		return d.step(b)
	case len(d.buf) >= MaxSysExSize:
		d.stats.DroppedFrames++
		d.stats.DiscardedBytes += uint64(len(d.buf)) + 1
		d.Reset()
		return nil
	}
	d.buf = append(d.buf, b)
	return nil
}

func (d *Decoder) build() Message {
	channel := uint8(d.cmd) & 0x0F
	switch d.cmd.Base() {
	case DigitalMessage:
		return DigitalPortMessage{Port: channel, Mask: TwoByteToByte(d.buf[0], d.buf[1])}
	case AnalogMessage:
		return AnalogChannelMessage{Channel: channel, Value: TwoByteToUint14(d.buf[0], d.buf[1])}
	case ProtocolVersion:
		return ProtocolVersionMessage{Major: d.buf[0], Minor: d.buf[1]}
	}
	// host-bound commands (pin mode, report toggles) are not expected from a board
	d.stats.DiscardedBytes += uint64(len(d.buf) + 1)
	return nil
}
