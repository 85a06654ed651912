package firmata

import (
	"bytes"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	must := func(b []byte, err error) []byte {
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name     string
		frame    []byte
		expected []byte
	}{
		{"set pin mode", must(EncodeSetPinMode(13, PinModeOutput)), []byte{0xF4, 13, 0x01}},
		{"digital port", must(EncodeDigitalPort(1, 0xFF)), []byte{0x91, 0x7F, 0x01}},
		{"set digital pin value", must(EncodeSetDigitalPinValue(7, true)), []byte{0xF5, 7, 1}},
		{"analog message", must(EncodeAnalogMessage(3, 1023)), []byte{0xE3, 0x7F, 0x07}},
		{"extended analog", must(EncodeExtendedAnalog(20, 300)), []byte{0xF0, 0x6F, 20, 0x2C, 0x02, 0xF7}},
		{"extended analog zero", must(EncodeExtendedAnalog(20, 0)), []byte{0xF0, 0x6F, 20, 0x00, 0xF7}},
		{"report analog", must(EncodeReportAnalog(2, true)), []byte{0xC2, 1}},
		{"report digital", must(EncodeReportDigital(1, false)), []byte{0xD1, 0}},
		{"firmware query", must(EncodeSysEx(SysExReportFirmware)), []byte{0xF0, 0x79, 0xF7}},
		{"sampling interval", must(EncodeSamplingInterval(19)), []byte{0xF0, 0x7A, 0x13, 0x00, 0xF7}},
		{"string data", must(EncodeStringData("Hi")), []byte{0xF0, 0x71, 0x48, 0x00, 0x69, 0x00, 0xF7}},
		{"servo config", must(EncodeServoConfig(9, 544, 2400)), []byte{0xF0, 0x70, 9, 0x20, 0x04, 0x60, 0x12, 0xF7}},
		{"i2c config", must(EncodeI2CConfig(0)), []byte{0xF0, 0x78, 0x00, 0x00, 0xF7}},
		{"i2c write", must(EncodeI2CRequest(0x48, I2CModeWrite, []byte{0x01, 0xFF})), []byte{0xF0, 0x76, 0x48, 0x00, 0x01, 0x00, 0x7F, 0x01, 0xF7}},
		{"i2c write drops ten-bit flag", must(EncodeI2CRequest(0x48, I2CModeWrite|I2CTenBitAddress, nil)), []byte{0xF0, 0x76, 0x48, 0x00, 0xF7}},
		{"i2c read register", must(EncodeI2CReadRequest(0x48, 0x10, 2)), []byte{0xF0, 0x76, 0x48, 0x08, 0x10, 0x00, 0x02, 0x00, 0xF7}},
		{"i2c read", must(EncodeI2CReadRequest(0x48, -1, 2)), []byte{0xF0, 0x76, 0x48, 0x08, 0x02, 0x00, 0xF7}},
		{"protocol version", EncodeProtocolVersionQuery(), []byte{0xF9}},
		{"system reset", EncodeSystemReset(), []byte{0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.frame)
		})
	}
}

func TestEncode_OutOfRange(t *testing.T) {
	tests := []struct {
		name string
		fn   func() ([]byte, error)
		err  error
	}{
		{"pin above 127", func() ([]byte, error) { return EncodeSetPinMode(128, PinModeInput) }, ErrValueOutOfRange},
		{"mode above 127", func() ([]byte, error) { return EncodeSetPinMode(1, PinModeUnknown) }, ErrUnknownPinMode},
		{"port above 15", func() ([]byte, error) { return EncodeDigitalPort(16, 0) }, ErrValueOutOfRange},
		{"channel above 15", func() ([]byte, error) { return EncodeAnalogMessage(16, 0) }, ErrValueOutOfRange},
		{"analog value above 14 bits", func() ([]byte, error) { return EncodeAnalogMessage(0, MaxAnalogValue+1) }, ErrValueOutOfRange},
		{"negative extended analog", func() ([]byte, error) { return EncodeExtendedAnalog(3, -1) }, ErrValueOutOfRange},
		{"report channel above 15", func() ([]byte, error) { return EncodeReportAnalog(16, true) }, ErrValueOutOfRange},
		{"sysex payload not 7-bit", func() ([]byte, error) { return EncodeSysEx(SysExStringData, 0x80) }, ErrValueOutOfRange},
		{"sampling interval too long", func() ([]byte, error) { return EncodeSamplingInterval(20000) }, ErrValueOutOfRange},
		{"servo range inverted", func() ([]byte, error) { return EncodeServoConfig(9, 2400, 544) }, ErrValueOutOfRange},
		{"ten-bit i2c address", func() ([]byte, error) { return EncodeI2CRequest(0x80, I2CModeWrite, nil) }, ErrValueOutOfRange},
		{"i2c register too large", func() ([]byte, error) { return EncodeI2CReadRequest(0x48, 20000, 1) }, ErrValueOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := tt.fn()
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, frame)
		})
	}
}

func TestDecoder_FragmentedInput(t *testing.T) {
	stream := []byte{
		0xF9, 0x02, 0x06,
		0x91, 0x05, 0x01,
		0xE2, 0x7F, 0x07,
		0xF0, 0x79, 0x02, 0x05, 'S', 0x00, 'F', 0x00, 0xF7,
	}
	expected := []Message{
		ProtocolVersionMessage{Major: 2, Minor: 6},
		DigitalPortMessage{Port: 1, Mask: 0x85},
		AnalogChannelMessage{Channel: 2, Value: 1023},
		SysExMessage{Cmd: SysExReportFirmware, Data: []byte{0x02, 0x05, 'S', 0x00, 'F', 0x00}},
	}

	for _, size := range []int{1, 2, 5, 20, len(stream)} {
		d := NewDecoder()
		var got []Message
		for chunk := range slices.Chunk(stream, size) {
			got = append(got, d.Feed(chunk)...)
		}
		assert.Equal(t, expected, got, "chunk size %d", size)
		assert.Equal(t, DecoderStats{Messages: 4}, d.Stats(), "chunk size %d", size)
	}
}

func TestDecoder_EdgeCases(t *testing.T) {
	oversized := append([]byte{0xF0, 0x71}, bytes.Repeat([]byte{0x01}, MaxSysExSize+10)...)
	oversized = append(oversized, 0xF7, 0xF9, 0x02, 0x06)

	tests := []struct {
		name     string
		input    []byte
		expected []Message
		stats    DecoderStats
	}{
		{
			name:     "stray data bytes are discarded",
			input:    []byte{0x01, 0x02, 0xF9, 0x02, 0x06},
			expected: []Message{ProtocolVersionMessage{Major: 2, Minor: 6}},
			stats:    DecoderStats{Messages: 1, DiscardedBytes: 2},
		},
		{
			name:     "command aborts a partial frame",
			input:    []byte{0x91, 0x05, 0xE0, 0x10, 0x00},
			expected: []Message{AnalogChannelMessage{Channel: 0, Value: 16}},
			stats:    DecoderStats{Messages: 1, DroppedFrames: 1},
		},
		{
			name:     "command inside sysex aborts it",
			input:    []byte{0xF0, 0x79, 0x01, 0xF9, 0x02, 0x06},
			expected: []Message{ProtocolVersionMessage{Major: 2, Minor: 6}},
			stats:    DecoderStats{Messages: 1, DroppedFrames: 1},
		},
		{
			name:     "empty sysex is dropped",
			input:    []byte{0xF0, 0xF7},
			expected: nil,
			stats:    DecoderStats{DroppedFrames: 1},
		},
		{
			name:     "unknown command is skipped",
			input:    []byte{0xF1, 0xF9, 0x02, 0x06},
			expected: []Message{ProtocolVersionMessage{Major: 2, Minor: 6}},
			stats:    DecoderStats{Messages: 1, DiscardedBytes: 1},
		},
		{
			name:     "host-bound command is discarded",
			input:    []byte{0xF4, 13, 0x01},
			expected: nil,
			stats:    DecoderStats{DiscardedBytes: 3},
		},
		{
			name:     "oversized sysex is dropped and the stream recovers",
			input:    oversized,
			expected: []Message{ProtocolVersionMessage{Major: 2, Minor: 6}},
			stats:    DecoderStats{Messages: 1, DroppedFrames: 1, DiscardedBytes: MaxSysExSize + 12},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			assert.Equal(t, tt.expected, d.Feed(tt.input))
			assert.Equal(t, tt.stats, d.Stats())
		})
	}
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder()
	assert.Empty(t, d.Feed([]byte{0xF0, 0x79, 0x02}))
	d.Reset()
	assert.Equal(t, []Message{ProtocolVersionMessage{Major: 2, Minor: 5}}, d.Feed([]byte{0xF9, 0x02, 0x05}))
	assert.Zero(t, d.Stats().DroppedFrames)
}
