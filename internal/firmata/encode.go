package firmata

import "fmt"

// MaxPin is the largest pin number addressable by single-byte pin commands.
const MaxPin = 127

func checkPin(pin uint8) error {
	if pin > MaxPin {
		return fmt.Errorf("%w: pin %d (0 - %d)", ErrValueOutOfRange, pin, MaxPin)
	}
	return nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// EncodeSetPinMode builds a SET_PIN_MODE message.
func EncodeSetPinMode(pin uint8, mode PinMode) ([]byte, error) {
	if err := checkPin(pin); err != nil {
		return nil, err
	}
	if mode > 0x7F {
		return nil, fmt.Errorf("%w: mode 0x%02X", ErrUnknownPinMode, uint8(mode))
	}
	return []byte{byte(SetPinMode), pin, byte(mode)}, nil
}

// EncodeDigitalPort builds a digital I/O message carrying the 8-bit value of a port.
func EncodeDigitalPort(port uint8, mask uint8) ([]byte, error) {
	if port > 0x0F {
		return nil, fmt.Errorf("%w: port %d (0 - 15)", ErrValueOutOfRange, port)
	}
	lsb, msb := ByteToTwoByte(mask)
	return []byte{byte(DigitalMessage) | port, lsb, msb}, nil
}

// EncodeSetDigitalPinValue builds a SET_DIGITAL_PIN_VALUE message.
func EncodeSetDigitalPinValue(pin uint8, value bool) ([]byte, error) {
	if err := checkPin(pin); err != nil {
		return nil, err
	}
	return []byte{byte(SetDigitalPinValue), pin, boolByte(value)}, nil
}

// EncodeAnalogMessage builds an analog I/O message for channels 0-15.
func EncodeAnalogMessage(channel uint8, value uint16) ([]byte, error) {
	if channel > 0x0F {
		return nil, fmt.Errorf("%w: channel %d (0 - 15)", ErrValueOutOfRange, channel)
	}
	if value > MaxAnalogValue {
		return nil, fmt.Errorf("%w: value %d (0 - %d)", ErrValueOutOfRange, value, MaxAnalogValue)
	}
	lsb, msb := Uint14ToTwoByte(value)
	return []byte{byte(AnalogMessage) | channel, lsb, msb}, nil
}

// EncodeExtendedAnalog builds an EXTENDED_ANALOG sysex for any pin and any value width.
func EncodeExtendedAnalog(pin uint8, value int) ([]byte, error) {
	if err := checkPin(pin); err != nil {
		return nil, err
	}
	if value < 0 || value > 1<<28-1 {
		return nil, fmt.Errorf("%w: value %d (0 - %d)", ErrValueOutOfRange, value, 1<<28-1)
	}
	payload := append([]byte{pin}, SplitSevenBit(value)...)
	return EncodeSysEx(SysExExtendedAnalog, payload...)
}

// EncodeReportAnalog toggles analog reporting for a channel.
func EncodeReportAnalog(channel uint8, enable bool) ([]byte, error) {
	if channel > 0x0F {
		return nil, fmt.Errorf("%w: channel %d (0 - 15)", ErrValueOutOfRange, channel)
	}
	return []byte{byte(ReportAnalogPin) | channel, boolByte(enable)}, nil
}

// EncodeReportDigital toggles digital reporting for a port.
func EncodeReportDigital(port uint8, enable bool) ([]byte, error) {
	if port > 0x0F {
		return nil, fmt.Errorf("%w: port %d (0 - 15)", ErrValueOutOfRange, port)
	}
	return []byte{byte(ReportDigitalPort) | port, boolByte(enable)}, nil
}

// EncodeSysEx frames a sysex command. Payload bytes must be 7-bit clean.
func EncodeSysEx(cmd SysExCmd, payload ...byte) ([]byte, error) {
	if byte(cmd) > SevenBitMask {
		return nil, fmt.Errorf("%w: sysex command 0x%02X", ErrValueOutOfRange, uint8(cmd))
	}
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, byte(StartSysEx), byte(cmd))
	for i, b := range payload {
		if b > SevenBitMask {
			return nil, fmt.Errorf("%w: sysex payload byte %d is 0x%02X", ErrValueOutOfRange, i, b)
		}
		frame = append(frame, b)
	}
	return append(frame, byte(EndSysEx)), nil
}

// EncodeSamplingInterval sets the analog sampling interval in milliseconds.
func EncodeSamplingInterval(ms uint16) ([]byte, error) {
	if ms > MaxSamplingInterval {
		return nil, fmt.Errorf("%w: interval %d (0 - %d)", ErrValueOutOfRange, ms, MaxSamplingInterval)
	}
	lsb, msb := Uint14ToTwoByte(ms)
	return EncodeSysEx(SysExSamplingInterval, lsb, msb)
}

// EncodeStringData sends a string as 14-bit characters.
func EncodeStringData(s string) ([]byte, error) {
	return EncodeSysEx(SysExStringData, ByteSliceToTwoByteRepresentation([]byte(s))...)
}

// EncodeServoConfig sets the pulse range of a servo pin in microseconds.
func EncodeServoConfig(pin uint8, minPulse, maxPulse uint16) ([]byte, error) {
	if err := checkPin(pin); err != nil {
		return nil, err
	}
	if minPulse > MaxAnalogValue || maxPulse > MaxAnalogValue || minPulse > maxPulse {
		return nil, fmt.Errorf("%w: pulse range %d-%d", ErrValueOutOfRange, minPulse, maxPulse)
	}
	minLSB, minMSB := Uint14ToTwoByte(minPulse)
	maxLSB, maxMSB := Uint14ToTwoByte(maxPulse)
	return EncodeSysEx(SysExServoConfig, pin, minLSB, minMSB, maxLSB, maxMSB)
}

// EncodeI2CConfig sets the delay between an I2C write and the following read.
func EncodeI2CConfig(delayMicroseconds uint16) ([]byte, error) {
	if delayMicroseconds > MaxAnalogValue {
		return nil, fmt.Errorf("%w: delay %d (0 - %d)", ErrValueOutOfRange, delayMicroseconds, MaxAnalogValue)
	}
	lsb, msb := Uint14ToTwoByte(delayMicroseconds)
	return EncodeSysEx(SysExI2CConfig, lsb, msb)
}

// EncodeI2CRequest builds an I2C request for a 7-bit address. mode is one of the
// I2CMode* values, optionally or-ed with I2CRestart.
func EncodeI2CRequest(address uint8, mode byte, data []byte) ([]byte, error) {
	if address > SevenBitMask {
		return nil, fmt.Errorf("%w: i2c address 0x%02X (7-bit only)", ErrValueOutOfRange, address)
	}
	payload := append([]byte{address, mode &^ I2CTenBitAddress}, ByteSliceToTwoByteRepresentation(data)...)
	return EncodeSysEx(SysExI2CRequest, payload...)
}

// EncodeI2CReadRequest asks for n bytes, optionally starting at a register.
func EncodeI2CReadRequest(address uint8, register int, n uint16) ([]byte, error) {
	var data []byte
	if register >= 0 {
		if register > MaxAnalogValue {
			return nil, fmt.Errorf("%w: register %d", ErrValueOutOfRange, register)
		}
		lsb, msb := Uint14ToTwoByte(uint16(register))
		data = append(data, lsb, msb)
	}
	lsb, msb := Uint14ToTwoByte(n)
	data = append(data, lsb, msb)
	if address > SevenBitMask {
		return nil, fmt.Errorf("%w: i2c address 0x%02X (7-bit only)", ErrValueOutOfRange, address)
	}
	return EncodeSysEx(SysExI2CRequest, append([]byte{address, I2CModeRead}, data...)...)
}

func EncodeProtocolVersionQuery() []byte {
	return []byte{byte(ProtocolVersion)}
}

func EncodeSystemReset() []byte {
	return []byte{byte(SystemReset)}
}
