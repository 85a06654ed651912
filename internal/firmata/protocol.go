package firmata

import "fmt"

// MessageType is the command byte that starts every Firmata frame.
// Channel-carrying types (digital, analog, report) keep the channel in the low nibble.
type MessageType uint8

const (
	DigitalMessage     MessageType = 0x90 // send data for a digital port (8 pins)
	AnalogMessage      MessageType = 0xE0 // send data for an analog channel (or PWM)
	ReportAnalogPin    MessageType = 0xC0 // enable analog input by channel
	ReportDigitalPort  MessageType = 0xD0 // enable digital input by port
	StartSysEx         MessageType = 0xF0
	SetPinMode         MessageType = 0xF4 // set a pin to INPUT/OUTPUT/PWM/etc
	SetDigitalPinValue MessageType = 0xF5 // set value of an individual digital pin
	EndSysEx           MessageType = 0xF7
	ProtocolVersion    MessageType = 0xF9 // report protocol version
	SystemReset        MessageType = 0xFF
)

var messageTypeNames = map[MessageType]string{
	DigitalMessage:     "DigitalMessage",
	AnalogMessage:      "AnalogMessage",
	ReportAnalogPin:    "ReportAnalogPin",
	ReportDigitalPort:  "ReportDigitalPort",
	StartSysEx:         "StartSysEx",
	SetPinMode:         "SetPinMode",
	SetDigitalPinValue: "SetDigitalPinValue",
	EndSysEx:           "EndSysEx",
	ProtocolVersion:    "ProtocolVersion",
	SystemReset:        "SystemReset",
}

// Base strips the channel nibble from channel-carrying message types.
func (m MessageType) Base() MessageType {
	if m < 0xF0 {
		return m & 0xF0
	}
	return m
}

func (m MessageType) String() string {
	if v, ok := messageTypeNames[m.Base()]; ok {
		return v
	}
	return fmt.Sprintf("Unknown(0x%02X)", uint8(m))
}

// dataLength is the number of data bytes that follow a non-sysex command.
func (m MessageType) dataLength() (int, bool) {
	switch m.Base() {
	case DigitalMessage, AnalogMessage, SetPinMode, SetDigitalPinValue, ProtocolVersion:
		return 2, true
	case ReportAnalogPin, ReportDigitalPort:
		return 1, true
	case SystemReset:
		return 0, true
	}
	return 0, false
}

type SysExCmd uint8

// Base features
const (
	SysExExtendedID            SysExCmd = 0x00 // next 2 bytes define the extended ID
	SysExAnalogMappingQuery    SysExCmd = 0x69 // ask for mapping of analog pin names to pin numbers
	SysExAnalogMappingResponse SysExCmd = 0x6A // reply with mapping info
	SysExCapabilityQuery       SysExCmd = 0x6B // ask for supported modes and resolution of all pins
	SysExCapabilityResponse    SysExCmd = 0x6C // reply with supported modes and resolution
	SysExPinStateQuery         SysExCmd = 0x6D // ask for a pin's current mode and state
	SysExPinStateResponse      SysExCmd = 0x6E // reply with a pin's current mode and state
	SysExExtendedAnalog        SysExCmd = 0x6F // analog write (PWM, Servo, etc.) to any pin
	SysExServoConfig           SysExCmd = 0x70 // set max angle, minPulse, maxPulse, freq
	SysExStringData            SysExCmd = 0x71 // a string message with 14-bits per char
	SysExReportFirmware        SysExCmd = 0x79 // report name and version of the firmware
	SysExSamplingInterval      SysExCmd = 0x7A // the interval at which analog input is sampled (default = 19ms)
	SysExNonRealtime           SysExCmd = 0x7E // MIDI reserved for non-realtime messages
	SysExRealtime              SysExCmd = 0x7F // MIDI reserved for realtime messages
)

// Optional features
const (
	SysExSerialDataV1     SysExCmd = 0x60
	SysExEncoderData      SysExCmd = 0x61
	SysExAccelStepperData SysExCmd = 0x62
	SysExSerialDataV2     SysExCmd = 0x67
	SysExSPIData          SysExCmd = 0x68
	SysExStepperData      SysExCmd = 0x72
	SysExOneWireData      SysExCmd = 0x73
	SysExDHTSensorData    SysExCmd = 0x74
	SysExShiftData        SysExCmd = 0x75
	SysExI2CRequest       SysExCmd = 0x76
	SysExI2CReply         SysExCmd = 0x77
	SysExI2CConfig        SysExCmd = 0x78
	SysExSchedulerData    SysExCmd = 0x7B
	SysExFrequencyCommand SysExCmd = 0x7D
)

var sysExCmdNames = map[SysExCmd]string{
	SysExExtendedID:            "ExtendedID",
	SysExAnalogMappingQuery:    "AnalogMappingQuery",
	SysExAnalogMappingResponse: "AnalogMappingResponse",
	SysExCapabilityQuery:       "CapabilityQuery",
	SysExCapabilityResponse:    "CapabilityResponse",
	SysExPinStateQuery:         "PinStateQuery",
	SysExPinStateResponse:      "PinStateResponse",
	SysExExtendedAnalog:        "ExtendedAnalog",
	SysExServoConfig:           "ServoConfig",
	SysExStringData:            "StringData",
	SysExReportFirmware:        "ReportFirmware",
	SysExSamplingInterval:      "SamplingInterval",
	SysExNonRealtime:           "NonRealtime",
	SysExRealtime:              "Realtime",
	SysExSerialDataV1:          "SerialDataV1",
	SysExEncoderData:           "EncoderData",
	SysExAccelStepperData:      "AccelStepperData",
	SysExSerialDataV2:          "SerialDataV2",
	SysExSPIData:               "SPIData",
	SysExStepperData:           "StepperData",
	SysExOneWireData:           "OneWireData",
	SysExDHTSensorData:         "DHTSensorData",
	SysExShiftData:             "ShiftData",
	SysExI2CRequest:            "I2CRequest",
	SysExI2CReply:              "I2CReply",
	SysExI2CConfig:             "I2CConfig",
	SysExSchedulerData:         "SchedulerData",
	SysExFrequencyCommand:      "FrequencyCommand",
}

func (s SysExCmd) String() string {
	if v, ok := sysExCmdNames[s]; ok {
		return v
	}
	return fmt.Sprintf("Unknown(0x%02X)", uint8(s))
}

// I2C request mode bits (second byte of an I2C request)
const (
	I2CModeWrite          byte = 0x00
	I2CModeRead           byte = 0x08
	I2CModeReadContinuous byte = 0x10
	I2CModeStopReading    byte = 0x18
	I2CTenBitAddress      byte = 0x20
	I2CRestart            byte = 0x40
)

const (
	// CapabilityResponsePinDelimiter separates pins in a capability response and marks
	// "no channel" in an analog mapping response.
	CapabilityResponsePinDelimiter = 0x7F

	// MaxSysExSize bounds a single sysex frame; longer frames are discarded.
	MaxSysExSize = 1024

	// MaxAnalogValue is the largest value an analog message can carry (14 bits).
	MaxAnalogValue = 1<<14 - 1

	// MaxSamplingInterval is the largest sampling interval in milliseconds (14 bits).
	MaxSamplingInterval = 1<<14 - 1

	// NoAnalogChannel marks a pin without an analog channel.
	NoAnalogChannel = -1
)
