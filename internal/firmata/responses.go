package firmata

import (
	"bytes"
	"fmt"
	"sort"
)

type FirmwareReport struct {
	Major uint8
	Minor uint8
	Name  string
}

func (f FirmwareReport) String() string {
	if f.Name == "" {
		return fmt.Sprintf("%d.%d", f.Major, f.Minor)
	}
	return fmt.Sprintf("%s %d.%d", f.Name, f.Major, f.Minor)
}

func ParseFirmwareReport(data []byte) (FirmwareReport, error) {
	if len(data) < 2 {
		return FirmwareReport{}, fmt.Errorf("%w: firmware report has %d bytes", ErrMalformedReply, len(data))
	}
	return FirmwareReport{
		Major: data[0],
		Minor: data[1],
		Name:  TwoByteString(data[2:]),
	}, nil
}

// CapabilityResponse lists, per pin, the supported modes and their resolution in bits.
type CapabilityResponse struct {
	SupportedPinModes []map[PinMode]uint8
}

// ParseCapabilityResponse splits the reply at pin delimiters. A missing trailing
// delimiter is tolerated.
func ParseCapabilityResponse(data []byte) (CapabilityResponse, error) {
	response := CapabilityResponse{}
	current := map[PinMode]uint8{}
	open := false

	for i := 0; i < len(data); {
		if data[i] == CapabilityResponsePinDelimiter {
			response.SupportedPinModes = append(response.SupportedPinModes, current)
			current = map[PinMode]uint8{}
			open = false
			i++
			continue
		}
		if i+1 >= len(data) {
			return response, fmt.Errorf("%w: capability mode 0x%02X without resolution", ErrMalformedReply, data[i])
		}
		current[PinMode(data[i])] = data[i+1]
		open = true
		i += 2
	}
	if open {
		response.SupportedPinModes = append(response.SupportedPinModes, current)
	}
	return response, nil
}

func (c CapabilityResponse) String() string {
	str := bytes.Buffer{}
	for pin, modeMap := range c.SupportedPinModes {
		_, _ = fmt.Fprintf(&str, "pin %2d: [", pin)
		for i, mode := range SortPinModes(modeMap) {
			if i > 0 {
				str.WriteString(", ")
			}
			_, _ = fmt.Fprintf(&str, "%s: %d", mode, modeMap[mode])
		}
		str.WriteString("]\n")
	}
	return str.String()
}

// AnalogMappingResponse maps analog channels to pin numbers.
type AnalogMappingResponse struct {
	ChannelToPin map[uint8]uint8
	PinCount     int
}

// ParseAnalogMappingResponse reads one byte per pin: the analog channel of that pin or
// 0x7F when the pin has no analog channel.
func ParseAnalogMappingResponse(data []byte) AnalogMappingResponse {
	response := AnalogMappingResponse{
		ChannelToPin: make(map[uint8]uint8),
		PinCount:     len(data),
	}
	for pin, channel := range data {
		if channel != CapabilityResponsePinDelimiter {
			response.ChannelToPin[channel] = uint8(pin)
		}
	}
	return response
}

// Channels returns mapped channels in ascending order.
func (a AnalogMappingResponse) Channels() []uint8 {
	channels := make([]uint8, 0, len(a.ChannelToPin))
	for ch := range a.ChannelToPin {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	return channels
}

func (a AnalogMappingResponse) String() string {
	str := bytes.Buffer{}
	for _, ch := range a.Channels() {
		_, _ = fmt.Fprintf(&str, "A%d: %d\n", ch, a.ChannelToPin[ch])
	}
	return str.String()
}

type PinStateResponse struct {
	Pin   uint8
	Mode  PinMode
	State int
}

func ParsePinStateResponse(data []byte) (PinStateResponse, error) {
	if len(data) < 2 {
		return PinStateResponse{}, fmt.Errorf("%w: pin state has %d bytes", ErrMalformedReply, len(data))
	}
	return PinStateResponse{
		Pin:   data[0],
		Mode:  PinMode(data[1]),
		State: JoinSevenBit(data[2:]),
	}, nil
}

func (p PinStateResponse) String() string {
	return fmt.Sprintf("pin(%d) mode(%s) state(%d)", p.Pin, p.Mode, p.State)
}

type I2CReply struct {
	Address  uint8
	Register uint16
	Data     []byte
}

func ParseI2CReply(data []byte) (I2CReply, error) {
	if len(data) < 4 {
		return I2CReply{}, fmt.Errorf("%w: i2c reply has %d bytes", ErrMalformedReply, len(data))
	}
	return I2CReply{
		Address:  TwoByteToByte(data[0], data[1]),
		Register: TwoByteToUint14(data[2], data[3]),
		Data:     TwoByteRepresentationToByteSlice(data[4:]),
	}, nil
}

// ParseStringData decodes a STRING_DATA payload.
func ParseStringData(data []byte) string {
	return TwoByteString(data)
}
