package firmata

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type PinMode uint8

const (
	PinModeInput   PinMode = 0x00
	PinModeOutput  PinMode = 0x01
	PinModeAnalog  PinMode = 0x02
	PinModePWM     PinMode = 0x03
	PinModeServo   PinMode = 0x04
	PinModeShift   PinMode = 0x05
	PinModeI2C     PinMode = 0x06
	PinModeOneWire PinMode = 0x07
	PinModeStepper PinMode = 0x08
	PinModeEncoder PinMode = 0x09
	PinModeSerial  PinMode = 0x0A
	PinModePullUp  PinMode = 0x0B
	PinModeSPI     PinMode = 0x0C
	PinModeSonar   PinMode = 0x0D
	PinModeTone    PinMode = 0x0E
	PinModeDHT     PinMode = 0x0F
	PinModeIgnore  PinMode = 0x7F
	PinModeUnknown PinMode = 0xFF
)

// pinModeOrder fixes the display order of modes.
var pinModeOrder = []PinMode{
	PinModeInput,
	PinModeOutput,
	PinModeAnalog,
	PinModePWM,
	PinModeServo,
	PinModeShift,
	PinModeI2C,
	PinModeOneWire,
	PinModeStepper,
	PinModeEncoder,
	PinModeSerial,
	PinModePullUp,
	PinModeSPI,
	PinModeSonar,
	PinModeTone,
	PinModeDHT,
	PinModeIgnore,
}

var pinModeNames = map[PinMode]string{
	PinModeInput:   "input",
	PinModeOutput:  "output",
	PinModeAnalog:  "analog",
	PinModePWM:     "pwm",
	PinModeServo:   "servo",
	PinModeShift:   "shift",
	PinModeI2C:     "i2c",
	PinModeOneWire: "onewire",
	PinModeStepper: "stepper",
	PinModeEncoder: "encoder",
	PinModeSerial:  "serial",
	PinModePullUp:  "pullup",
	PinModeSPI:     "spi",
	PinModeSonar:   "sonar",
	PinModeTone:    "tone",
	PinModeDHT:     "dht",
	PinModeIgnore:  "ignore",
	PinModeUnknown: "unknown",
}

func (p PinMode) String() string {
	if v, ok := pinModeNames[p]; ok {
		return v
	}
	return fmt.Sprintf("mode(0x%02X)", uint8(p))
}

// ParsePinMode accepts a mode name (case-insensitive) or its numeric value.
func ParsePinMode(s string) (PinMode, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for mode, n := range pinModeNames {
		if n == name && mode != PinModeUnknown {
			return mode, nil
		}
	}

	if v, err := strconv.ParseUint(name, 0, 8); err == nil && v <= 0x7F {
		return PinMode(v), nil
	}

	return PinModeUnknown, fmt.Errorf("%w: %q", ErrUnknownPinMode, s)
}

// SortPinModes orders modes for display. Modes without a name sort last by value.
func SortPinModes(modes map[PinMode]uint8) []PinMode {
	result := make([]PinMode, 0, len(modes))
	for _, mode := range pinModeOrder {
		if _, ok := modes[mode]; ok {
			result = append(result, mode)
		}
	}
	var unnamed []PinMode
	for mode := range modes {
		if _, ok := pinModeNames[mode]; !ok {
			unnamed = append(unnamed, mode)
		}
	}
	sort.Slice(unnamed, func(i, j int) bool { return unnamed[i] < unnamed[j] })
	return append(result, unnamed...)
}
