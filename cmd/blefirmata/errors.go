package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blefirmata/internal/firmata"
	"github.com/srg/blefirmata/internal/transport"
	"github.com/srg/blefirmata/internal/transport/goble"
)

// ErrConnectionLost means the board went away while a command was using it.
var ErrConnectionLost = errors.New("connection lost")

// FormatUserError turns known failures into a one-line hint. Unknown errors are printed
// as they are.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, transport.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable; enable it and try again"
	case errors.Is(err, goble.ErrUnsupportedPlatform):
		return "BLE is not supported on this platform; use --transport serial"
	case errors.Is(err, goble.ErrServiceNotFound):
		return fmt.Sprintf("%v (is this a Firmata board? try --profile auto)", err)
	case errors.Is(err, firmata.ErrTimeout):
		return fmt.Sprintf("%v (the board did not answer; check the firmware and baud rate)", err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("%v (timed out)", err)
	case errors.Is(err, ErrConnectionLost),
		errors.Is(err, transport.ErrDeviceDisconnected),
		errors.Is(err, firmata.ErrDeviceDisconnected):
		return fmt.Sprintf("%v (the board disconnected)", err)
	}
	return err.Error()
}
