//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
)

// DeviceFactory creates the host BLE device. Tests replace it.
//
//nolint:revive // exported for test overrides
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, runtime.GOOS)
}
