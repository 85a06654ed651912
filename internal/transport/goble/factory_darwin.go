//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory creates the host BLE device. Tests replace it.
//
//nolint:revive // exported for test overrides
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}
