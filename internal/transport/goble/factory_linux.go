//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates the host BLE device. Tests replace it.
//
//nolint:revive // exported for test overrides
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}
