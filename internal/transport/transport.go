// Package transport defines the byte stream a Firmata client runs on.
//
// Implementations live in subpackages: goble for BLE UART-style services and serial for
// USB/UART ports.
package transport

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Transport is a byte stream to a board. Read blocks until data arrives, the transport
// is closed, or the link is lost.
type Transport interface {
	io.ReadWriteCloser
	Name() string
}

type Kind string

const (
	KindBLE    Kind = "ble"
	KindSerial Kind = "serial"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindBLE, KindSerial:
		return k, nil
	case "":
		return KindBLE, nil
	}
	return "", fmt.Errorf("unknown transport %q (want %q or %q)", s, KindBLE, KindSerial)
}

var (
	ErrClosed             = errors.New("transport closed")
	ErrDeviceDisconnected = errors.New("device disconnected")
	ErrNotConnected       = errors.New("device not connected")
	ErrBluetoothOff       = errors.New("bluetooth is turned off")
)
