package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blefirmata/internal/transport"
)

var (
	ErrUnknownProfile         = errors.New("unknown BLE profile")
	ErrServiceNotFound        = errors.New("firmata service not found")
	ErrCharacteristicNotFound = errors.New("characteristic not found")
	ErrNotNotifiable          = errors.New("characteristic does not support notifications")
	ErrNotWritable            = errors.New("characteristic is not writable")
	ErrUnsupportedPlatform    = errors.New("BLE is not supported on this platform")
	ErrAlreadyConnected       = errors.New("device already connected")
)

// linkError ties a go-ble message fragment set to the sentinel the Firmata link
// reports. Every fragment must appear, case-insensitive.
type linkError struct {
	fragments []string
	sentinel  error
}

// First match wins: "already connected" must be tried before "not connected".
var linkErrors = []linkError{
	{[]string{"invalid state", "bluetooth turned on"}, transport.ErrBluetoothOff},
	{[]string{"bluetooth is turned off"}, transport.ErrBluetoothOff},
	{[]string{"powered off"}, transport.ErrBluetoothOff},
	{[]string{"already connected"}, ErrAlreadyConnected},
	{[]string{"not connected"}, transport.ErrNotConnected},
	{[]string{"connection is not initialized"}, transport.ErrNotConnected},
	{[]string{"disconnected"}, transport.ErrDeviceDisconnected},
	{[]string{"cccd not found"}, ErrNotNotifiable},
	{[]string{"characteristic", "not found"}, ErrCharacteristicNotFound},
	{[]string{"can't find characteristic"}, ErrCharacteristicNotFound},
	{[]string{"service", "not found"}, ErrServiceNotFound},
	{[]string{"write not permitted"}, ErrNotWritable},
}

// NormalizeError maps go-ble error strings met while opening or driving the UART
// link to transport and profile sentinels, keeping the original message. Errors
// that already wrap one of those sentinels pass through untouched.
func NormalizeError(err error) error {
	if err == nil || isLinkSentinel(err) {
		return err
	}

	msg := strings.ToLower(err.Error())
	for _, le := range linkErrors {
		if containsAll(msg, le.fragments) {
			return fmt.Errorf("%w: %v", le.sentinel, err)
		}
	}
	return err
}

func isLinkSentinel(err error) bool {
	for _, le := range linkErrors {
		if errors.Is(err, le.sentinel) {
			return true
		}
	}
	return false
}

func containsAll(msg string, fragments []string) bool {
	for _, f := range fragments {
		if !strings.Contains(msg, f) {
			return false
		}
	}
	return true
}
