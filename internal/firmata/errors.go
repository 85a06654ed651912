package firmata

import "errors"

var (
	ErrDeviceDisconnected = errors.New("device disconnected")
	ErrClosed             = errors.New("client closed")
	ErrNotStarted         = errors.New("client not started")
	ErrAlreadyStarted     = errors.New("client already started")
	ErrTimeout            = errors.New("timeout waiting for reply")
	ErrValueOutOfRange    = errors.New("value is out of range")
	ErrUnknownPin         = errors.New("unknown pin")
	ErrUnknownPinMode     = errors.New("unknown pin mode")
	ErrUnsupportedMode    = errors.New("pin does not support mode")
	ErrMalformedReply     = errors.New("malformed reply")
)
