// Package serial carries a Firmata byte stream over a USB/UART serial port.
package serial

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blefirmata/internal/transport"
	"github.com/tarm/serial"
)

// DefaultBaud is the StandardFirmata baud rate.
const DefaultBaud = 57600

type Options struct {
	Port        string
	Baud        int           `default:"57600"`
	ReadTimeout time.Duration `default:"100ms"`
}

// openPort opens the device. Tests replace it.
var openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(c)
}

// Transport implements transport.Transport over a serial port.
type Transport struct {
	port   io.ReadWriteCloser
	name   string
	logger *logrus.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)

func Open(opts Options, logger *logrus.Logger) (*Transport, error) {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	if strings.TrimSpace(opts.Port) == "" {
		return nil, fmt.Errorf("serial port name is empty")
	}

	logger.WithFields(logrus.Fields{
		"port": opts.Port,
		"baud": opts.Baud,
	}).Info("Opening serial port...")

	p, err := openPort(&serial.Config{
		Name:        opts.Port,
		Baud:        opts.Baud,
		ReadTimeout: opts.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %q: %w", opts.Port, err)
	}
	return &Transport{
		port:   p,
		name:   "serial:" + opts.Port,
		logger: logger,
	}, nil
}

// Read blocks until data arrives. Read timeouts of the port are retried until Close.
func (t *Transport) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if t.closed.Load() {
			return 0, transport.ErrClosed
		}
		n, err := t.port.Read(p)
		if n > 0 {
			return n, nil
		}
		switch {
		case t.closed.Load():
			return 0, transport.ErrClosed
		case err == nil, errors.Is(err, io.EOF):
			continue
		default:
			return 0, fmt.Errorf("%w: %w", transport.ErrDeviceDisconnected, err)
		}
	}
}

func (t *Transport) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed.Load() {
		return 0, transport.ErrClosed
	}
	n, err := t.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("failed to write to %s: %w", t.name, err)
	}
	return n, nil
}

// Close releases the port. It is safe to call more than once.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.logger.WithField("port", t.name).Debug("Serial transport closed")
	return t.port.Close()
}

func (t *Transport) Name() string {
	return t.name
}
