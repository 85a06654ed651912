// Package bridge exposes a board transport as a pseudo-terminal so host tools that only
// know serial ports (Firmata test apps, Johnny-Five, pyFirmata) can drive a BLE board.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blefirmata/internal/groutine"
	"github.com/srg/blefirmata/internal/metrics"
	"github.com/srg/blefirmata/internal/ptyio"
	"github.com/srg/blefirmata/internal/transport"
)

const (
	PhaseSettingUp = "Setting up PTY"
	PhaseRunning   = "Running"
	PhaseFailed    = "Failed"
)

var (
	toDeviceBytes   = metrics.MustRegisterCounter("bridge", "to_device_bytes_total", "Bytes forwarded from the PTY to the board")
	fromDeviceBytes = metrics.MustRegisterCounter("bridge", "from_device_bytes_total", "Bytes forwarded from the board to the PTY")
	forwardErrors   = metrics.MustRegisterCounterVec("bridge", "forward_errors_total", "Forwarding failures by direction", "direction")
)

// Bridge is a running PTY bridge.
type Bridge interface {
	TTYName() string    // slave device path
	TTYSymlink() string // symlink path, empty if none was requested
	Transport() transport.Transport
	Stats() ptyio.Stats
	Done() <-chan struct{} // closed when the transport stops delivering data
	Err() error            // the transport error once Done is closed
}

// Options configures a bridge. Transport is required and is closed when Run returns.
type Options struct {
	Transport          transport.Transport
	TTYSymlinkPath     string
	PtyReadBufferSize  int `default:"4096"`
	PtyWriteBufferSize int `default:"4096"`
	Logger             *logrus.Logger
}

// ProgressCallback is called when the bridge phase changes.
type ProgressCallback func(phase string)

// Callback is executed with the running bridge.
type Callback[R any] func(Bridge) (R, error)

type bridgeImpl struct {
	tr      transport.Transport
	pty     ptyio.PTY
	symlink string
	logger  *logrus.Logger

	done    chan struct{}
	errOnce sync.Once
	err     error
}

func (b *bridgeImpl) TTYName() string                 { return b.pty.TTYName() }
func (b *bridgeImpl) TTYSymlink() string              { return b.symlink }
func (b *bridgeImpl) Transport() transport.Transport { return b.tr }
func (b *bridgeImpl) Stats() ptyio.Stats              { return b.pty.Stats() }
func (b *bridgeImpl) Done() <-chan struct{}           { return b.done }

func (b *bridgeImpl) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

func (b *bridgeImpl) stop(err error) {
	b.errOnce.Do(func() {
		b.err = err
		close(b.done)
	})
}

// toDevice forwards bytes the host tool wrote to the slave.
func (b *bridgeImpl) toDevice(data []byte) {
	n, err := b.tr.Write(data)
	toDeviceBytes.Add(float64(n))
	if err != nil {
		forwardErrors.WithLabelValues("to_device").Inc()
		b.logger.WithError(err).WithField("pending", len(data)-n).Warn("Failed to forward PTY data to device")
		if errors.Is(err, transport.ErrDeviceDisconnected) || errors.Is(err, transport.ErrClosed) {
			b.stop(err)
		}
	}
}

// fromDevice copies transport output to the PTY until the transport fails.
func (b *bridgeImpl) fromDevice(ctx context.Context) {
	buf := make([]byte, 1024)
	for ctx.Err() == nil {
		n, err := b.tr.Read(buf)
		if n > 0 {
			queued, _ := b.pty.Write(buf[:n])
			fromDeviceBytes.Add(float64(queued))
			if queued < n {
				forwardErrors.WithLabelValues("from_device").Inc()
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				b.logger.WithError(err).Warn("Device stream ended")
			}
			b.stop(err)
			return
		}
	}
}

// Run creates a PTY for opts.Transport, forwards bytes both ways and executes callback
// with the running bridge. Everything is torn down when callback returns.
func Run[R any](ctx context.Context, opts *Options, progress ProgressCallback, callback Callback[R]) (R, error) {
	var zero R

	if opts == nil || opts.Transport == nil {
		return zero, fmt.Errorf("failed to execute bridge: transport is required")
	}
	defaults.SetDefaults(opts)
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progress == nil {
		progress = func(string) {}
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		pty     ptyio.PTY
		symlink string
		pumps   groutine.Group
	)
	defer func() {
		// symlink goes before the PTY it points to
		if symlink != "" {
			if err := os.Remove(symlink); err != nil {
				logger.WithError(err).WithField("ttySymlink", symlink).Warn("Failed to remove tty symlink")
			} else {
				logger.WithField("ttySymlink", symlink).Debug("Removed tty symlink")
			}
		}
		if pty != nil {
			pty.SetReadCallback(nil)
		}
		cancel()
		// closing the transport releases a blocked Read in the pump
		if err := opts.Transport.Close(); err != nil {
			logger.WithError(err).Debug("Transport close failed")
		}
		pumps.Wait()
		if pty != nil {
			_ = pty.Close()
		}
	}()

	progress(PhaseSettingUp)

	var err error
	pty, err = ptyio.New(ptyio.Options{
		ReadCap:  opts.PtyReadBufferSize,
		WriteCap: opts.PtyWriteBufferSize,
		Logger:   logger,
		OnError: func(err error) {
			logger.WithError(err).Error("PTY I/O failed")
		},
	})
	if err != nil {
		progress(PhaseFailed)
		return zero, err
	}
	logger.WithField("tty", pty.TTYName()).Info("Created PTY device")

	if opts.TTYSymlinkPath != "" {
		if err := os.Symlink(pty.TTYName(), opts.TTYSymlinkPath); err != nil {
			progress(PhaseFailed)
			return zero, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.TTYSymlinkPath, pty.TTYName(), err)
		}
		symlink = opts.TTYSymlinkPath
		logger.WithFields(logrus.Fields{
			"ttySymlink": symlink,
			"target":     pty.TTYName(),
		}).Info("Created PTY symlink")
	}

	b := &bridgeImpl{
		tr:      opts.Transport,
		pty:     pty,
		symlink: symlink,
		logger:  logger,
		done:    make(chan struct{}),
	}
	pty.SetReadCallback(b.toDevice)
	pumps.Go(bridgeCtx, "bridge-from-device", b.fromDevice)

	progress(PhaseRunning)
	logger.WithFields(logrus.Fields{
		"tty":       pty.TTYName(),
		"transport": opts.Transport.Name(),
	}).Info("Bridge running")

	return callback(b)
}

// Serve runs the bridge until ctx is cancelled or the device stream ends. Cancellation is a
// clean exit.
func Serve(ctx context.Context, opts *Options, progress ProgressCallback, ready func(Bridge)) error {
	_, err := Run(ctx, opts, progress, func(b Bridge) (struct{}, error) {
		if ready != nil {
			ready(b)
		}
		select {
		case <-ctx.Done():
			return struct{}{}, nil
		case <-b.Done():
			return struct{}{}, fmt.Errorf("bridge stopped: %w", b.Err())
		}
	})
	return err
}
