// Package ptyio wraps a pseudo-terminal master in ring buffers so a board link can be
// exposed to tools that only speak to serial devices.
//
//	p, err := ptyio.New(ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	p.SetReadCallback(func(data []byte) { link.Write(data) })
//	fmt.Println("serial device:", p.TTYName())
//
// Writes are queued and never block; when the queue is full the excess is dropped and
// counted. Reads are non-blocking and return syscall.EAGAIN when nothing is buffered.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blefirmata/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrorCallback is invoked once per loop when a background loop dies.
type ErrorCallback func(err error)

// ReadCallback receives bytes written by the PTY slave. The slice is only valid for the
// duration of the call.
type ReadCallback func(data []byte)

type Options struct {
	ReadCap     int           `default:"4096"`
	WriteCap    int           `default:"4096"`
	PollTimeout time.Duration `default:"50ms"`
	Logger      *logrus.Logger
	OnError     ErrorCallback
}

// PTY is a non-blocking pseudo-terminal master.
type PTY interface {
	io.ReadWriteCloser
	Stats() Stats
	TTYName() string
	SetReadCallback(cb ReadCallback)
}

// Stats provides runtime counters useful for monitoring/backpressure.
type Stats struct {
	WriteQueueLen     int
	WriteQueueCap     int
	ReadQueueLen      int
	ReadQueueCap      int
	DroppedWriteCount uint64
	DroppedReadCount  uint64
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ringPTY struct {
	logger      *logrus.Logger
	master      *os.File
	masterFd    int32
	slave       *os.File
	ttyName     string
	pollTimeout int // ms
	onError     ErrorCallback
	errOnce     sync.Once

	writeBuf *ringbuffer.RingBuffer
	readBuf  *ringbuffer.RingBuffer

	ctx    context.Context
	cancel context.CancelFunc
	group  groutine.Group

	readCb     atomic.Pointer[ReadCallback]
	readNotify chan struct{}
	closed     atomic.Bool

	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	readBytes    atomic.Uint64
	writeBytes   atomic.Uint64
}

// New opens a PTY pair in raw mode and starts its I/O loops.
func New(opts Options) (PTY, error) {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}

	master, slave, fd, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:      opts.Logger,
		master:      master,
		masterFd:    fd,
		slave:       slave,
		ttyName:     slave.Name(),
		pollTimeout: int(opts.PollTimeout / time.Millisecond),
		onError:     opts.OnError,
		writeBuf:    ringbuffer.New(opts.WriteCap),
		readBuf:     ringbuffer.New(opts.ReadCap),
		ctx:         ctx,
		cancel:      cancel,
		readNotify:  make(chan struct{}, 1),
	}

	p.group.Go(ctx, "pty-read-loop", func(context.Context) { p.readLoop() })
	p.group.Go(ctx, "pty-write-loop", func(context.Context) { p.writeLoop() })
	p.group.Go(ctx, "pty-dispatcher", func(context.Context) { p.dispatch() })
	return p, nil
}

// openRaw creates the pair, puts the slave in raw mode and the master in non-blocking
// mode. The master descriptor is returned because File.Fd resets it to blocking.
func openRaw() (*os.File, *os.File, int32, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}
	fail := func(step string, err error) (*os.File, *os.File, int32, error) {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, 0, fmt.Errorf("failed to set %s on %s: %w", step, slave.Name(), err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("raw mode", err)
	}
	fd := int(master.Fd())
	if err := syscall.SetNonblock(fd, true); err != nil {
		return fail("non-blocking mode", err)
	}
	return master, slave, int32(fd), nil
}

func (p *ringPTY) fail(loop string, err error) {
	p.logger.WithError(err).Warnf("PTY %s exiting", loop)
	if p.onError != nil {
		p.errOnce.Do(func() { p.onError(fmt.Errorf("%s: %w", loop, err)) })
	}
}

func (p *ringPTY) poll(fds []unix.PollFd) int {
	n, err := unix.Poll(fds, p.pollTimeout)
	if err != nil && !errors.Is(err, syscall.EINTR) {
		p.logger.WithError(err).Debug("PTY poll failed")
	}
	return n
}

func (p *ringPTY) writeLoop() {
	master := p.master
	fds := []unix.PollFd{{Fd: p.masterFd, Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		if p.writeBuf.IsEmpty() {
			// idle
			time.Sleep(time.Duration(p.pollTimeout) * time.Millisecond / 5)
			continue
		}
		n, _ := p.writeBuf.TryRead(buf)
		for off := 0; off < n; {
			written, err := master.Write(buf[off:n])
			if written > 0 {
				off += written
				p.writeBytes.Add(uint64(written))
			}
			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				p.poll(fds)
				if p.ctx.Err() != nil {
					return
				}
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			default:
				p.fail("write loop", err)
				return
			}
		}
	}
}

func (p *ringPTY) readLoop() {
	master := p.master
	fds := []unix.PollFd{{Fd: p.masterFd, Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	p.logger.WithField("tty", p.ttyName).Debug("PTY read loop started")
	for p.ctx.Err() == nil {
		if p.poll(fds) <= 0 {
			continue
		}
		n, err := master.Read(buf)
		if n > 0 {
			written, _ := p.readBuf.Write(buf[:n])
			if written < n {
				p.droppedRead.Add(uint64(n - written))
				p.logger.WithFields(logrus.Fields{
					"dropped":  n - written,
					"received": n,
				}).Warn("PTY read buffer overflow")
			}
			p.readBytes.Add(uint64(written))
			if written > 0 {
				select {
				case p.readNotify <- struct{}{}:
				default:
				}
			}
		}
		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF), errors.Is(err, io.EOF):
			return
		case errors.Is(err, syscall.EIO):
			// no slave open yet on Linux; keep waiting
			time.Sleep(time.Duration(p.pollTimeout) * time.Millisecond)
		default:
			p.fail("read loop", err)
			return
		}
	}
}

// dispatch hands buffered slave output to the read callback.
func (p *ringPTY) dispatch() {
	tmp := make([]byte, 4096)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.readNotify:
		}
		for p.ctx.Err() == nil {
			cb := p.readCb.Load()
			if cb == nil {
				break
			}
			n, _ := p.readBuf.TryRead(tmp)
			if n == 0 {
				break
			}
			if !p.invoke(*cb, tmp[:n]) {
				break
			}
		}
	}
}

// invoke runs cb and unregisters it if it panics.
func (p *ringPTY) invoke(cb ReadCallback, data []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.readCb.Store(nil)
			p.fail("read callback", fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()
	cb(data)
	return true
}

// Write queues data for the slave without blocking. It returns the number of bytes
// queued, which is less than len(data) when the queue overflowed.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	written, _ := p.writeBuf.Write(data)
	if written < len(data) {
		p.droppedWrite.Add(uint64(len(data) - written))
		p.logger.WithFields(logrus.Fields{
			"dropped": len(data) - written,
			"queued":  written,
		}).Warn("PTY write buffer overflow")
	}
	return written, nil
}

// Read returns buffered slave output, or syscall.EAGAIN when there is none.
func (p *ringPTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, _ := p.readBuf.TryRead(b)
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

// SetReadCallback registers cb for slave output; nil unregisters. Data already buffered
// is delivered to the new callback.
func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if p.closed.Load() {
		return
	}
	if cb == nil {
		p.readCb.Store(nil)
		return
	}
	p.readCb.Store(&cb)
	select {
	case p.readNotify <- struct{}{}:
	default:
	}
}

// Close stops the loops and closes both ends.
func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-wait-close", func(context.Context) {
		p.group.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Duration(p.pollTimeout)*time.Millisecond*3 + time.Second):
		p.logger.WithField("tty", p.ttyName).Error("PTY loops did not exit in time")
	}
	return errors.Join(errs...)
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     p.writeBuf.Length(),
		WriteQueueCap:     p.writeBuf.Capacity(),
		ReadQueueLen:      p.readBuf.Length(),
		ReadQueueCap:      p.readBuf.Capacity(),
		DroppedWriteCount: p.droppedWrite.Load(),
		DroppedReadCount:  p.droppedRead.Load(),
		ReadBytesTotal:    p.readBytes.Load(),
		WriteBytesTotal:   p.writeBytes.Load(),
	}
}

// TTYName returns the slave device path, e.g. /dev/pts/5.
func (p *ringPTY) TTYName() string {
	return p.ttyName
}
