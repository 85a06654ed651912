package firmata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blefirmata/internal/groutine"
)

const (
	DefaultQueryTimeout = 5 * time.Second
	DefaultEventBuffer  = 64
	readBufferSize      = 256
)

type Option func(*Client)

func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithQueryTimeout bounds every query. Zero leaves queries bounded only by their context.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Client) { c.queryTimeout = d }
}

// WithEventBuffer sets the default subscription buffer size.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}

type reply struct {
	value any
	err   error
}

type waiter struct {
	name  string
	match func(any) bool
	ch    chan reply
}

// Client speaks Firmata over a byte stream. Replies are decoded by a background reader
// started with Start; queries block until their reply arrives.
type Client struct {
	transport    io.ReadWriteCloser
	logger       *logrus.Logger
	queryTimeout time.Duration
	eventBuffer  int

	board   *Board
	decoder *Decoder

	writeMu sync.Mutex
	portMu  sync.Mutex // digital writes read and commit port masks

	mu      sync.Mutex
	waiters []*waiter
	started bool
	closing bool
	err     error

	done   chan struct{}
	group  groutine.Group
	subs   *hashmap.Map[uint64, *Subscription]
	nextID atomic.Uint64
}

func NewClient(transport io.ReadWriteCloser, opts ...Option) *Client {
	c := &Client{
		transport:    transport,
		logger:       logrus.New(),
		queryTimeout: DefaultQueryTimeout,
		eventBuffer:  DefaultEventBuffer,
		board:        NewBoard(),
		decoder:      NewDecoder(),
		done:         make(chan struct{}),
		subs:         hashmap.New[uint64, *Subscription](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the reader. The context only labels the goroutine; use Close to stop it.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.group.Go(ctx, "firmata-reader", c.readLoop)
	return nil
}

// Close stops the reader, closes the transport and fails pending queries with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	started := c.started
	c.mu.Unlock()

	err := c.transport.Close()
	if started {
		c.group.Wait()
	} else {
		c.terminate(ErrClosed)
	}
	return err
}

// Done is closed when the reader has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the reader stopped, or nil while it runs.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Board returns a snapshot of the device state.
func (c *Client) Board() BoardState {
	return c.board.Snapshot()
}

// Subscribe registers for unsolicited events. buffer <= 0 uses the client default.
func (c *Client) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = c.eventBuffer
	}
	s := &Subscription{
		id:     c.nextID.Add(1),
		client: c,
	}
	s.events = newEventChannel(buffer)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		if !errors.Is(c.err, ErrClosed) {
			s.deliver(DisconnectedEvent{Err: c.err})
		}
		s.events.Close()
		return s
	}
	c.subs.Set(s.id, s)
	subscriptions.Inc()
	return s
}

func (c *Client) removeSubscription(id uint64) {
	if c.subs.Del(id) {
		subscriptions.Dec()
	}
}

func (c *Client) readLoop(_ context.Context) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			bytesReceivedTotal.Add(float64(n))
			before := c.decoder.Stats()
			for _, m := range c.decoder.Feed(buf[:n]) {
				messagesTotal.WithLabelValues(m.Type().String()).Inc()
				c.handle(m)
			}
			after := c.decoder.Stats()
			if d := after.DiscardedBytes - before.DiscardedBytes; d > 0 {
				discardedBytesTotal.Add(float64(d))
				c.logger.WithField("bytes", d).Debug("Discarded bytes outside of any frame")
			}
			if d := after.DroppedFrames - before.DroppedFrames; d > 0 {
				droppedFramesTotal.Add(float64(d))
			}
		}
		if err != nil {
			c.terminate(c.readError(err))
			return
		}
	}
}

func (c *Client) readError(err error) error {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()

	switch {
	case closing:
		return ErrClosed
	case errors.Is(err, ErrDeviceDisconnected):
		return err
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, os.ErrClosed):
		return ErrDeviceDisconnected
	default:
		return fmt.Errorf("%w: %w", ErrDeviceDisconnected, err)
	}
}

// terminate records the terminal error once, fails every waiter and closes subscriptions.
func (c *Client) terminate(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		w.ch <- reply{err: err}
	}

	if errors.Is(err, ErrClosed) {
		c.logger.Debug("Firmata client closed")
	} else {
		c.logger.WithField("error", err).Warn("Firmata link lost")
	}

	c.subs.Range(func(id uint64, s *Subscription) bool {
		if !errors.Is(err, ErrClosed) {
			s.deliver(DisconnectedEvent{Err: err})
		}
		s.events.Close()
		c.removeSubscription(id)
		return true
	})
	close(c.done)
}

func (c *Client) emit(ev Event) {
	c.subs.Range(func(_ uint64, s *Subscription) bool {
		s.deliver(ev)
		return true
	})
}

// resolve hands value to the oldest waiter that accepts it.
func (c *Client) resolve(value any) bool {
	c.mu.Lock()
	var found *waiter
	for i, w := range c.waiters {
		if w.match(value) {
			found = w
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if found == nil {
		return false
	}
	found.ch <- reply{value: value}
	return true
}

func (c *Client) handle(m Message) {
	switch msg := m.(type) {
	case ProtocolVersionMessage:
		c.board.SetProtocolVersion(msg.Major, msg.Minor)
		c.resolve(msg)
	case DigitalPortMessage:
		for _, p := range c.board.ApplyDigitalPort(msg.Port, msg.Mask) {
			c.emit(PinValueEvent{Pin: p})
		}
	case AnalogChannelMessage:
		if p, ok := c.board.ApplyAnalog(msg.Channel, msg.Value); ok {
			c.emit(PinValueEvent{Pin: p, Analog: true})
		}
	case SysExMessage:
		c.handleSysEx(msg)
	}
}

func (c *Client) handleSysEx(msg SysExMessage) {
	var err error
	switch msg.Cmd {
	case SysExReportFirmware:
		var f FirmwareReport
		if f, err = ParseFirmwareReport(msg.Data); err == nil {
			c.board.SetFirmware(f)
			c.resolve(f)
			c.emit(FirmwareEvent{Firmware: f})
		}
	case SysExCapabilityResponse:
		var r CapabilityResponse
		if r, err = ParseCapabilityResponse(msg.Data); err == nil {
			c.board.ApplyCapabilities(r)
			c.logger.WithField("pins", c.board.PinCount()).Debug("Capabilities received")
			c.resolve(r)
		}
	case SysExAnalogMappingResponse:
		r := ParseAnalogMappingResponse(msg.Data)
		c.board.ApplyAnalogMapping(r)
		c.resolve(r)
	case SysExPinStateResponse:
		var r PinStateResponse
		if r, err = ParsePinStateResponse(msg.Data); err == nil {
			c.board.ApplyPinState(r)
			c.resolve(r)
		}
	case SysExI2CReply:
		var r I2CReply
		if r, err = ParseI2CReply(msg.Data); err == nil {
			c.resolve(r)
			c.emit(I2CReplyEvent{Reply: r})
		}
	case SysExStringData:
		c.emit(StringEvent{Text: ParseStringData(msg.Data)})
	default:
		c.logger.WithFields(logrus.Fields{
			"command": msg.Cmd.String(),
			"bytes":   len(msg.Data),
		}).Debug("Unhandled sysex")
		c.emit(SysExEvent{Message: msg})
	}

	if err != nil {
		parseErrorsTotal.WithLabelValues(msg.Cmd.String()).Inc()
		c.logger.WithFields(logrus.Fields{
			"command": msg.Cmd.String(),
			"error":   err,
		}).Warn("Failed to parse sysex reply")
	}
}

func (c *Client) checkUsable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.err != nil:
		return c.err
	case c.closing:
		return ErrClosed
	case !c.started:
		return ErrNotStarted
	}
	return nil
}

func (c *Client) write(frame []byte) error {
	if err := c.checkUsable(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, err := c.transport.Write(frame)
	bytesSentTotal.Add(float64(n))
	if err != nil {
		return fmt.Errorf("failed to write %d bytes: %w", len(frame), err)
	}
	return nil
}

func (c *Client) addWaiter(name string, match func(any) bool) (*waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.err != nil:
		return nil, c.err
	case c.closing:
		return nil, ErrClosed
	case !c.started:
		return nil, ErrNotStarted
	}
	w := &waiter{name: name, match: match, ch: make(chan reply, 1)}
	c.waiters = append(c.waiters, w)
	return w, nil
}

func (c *Client) removeWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// query sends frame and waits for the first reply of type T accepted by match.
func query[T any](ctx context.Context, c *Client, name string, frame []byte, match func(T) bool) (T, error) {
	var zero T

	w, err := c.addWaiter(name, func(v any) bool {
		t, ok := v.(T)
		return ok && (match == nil || match(t))
	})
	if err != nil {
		return zero, err
	}
	if err := c.write(frame); err != nil {
		c.removeWaiter(w)
		queriesTotal.WithLabelValues(name, "error").Inc()
		return zero, err
	}

	if c.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
	}

	select {
	case r := <-w.ch:
		if r.err != nil {
			queriesTotal.WithLabelValues(name, "error").Inc()
			return zero, r.err
		}
		queriesTotal.WithLabelValues(name, "ok").Inc()
		return r.value.(T), nil
	case <-ctx.Done():
		c.removeWaiter(w)
		// the reply may have raced the deadline
		select {
		case r := <-w.ch:
			if r.err == nil {
				queriesTotal.WithLabelValues(name, "ok").Inc()
				return r.value.(T), nil
			}
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			queriesTotal.WithLabelValues(name, "timeout").Inc()
			c.logger.WithField("query", name).Debug("Query timed out")
			return zero, fmt.Errorf("%w: %s", ErrTimeout, name)
		}
		queriesTotal.WithLabelValues(name, "canceled").Inc()
		return zero, ctx.Err()
	}
}

func sysexQuery(cmd SysExCmd, payload ...byte) []byte {
	frame, err := EncodeSysEx(cmd, payload...)
	if err != nil {
		panic(err)
	}
	return frame
}

func (c *Client) QueryProtocolVersion(ctx context.Context) (ProtocolVersionMessage, error) {
	return query[ProtocolVersionMessage](ctx, c, "protocol_version", EncodeProtocolVersionQuery(), nil)
}

func (c *Client) QueryFirmware(ctx context.Context) (FirmwareReport, error) {
	return query[FirmwareReport](ctx, c, "firmware", sysexQuery(SysExReportFirmware), nil)
}

func (c *Client) QueryCapabilities(ctx context.Context) (CapabilityResponse, error) {
	return query[CapabilityResponse](ctx, c, "capabilities", sysexQuery(SysExCapabilityQuery), nil)
}

func (c *Client) QueryAnalogMapping(ctx context.Context) (AnalogMappingResponse, error) {
	return query[AnalogMappingResponse](ctx, c, "analog_mapping", sysexQuery(SysExAnalogMappingQuery), nil)
}

func (c *Client) QueryPinState(ctx context.Context, pin uint8) (PinStateResponse, error) {
	if err := c.checkPinKnown(pin); err != nil {
		return PinStateResponse{}, err
	}
	return query(ctx, c, "pin_state", sysexQuery(SysExPinStateQuery, pin), func(r PinStateResponse) bool {
		return r.Pin == pin
	})
}

// checkPinKnown validates pin against the capability report, when there is one.
func (c *Client) checkPinKnown(pin uint8) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	if !c.board.HasCapabilities() {
		return nil
	}
	if _, ok := c.board.Pin(pin); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPin, pin)
	}
	return nil
}

func (c *Client) checkPinSupports(pin uint8, modes ...PinMode) error {
	if err := c.checkPinKnown(pin); err != nil {
		return err
	}
	p, ok := c.board.Pin(pin)
	if !ok {
		return nil
	}
	for _, m := range modes {
		if p.Supports(m) {
			return nil
		}
	}
	return fmt.Errorf("%w: pin %d does not support %v", ErrUnsupportedMode, pin, modes)
}

func (c *Client) SetPinMode(pin uint8, mode PinMode) error {
	if mode != PinModeIgnore {
		if err := c.checkPinSupports(pin, mode); err != nil {
			return err
		}
	}
	frame, err := EncodeSetPinMode(pin, mode)
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return err
	}
	c.board.SetMode(pin, mode)
	c.logger.WithFields(logrus.Fields{"pin": pin, "mode": mode.String()}).Debug("Pin mode set")
	return nil
}

// DigitalWrite sets one output pin by sending the whole port it belongs to. The other
// bits come from what the board model knows about the port; the model only changes once
// the frame was written.
func (c *Client) DigitalWrite(pin uint8, value bool) error {
	if err := c.checkPinKnown(pin); err != nil {
		return err
	}
	c.portMu.Lock()
	defer c.portMu.Unlock()

	port, mask := c.board.PortWithValue(pin, value)
	frame, err := EncodeDigitalPort(port, mask)
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return err
	}
	c.board.SetDigitalValue(pin, value)
	return nil
}

// SetDigitalPinValue sets one output pin without touching the rest of its port.
func (c *Client) SetDigitalPinValue(pin uint8, value bool) error {
	if err := c.checkPinKnown(pin); err != nil {
		return err
	}
	frame, err := EncodeSetDigitalPinValue(pin, value)
	if err != nil {
		return err
	}
	c.portMu.Lock()
	defer c.portMu.Unlock()
	if err := c.write(frame); err != nil {
		return err
	}
	c.board.SetDigitalValue(pin, value)
	return nil
}

// AnalogWrite sets a PWM or servo pin. Pins 0-15 with 14-bit values use an analog
// message, everything else goes through extended analog.
func (c *Client) AnalogWrite(pin uint8, value int) error {
	if err := c.checkPinSupports(pin, PinModePWM, PinModeServo); err != nil {
		return err
	}
	var (
		frame []byte
		err   error
	)
	if pin <= 0x0F && value >= 0 && value <= MaxAnalogValue {
		frame, err = EncodeAnalogMessage(pin, uint16(value))
	} else {
		frame, err = EncodeExtendedAnalog(pin, value)
	}
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return err
	}
	c.board.SetAnalogValue(pin, value)
	return nil
}

func (c *Client) ReportAnalog(channel uint8, enable bool) error {
	frame, err := EncodeReportAnalog(channel, enable)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Client) ReportDigital(port uint8, enable bool) error {
	frame, err := EncodeReportDigital(port, enable)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Client) SetSamplingInterval(interval time.Duration) error {
	ms := interval.Milliseconds()
	if ms < 0 || ms > MaxSamplingInterval {
		return fmt.Errorf("%w: interval %s", ErrValueOutOfRange, interval)
	}
	frame, err := EncodeSamplingInterval(uint16(ms))
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Client) SendString(s string) error {
	frame, err := EncodeStringData(s)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Client) ServoConfig(pin uint8, minPulse, maxPulse uint16) error {
	if err := c.checkPinSupports(pin, PinModeServo); err != nil {
		return err
	}
	frame, err := EncodeServoConfig(pin, minPulse, maxPulse)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Client) I2CConfig(delay time.Duration) error {
	us := delay.Microseconds()
	if us < 0 || us > MaxAnalogValue {
		return fmt.Errorf("%w: delay %s", ErrValueOutOfRange, delay)
	}
	frame, err := EncodeI2CConfig(uint16(us))
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Client) I2CWrite(address uint8, data []byte) error {
	frame, err := EncodeI2CRequest(address, I2CModeWrite, data)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// I2CRead requests n bytes from address, starting at register unless it is negative,
// and waits for the reply.
func (c *Client) I2CRead(ctx context.Context, address uint8, register int, n uint16) (I2CReply, error) {
	frame, err := EncodeI2CReadRequest(address, register, n)
	if err != nil {
		return I2CReply{}, err
	}
	return query(ctx, c, "i2c_read", frame, func(r I2CReply) bool {
		return r.Address == address
	})
}

func (c *Client) SystemReset() error {
	return c.write(EncodeSystemReset())
}

// SendSysEx sends a raw sysex command. Replies show up as SysExEvent.
func (c *Client) SendSysEx(cmd SysExCmd, payload ...byte) error {
	frame, err := EncodeSysEx(cmd, payload...)
	if err != nil {
		return err
	}
	return c.write(frame)
}
