// Package goble carries a Firmata byte stream over a BLE UART-style GATT service.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blefirmata/internal/groutine"
	"github.com/srg/blefirmata/internal/transport"
)

// Options configures a BLE transport. Zero fields take the defaults from the tags.
type Options struct {
	Address        string
	Profile        string        `default:"redbear"`
	ConnectTimeout time.Duration `default:"10s"`
	ChunkSize      int           `default:"20"`
	ChunkDelay     time.Duration `default:"10ms"`
	BufferSize     int           `default:"4096"`
}

// gattClient is the part of ble.Client the transport uses.
type gattClient interface {
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// dial connects to address and discovers its profile. Tests replace it.
var dial = func(ctx context.Context, address string) (gattClient, *ble.Profile, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}
	return client, profile, nil
}

// Transport implements transport.Transport over a pair of GATT characteristics.
type Transport struct {
	client  gattClient
	profile Profile
	rx      *ble.Characteristic
	tx      *ble.Characteristic
	noRsp   bool
	indRX   bool
	opts    Options
	name    string
	logger  *logrus.Logger

	buf    *ringbuffer.RingBuffer
	notify chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	lost      chan struct{}
	lostOnce  sync.Once
	dropped   atomic.Uint64
}

var _ transport.Transport = (*Transport)(nil)

// Dial connects to opts.Address, locates the profile's characteristics and subscribes to
// RX notifications.
func Dial(ctx context.Context, opts Options, logger *logrus.Logger) (*Transport, error) {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	if strings.TrimSpace(opts.Address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	logger.WithFields(logrus.Fields{
		"address": opts.Address,
		"profile": opts.Profile,
		"timeout": opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	connCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	client, profile, err := dial(connCtx, opts.Address)
	if err != nil {
		connectsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	t, err := newTransport(client, profile, opts, logger)
	if err != nil {
		connectsTotal.WithLabelValues("failed").Inc()
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after setup failure")
		}
		return nil, err
	}
	connectsTotal.WithLabelValues("ok").Inc()

	logger.WithFields(logrus.Fields{
		"address": opts.Address,
		"profile": t.profile.Name,
		"no_rsp":  t.noRsp,
	}).Info("BLE device connected")
	return t, nil
}

func newTransport(client gattClient, bleProfile *ble.Profile, opts Options, logger *logrus.Logger) (*Transport, error) {
	profile, rx, tx, err := resolveProfile(bleProfile, opts.Profile)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		client:  client,
		profile: profile,
		rx:      rx,
		tx:      tx,
		opts:    opts,
		name:    "ble:" + opts.Address,
		logger:  logger,
		buf:     ringbuffer.New(opts.BufferSize),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
		lost:    make(chan struct{}),
	}

	switch {
	case tx.Property&ble.CharWrite != 0:
		t.noRsp = false
	case tx.Property&ble.CharWriteNR != 0:
		t.noRsp = true
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotWritable, tx.UUID)
	}

	switch {
	case rx.Property&ble.CharNotify != 0:
		t.indRX = false
	case rx.Property&ble.CharIndicate != 0:
		t.indRX = true
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotNotifiable, rx.UUID)
	}

	if err := client.Subscribe(rx, t.indRX, t.onNotify); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", rx.UUID, NormalizeError(err))
	}

	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				t.logger.WithField("address", opts.Address).Warn("BLE link lost")
				disconnectsTotal.Inc()
				t.lostOnce.Do(func() { close(t.lost) })
			case <-t.closed:
			}
		})
	} else {
		logger.Debug("Client does not support Disconnected() channel")
	}
	return t, nil
}

// resolveProfile finds the characteristics of the named profile, or of the first known
// profile the device exposes when name is AutoProfile.
func resolveProfile(p *ble.Profile, name string) (Profile, *ble.Characteristic, *ble.Characteristic, error) {
	if p == nil {
		return Profile{}, nil, nil, ErrServiceNotFound
	}

	candidates := Profiles
	if !strings.EqualFold(name, AutoProfile) {
		profile, err := LookupProfile(name)
		if err != nil {
			return Profile{}, nil, nil, err
		}
		candidates = []Profile{profile}
	}

	for _, candidate := range candidates {
		svc := findService(p, candidate.Service)
		if svc == nil {
			continue
		}
		rx := findCharacteristic(svc, candidate.RX)
		if rx == nil {
			return candidate, nil, nil, fmt.Errorf("%w: RX %s", ErrCharacteristicNotFound, candidate.RX)
		}
		tx := findCharacteristic(svc, candidate.TX)
		if tx == nil {
			return candidate, nil, nil, fmt.Errorf("%w: TX %s", ErrCharacteristicNotFound, candidate.TX)
		}
		return candidate, rx, tx, nil
	}

	if len(candidates) == 1 {
		return Profile{}, nil, nil, fmt.Errorf("%w: %s", ErrServiceNotFound, candidates[0])
	}
	return Profile{}, nil, nil, ErrServiceNotFound
}

func findService(p *ble.Profile, u ble.UUID) *ble.Service {
	for _, s := range p.Services {
		if s.UUID.Equal(u) {
			return s
		}
	}
	return nil
}

func findCharacteristic(s *ble.Service, u ble.UUID) *ble.Characteristic {
	for _, c := range s.Characteristics {
		if c.UUID.Equal(u) {
			return c
		}
	}
	return nil
}

func (t *Transport) onNotify(data []byte) {
	notificationsTotal.Inc()
	n, _ := t.buf.Write(data)
	if n < len(data) {
		lost := uint64(len(data) - n)
		t.dropped.Add(lost)
		overflowBytesTotal.Add(float64(lost))
		t.logger.WithFields(logrus.Fields{
			"dropped":  lost,
			"capacity": t.buf.Capacity(),
		}).Warn("BLE receive buffer full, dropping bytes")
	}
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Read returns buffered notification bytes, blocking until some arrive. Bytes received
// before the link was lost are still returned.
func (t *Transport) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		select {
		case <-t.closed:
			return 0, transport.ErrClosed
		default:
		}

		n, err := t.buf.TryRead(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, err
		}

		select {
		case <-t.notify:
		case <-t.closed:
			return 0, transport.ErrClosed
		case <-t.lost:
			if !t.buf.IsEmpty() {
				continue
			}
			return 0, transport.ErrDeviceDisconnected
		}
	}
}

// Write sends p in ChunkSize pieces separated by ChunkDelay.
func (t *Transport) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	written := 0
	for written < len(p) {
		select {
		case <-t.closed:
			return written, transport.ErrClosed
		case <-t.lost:
			return written, transport.ErrDeviceDisconnected
		default:
		}

		end := min(written+t.opts.ChunkSize, len(p))
		if err := t.client.WriteCharacteristic(t.tx, p[written:end], t.noRsp); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", t.tx.UUID, NormalizeError(err))
		}
		chunksWrittenTotal.Inc()
		written = end

		if written < len(p) && t.opts.ChunkDelay > 0 {
			time.Sleep(t.opts.ChunkDelay)
		}
	}
	return written, nil
}

// Close unsubscribes from RX and drops the connection. It is safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)

		select {
		case <-t.lost:
		default:
			if unsubErr := t.client.Unsubscribe(t.rx, t.indRX); unsubErr != nil {
				t.logger.WithField("error", unsubErr).Debug("Failed to unsubscribe from RX")
			}
		}
		if cancelErr := t.client.CancelConnection(); cancelErr != nil {
			err = NormalizeError(cancelErr)
		}
		t.logger.WithField("address", t.opts.Address).Debug("BLE transport closed")
	})
	return err
}

func (t *Transport) Name() string {
	return t.name
}

func (t *Transport) Profile() Profile {
	return t.profile
}

// Dropped reports notification bytes lost to buffer overflow.
func (t *Transport) Dropped() uint64 {
	return t.dropped.Load()
}
