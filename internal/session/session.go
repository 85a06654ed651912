// Package session opens a transport, runs the Firmata handshake and exposes the
// connected board to commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blefirmata/internal/firmata"
	"github.com/srg/blefirmata/internal/transport"
	"github.com/srg/blefirmata/internal/transport/goble"
	"github.com/srg/blefirmata/internal/transport/serial"
	"github.com/srg/blefirmata/pkg/config"
)

// ProgressCallback is called when the session phase changes
type ProgressCallback func(phase string)

const (
	PhaseConnecting = "Connecting"
	PhaseConnected  = "Connected"
	PhaseHandshake  = "Handshake"
	PhaseReady      = "Ready"
	PhaseFailed     = "Failed"
)

// OpenTransport opens the transport selected by cfg. Tests replace it.
var OpenTransport = func(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (transport.Transport, error) {
	kind, err := transport.ParseKind(cfg.Transport)
	if err != nil {
		return nil, err
	}

	if kind == transport.KindSerial {
		t, err := serial.Open(serial.Options{
			Port: cfg.Serial.Port,
			Baud: cfg.Serial.Baud,
		}, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	}

	t, err := goble.Dial(ctx, goble.Options{
		Address:        cfg.BLE.Address,
		Profile:        cfg.BLE.Profile,
		ConnectTimeout: cfg.ConnectTimeout,
		ChunkSize:      cfg.BLE.ChunkSize,
		ChunkDelay:     cfg.BLE.ChunkDelay,
		BufferSize:     cfg.BLE.BufferSize,
	}, logger)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Session is a started client on an open transport.
type Session struct {
	cfg       *config.Config
	logger    *logrus.Logger
	transport transport.Transport
	client    *firmata.Client
	refreshes atomic.Int64
}

// Open connects and runs the handshake: protocol version, firmware, capabilities and
// analog mapping, then optionally pin states and the sampling interval.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger, progress ProgressCallback) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if progress == nil {
		progress = func(string) {}
	}

	progress(PhaseConnecting)
	t, err := OpenTransport(ctx, cfg, logger)
	if err != nil {
		progress(PhaseFailed)
		return nil, err
	}
	progress(PhaseConnected)

	client := firmata.NewClient(t,
		firmata.WithLogger(logger),
		firmata.WithQueryTimeout(cfg.QueryTimeout),
	)
	if err := client.Start(ctx); err != nil {
		progress(PhaseFailed)
		_ = t.Close()
		return nil, err
	}

	s := &Session{
		cfg:       cfg,
		logger:    logger,
		transport: t,
		client:    client,
	}

	progress(PhaseHandshake)
	if err := s.handshake(ctx); err != nil {
		progress(PhaseFailed)
		if closeErr := client.Close(); closeErr != nil {
			logger.WithError(closeErr).Debug("Failed to close client after handshake failure")
		}
		return nil, fmt.Errorf("handshake with %s failed: %w", t.Name(), err)
	}
	progress(PhaseReady)

	fields := logrus.Fields{
		"device":   t.Name(),
		"firmware": s.FirmwareVersion(),
		"pins":     len(client.Board().Pins),
	}
	if profile := s.BLEProfile(); profile != "" {
		fields["profile"] = profile
	}
	logger.WithFields(fields).Info("Firmata session ready")
	return s, nil
}

func (s *Session) handshake(ctx context.Context) error {
	version, err := s.client.QueryProtocolVersion(ctx)
	if err != nil {
		return fmt.Errorf("protocol version: %w", err)
	}
	s.logger.WithField("protocol", version.String()).Debug("Protocol version received")

	if _, err := s.client.QueryFirmware(ctx); err != nil {
		return fmt.Errorf("firmware: %w", err)
	}
	if _, err := s.client.QueryCapabilities(ctx); err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}
	if _, err := s.client.QueryAnalogMapping(ctx); err != nil {
		return fmt.Errorf("analog mapping: %w", err)
	}

	if s.cfg.Handshake.QueryPinStates {
		if err := s.queryPinStates(ctx); err != nil {
			return fmt.Errorf("pin states: %w", err)
		}
	}
	if s.cfg.Handshake.SamplingInterval > 0 {
		if err := s.client.SetSamplingInterval(s.cfg.Handshake.SamplingInterval); err != nil {
			return fmt.Errorf("sampling interval: %w", err)
		}
	}
	return nil
}

// queryPinStates asks for the state of every pin that supports at least one mode and
// is accepted by include.
func (s *Session) queryPinStates(ctx context.Context, include ...func(firmata.Pin) bool) error {
	var errs []error
pins:
	for _, p := range s.client.Board().Pins {
		if len(p.Modes) == 0 {
			continue
		}
		for _, ok := range include {
			if !ok(p) {
				continue pins
			}
		}
		if _, err := s.client.QueryPinState(ctx, p.Number); err != nil {
			if ctx.Err() != nil || errors.Is(err, firmata.ErrClosed) || errors.Is(err, firmata.ErrDeviceDisconnected) {
				return err
			}
			errs = append(errs, fmt.Errorf("pin %d: %w", p.Number, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the client and releases the transport.
func (s *Session) Close() error {
	return s.client.Close()
}

func (s *Session) Client() *firmata.Client {
	return s.client
}

// BLEProfile names the GATT profile of a BLE link, or returns "" for other transports.
func (s *Session) BLEProfile() string {
	if t, ok := s.transport.(interface{ Profile() goble.Profile }); ok {
		return t.Profile().Name
	}
	return ""
}

// DeviceName names the connected device by its transport.
func (s *Session) DeviceName() string {
	return s.transport.Name()
}

// FirmwareVersion returns "name major.minor".
func (s *Session) FirmwareVersion() string {
	return s.client.Board().Firmware.String()
}

// ProtocolVersion returns "major.minor".
func (s *Session) ProtocolVersion() string {
	b := s.client.Board()
	return fmt.Sprintf("%d.%d", b.ProtocolMajor, b.ProtocolMinor)
}

// PinRow is one line of the pins table.
type PinRow struct {
	Pin    uint8
	Label  string
	Mode   string
	Value  int
	Modes  []string
	Analog bool
}

// Pins returns one row per pin that supports at least one mode.
func (s *Session) Pins() []PinRow {
	board := s.client.Board()
	rows := make([]PinRow, 0, len(board.Pins))
	for _, p := range board.Pins {
		if len(p.Modes) == 0 {
			continue
		}
		rows = append(rows, newPinRow(p))
	}
	return rows
}

func newPinRow(p firmata.Pin) PinRow {
	row := PinRow{
		Pin:    p.Number,
		Label:  fmt.Sprintf("D%d", p.Number),
		Mode:   p.Mode.String(),
		Value:  p.Value,
		Analog: p.AnalogChannel != firmata.NoAnalogChannel,
	}
	if row.Analog {
		row.Label = fmt.Sprintf("A%d", p.AnalogChannel)
	}
	for _, m := range firmata.SortPinModes(p.Modes) {
		row.Modes = append(row.Modes, m.String())
	}
	return row
}

func (r PinRow) String() string {
	return fmt.Sprintf("%-4s %-3d %-8s %6d  [%s]", r.Label, r.Pin, r.Mode, r.Value, strings.Join(r.Modes, " "))
}

// AnalogChannel is one entry of the analog mapping.
type AnalogChannel struct {
	Channel uint8
	Pin     uint8
}

// AnalogMapping returns the channel -> pin mapping ordered by channel.
func (s *Session) AnalogMapping() []AnalogChannel {
	mapping := s.client.Board().AnalogMapping
	channels := make([]AnalogChannel, 0, len(mapping))
	for ch, pin := range mapping {
		channels = append(channels, AnalogChannel{Channel: ch, Pin: pin})
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Channel < channels[j].Channel })
	return channels
}

// Refresh re-queries the state of every pin.
func (s *Session) Refresh(ctx context.Context) error {
	s.refreshes.Add(1)
	return s.queryPinStates(ctx)
}

// SyncPorts queries the pins of the given digital ports, so modes and output levels set
// before this session are known before reporting is enabled or a port is written.
func (s *Session) SyncPorts(ctx context.Context, ports ...uint8) error {
	return s.queryPinStates(ctx, func(p firmata.Pin) bool {
		return slices.Contains(ports, p.Number/8)
	})
}

// RefreshCount reports how many times Refresh was called.
func (s *Session) RefreshCount() int {
	return int(s.refreshes.Load())
}

// SendString sends text as STRING_DATA.
func (s *Session) SendString(text string) error {
	return s.client.SendString(text)
}
