package scanner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blefirmata/internal/ringchan"
	"github.com/srg/blefirmata/internal/transport/goble"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// Advertisement is what a peripheral announced during a scan.
type Advertisement struct {
	Address     string    `json:"address" yaml:"address"`
	Name        string    `json:"name" yaml:"name"`
	RSSI        int       `json:"rssi" yaml:"rssi"`
	Connectable bool      `json:"connectable" yaml:"connectable"`
	Services    []string  `json:"services" yaml:"services"`
	Profile     string    `json:"profile,omitempty" yaml:"profile,omitempty"` // matching Firmata profile, if any
	LastSeen    time.Time `json:"lastSeen" yaml:"last_seen"`
}

// FromBLE converts a go-ble advertisement.
func FromBLE(adv ble.Advertisement) Advertisement {
	a := Advertisement{
		Address:     adv.Addr().String(),
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		LastSeen:    time.Now(),
	}
	for _, u := range adv.Services() {
		a.Services = append(a.Services, u.String())
		if p, ok := goble.ProfileForService(u); ok && a.Profile == "" {
			a.Profile = p.Name
		}
	}
	return a
}

// Source delivers advertisements until ctx ends.
type Source func(ctx context.Context, allowDup bool, handler func(Advertisement)) error

// BLESource scans with the host BLE device.
func BLESource(ctx context.Context, allowDup bool, handler func(Advertisement)) error {
	dev, err := goble.DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", goble.NormalizeError(err))
	}
	return goble.NormalizeError(dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(FromBLE(adv))
	}))
}

// EventType marks if the device was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

func (t EventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

type Event struct {
	Type   EventType
	Device Advertisement
}

// Options configures scanning behavior
type Options struct {
	Duration        time.Duration
	DuplicateFilter bool
	FirmataOnly     bool     // only peripherals advertising a known Firmata service
	ServiceUUIDs    []string // any of these must be advertised
	AllowList       []string
	BlockList       []string
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	return &Options{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner handles BLE device discovery
type Scanner struct {
	source Source
	events *ringchan.RingChannel[Event]
	logger *logrus.Logger
}

// scanRun is the state of one Scan call. Callbacks delivered after the scan returned
// are ignored.
type scanRun struct {
	devices  *hashmap.Map[string, Advertisement]
	filter   Options
	services []string
	firmata  []string
	mu       sync.Mutex
	done     bool
}

// NewScanner creates a scanner. A nil source scans with the host BLE device.
func NewScanner(source Source, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	if source == nil {
		source = BLESource
	}
	return &Scanner{
		source: source,
		events: ringchan.New[Event](100),
		logger: logger,
	}
}

// Scan runs discovery for opts.Duration (until ctx ends when zero) and returns the
// devices sorted by signal strength.
func (s *Scanner) Scan(ctx context.Context, opts *Options, progress ProgressCallback) ([]Advertisement, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if progress == nil {
		progress = func(string) {}
	}

	services := make([]string, 0, len(opts.ServiceUUIDs))
	for _, raw := range opts.ServiceUUIDs {
		u, err := ble.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID %q: %w", raw, err)
		}
		services = append(services, strings.ToLower(u.String()))
	}

	run := &scanRun{
		devices:  hashmap.New[string, Advertisement](),
		filter:   *opts,
		services: services,
	}
	if opts.FirmataOnly {
		for _, u := range goble.ServiceUUIDs() {
			run.firmata = append(run.firmata, strings.ToLower(u.String()))
		}
	}
	defer run.finish()

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithFields(logrus.Fields{
		"duration":     opts.Duration,
		"firmata_only": opts.FirmataOnly,
	}).Info("Starting BLE scan...")
	progress("Scanning")

	err := s.source(scanCtx, !opts.DuplicateFilter, func(adv Advertisement) {
		s.handleAdvertisement(run, adv)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	run.finish()

	s.logger.WithField("device_count", run.devices.Len()).Info("BLE scan completed")
	progress("Processing results")

	return run.results(), nil
}

func (r *scanRun) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
}

func (s *Scanner) handleAdvertisement(run *scanRun, adv Advertisement) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.done {
		return
	}

	prev, existing := run.devices.Get(adv.Address)
	if !existing && !run.shouldInclude(adv) {
		return
	}
	if existing {
		if adv.Name == "" {
			adv.Name = prev.Name
		}
		if len(adv.Services) == 0 {
			adv.Services = prev.Services
			adv.Profile = prev.Profile
		}
	}
	if adv.LastSeen.IsZero() {
		adv.LastSeen = time.Now()
	}
	run.devices.Set(adv.Address, adv)

	event := Event{Type: EventUpdated, Device: adv}
	if !existing {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  adv.Name,
			"address": adv.Address,
			"rssi":    adv.RSSI,
			"profile": adv.Profile,
		}).Info("Discovered new device")
	}
	s.events.ForceSend(event)
}

// shouldInclude applies the block, allow and service filters.
func (r *scanRun) shouldInclude(adv Advertisement) bool {
	opts := &r.filter
	if slices.ContainsFunc(opts.BlockList, func(b string) bool { return strings.EqualFold(b, adv.Address) }) {
		return false
	}
	if len(opts.AllowList) > 0 &&
		!slices.ContainsFunc(opts.AllowList, func(a string) bool { return strings.EqualFold(a, adv.Address) }) {
		return false
	}
	if opts.FirmataOnly && !advertisesAny(adv, r.firmata) {
		return false
	}
	if len(r.services) > 0 && !advertisesAny(adv, r.services) {
		return false
	}
	return true
}

func advertisesAny(adv Advertisement, services []string) bool {
	return slices.ContainsFunc(adv.Services, func(u string) bool {
		return slices.Contains(services, strings.ToLower(u))
	})
}

// results returns a snapshot ordered by RSSI, strongest first, then by address.
func (r *scanRun) results() []Advertisement {
	devs := make([]Advertisement, 0, r.devices.Len())
	r.devices.Range(func(_ string, adv Advertisement) bool {
		devs = append(devs, adv)
		return true
	})
	slices.SortFunc(devs, func(a, b Advertisement) int {
		if a.RSSI != b.RSSI {
			return b.RSSI - a.RSSI
		}
		return strings.Compare(a.Address, b.Address)
	})
	return devs
}

// Events returns a read-only channel of discovery events. Old events are dropped when
// nobody reads them.
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}
