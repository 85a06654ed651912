package goble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blefirmata/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGATT struct {
	mu           sync.Mutex
	writes       [][]byte
	noRsp        []bool
	handler      ble.NotificationHandler
	subscribed   *ble.Characteristic
	unsubscribed bool
	cancelled    bool
	writeErr     error
	subscribeErr error
}

func (f *fakeGATT) WriteCharacteristic(_ *ble.Characteristic, value []byte, noRsp bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), value...))
	f.noRsp = append(f.noRsp, noRsp)
	return nil
}

func (f *fakeGATT) Subscribe(c *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = c
	f.handler = h
	return nil
}

func (f *fakeGATT) Unsubscribe(*ble.Characteristic, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = true
	return nil
}

func (f *fakeGATT) CancelConnection() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeGATT) notify(data []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(data)
}

func (f *fakeGATT) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

// disconnectingGATT also exposes the Disconnected channel some platforms provide.
type disconnectingGATT struct {
	fakeGATT
	disconnected chan struct{}
}

func (d *disconnectingGATT) Disconnected() <-chan struct{} {
	return d.disconnected
}

func profileFor(p Profile, rxProps, txProps ble.Property) *ble.Profile {
	rx := &ble.Characteristic{UUID: p.RX, Property: rxProps}
	chars := []*ble.Characteristic{rx}
	if !p.TX.Equal(p.RX) {
		chars = append(chars, &ble.Characteristic{UUID: p.TX, Property: txProps})
	} else {
		rx.Property |= txProps
	}
	return &ble.Profile{Services: []*ble.Service{
		{UUID: ble.MustParse("180A")},
		{UUID: p.Service, Characteristics: chars},
	}}
}

func withDial(t *testing.T, client gattClient, profile *ble.Profile, err error) {
	t.Helper()
	orig := dial
	dial = func(context.Context, string) (gattClient, *ble.Profile, error) {
		return client, profile, err
	}
	t.Cleanup(func() { dial = orig })
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func dialFake(t *testing.T, client gattClient, profile *ble.Profile, opts Options) *Transport {
	t.Helper()
	withDial(t, client, profile, nil)
	if opts.Address == "" {
		opts.Address = "AA:BB:CC:DD:EE:FF"
	}
	tr, err := Dial(context.Background(), opts, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestLookupProfile(t *testing.T) {
	p, err := LookupProfile("")
	require.NoError(t, err)
	assert.Equal(t, RedBear, p)

	p, err = LookupProfile("NUS")
	require.NoError(t, err)
	assert.Equal(t, NordicUART, p)

	_, err = LookupProfile("bogus")
	assert.ErrorIs(t, err, ErrUnknownProfile)

	assert.Equal(t, []string{"redbear", "nus", "hm10", "auto"}, ProfileNames())

	found, ok := ProfileForService(ble.MustParse("FFE0"))
	assert.True(t, ok)
	assert.Equal(t, "hm10", found.Name)
	assert.Len(t, ServiceUUIDs(), len(Profiles))
}

func TestDial_DefaultProfile(t *testing.T) {
	client := &fakeGATT{}
	tr := dialFake(t, client, profileFor(RedBear, ble.CharNotify, ble.CharWriteNR), Options{})

	assert.Equal(t, "redbear", tr.Profile().Name)
	assert.Equal(t, "ble:AA:BB:CC:DD:EE:FF", tr.Name())
	require.NotNil(t, client.subscribed)
	assert.True(t, client.subscribed.UUID.Equal(RedBear.RX))
	assert.True(t, tr.noRsp, "write-without-response expected when write-with-response is missing")
}

func TestDial_AutoDetectsProfile(t *testing.T) {
	client := &fakeGATT{}
	tr := dialFake(t, client, profileFor(HM10, ble.CharNotify, ble.CharWrite|ble.CharWriteNR), Options{Profile: AutoProfile})

	assert.Equal(t, "hm10", tr.Profile().Name)
	assert.False(t, tr.noRsp)
}

func TestDial_Errors(t *testing.T) {
	tests := []struct {
		name     string
		profile  *ble.Profile
		opts     Options
		expected error
	}{
		{
			name:     "service missing",
			profile:  profileFor(NordicUART, ble.CharNotify, ble.CharWrite),
			opts:     Options{Profile: "redbear"},
			expected: ErrServiceNotFound,
		},
		{
			name:     "no known service for auto",
			profile:  &ble.Profile{},
			opts:     Options{Profile: AutoProfile},
			expected: ErrServiceNotFound,
		},
		{
			name: "tx characteristic missing",
			profile: &ble.Profile{Services: []*ble.Service{{
				UUID:            RedBear.Service,
				Characteristics: []*ble.Characteristic{{UUID: RedBear.RX, Property: ble.CharNotify}},
			}}},
			expected: ErrCharacteristicNotFound,
		},
		{
			name:     "rx not notifiable",
			profile:  profileFor(RedBear, ble.CharRead, ble.CharWrite),
			expected: ErrNotNotifiable,
		},
		{
			name:     "tx not writable",
			profile:  profileFor(RedBear, ble.CharNotify, ble.CharRead),
			expected: ErrNotWritable,
		},
		{
			name:     "unknown profile",
			profile:  profileFor(RedBear, ble.CharNotify, ble.CharWrite),
			opts:     Options{Profile: "esp32"},
			expected: ErrUnknownProfile,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeGATT{}
			withDial(t, client, tt.profile, nil)
			tt.opts.Address = "AA:BB"
			_, err := Dial(context.Background(), tt.opts, quietLogger())
			assert.ErrorIs(t, err, tt.expected)
			assert.True(t, client.cancelled, "connection must be dropped on setup failure")
		})
	}
}

func TestDial_EmptyAddressAndDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), Options{Address: "  "}, quietLogger())
	assert.Error(t, err)

	withDial(t, nil, nil, errors.New("boom"))
	_, err = Dial(context.Background(), Options{Address: "AA:BB"}, quietLogger())
	assert.EqualError(t, err, "boom")
}

func TestTransport_WriteChunks(t *testing.T) {
	client := &fakeGATT{}
	tr := dialFake(t, client, profileFor(RedBear, ble.CharNotify, ble.CharWrite), Options{ChunkSize: 4, ChunkDelay: time.Millisecond})

	n, err := tr.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10}}, client.Writes())
}

func TestTransport_WriteError(t *testing.T) {
	client := &fakeGATT{}
	tr := dialFake(t, client, profileFor(RedBear, ble.CharNotify, ble.CharWrite), Options{})

	client.writeErr = errors.New("device not connected")
	n, err := tr.Write([]byte{0xF9})
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestTransport_ReadNotifications(t *testing.T) {
	client := &fakeGATT{}
	tr := dialFake(t, client, profileFor(RedBear, ble.CharNotify, ble.CharWrite), Options{})

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := tr.Read(buf)
		if err == nil {
			got <- buf[:n]
		}
	}()

	client.notify([]byte{0xF9, 0x02, 0x06})
	select {
	case data := <-got:
		assert.Equal(t, []byte{0xF9, 0x02, 0x06}, data)
	case <-time.After(time.Second):
		t.Fatal("read did not return notified bytes")
	}
}

func TestTransport_Overflow(t *testing.T) {
	client := &fakeGATT{}
	tr := dialFake(t, client, profileFor(RedBear, ble.CharNotify, ble.CharWrite), Options{BufferSize: 4})

	client.notify([]byte{1, 2, 3, 4, 5, 6})
	assert.Equal(t, uint64(2), tr.Dropped())

	buf := make([]byte, 8)
	n, err := tr.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf[:n])
}

func TestTransport_Close(t *testing.T) {
	client := &fakeGATT{}
	tr := dialFake(t, client, profileFor(RedBear, ble.CharNotify, ble.CharWrite), Options{})

	readErr := make(chan error, 1)
	go func() {
		_, err := tr.Read(make([]byte, 4))
		readErr <- err
	}()

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("read not released by close")
	}
	assert.True(t, client.unsubscribed)
	assert.True(t, client.cancelled)

	_, err := tr.Write([]byte{0xFF})
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestTransport_LinkLost(t *testing.T) {
	client := &disconnectingGATT{disconnected: make(chan struct{})}
	tr := dialFake(t, client, profileFor(RedBear, ble.CharNotify, ble.CharWrite), Options{})

	client.notify([]byte{0x42})
	close(client.disconnected)

	buf := make([]byte, 4)
	n, err := tr.Read(buf)
	require.NoError(t, err, "buffered bytes are delivered before the loss")
	assert.Equal(t, []byte{0x42}, buf[:n])

	_, err = tr.Read(buf)
	assert.ErrorIs(t, err, transport.ErrDeviceDisconnected)
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		msg      string
		expected error
	}{
		{"central manager has invalid state: have=4 want=5: is Bluetooth turned on?", transport.ErrBluetoothOff},
		{"Bluetooth is turned off", transport.ErrBluetoothOff},
		{"device not connected", transport.ErrNotConnected},
		{"peripheral disconnected", transport.ErrDeviceDisconnected},
		{"device already connected", ErrAlreadyConnected},
		{"connection is not initialized", transport.ErrNotConnected},
		{"can't find characteristic 713d0002503e4c75ba943148f18d941e", ErrCharacteristicNotFound},
		{"CCCD not found", ErrNotNotifiable},
		{"ATT: write not permitted", ErrNotWritable},
		{"service 6e400001 not found", ErrServiceNotFound},
		{"adapter powered off", transport.ErrBluetoothOff},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := NormalizeError(errors.New(tt.msg))
			assert.ErrorIs(t, err, tt.expected)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	assert.NoError(t, NormalizeError(nil))
	plain := errors.New("something else")
	assert.Equal(t, plain, NormalizeError(plain))

	// already classified errors are not wrapped twice
	wrapped := fmt.Errorf("%w: RX 6e400003", ErrCharacteristicNotFound)
	assert.Same(t, wrapped, NormalizeError(wrapped))
	dropped := fmt.Errorf("write failed: %w", transport.ErrDeviceDisconnected)
	assert.Equal(t, dropped, NormalizeError(dropped))
}
