//go:build test

package firmata_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/blefirmata/internal/firmata"
	"github.com/srg/blefirmata/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ClientTestSuite struct {
	testutils.FakeBoardSuite

	client *firmata.Client
}

func (s *ClientTestSuite) SetupTest() {
	s.FakeBoardSuite.SetupTest()
	s.client = s.newClient(firmata.WithQueryTimeout(s.TestTimeout))
}

func (s *ClientTestSuite) TearDownTest() {
	if s.client != nil {
		s.NoError(s.client.Close())
		s.client = nil
	}
	s.FakeBoardSuite.TearDownTest()
}

func (s *ClientTestSuite) newClient(opts ...firmata.Option) *firmata.Client {
	opts = append([]firmata.Option{firmata.WithLogger(s.Logger)}, opts...)
	c := firmata.NewClient(s.Board.Transport(), opts...)
	s.Require().NoError(c.Start(context.Background()))
	return c
}

func (s *ClientTestSuite) handshake() {
	ctx := context.Background()
	_, err := s.client.QueryCapabilities(ctx)
	s.Require().NoError(err)
	_, err = s.client.QueryAnalogMapping(ctx)
	s.Require().NoError(err)
}

func (s *ClientTestSuite) nextEvent(sub *firmata.Subscription) firmata.Event {
	select {
	case ev, ok := <-sub.C():
		s.Require().True(ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(s.TestTimeout):
		s.FailNow("no event received")
		return nil
	}
}

func (s *ClientTestSuite) TestQueries() {
	// GOAL: Verify every query returns the parsed reply and updates the board model
	//
	// TEST SCENARIO: Query protocol, firmware, capabilities, mapping → check values → check snapshot
	ctx := context.Background()

	version, err := s.client.QueryProtocolVersion(ctx)
	s.Require().NoError(err)
	s.Equal(firmata.ProtocolVersionMessage{Major: 2, Minor: 6}, version)

	fw, err := s.client.QueryFirmware(ctx)
	s.Require().NoError(err)
	s.Equal("StandardFirmata.ino 2.5", fw.String())

	caps, err := s.client.QueryCapabilities(ctx)
	s.Require().NoError(err)
	s.Len(caps.SupportedPinModes, 20)

	mapping, err := s.client.QueryAnalogMapping(ctx)
	s.Require().NoError(err)
	s.Equal(uint8(14), mapping.ChannelToPin[0])
	s.Equal(uint8(19), mapping.ChannelToPin[5])

	board := s.client.Board()
	s.Equal("StandardFirmata.ino", board.Firmware.Name)
	s.Equal(uint8(2), board.ProtocolMajor)
	s.Require().Len(board.Pins, 20)
	s.Equal(2, board.Pins[16].AnalogChannel)
	s.True(board.Pins[9].Supports(firmata.PinModePWM))
}

func (s *ClientTestSuite) TestConcurrentQueriesResolveInOrder() {
	// GOAL: Verify concurrent queries of different kinds each get their own reply
	//
	// TEST SCENARIO: Fire pin state queries for several pins concurrently → each result matches its pin
	s.handshake()
	s.Require().NoError(s.client.SetPinMode(13, firmata.PinModeOutput))
	s.Require().NoError(s.client.SetPinMode(9, firmata.PinModePWM))

	type result struct {
		pin   uint8
		state firmata.PinStateResponse
		err   error
	}
	results := make(chan result, 3)
	for _, pin := range []uint8{13, 9, 2} {
		go func() {
			st, err := s.client.QueryPinState(context.Background(), pin)
			results <- result{pin: pin, state: st, err: err}
		}()
	}

	for i := 0; i < 3; i++ {
		r := <-results
		s.Require().NoError(r.err)
		s.Equal(r.pin, r.state.Pin)
	}
}

func (s *ClientTestSuite) TestFragmentedReplies() {
	// GOAL: Verify replies split into BLE-sized notifications are reassembled
	//
	// TEST SCENARIO: Board splits every reply into 3-byte chunks → capabilities query still succeeds
	s.TearDownTest()
	cfg := testutils.UnoBoardConfig()
	cfg.FragmentSize = 3
	s.WithBoardConfig(cfg)
	s.SetupTest()

	caps, err := s.client.QueryCapabilities(context.Background())
	s.Require().NoError(err)
	s.Len(caps.SupportedPinModes, 20)
}

func (s *ClientTestSuite) TestQueryTimeout() {
	// GOAL: Verify a board that never answers yields ErrTimeout instead of hanging
	//
	// TEST SCENARIO: Silent board → firmware query with short timeout → ErrTimeout
	s.TearDownTest()
	cfg := testutils.UnoBoardConfig()
	cfg.Silent = true
	s.WithBoardConfig(cfg)
	s.FakeBoardSuite.SetupTest()
	s.client = s.newClient(firmata.WithQueryTimeout(50 * time.Millisecond))

	_, err := s.client.QueryFirmware(context.Background())
	s.ErrorIs(err, firmata.ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.client.QueryFirmware(ctx)
	s.ErrorIs(err, context.Canceled)
}

func (s *ClientTestSuite) TestCommandsReachTheBoard() {
	// GOAL: Verify commands produce the expected effect on the device side
	//
	// TEST SCENARIO: Set modes, write digital/analog values, send a string → inspect fake board state
	s.handshake()

	s.Require().NoError(s.client.SetPinMode(13, firmata.PinModeOutput))
	s.Require().NoError(s.client.SetPinMode(12, firmata.PinModeOutput))
	s.Require().NoError(s.client.DigitalWrite(13, true))
	s.Require().NoError(s.client.DigitalWrite(12, true))
	s.Require().NoError(s.client.DigitalWrite(13, false))
	s.Require().NoError(s.client.SetPinMode(9, firmata.PinModePWM))
	s.Require().NoError(s.client.AnalogWrite(9, 128))
	s.Require().NoError(s.client.SendString("hello"))
	// round trip so every preceding frame has been processed
	_, err := s.client.QueryProtocolVersion(context.Background())
	s.Require().NoError(err)

	mode, ok := s.Board.PinMode(13)
	s.True(ok)
	s.Equal(firmata.PinModeOutput, mode)
	s.Equal(uint8(0b0001_0000), s.Board.PortValue(1), "pin 12 high, pin 13 low")
	s.Equal(128, s.Board.AnalogValue(9))
	s.Equal([]string{"hello"}, s.Board.Strings())
}

func (s *ClientTestSuite) TestAnalogWriteUsesExtendedAnalogAbovePin15() {
	// GOAL: Verify pins above 15 fall back to EXTENDED_ANALOG
	//
	// TEST SCENARIO: Servo write on pin 16 → board sees an extended analog sysex
	s.handshake()

	s.Require().NoError(s.client.AnalogWrite(16, 90))

	frame, ok := s.Board.WaitFrame(s.TestTimeout, 0xF0, 0x6F)
	s.Require().True(ok)
	s.Equal([]byte{0xF0, 0x6F, 16, 90, 0xF7}, frame)
}

func (s *ClientTestSuite) TestCommandValidation() {
	// GOAL: Verify commands are checked against reported capabilities
	//
	// TEST SCENARIO: Unknown pin → ErrUnknownPin; unsupported mode → ErrUnsupportedMode
	s.handshake()

	s.ErrorIs(s.client.SetPinMode(40, firmata.PinModeOutput), firmata.ErrUnknownPin)
	s.ErrorIs(s.client.SetPinMode(2, firmata.PinModePWM), firmata.ErrUnsupportedMode)
	s.ErrorIs(s.client.SetPinMode(0, firmata.PinModeOutput), firmata.ErrUnsupportedMode)
	s.ErrorIs(s.client.AnalogWrite(1, 10), firmata.ErrUnsupportedMode)
	s.ErrorIs(s.client.DigitalWrite(40, true), firmata.ErrUnknownPin)
	s.ErrorIs(s.client.ServoConfig(1, 544, 2400), firmata.ErrUnsupportedMode)
	s.ErrorIs(s.client.SetSamplingInterval(time.Minute), firmata.ErrValueOutOfRange)
	s.NoError(s.client.SetPinMode(0, firmata.PinModeIgnore))
}

func (s *ClientTestSuite) TestEvents() {
	// GOAL: Verify unsolicited reports reach subscribers as typed events
	//
	// TEST SCENARIO: Subscribe → board reports digital, analog, string → events arrive in order
	s.handshake()
	s.Require().NoError(s.client.SetPinMode(2, firmata.PinModeInput))

	sub := s.client.Subscribe(0)
	defer sub.Unsubscribe()

	s.Board.SendDigitalPort(0, 0b0000_0100)
	s.Board.SendAnalog(1, 700)
	s.Board.SendString("ready")
	s.Board.SendRaw([]byte{0xF0, 0x61, 0x01, 0xF7})

	ev := s.nextEvent(sub)
	s.Require().IsType(firmata.PinValueEvent{}, ev)
	s.Equal(uint8(2), ev.(firmata.PinValueEvent).Pin.Number)
	s.Equal(1, ev.(firmata.PinValueEvent).Pin.Value)

	ev = s.nextEvent(sub)
	s.Require().IsType(firmata.PinValueEvent{}, ev)
	s.Equal(uint8(15), ev.(firmata.PinValueEvent).Pin.Number)
	s.True(ev.(firmata.PinValueEvent).Analog)
	s.Equal(700, ev.(firmata.PinValueEvent).Pin.Value)

	s.Equal(firmata.StringEvent{Text: "ready"}, s.nextEvent(sub))
	s.Equal(firmata.SysExEvent{Message: firmata.SysExMessage{Cmd: firmata.SysExEncoderData, Data: []byte{0x01}}}, s.nextEvent(sub))
}

func (s *ClientTestSuite) TestI2CRead() {
	// GOAL: Verify an I2C read waits for the matching reply
	//
	// TEST SCENARIO: Board with a register file at 0x48 → read 2 bytes from register 1
	s.TearDownTest()
	cfg := testutils.UnoBoardConfig()
	cfg.I2CDevices = map[uint8][]byte{0x48: {0x10, 0x20, 0xFF}}
	s.WithBoardConfig(cfg)
	s.SetupTest()

	s.Require().NoError(s.client.I2CConfig(0))
	reply, err := s.client.I2CRead(context.Background(), 0x48, 1, 2)
	s.Require().NoError(err)
	s.Equal(uint8(0x48), reply.Address)
	s.Equal(uint16(1), reply.Register)
	s.Equal([]byte{0x20, 0xFF}, reply.Data)
}

func (s *ClientTestSuite) TestSystemResetEmitsFirmware() {
	// GOAL: Verify the firmware report sent after a reset reaches subscribers
	//
	// TEST SCENARIO: Subscribe → reset → FirmwareEvent
	sub := s.client.Subscribe(4)
	defer sub.Unsubscribe()

	s.Require().NoError(s.client.SystemReset())

	ev := s.nextEvent(sub)
	s.Require().IsType(firmata.FirmwareEvent{}, ev)
	s.Equal("StandardFirmata.ino", ev.(firmata.FirmwareEvent).Firmware.Name)
}

func (s *ClientTestSuite) TestDisconnect() {
	// GOAL: Verify losing the link fails pending queries and notifies subscribers
	//
	// TEST SCENARIO: Silent board, pending query → board disconnects → ErrDeviceDisconnected + DisconnectedEvent
	s.TearDownTest()
	cfg := testutils.UnoBoardConfig()
	cfg.Silent = true
	s.WithBoardConfig(cfg)
	s.FakeBoardSuite.SetupTest()
	s.client = s.newClient(firmata.WithQueryTimeout(0))

	sub := s.client.Subscribe(4)
	errc := make(chan error, 1)
	go func() {
		_, err := s.client.QueryFirmware(context.Background())
		errc <- err
	}()
	_, ok := s.Board.WaitFrame(s.TestTimeout, 0xF0, 0x79)
	s.Require().True(ok)

	s.Board.Disconnect()

	select {
	case err := <-errc:
		s.ErrorIs(err, firmata.ErrDeviceDisconnected)
	case <-time.After(s.TestTimeout):
		s.FailNow("pending query was not failed")
	}

	ev := s.nextEvent(sub)
	s.Require().IsType(firmata.DisconnectedEvent{}, ev)
	_, open := <-sub.C()
	s.False(open)

	<-s.client.Done()
	s.ErrorIs(s.client.Err(), firmata.ErrDeviceDisconnected)
	s.ErrorIs(s.client.DigitalWrite(13, true), firmata.ErrDeviceDisconnected)

	late := s.client.Subscribe(1)
	s.IsType(firmata.DisconnectedEvent{}, <-late.C())
}

func (s *ClientTestSuite) TestLifecycle() {
	// GOAL: Verify start/close state transitions
	//
	// TEST SCENARIO: Double start, close, use after close, close twice
	s.ErrorIs(s.client.Start(context.Background()), firmata.ErrAlreadyStarted)

	sub := s.client.Subscribe(1)
	s.Require().NoError(s.client.Close())
	_, open := <-sub.C()
	s.False(open, "close ends subscriptions without a disconnect event")

	s.ErrorIs(s.client.SendString("x"), firmata.ErrClosed)
	_, err := s.client.QueryFirmware(context.Background())
	s.ErrorIs(err, firmata.ErrClosed)
	s.NoError(s.client.Close())
	s.client = nil
}

func (s *ClientTestSuite) TestSubscriptionsGauge() {
	// GOAL: Verify the subscriptions gauge follows open subscriptions
	//
	// TEST SCENARIO: Two subscriptions → +2; double unsubscribe → +1; close → back to the start
	base := firmata.OpenSubscriptions()

	a := s.client.Subscribe(1)
	b := s.client.Subscribe(1)
	s.Equal(base+2, firmata.OpenSubscriptions())

	a.Unsubscribe()
	a.Unsubscribe()
	s.Equal(base+1, firmata.OpenSubscriptions())

	s.Require().NoError(s.client.Close())
	s.client = nil
	s.Equal(base, firmata.OpenSubscriptions())

	b.Unsubscribe()
	s.Equal(base, firmata.OpenSubscriptions())
}

func (s *ClientTestSuite) TestNotStarted() {
	// GOAL: Verify a client must be started before use
	//
	// TEST SCENARIO: New client without Start → ErrNotStarted → Close fails nothing
	c := firmata.NewClient(s.Board.Transport(), firmata.WithLogger(s.Logger))
	s.ErrorIs(c.SendString("x"), firmata.ErrNotStarted)
	s.NoError(c.Close())
	s.ErrorIs(c.Start(context.Background()), firmata.ErrClosed)
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

// flakyLink fails writes while fail is set.
type flakyLink struct {
	*testutils.PipeTransport
	fail atomic.Bool
}

func (l *flakyLink) Write(p []byte) (int, error) {
	if l.fail.Load() {
		return 0, errors.New("link busy")
	}
	return l.PipeTransport.Write(p)
}

// GOAL: Verify a failed digital write leaves the port model untouched
//
// TEST SCENARIO: Pin 13 high, write of pin 12 fails → pin 12 stays 0 → next write on pin 11 sends 0x28, not 0x38
func TestDigitalWrite_FailedWriteKeepsPortState(t *testing.T) {
	board := testutils.NewFakeBoard(testutils.UnoBoardConfig())
	defer board.Disconnect()

	link := &flakyLink{PipeTransport: board.Transport()}
	client := firmata.NewClient(link,
		firmata.WithLogger(testutils.NewTestHelper(t).Logger),
		firmata.WithQueryTimeout(2*time.Second))
	require.NoError(t, client.Start(context.Background()))
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	_, err := client.QueryCapabilities(ctx)
	require.NoError(t, err)
	require.NoError(t, client.DigitalWrite(13, true))

	link.fail.Store(true)
	assert.Error(t, client.DigitalWrite(12, true))
	assert.Equal(t, 0, client.Board().Pins[12].Value)

	link.fail.Store(false)
	require.NoError(t, client.DigitalWrite(11, true))
	_, err = client.QueryProtocolVersion(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint8(0x28), board.PortValue(1))
	assert.Equal(t, 1, client.Board().Pins[13].Value)
}
