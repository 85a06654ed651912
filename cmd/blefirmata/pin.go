package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blefirmata/internal/firmata"
	"github.com/srg/blefirmata/internal/session"
)

func newPinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pin",
		Short: "Set pin modes, read and write digital pins",
	}
	cmd.AddCommand(newPinModeCmd(), newPinWriteCmd(), newPinReadCmd())
	return cmd
}

func newPinModeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mode <pin> <mode>",
		Short: "Set the mode of a pin",
		Long: `Sets a pin mode. Modes are names (input, output, analog, pwm, servo, i2c, pullup, ...)
or their numeric Firmata values. The board must report the mode in its capabilities.

Example:
  blefirmata pin mode 13 output`,
		Args: cobra.ExactArgs(2),
		RunE: runPinMode,
	}
	return cmd
}

func newPinWriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write <pin> <0|1>",
		Short: "Drive a digital output pin low or high",
		Long: `Drives a digital pin. The pin is switched to output mode first unless it already is.
The other outputs of the same port keep their levels.

Example:
  blefirmata pin write 13 1`,
		Args: cobra.ExactArgs(2),
		RunE: runPinWrite,
	}
	return cmd
}

func newPinReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <pin>",
		Short: "Read the mode and value of a pin",
		Long: `Reads a pin. Input pins are sampled through a digital report, analog pins through an
analog report, anything else reports the state the board keeps for it.`,
		Args: cobra.ExactArgs(1),
		RunE: runPinRead,
	}
	return cmd
}

func parsePin(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(s), "D"), 10, 8)
	if err != nil || v > 0x7F {
		return 0, fmt.Errorf("invalid pin %q", s)
	}
	return uint8(v), nil
}

func parseLevel(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "high", "on", "true":
		return true, nil
	case "0", "low", "off", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid level %q (want 0 or 1)", s)
}

func runPinMode(cmd *cobra.Command, args []string) error {
	pin, err := parsePin(args[0])
	if err != nil {
		return err
	}
	mode, err := firmata.ParsePinMode(args[1])
	if err != nil {
		return err
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	_, err = withSession(cmd, cfg, logger, func(sess *session.Session) (struct{}, error) {
		if err := sess.Client().SetPinMode(pin, mode); err != nil {
			return struct{}{}, err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pin %d mode %s\n", pin, mode)
		return struct{}{}, nil
	})
	return err
}

func runPinWrite(cmd *cobra.Command, args []string) error {
	pin, err := parsePin(args[0])
	if err != nil {
		return err
	}
	level, err := parseLevel(args[1])
	if err != nil {
		return err
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	_, err = withSession(cmd, cfg, logger, func(sess *session.Session) (struct{}, error) {
		client := sess.Client()
		// the port message carries every pin of the port, learn their levels first
		if err := sess.SyncPorts(cmd.Context(), pin/8); err != nil {
			return struct{}{}, err
		}
		if p, ok := boardPin(client, pin); ok && p.Mode != firmata.PinModeOutput {
			if err := client.SetPinMode(pin, firmata.PinModeOutput); err != nil {
				return struct{}{}, err
			}
		}
		if err := client.DigitalWrite(pin, level); err != nil {
			return struct{}{}, err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pin %d = %d\n", pin, boolToInt(level))
		return struct{}{}, nil
	})
	return err
}

func runPinRead(cmd *cobra.Command, args []string) error {
	pin, err := parsePin(args[0])
	if err != nil {
		return err
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	_, err = withSession(cmd, cfg, logger, func(sess *session.Session) (struct{}, error) {
		mode, value, err := readPin(cmd.Context(), sess.Client(), pin, cfg.QueryTimeout)
		if err != nil {
			return struct{}{}, err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pin %d %s = %d\n", pin, mode, value)
		return struct{}{}, nil
	})
	return err
}

// readPin samples one pin. For digital inputs the port report is enabled and a second
// pin state query follows it; replies arrive in order, so the report is applied by then.
func readPin(ctx context.Context, client *firmata.Client, pin uint8, timeout time.Duration) (firmata.PinMode, int, error) {
	state, err := client.QueryPinState(ctx, pin)
	if err != nil {
		return 0, 0, err
	}

	switch state.Mode {
	case firmata.PinModeAnalog:
		p, ok := boardPin(client, pin)
		if !ok || p.AnalogChannel == firmata.NoAnalogChannel {
			return state.Mode, state.State, nil
		}
		value, err := sampleAnalog(ctx, client, p, timeout)
		return state.Mode, value, err

	case firmata.PinModeInput, firmata.PinModePullUp:
		port := pin / 8
		if err := client.ReportDigital(port, true); err != nil {
			return 0, 0, err
		}
		defer func() { _ = client.ReportDigital(port, false) }()
		if _, err := client.QueryPinState(ctx, pin); err != nil {
			return 0, 0, err
		}
		p, _ := boardPin(client, pin)
		return state.Mode, p.Value, nil
	}
	return state.Mode, state.State, nil
}

func sampleAnalog(ctx context.Context, client *firmata.Client, p firmata.Pin, timeout time.Duration) (int, error) {
	sub := client.Subscribe(0)
	defer sub.Unsubscribe()

	channel := uint8(p.AnalogChannel)
	if err := client.ReportAnalog(channel, true); err != nil {
		return 0, err
	}
	defer func() { _ = client.ReportAnalog(channel, false) }()

	ev, err := waitEvent(ctx, sub, timeout, func(ev firmata.Event) bool {
		pv, ok := ev.(firmata.PinValueEvent)
		return ok && pv.Analog && pv.Pin.Number == p.Number
	})
	if err != nil {
		return 0, fmt.Errorf("no analog report for pin %d: %w", p.Number, err)
	}
	return ev.(firmata.PinValueEvent).Pin.Value, nil
}

func boardPin(client *firmata.Client, pin uint8) (firmata.Pin, bool) {
	pins := client.Board().Pins
	if int(pin) >= len(pins) {
		return firmata.Pin{}, false
	}
	return pins[pin], true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
