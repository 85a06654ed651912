package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/srg/blefirmata/internal/firmata"
	"github.com/srg/blefirmata/internal/session"
)

func newAnalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analog",
		Short: "Write PWM and servo values",
	}
	cmd.AddCommand(newAnalogWriteCmd())
	return cmd
}

func newAnalogWriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write <pin> <value>",
		Short: "Write a PWM duty cycle or servo angle",
		Long: `Writes an analog value to a PWM or servo pin. A pin in any other mode is switched to
PWM when it supports it, otherwise to servo. Values above 14 bits and pins above 15 are
sent with the extended analog message.

Example:
  blefirmata analog write 9 128`,
		Args: cobra.ExactArgs(2),
		RunE: runAnalogWrite,
	}
	return cmd
}

func runAnalogWrite(cmd *cobra.Command, args []string) error {
	pin, err := parsePin(args[0])
	if err != nil {
		return err
	}
	value, err := strconv.Atoi(args[1])
	if err != nil || value < 0 {
		return fmt.Errorf("invalid value %q", args[1])
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	_, err = withSession(cmd, cfg, logger, func(sess *session.Session) (struct{}, error) {
		client := sess.Client()
		p, ok := boardPin(client, pin)
		if !ok {
			return struct{}{}, fmt.Errorf("%w: %d", firmata.ErrUnknownPin, pin)
		}
		if p.Mode != firmata.PinModePWM && p.Mode != firmata.PinModeServo {
			mode := firmata.PinModePWM
			if !p.Supports(firmata.PinModePWM) {
				mode = firmata.PinModeServo
			}
			if err := client.SetPinMode(pin, mode); err != nil {
				return struct{}{}, err
			}
		}
		if err := client.AnalogWrite(pin, value); err != nil {
			return struct{}{}, err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pin %d = %d\n", pin, value)
		return struct{}{}, nil
	})
	return err
}
