package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blefirmata/internal/transport/serial"
)

var listSerialPorts = serial.ListPorts

func newPortsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Long: `Lists the serial devices present on this host, for use with --port.

Example:
  blefirmata ports
  blefirmata info --port /dev/ttyACM0`,
		Args: cobra.NoArgs,
		RunE: runPorts,
	}
	addFormatFlag(cmd)
	return cmd
}

func runPorts(cmd *cobra.Command, _ []string) error {
	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	format, err := outputFormat(cmd, cfg)
	if err != nil {
		return err
	}

	ports, err := listSerialPorts()
	if err != nil {
		return err
	}
	if format != "text" {
		if ports == nil {
			ports = []string{}
		}
		return writeStructured(cmd.OutOrStdout(), format, ports)
	}
	if len(ports) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}
