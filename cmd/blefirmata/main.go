package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree; every invocation gets fresh flag state.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "blefirmata",
		Short: "Firmata over Bluetooth Low Energy",
		Long: `Talk to Firmata boards over Bluetooth Low Energy or a serial port:

- Scan for nearby BLE boards and list serial ports
- Show firmware, pin capabilities and analog mapping
- Set pin modes, read and write pins, stream reports
- Send string data and reset the board
- Bridge a BLE board to a PTY so serial-only Firmata tools can use it

Settings come from --config (YAML) and are overridden by flags.`,
		Version: formatVersion(version),
		// main prints errors itself
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("{{.Name}} {{.Version}} (commit %s, built %s)\n", commit, date))

	root.AddCommand(
		newScanCmd(),
		newPortsCmd(),
		newInfoCmd(),
		newPinCmd(),
		newAnalogCmd(),
		newMonitorCmd(),
		newSendCmd(),
		newResetCmd(),
		newBridgeCmd(),
	)

	addGlobalFlags(root)
	root.Flags().BoolP("version", "v", false, "Show version information")
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
