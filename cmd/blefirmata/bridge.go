package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blefirmata/internal/bridge"
	"github.com/srg/blefirmata/internal/session"
)

func newBridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Expose a board as a virtual serial port",
		Long: fmt.Sprintf(`Creates a PTY (pseudoterminal) connected to the board, so Firmata tools that only
speak to serial ports (Firmata test apps, Johnny-Five, pyFirmata) can drive a BLE board.
Bytes are forwarded untouched in both directions until interrupted.

Example:
  blefirmata bridge --address %s
  blefirmata bridge --address %s --symlink /tmp/firmata0

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.NoArgs,
		RunE: runBridge,
	}
	cmd.Flags().String("symlink", "", "Create a symlink to the PTY device (e.g. /tmp/firmata0)")
	cmd.Flags().Int("buffer", 4096, "PTY buffer size in bytes, per direction")
	return cmd
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	symlink, _ := cmd.Flags().GetString("symlink")
	buffer, _ := cmd.Flags().GetInt("buffer")

	progress := NewProgressPrinter(cmd.ErrOrStderr(),
		fmt.Sprintf("Starting bridge for %s", targetName(cfg)),
		session.PhaseConnecting,
		bridge.PhaseRunning, bridge.PhaseFailed)
	progress.Start()
	defer progress.Stop()

	tr, err := session.OpenTransport(cmd.Context(), cfg, logger)
	if err != nil {
		progress.Callback()(bridge.PhaseFailed)
		return err
	}
	progress.Callback()(session.PhaseConnected)

	return bridge.Serve(cmd.Context(), &bridge.Options{
		Transport:          tr,
		TTYSymlinkPath:     symlink,
		PtyReadBufferSize:  buffer,
		PtyWriteBufferSize: buffer,
		Logger:             logger,
	}, progress.Callback(), func(b bridge.Bridge) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Bridge running: %s <-> %s\n", b.Transport().Name(), b.TTYName())
		if b.TTYSymlink() != "" {
			fmt.Fprintf(out, "Symlink: %s -> %s\n", b.TTYSymlink(), b.TTYName())
		}
		fmt.Fprintln(out, "Press Ctrl+C to stop")
	})
}
