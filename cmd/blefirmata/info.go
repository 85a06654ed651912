package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blefirmata/internal/session"
	"github.com/srg/blefirmata/pkg/config"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show firmware, pins and analog mapping of a board",
		Long: `Connects to the board, runs the Firmata handshake and prints the firmware name and
version, the protocol version, every pin with its supported modes and the analog
channel mapping.

Example:
  blefirmata info --address AA:BB:CC:DD:EE:FF
  blefirmata info --port /dev/ttyACM0 --format json`,
		Args: cobra.NoArgs,
		RunE: runInfo,
	}
	cmd.Flags().Bool("pin-states", false, "Query the current mode and value of every pin")
	addFormatFlag(cmd)
	return cmd
}

func runInfo(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	format, err := outputFormat(cmd, cfg)
	if err != nil {
		return err
	}
	refresh, _ := cmd.Flags().GetBool("pin-states")

	report, err := withSession(cmd, cfg, logger, func(sess *session.Session) (*orderedmap.OrderedMap[string, any], error) {
		if refresh {
			if err := sess.Refresh(cmd.Context()); err != nil {
				return nil, fmt.Errorf("failed to query pin states: %w", err)
			}
		}
		return buildInfoReport(sess), nil
	})
	if err != nil {
		return err
	}

	if format != "text" {
		return writeStructured(cmd.OutOrStdout(), format, report)
	}
	return writeInfoText(cmd.OutOrStdout(), report)
}

// withSession connects with a progress line and runs fn on the ready session.
func withSession[R any](cmd *cobra.Command, cfg *config.Config, logger *logrus.Logger, fn session.Callback[R]) (R, error) {
	progress := NewProgressPrinter(cmd.ErrOrStderr(),
		fmt.Sprintf("Connecting to %s", targetName(cfg)),
		session.PhaseConnecting,
		session.PhaseReady, session.PhaseFailed)
	progress.Start()
	defer progress.Stop()

	return session.Run(cmd.Context(), cfg, logger, progress.Callback(), fn)
}

func targetName(cfg *config.Config) string {
	if t := cfg.Target(); t != "" {
		return t
	}
	return "board"
}

func buildInfoReport(sess *session.Session) *orderedmap.OrderedMap[string, any] {
	report := orderedmap.New[string, any]()
	report.Set("device", sess.DeviceName())
	report.Set("firmware", sess.FirmwareVersion())
	report.Set("protocol", sess.ProtocolVersion())

	pins := make([]*orderedmap.OrderedMap[string, any], 0)
	for _, row := range sess.Pins() {
		p := orderedmap.New[string, any]()
		p.Set("pin", row.Pin)
		p.Set("label", row.Label)
		p.Set("mode", row.Mode)
		p.Set("value", row.Value)
		p.Set("modes", row.Modes)
		pins = append(pins, p)
	}
	report.Set("pins", pins)

	mapping := make([]*orderedmap.OrderedMap[string, any], 0)
	for _, ch := range sess.AnalogMapping() {
		m := orderedmap.New[string, any]()
		m.Set("channel", ch.Channel)
		m.Set("pin", ch.Pin)
		mapping = append(mapping, m)
	}
	report.Set("analog_mapping", mapping)
	return report
}

func writeInfoText(out io.Writer, report *orderedmap.OrderedMap[string, any]) error {
	for _, key := range []string{"device", "firmware", "protocol"} {
		v, _ := report.Get(key)
		fmt.Fprintf(out, "%s %v\n", labelColor.Sprintf("%-9s", strings.ToUpper(key[:1])+key[1:]+":"), v)
	}

	pinsValue, _ := report.Get("pins")
	pins, _ := pinsValue.([]*orderedmap.OrderedMap[string, any])
	fmt.Fprintln(out)
	headerColor.Fprintf(out, "Pins (%d)\n", len(pins))
	w := newTable(out)
	fmt.Fprintln(w, "  LABEL\tPIN\tMODE\tVALUE\tMODES")
	for _, p := range pins {
		label, _ := p.Get("label")
		pin, _ := p.Get("pin")
		mode, _ := p.Get("mode")
		value, _ := p.Get("value")
		modes, _ := p.Get("modes")
		fmt.Fprintf(w, "  %v\t%v\t%v\t%v\t%s\n", label, pin, mode, value, strings.Join(modes.([]string), ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	mappingValue, _ := report.Get("analog_mapping")
	mapping, _ := mappingValue.([]*orderedmap.OrderedMap[string, any])
	fmt.Fprintln(out)
	headerColor.Fprintf(out, "Analog mapping (%d)\n", len(mapping))
	for _, m := range mapping {
		ch, _ := m.Get("channel")
		pin, _ := m.Get("pin")
		fmt.Fprintf(out, "  A%v -> pin %v\n", ch, pin)
	}
	return nil
}
