package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blefirmata/internal/groutine"
	"github.com/srg/blefirmata/internal/scanner"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE Firmata boards",
		Long: `Scan for Bluetooth Low Energy devices and list the ones advertising a known
Firmata UART service (RedBear, Nordic UART, HM-10). Use --all to list every device.`,
		Args: cobra.NoArgs,
		RunE: runScan,
	}
	cmd.Flags().DurationP("duration", "d", 0, "Scan duration (default from config, 10s)")
	cmd.Flags().StringSliceP("services", "s", nil, "Only devices advertising one of these service UUIDs")
	cmd.Flags().StringSlice("allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSlice("block", nil, "Hide devices with these addresses")
	cmd.Flags().Bool("no-duplicates", true, "Filter duplicate advertisements")
	cmd.Flags().Bool("all", false, "Show devices without a Firmata service")
	cmd.Flags().BoolP("watch", "w", false, "Print devices as they are seen until interrupted")
	addFormatFlag(cmd)
	return cmd
}

// scanSource is where advertisements come from; nil scans with the host adapter.
var scanSource scanner.Source

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	format, err := outputFormat(cmd, cfg)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	opts := scanner.DefaultOptions()
	opts.Duration = cfg.ScanTimeout
	if flags.Changed("duration") {
		opts.Duration, _ = flags.GetDuration("duration")
	}
	opts.DuplicateFilter, _ = flags.GetBool("no-duplicates")
	opts.ServiceUUIDs, _ = flags.GetStringSlice("services")
	opts.AllowList, _ = flags.GetStringSlice("allow")
	opts.BlockList, _ = flags.GetStringSlice("block")
	all, _ := flags.GetBool("all")
	opts.FirmataOnly = !all && len(opts.ServiceUUIDs) == 0

	s := scanner.NewScanner(scanSource, logger)
	if watch, _ := flags.GetBool("watch"); watch {
		if !flags.Changed("duration") {
			opts.Duration = 0
		}
		return runWatchScan(cmd.Context(), cmd.OutOrStdout(), s, opts, logger)
	}

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", opts.Duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	devices, err := s.Scan(cmd.Context(), opts, progress.Callback())
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}
	progress.Stop()

	if format != "text" {
		return writeStructured(cmd.OutOrStdout(), format, devices)
	}
	return displayDevicesTable(cmd.OutOrStdout(), devices)
}

// runWatchScan prints one line per new or updated device until ctx ends.
func runWatchScan(ctx context.Context, out io.Writer, s *scanner.Scanner, opts *scanner.Options, logger *logrus.Logger) error {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	groutine.Go(scanCtx, "scan-watch", func(ctx context.Context) {
		_, err := s.Scan(ctx, opts, nil)
		errCh <- err
	})

	for {
		select {
		case err := <-errCh:
			// drain what was queued before the scan ended
			for {
				select {
				case ev := <-s.Events():
					printScanEvent(out, ev)
					continue
				default:
				}
				break
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("scan failed")
				return err
			}
			return nil
		case ev := <-s.Events():
			printScanEvent(out, ev)
		}
	}
}

func printScanEvent(out io.Writer, ev scanner.Event) {
	d := ev.Device
	name := d.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(out, "%s %-7s %s  %s  %d dBm  %s\n",
		d.LastSeen.Format("15:04:05"), ev.Type, d.Address, name, d.RSSI, d.Profile)
}

func displayDevicesTable(out io.Writer, devices []scanner.Advertisement) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := newTable(out)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tPROFILE\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, d := range devices {
		profile := d.Profile
		if profile == "" {
			profile = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\t%s ago\n",
			truncate(d.Name, 20), d.Address, d.RSSI, profile,
			truncate(strings.Join(d.Services, ","), 30),
			time.Since(d.LastSeen).Truncate(time.Second))
	}
	return w.Flush()
}
