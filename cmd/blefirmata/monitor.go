package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blefirmata/internal/firmata"
	"github.com/srg/blefirmata/internal/groutine"
	"github.com/srg/blefirmata/internal/metrics"
	"github.com/srg/blefirmata/internal/session"
)

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream pin reports and strings from a board",
		Long: `Enables analog and digital reporting and prints every value change, string and
unhandled sysex message the board sends, until interrupted or --duration elapses.

With --metrics-addr the Prometheus metrics of the link are served on /metrics.

Example:
  blefirmata monitor --address AA:BB:CC:DD:EE:FF --interval 100ms
  blefirmata monitor --port /dev/ttyACM0 --analog 0,1 --metrics-addr :9100`,
		Args: cobra.NoArgs,
		RunE: runMonitor,
	}
	cmd.Flags().IntSlice("analog", nil, "Analog channels to report (default: every mapped channel)")
	cmd.Flags().IntSlice("ports", nil, "Digital ports to report (default: every port)")
	cmd.Flags().Duration("interval", 0, "Sampling interval (default: board setting)")
	cmd.Flags().Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	cmd.Flags().Bool("timestamps", false, "Prefix every line with the time it was received")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	return cmd
}

type monitorOptions struct {
	analog     []int
	ports      []int
	interval   time.Duration
	duration   time.Duration
	timestamps bool
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	var opts monitorOptions
	opts.analog, _ = flags.GetIntSlice("analog")
	opts.ports, _ = flags.GetIntSlice("ports")
	opts.interval, _ = flags.GetDuration("interval")
	opts.duration, _ = flags.GetDuration("duration")
	opts.timestamps, _ = flags.GetBool("timestamps")

	if addr, _ := flags.GetString("metrics-addr"); addr != "" {
		stop, _, err := serveMetrics(addr, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	_, err = withSession(cmd, cfg, logger, func(sess *session.Session) (struct{}, error) {
		return struct{}{}, monitor(cmd.Context(), cmd.OutOrStdout(), sess, opts, logger)
	})
	return err
}

// serveMetrics starts the metrics endpoint and returns a function shutting it down.
func serveMetrics(addr string, logger *logrus.Logger) (func(), net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	router := echo.New()
	router.HideBanner = true
	router.HidePort = true
	router.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}

	groutine.Go(context.Background(), "metrics-server", func(context.Context) {
		logger.WithField("addr", lis.Addr().String()).Info("Serving metrics")
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	})
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return stop, lis.Addr(), nil
}

func monitor(ctx context.Context, out io.Writer, sess *session.Session, opts monitorOptions, logger *logrus.Logger) error {
	client := sess.Client()
	sub := client.Subscribe(0)
	defer sub.Unsubscribe()

	if opts.interval > 0 {
		if err := client.SetSamplingInterval(opts.interval); err != nil {
			return err
		}
	}

	channels := opts.analog
	if len(channels) == 0 {
		for _, ch := range sess.AnalogMapping() {
			channels = append(channels, int(ch.Channel))
		}
	}
	ports := opts.ports
	if len(ports) == 0 {
		for p := 0; p*8 < len(client.Board().Pins); p++ {
			ports = append(ports, p)
		}
	}

	// modes set before this session decide which pins digital reports update
	syncPorts := make([]uint8, 0, len(ports))
	for _, p := range ports {
		syncPorts = append(syncPorts, uint8(p))
	}
	if err := sess.SyncPorts(ctx, syncPorts...); err != nil {
		return err
	}

	for _, ch := range channels {
		if err := client.ReportAnalog(uint8(ch), true); err != nil {
			return err
		}
	}
	for _, p := range ports {
		if err := client.ReportDigital(uint8(p), true); err != nil {
			return err
		}
	}
	defer func() {
		for _, ch := range channels {
			_ = client.ReportAnalog(uint8(ch), false)
		}
		for _, p := range ports {
			_ = client.ReportDigital(uint8(p), false)
		}
	}()

	logger.WithFields(logrus.Fields{
		"analog": channels,
		"ports":  ports,
	}).Info("Monitoring board reports")

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	events := 0
	for {
		select {
		case <-ctx.Done():
			logger.WithFields(logrus.Fields{
				"events":  events,
				"dropped": sub.Dropped(),
			}).Info("Monitor stopped")
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return ErrConnectionLost
			}
			if dc, isDisconnect := ev.(firmata.DisconnectedEvent); isDisconnect {
				return fmt.Errorf("%w: %v", ErrConnectionLost, dc.Err)
			}
			events++
			if opts.timestamps {
				fmt.Fprintf(out, "%s ", time.Now().Format("15:04:05.000"))
			}
			fmt.Fprintln(out, describeEvent(ev))
		}
	}
}

func describeEvent(ev firmata.Event) string {
	if pv, ok := ev.(firmata.PinValueEvent); ok && pv.Analog && pv.Pin.AnalogChannel != firmata.NoAnalogChannel {
		return fmt.Sprintf("pin %d (A%d) = %d", pv.Pin.Number, pv.Pin.AnalogChannel, pv.Pin.Value)
	}
	return ev.String()
}
