package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blefirmata/internal/firmata"
	"github.com/srg/blefirmata/internal/session"
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Send a string to the board",
		Long: `Sends the arguments, joined by spaces, as a Firmata STRING_DATA message. With --wait
the first string the board sends back is printed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSend,
	}
	cmd.Flags().Bool("wait", false, "Wait for a string reply and print it")
	return cmd
}

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the board",
		Long: `Sends SYSTEM_RESET. Boards running StandardFirmata answer with a firmware report,
which is printed when it arrives within the query timeout.`,
		Args: cobra.NoArgs,
		RunE: runReset,
	}
	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetBool("wait")

	_, err = withSession(cmd, cfg, logger, func(sess *session.Session) (struct{}, error) {
		sub := sess.Client().Subscribe(0)
		defer sub.Unsubscribe()

		if err := sess.SendString(text); err != nil {
			return struct{}{}, err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %q\n", text)
		if !wait {
			return struct{}{}, nil
		}

		ev, err := waitEvent(cmd.Context(), sub, cfg.QueryTimeout, func(ev firmata.Event) bool {
			_, ok := ev.(firmata.StringEvent)
			return ok
		})
		if err != nil {
			return struct{}{}, err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "received %q\n", ev.(firmata.StringEvent).Text)
		return struct{}{}, nil
	})
	return err
}

func runReset(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	_, err = withSession(cmd, cfg, logger, func(sess *session.Session) (struct{}, error) {
		sub := sess.Client().Subscribe(0)
		defer sub.Unsubscribe()

		if err := sess.Client().SystemReset(); err != nil {
			return struct{}{}, err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "reset sent")

		ev, err := waitEvent(cmd.Context(), sub, cfg.QueryTimeout, func(ev firmata.Event) bool {
			_, ok := ev.(firmata.FirmwareEvent)
			return ok
		})
		if err != nil {
			logger.WithError(err).Warn("No firmware report after reset")
			return struct{}{}, nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "board restarted: %s\n", ev.(firmata.FirmwareEvent).Firmware)
		return struct{}{}, nil
	})
	return err
}

// waitEvent returns the first event accepted by match.
func waitEvent(ctx context.Context, sub *firmata.Subscription, timeout time.Duration, match func(firmata.Event) bool) (firmata.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return nil, ErrConnectionLost
			}
			if match(ev) {
				return ev, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", firmata.ErrTimeout, ctx.Err())
		}
	}
}
