package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Stream unsolicited controller events",
		Long:  "Attaches to the control socket and prints every unsolicited event until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Subscribe before ATTACH so the first events are not lost.
			sub := client.Subscribe()
			defer sub.Close()

			reply, err := client.Request(ctx, "ATTACH")
			if err != nil {
				return fmt.Errorf("ATTACH: %w", err)
			}
			if reply != "OK" {
				return fmt.Errorf("ATTACH returned %q", reply)
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-sub.Events():
					if !ok {
						return fmt.Errorf("event stream closed")
					}
					fmt.Fprintln(cmd.OutOrStdout(), ev)
				}
			}
		},
	}
}
