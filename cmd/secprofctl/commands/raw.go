package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func rawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "raw <command>...",
		Short: "Send a raw control command and print the reply",
		Long:  "Sends the arguments, joined by spaces, as one control datagram (e.g., 'raw STATUS').",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			reply, err := client.Request(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("request: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
}
