package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func stationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stations",
		Short: "List stations associated with the interface",
		Long:  "Enumerates associated stations with STA-FIRST/STA-NEXT and prints one line per station.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MAC\tKEYID")

			reply, err := client.Request(ctx, "STA-FIRST")
			if err != nil {
				return fmt.Errorf("STA-FIRST: %w", err)
			}
			for strings.TrimSpace(reply) != "" {
				mac, keyID := splitStationRecord(reply)
				if mac == "" {
					return fmt.Errorf("unexpected station record %q", reply)
				}
				fmt.Fprintf(w, "%s\t%s\n", mac, keyID)

				reply, err = client.Request(ctx, "STA-NEXT "+mac)
				if err != nil {
					return fmt.Errorf("STA-NEXT %s: %w", mac, err)
				}
			}

			return w.Flush()
		},
	}
}

// splitStationRecord pulls the MAC (first whitespace-bounded token) and
// keyid out of a STA-* reply.
func splitStationRecord(reply string) (mac, keyID string) {
	lines := strings.Split(strings.TrimSpace(reply), "\n")
	fields := strings.Fields(lines[0])
	if len(fields) == 0 || !strings.Contains(fields[0], ":") {
		return "", ""
	}
	mac = strings.ToLower(fields[0])

	for _, line := range lines[1:] {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok && k == "keyid" {
			keyID = v
		}
	}
	return mac, keyID
}
