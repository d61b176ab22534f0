// Package commands implements the secprofctl subcommands.
//
// secprofctl speaks the hostapd control protocol directly: the same
// socket, attach, and enumeration commands the daemon's Wi-Fi monitor
// uses, exposed to a human operator.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Start9Labs/startwrt/internal/wpactrl"
)

var (
	// ctrlDir is the directory holding hostapd's control sockets.
	ctrlDir string

	// iface is the AP interface whose socket the command talks to.
	iface string

	// socketPath overrides ctrlDir/iface when set.
	socketPath string

	// verbose enables debug logging on stderr.
	verbose bool
)

// rootCmd is the top-level cobra command for secprofctl.
var rootCmd = &cobra.Command{
	Use:   "secprofctl",
	Short: "CLI for the gateway's Wi-Fi controller sockets",
	Long: "secprofctl talks to hostapd's per-interface control sockets to " +
		"enumerate stations, stream events, and send raw commands.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&ctrlDir, "ctrl-dir", "/var/run/hostapd",
		"directory holding hostapd control sockets")
	rootCmd.PersistentFlags().StringVarP(&iface, "interface", "i", "",
		"AP interface name (socket is <ctrl-dir>/<interface>)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "",
		"explicit control socket path (overrides --interface)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"log control traffic to stderr")

	rootCmd.AddCommand(stationsCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(rawCmd())
	rootCmd.AddCommand(shellCmd())
	rootCmd.AddCommand(versionCmd())
}

// openClient connects to the selected control socket.
func openClient() (*wpactrl.Client, error) {
	path := socketPath
	if path == "" {
		if iface == "" {
			return nil, fmt.Errorf("either --interface or --socket is required")
		}
		path = filepath.Join(ctrlDir, iface)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return wpactrl.Open(path, logger)
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
