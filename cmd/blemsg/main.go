package main

import (
	"context"
	"errors"
	"fmt"
	"os"
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

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blemsg",
	Short: "Bluetooth Low Energy messaging tool",
	Long: `Bluetooth Low Energy (BLE) messaging tool that provides:

- Scan for nearby devices and decode their advertisements
- Connect and list GATT services and characteristics
- Chat with a device: send text or hex, watch notifications
- Bridge a device to a PTY for serial-like access
- Remember devices across runs

Works with any peripheral exposing a writable and a notifying characteristic,
such as the Nordic UART Service.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("blemsg {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(knownCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/blemsg/config.yaml)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
