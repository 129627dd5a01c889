package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blemsg/bridge"
	"github.com/srg/blemsg/internal/device"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Create a PTY bridge to a BLE device",
	Long: `Creates a bidirectional PTY (pseudoterminal) bridge to a BLE device,
allowing applications that expect a serial port to talk to it.

Every line written to the PTY is sent to the device as one message. Every
message the device sends back is written to the PTY as one line.

Example:
  blemsg bridge AA:BB:CC:DD:EE:FF
  blemsg bridge --symlink /tmp/ble-sensor AA:BB:CC:DD:EE:FF
  screen /tmp/ble-sensor`,
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeHex     bool
	bridgeChar    string
	bridgeService string
	bridgeSymlink string
)

func init() {
	bridgeCmd.Flags().BoolVar(&bridgeHex, "hex", false, "Exchange hex text instead of raw text")
	bridgeCmd.Flags().StringVar(&bridgeChar, "char", "", "Characteristic UUID to write to (default: first writable)")
	bridgeCmd.Flags().StringVar(&bridgeService, "service", "", "Service UUID of --char")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-device)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	for _, u := range []string{bridgeChar, bridgeService} {
		if u == "" {
			continue
		}
		if _, err := device.ValidateUUID(u); err != nil {
			return fmt.Errorf("invalid UUID: %w", err)
		}
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	progress := NewProgressPrinter(out, fmt.Sprintf("Starting bridge for %s", args[0]), "Connecting", "Running", "Failed")
	progress.Start()
	defer progress.Stop()

	_, err = bridge.Run(ctx, s.mgr, bridge.Options{
		Address:            args[0],
		Hex:                bridgeHex,
		ServiceUUID:        bridgeService,
		CharacteristicUUID: bridgeChar,
		ServicesTimeout:    s.cfg.ConnectTimeout,
		TTYSymlinkPath:     bridgeSymlink,
		Logger:             s.logger,
	}, progress.Callback(), func(b *bridge.Bridge) (struct{}, error) {
		fmt.Fprintf(out, "Bridging %s (%s) on %s\n", b.Device().DisplayName(), b.Device().Address, b.TTYName())
		if link := b.TTYSymlink(); link != "" {
			fmt.Fprintf(out, "Symlink: %s\n", link)
		}
		fmt.Fprintln(out, "Press Ctrl+C to stop.")

		select {
		case <-ctx.Done():
		case <-b.Done():
			return struct{}{}, fmt.Errorf("%w: %w", ErrConnectionLost, b.Err())
		}

		st := b.Stats()
		s.logger.WithFields(logrus.Fields{
			"sent":     st.LinesSent,
			"failed":   st.SendFailures,
			"received": st.LinesReceived,
			"dropped":  s.mgr.DroppedNotifications(),
		}).Info("Bridge shutting down...")
		return struct{}{}, nil
	})
	return err
}
