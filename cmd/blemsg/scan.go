package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blemsg/internal/device"
	"github.com/srg/blemsg/internal/manager"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Devices are listed with their advertised name, address and signal strength.
Known devices are marked. With --details every advertisement is decoded
field by field.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanDetails  bool
	scanName     string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config, 10s)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanDetails, "details", false, "Decode each advertisement")
	scanCmd.Flags().StringVar(&scanName, "name", "", "Only show devices whose name contains this text")
}

func runScan(cmd *cobra.Command, _ []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	format, err := resolveFormat(scanFormat, s.cfg.OutputFormat)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := scanDuration
	if duration <= 0 {
		duration = s.cfg.ScanDuration
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	events := s.mgr.Subscribe(ctx)

	out := cmd.OutOrStdout()
	progress := NewCountdownProgressPrinter(out, "Scanning for BLE devices", "Scanning", duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	if err := s.mgr.StartScan(ctx, duration); err != nil {
		return err
	}
	scanErr := awaitScanEnd(ctx, s.mgr, events)
	progress.Callback()("Processing results")

	devices := filterByName(s.mgr.Devices(), scanName)
	if len(devices) == 0 && scanErr != nil {
		return scanErr
	}
	if scanErr != nil {
		s.logger.WithError(scanErr).Warn("Scan ended with error; showing partial results")
	}

	known := make(map[string]bool)
	for _, d := range s.mgr.KnownDevices() {
		known[d.Address] = true
	}
	return displayDevices(out, devices, known, format, scanDetails)
}

// awaitScanEnd waits for the scan to stop by itself, stopping it on cancellation.
// It returns the scan failure, if any.
func awaitScanEnd(ctx context.Context, m *manager.Manager, events <-chan manager.Event) error {
	var scanErr error
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return scanErr
			}
			switch ev.Type {
			case manager.EventError:
				scanErr = ev.Err
			case manager.EventScanStopped:
				return scanErr
			}
		case <-ctx.Done():
			_ = m.StopScan(context.Background())
			return scanErr
		}
	}
}

func filterByName(devices []device.Device, name string) []device.Device {
	if name == "" {
		return devices
	}
	needle := strings.ToLower(name)
	out := devices[:0:0]
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), needle) {
			out = append(out, d)
		}
	}
	return out
}

func displayDevices(w io.Writer, devices []device.Device, known map[string]bool, format string, details bool) error {
	// Strongest signal first, then by address for a stable order.
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].RSSI != devices[j].RSSI {
			return devices[i].RSSI > devices[j].RSSI
		}
		return devices[i].Address < devices[j].Address
	})

	if format == "json" {
		if !details {
			for i := range devices {
				devices[i].RawAdvertisement = nil
				devices[i].Advertisement = nil
			}
		}
		return writeJSON(w, devices)
	}

	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	t := newTable(w)
	fmt.Fprintln(t, "NAME\tADDRESS\tRSSI\tCONNECTABLE\tKNOWN\tLAST SEEN")
	fmt.Fprintln(t, strings.Repeat("-", 80))
	for _, d := range devices {
		lastSeen := "-"
		if !d.LastSeen.IsZero() {
			lastSeen = time.Since(d.LastSeen).Truncate(time.Second).String() + " ago"
		}
		fmt.Fprintf(t, "%s\t%s\t%d dBm\t%s\t%s\t%s\n",
			truncate(d.DisplayName(), 20), d.Address, d.RSSI, yesNo(d.Connectable), yesNo(known[d.Address]), lastSeen)
		if details {
			for _, e := range d.Advertisement {
				for i, line := range strings.Split(e.Value, "\n") {
					label := ""
					if i == 0 {
						label = e.Label
					}
					fmt.Fprintf(t, "  %s\t%s\t\t\t\t\n", label, line)
				}
			}
		}
	}
	return t.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
