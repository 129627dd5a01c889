package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/srg/blemsg/internal/bledb"
	"github.com/srg/blemsg/internal/device"
)

var servicesCmd = &cobra.Command{
	Use:   "services <device-address>",
	Short: "List GATT services and characteristics of a device",
	Long: `Connects to a device, discovers its GATT services and prints them with
their characteristics and properties, then disconnects.

The address may be given in any common spelling (AA:BB:CC:DD:EE:FF,
aa-bb-cc-dd-ee-ff or aabbccddeeff).`,
	Args: cobra.ExactArgs(1),
	RunE: runServices,
}

var servicesFormat string

func init() {
	servicesCmd.Flags().StringVarP(&servicesFormat, "format", "f", "", "Output format (table, json)")
}

func runServices(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	format, err := resolveFormat(servicesFormat, s.cfg.OutputFormat)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	progress := NewProgressPrinter(out, fmt.Sprintf("Connecting to %s", args[0]), "Connecting", "Connected")
	progress.Start()
	dev, catalog, err := s.connect(ctx, args[0], progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}
	defer func() { _ = s.mgr.Disconnect(context.Background()) }()

	if format == "json" {
		return writeJSON(out, struct {
			Device   device.Device  `json:"device"`
			Services device.Catalog `json:"services"`
		}{dev, catalog})
	}
	return displayCatalog(out, dev, catalog)
}

func displayCatalog(w io.Writer, dev device.Device, catalog device.Catalog) error {
	fmt.Fprintf(w, "%s (%s): %d services, %d characteristics\n",
		dev.DisplayName(), dev.Address, len(catalog), catalog.CharacteristicCount())
	if catalog.IsEmpty() {
		fmt.Fprintln(w, "No services discovered")
		return nil
	}

	t := newTable(w)
	for _, svc := range catalog {
		fmt.Fprintf(t, "\n%s\t%s\t\n", svc.DisplayName(), bledb.FormatUUID(svc.UUID))
		for _, c := range svc.Characteristics {
			fmt.Fprintf(t, "  %s\t%s\t[%s]\n", c.DisplayName(), bledb.FormatUUID(c.UUID), c.Properties)
		}
	}
	return t.Flush()
}
