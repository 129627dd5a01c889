package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blemsg/internal/device"
)

var knownCmd = &cobra.Command{
	Use:   "known",
	Short: "Manage remembered devices",
	Long: `Lists, adds and removes the devices remembered across runs. Devices are
also remembered automatically after a successful connection.`,
}

var knownListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remembered devices",
	Args:  cobra.NoArgs,
	RunE:  runKnownList,
}

var knownAddCmd = &cobra.Command{
	Use:   "add <device-address> [name]",
	Short: "Remember a device",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runKnownAdd,
}

var knownRemoveCmd = &cobra.Command{
	Use:     "remove <device-address>",
	Aliases: []string{"rm"},
	Short:   "Forget a device",
	Args:    cobra.ExactArgs(1),
	RunE:    runKnownRemove,
}

var knownFormat string

// errStoreDisabled is returned when no known-device store is configured.
var errStoreDisabled = errors.New("known-device store is disabled (known_devices_path is empty)")

func init() {
	knownListCmd.Flags().StringVarP(&knownFormat, "format", "f", "", "Output format (table, json)")
	knownCmd.AddCommand(knownListCmd, knownAddCmd, knownRemoveCmd)
}

func runKnownList(cmd *cobra.Command, _ []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	format, err := resolveFormat(knownFormat, s.cfg.OutputFormat)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	devices := s.mgr.KnownDevices()
	out := cmd.OutOrStdout()
	if format == "json" {
		return writeJSON(out, devices)
	}
	if len(devices) == 0 {
		fmt.Fprintln(out, "No known devices")
		return nil
	}

	t := newTable(out)
	fmt.Fprintln(t, "NAME\tADDRESS\tLAST CONNECTED")
	fmt.Fprintln(t, strings.Repeat("-", 60))
	for _, d := range devices {
		last := "never"
		if !d.LastConnected.IsZero() {
			last = d.LastConnected.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(t, "%s\t%s\t%s\n", truncate(d.DisplayName(), 24), d.Address, last)
	}
	return t.Flush()
}

func runKnownAdd(cmd *cobra.Command, args []string) error {
	if device.NormalizeAddress(args[0]) == "" {
		return fmt.Errorf("invalid device address %q", args[0])
	}
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if s.store == nil {
		return errStoreDisabled
	}
	cmd.SilenceUsage = true

	name := ""
	if len(args) > 1 {
		name = args[1]
	}
	d, err := s.mgr.AddKnown(cmd.Context(), device.NewDevice(args[0], name))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", d.DisplayName(), d.Address)
	return nil
}

func runKnownRemove(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if s.store == nil {
		return errStoreDisabled
	}
	cmd.SilenceUsage = true

	if err := s.mgr.RemoveDevice(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", device.NormalizeAddress(args[0]))
	return nil
}
