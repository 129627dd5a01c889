package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blemsg/internal/advdata"
	"github.com/srg/blemsg/internal/message"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>...",
	Short: "Decode raw advertising data",
	Long: `Decodes raw BLE advertising data given as hex, without touching the radio.

Spaces, colons and 0x prefixes are ignored, so dumps from most sniffers can be
pasted as they are.

Example:
  blemsg decode 02 01 06 09 09 53 65 6E 73 6F 72`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDecode,
}

var decodeFormat string

func init() {
	decodeCmd.Flags().StringVarP(&decodeFormat, "format", "f", "table", "Output format (table, json)")
}

func runDecode(cmd *cobra.Command, args []string) error {
	format, err := resolveFormat(decodeFormat, "table")
	if err != nil {
		return err
	}
	raw := message.DecodeHex(strings.Join(args, " "))
	if len(raw) == 0 {
		return fmt.Errorf("no advertising bytes in %q", strings.Join(args, " "))
	}
	cmd.SilenceUsage = true

	entries := advdata.Decode(raw)
	out := cmd.OutOrStdout()
	if format == "json" {
		return writeJSON(out, entries)
	}

	t := newTable(out)
	fmt.Fprintln(t, "TYPE\tFIELD\tVALUE")
	for _, e := range entries {
		for i, line := range strings.Split(e.Value, "\n") {
			if i == 0 {
				fmt.Fprintf(t, "0x%02X\t%s\t%s\n", e.Type, e.Label, line)
			} else {
				fmt.Fprintf(t, "\t\t%s\n", line)
			}
		}
	}
	return t.Flush()
}
