package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

var validFormats = []string{"table", "json"}

// resolveFormat picks the --format value, falling back to the configured default.
func resolveFormat(flag, configured string) (string, error) {
	format := flag
	if format == "" {
		format = configured
	}
	for _, f := range validFormats {
		if format == f {
			return format, nil
		}
	}
	return "", fmt.Errorf("invalid format '%s': must be one of %v", format, validFormats)
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
