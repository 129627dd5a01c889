package advdata

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/srg/blemsg/internal/bledb"
)

// manufacturerChunk is the display width of wrapped manufacturer payload lines.
const manufacturerChunk = 16

// Entry is one human-readable line of a decoded advertisement.
type Entry struct {
	Type  byte   `json:"type"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// LabelError marks the single diagnostic entry produced when decoding fails unexpectedly.
const LabelError = "Error"

var flagNames = []struct {
	bit  byte
	name string
}{
	{FlagLELimitedDiscoverable, "LE Limited Discoverable"},
	{FlagLEGeneralDiscoverable, "LE General Discoverable"},
	{FlagBREDRNotSupported, "BR/EDR Not Supported"},
	{FlagSimultaneousLEBREDRCtrl, "LE+BR/EDR Controller"},
	{FlagSimultaneousLEBREDRHost, "LE+BR/EDR Host"},
}

// Decode renders raw advertising data as an ordered list of labelled entries.
//
// Decoding stops at a zero length byte or at the first structure that overruns the
// buffer, keeping what was decoded before it. Decode never panics: an unexpected
// failure is reported as a single LabelError entry.
func Decode(raw []byte) (entries []Entry) {
	defer func() {
		if r := recover(); r != nil {
			entries = []Entry{{Label: LabelError, Value: fmt.Sprintf("failed to decode advertisement: %v", r)}}
		}
	}()

	records, _ := Parse(raw)

	entries = make([]Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, decodeRecord(r))
	}
	return entries
}

func decodeRecord(r Record) Entry {
	switch r.Type {
	case TypeFlags:
		return Entry{Type: r.Type, Label: "Flags", Value: formatFlags(r.Data)}
	case TypeIncomplete16BitUUIDs, TypeComplete16BitUUIDs:
		return Entry{Type: r.Type, Label: withCount(completeness(r.Type)+" 16-bit Service UUIDs", r.Data), Value: formatUUIDList(r.Data, 2)}
	case TypeIncomplete32BitUUIDs, TypeComplete32BitUUIDs:
		return Entry{Type: r.Type, Label: withCount(completeness(r.Type)+" 32-bit Service UUIDs", r.Data), Value: formatUUIDList(r.Data, 4)}
	case TypeIncomplete128BitUUIDs, TypeComplete128BitUUIDs:
		return Entry{Type: r.Type, Label: withCount(completeness(r.Type)+" 128-bit Service UUIDs", r.Data), Value: formatUUIDList(r.Data, 16)}
	case TypeShortLocalName:
		return Entry{Type: r.Type, Label: "Short Local Name", Value: string(r.Data)}
	case TypeCompleteLocalName:
		return Entry{Type: r.Type, Label: "Complete Local Name", Value: string(r.Data)}
	case TypeTxPowerLevel:
		if len(r.Data) < 1 {
			return unknown(r)
		}
		return Entry{Type: r.Type, Label: "Tx Power Level", Value: fmt.Sprintf("%d dBm", int8(r.Data[0]))}
	case TypeServiceData16Bit:
		return Entry{Type: r.Type, Label: withCount("Service Data 16-bit", r.Data), Value: formatServiceData(r.Data, 2)}
	case TypeServiceData32Bit:
		return Entry{Type: r.Type, Label: withCount("Service Data 32-bit", r.Data), Value: formatServiceData(r.Data, 4)}
	case TypeServiceData128Bit:
		return Entry{Type: r.Type, Label: withCount("Service Data 128-bit", r.Data), Value: formatServiceData(r.Data, 16)}
	case TypeAppearance:
		if len(r.Data) < 2 {
			return unknown(r)
		}
		return Entry{Type: r.Type, Label: "Appearance", Value: FormatAppearance(binary.LittleEndian.Uint16(r.Data))}
	case TypeManufacturerSpecificData:
		return Entry{Type: r.Type, Label: withCount("Manufacturer Data", r.Data), Value: formatManufacturer(r.Data)}
	default:
		return unknown(r)
	}
}

func unknown(r Record) Entry {
	return Entry{Type: r.Type, Label: withCount(fmt.Sprintf("Type 0x%02X", r.Type), r.Data), Value: hexDump(r.Data)}
}

func completeness(t byte) string {
	switch t {
	case TypeComplete16BitUUIDs, TypeComplete32BitUUIDs, TypeComplete128BitUUIDs:
		return "Complete"
	default:
		return "Incomplete"
	}
}

func withCount(label string, data []byte) string {
	if len(data) == 1 {
		return label + " (1 byte)"
	}
	return fmt.Sprintf("%s (%d bytes)", label, len(data))
}

func formatFlags(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	v := data[0]

	var names []string
	for _, f := range flagNames {
		if v&f.bit != 0 {
			names = append(names, f.name)
		}
	}

	if len(names) == 0 {
		return fmt.Sprintf("%02X", v)
	}
	return fmt.Sprintf("%02X (%s)", v, strings.Join(names, ", "))
}

// FormatAppearance renders an appearance code with its category name when known.
func FormatAppearance(code uint16) string {
	if name := bledb.LookupAppearanceCode(code); name != "" {
		return fmt.Sprintf("0x%04X (%s)", code, name)
	}
	return fmt.Sprintf("0x%04X", code)
}

// UUIDFromLE renders a little-endian UUID of 2, 4 or 16 bytes in display form.
func UUIDFromLE(b []byte) string {
	reversed := make([]byte, len(b))
	for i := range b {
		reversed[len(b)-1-i] = b[i]
	}
	s := strings.ToUpper(hex.EncodeToString(reversed))
	if len(b) == 16 {
		return fmt.Sprintf("%s-%s-%s-%s-%s", s[0:8], s[8:12], s[12:16], s[16:20], s[20:32])
	}
	return s
}

func formatUUID(b []byte) string {
	uuid := UUIDFromLE(b)
	if name := bledb.LookupService(uuid); name != "" {
		return fmt.Sprintf("%s (%s)", uuid, name)
	}
	return uuid
}

func formatUUIDList(data []byte, width int) string {
	var uuids []string
	for i := 0; i+width <= len(data); i += width {
		uuids = append(uuids, formatUUID(data[i:i+width]))
	}
	if rest := len(data) % width; rest != 0 {
		uuids = append(uuids, "trailing "+hexDump(data[len(data)-rest:]))
	}
	return strings.Join(uuids, ", ")
}

func formatServiceData(data []byte, width int) string {
	if len(data) < width {
		return hexDump(data)
	}
	value := "UUID: " + formatUUID(data[:width])
	if payload := data[width:]; len(payload) > 0 {
		value += ", Data: " + hexDump(payload)
	}
	return value
}

func formatManufacturer(data []byte) string {
	if len(data) < 2 {
		return hexDump(data)
	}

	companyID := binary.LittleEndian.Uint16(data)
	company := bledb.LookupCompany(companyID)
	if company == "" {
		company = "Unknown"
	}

	value := fmt.Sprintf("Company: %s (0x%04X)", company, companyID)

	payload := data[2:]
	if len(payload) == 0 {
		return value
	}
	if len(payload) <= manufacturerChunk {
		return value + "\nData: " + hexDump(payload)
	}

	lines := []string{value, "Data:"}
	for i := 0; i < len(payload); i += manufacturerChunk {
		end := min(i+manufacturerChunk, len(payload))
		lines = append(lines, "  "+hexDump(payload[i:end]))
	}
	return strings.Join(lines, "\n")
}

func hexDump(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, " ")
}
