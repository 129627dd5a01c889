package advdata

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_FlagsAndAppearance(t *testing.T) {
	// GOAL: Verify the canonical flags+appearance payload decodes into two readable entries
	//
	// TEST SCENARIO: 02 01 06 03 19 C1 03 → Flags 06 with names → Appearance 0x03C1 resolved to Keyboard

	entries := Decode([]byte{0x02, 0x01, 0x06, 0x03, 0x19, 0xC1, 0x03})

	require.Len(t, entries, 2, "MUST decode exactly two entries")

	assert.Equal(t, "Flags", entries[0].Label)
	assert.Equal(t, "06 (LE General Discoverable, BR/EDR Not Supported)", entries[0].Value)

	assert.Equal(t, "Appearance", entries[1].Label)
	assert.Equal(t, "0x03C1 (Keyboard)", entries[1].Value)
}

func TestDecode_MalformedInput(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected []Entry
	}{
		{
			name:     "truncated local name stops without entries",
			input:    []byte{0x05, 0x09, 0x41, 0x42},
			expected: []Entry{},
		},
		{
			name:     "zero length terminates parsing",
			input:    []byte{0x02, 0x01, 0x06, 0x00, 0x03, 0x19, 0xC1, 0x03},
			expected: []Entry{{Type: TypeFlags, Label: "Flags", Value: "06 (LE General Discoverable, BR/EDR Not Supported)"}},
		},
		{
			name:  "valid record kept before truncated one",
			input: []byte{0x03, 0x09, 0x48, 0x69, 0x09, 0xFF, 0x4C},
			expected: []Entry{
				{Type: TypeCompleteLocalName, Label: "Complete Local Name", Value: "Hi"},
			},
		},
		{
			name:     "empty input",
			input:    nil,
			expected: []Entry{},
		},
		{
			name:     "lone length byte",
			input:    []byte{0x1F},
			expected: []Entry{},
		},
		{
			name:     "tx power without payload falls back to generic type",
			input:    []byte{0x01, 0x0A},
			expected: []Entry{{Type: TypeTxPowerLevel, Label: "Type 0x0A (0 bytes)", Value: ""}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var entries []Entry
			assert.NotPanics(t, func() { entries = Decode(tt.input) }, "decode MUST never panic")
			assert.Equal(t, tt.expected, entries)
		})
	}
}

func TestDecode_KnownTypes(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		label string
		value string
	}{
		{
			name:  "complete 16-bit service list",
			input: []byte{0x05, 0x03, 0x0F, 0x18, 0x0D, 0x18},
			label: "Complete 16-bit Service UUIDs (4 bytes)",
			value: "180F (Battery Service), 180D (Heart Rate)",
		},
		{
			name:  "incomplete 32-bit service list",
			input: []byte{0x05, 0x04, 0x78, 0x56, 0x34, 0x12},
			label: "Incomplete 32-bit Service UUIDs (4 bytes)",
			value: "12345678",
		},
		{
			name: "complete 128-bit service list with reversed byte order",
			input: []byte{0x11, 0x07,
				0x9E, 0xCA, 0xDC, 0x24, 0x0E, 0xE5, 0xA9, 0xE0, 0x93, 0xF3, 0xA3, 0xB5, 0x01, 0x00, 0x40, 0x6E},
			label: "Complete 128-bit Service UUIDs (16 bytes)",
			value: "6E400001-B5A3-F393-E0A9-E50E24DCCA9E (Nordic UART Service)",
		},
		{
			name:  "short local name",
			input: []byte{0x04, 0x08, 0x42, 0x4C, 0x45},
			label: "Short Local Name",
			value: "BLE",
		},
		{
			name:  "negative tx power",
			input: []byte{0x02, 0x0A, 0xF4},
			label: "Tx Power Level",
			value: "-12 dBm",
		},
		{
			name:  "16-bit service data",
			input: []byte{0x04, 0x16, 0x0F, 0x18, 0x64},
			label: "Service Data 16-bit (3 bytes)",
			value: "UUID: 180F (Battery Service), Data: 64",
		},
		{
			name:  "32-bit service data without payload",
			input: []byte{0x05, 0x20, 0x01, 0x00, 0x00, 0x00},
			label: "Service Data 32-bit (4 bytes)",
			value: "UUID: 00000001",
		},
		{
			name:  "appearance without table match falls back to hex",
			input: []byte{0x03, 0x19, 0x34, 0x12},
			label: "Appearance",
			value: "0x1234",
		},
		{
			name:  "manufacturer with known company",
			input: []byte{0x05, 0xFF, 0x4C, 0x00, 0x02, 0x15},
			label: "Manufacturer Data (4 bytes)",
			value: "Company: Apple, Inc. (0x004C)\nData: 02 15",
		},
		{
			name:  "manufacturer with unknown company",
			input: []byte{0x03, 0xFF, 0xEF, 0xBE},
			label: "Manufacturer Data (2 bytes)",
			value: "Company: Unknown (0xBEEF)",
		},
		{
			name:  "unknown type",
			input: []byte{0x03, 0x2A, 0xDE, 0xAD},
			label: "Type 0x2A (2 bytes)",
			value: "DE AD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := Decode(tt.input)
			require.Len(t, entries, 1, "MUST decode exactly one entry")
			assert.Equal(t, tt.label, entries[0].Label)
			assert.Equal(t, tt.value, entries[0].Value)
		})
	}
}

func TestDecode_ManufacturerChunking(t *testing.T) {
	// GOAL: Verify long manufacturer payloads wrap into fixed-width lines
	//
	// TEST SCENARIO: 20-byte payload after company id → header + "Data:" + 16-byte line + 4-byte line

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	data := append([]byte{0x59, 0x00}, payload...)
	raw := append([]byte{byte(len(data) + 1), TypeManufacturerSpecificData}, data...)

	entries := Decode(raw)
	require.Len(t, entries, 1)

	lines := strings.Split(entries[0].Value, "\n")
	require.Len(t, lines, 4, "MUST wrap into header, label and two chunks")
	assert.Equal(t, "Company: Nordic Semiconductor ASA (0x0059)", lines[0])
	assert.Equal(t, "Data:", lines[1])
	assert.Equal(t, "  00 01 02 03 04 05 06 07 08 09 0A 0B 0C 0D 0E 0F", lines[2])
	assert.Equal(t, "  10 11 12 13", lines[3])
}

func TestParseAndEncode(t *testing.T) {
	records := []Record{
		{Type: TypeFlags, Data: []byte{0x06}},
		{Type: TypeCompleteLocalName, Data: []byte("Sensor")},
		{Type: TypeManufacturerSpecificData, Data: []byte{0x4C, 0x00, 0x01}},
	}

	raw, err := Encode(records)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x01, 0x06, 0x07, 0x09, 'S', 'e', 'n', 's', 'o', 'r', 0x04, 0xFF, 0x4C, 0x00, 0x01}, raw)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, records, parsed)
}

func TestParse_TruncatedReportsError(t *testing.T) {
	records, err := Parse([]byte{0x02, 0x01, 0x06, 0x05, 0x09, 0x41, 0x42})

	var truncated *TruncatedError
	require.ErrorAs(t, err, &truncated, "MUST report truncation")
	assert.Equal(t, 3, truncated.Offset)
	assert.Equal(t, 5, truncated.Length)
	assert.Equal(t, 3, truncated.Remaining)
	assert.Equal(t, []Record{{Type: TypeFlags, Data: []byte{0x06}}}, records, "records before truncation MUST be kept")
}

func TestEncode_RejectsOversizedRecord(t *testing.T) {
	_, err := Encode([]Record{{Type: TypeManufacturerSpecificData, Data: make([]byte, 255)}})
	assert.Error(t, err)
}
