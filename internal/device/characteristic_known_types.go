package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/srg/blemsg/internal/bledb"
)

// Well-known GATT characteristic UUIDs (16-bit short form, normalized without dashes)
const (
	CharacteristicAppearance             = "2a01"
	CharacteristicBatteryLevel           = "2a19"
	CharacteristicTemperatureMeasurement = "2a1c"
	CharacteristicHeartRateMeasurement   = "2a37"
	CharacteristicTemperature            = "2a6e"
)

// CharacteristicParser is a function that parses a characteristic value
type CharacteristicParser func([]byte) (interface{}, error)

// BatteryLevel is the decoded 0x2A19 value
type BatteryLevel struct {
	Percent int `json:"percent"`
}

func (b BatteryLevel) String() string {
	return fmt.Sprintf("%d%%", b.Percent)
}

// SensorContact is the contact status reported by a heart rate sensor
type SensorContact int

const (
	ContactUnsupported SensorContact = iota
	ContactNotDetected
	ContactDetected
)

// HeartRateMeasurement is the decoded 0x2A37 value
type HeartRateMeasurement struct {
	BPM             int           `json:"bpm"`
	Contact         SensorContact `json:"contact"`
	EnergyExpended  *int          `json:"energy_expended,omitempty"` // kJ
	RRIntervalsSecs []float64     `json:"rr_intervals,omitempty"`
}

func (h HeartRateMeasurement) String() string {
	parts := []string{fmt.Sprintf("%d bpm", h.BPM)}
	switch h.Contact {
	case ContactDetected:
		parts = append(parts, "contact")
	case ContactNotDetected:
		parts = append(parts, "no contact")
	}
	if h.EnergyExpended != nil {
		parts = append(parts, fmt.Sprintf("%d kJ", *h.EnergyExpended))
	}
	if len(h.RRIntervalsSecs) > 0 {
		rr := make([]string, len(h.RRIntervalsSecs))
		for i, v := range h.RRIntervalsSecs {
			rr[i] = fmt.Sprintf("%.3fs", v)
		}
		parts = append(parts, "RR "+strings.Join(rr, " "))
	}
	return strings.Join(parts, ", ")
}

// Temperature is a decoded temperature reading
type Temperature struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"` // "°C" or "°F"
}

func (t Temperature) String() string {
	return fmt.Sprintf("%.2f %s", t.Value, t.Unit)
}

// parseAppearance parses the Appearance characteristic (0x2A01) value
// Returns human-readable appearance name (e.g., "Keyboard"), or nil if unknown
func parseAppearance(value []byte) (interface{}, error) {
	if len(value) != 2 {
		return nil, fmt.Errorf("%w: appearance value must be 2 bytes, got %d", ErrMalformedData, len(value))
	}

	name := bledb.LookupAppearanceCode(binary.LittleEndian.Uint16(value))
	if name == "" {
		return nil, nil
	}

	return name, nil
}

func parseBatteryLevel(value []byte) (interface{}, error) {
	if len(value) != 1 {
		return nil, fmt.Errorf("%w: battery level must be 1 byte, got %d", ErrMalformedData, len(value))
	}
	if value[0] > 100 {
		return nil, fmt.Errorf("%w: battery level %d out of range", ErrMalformedData, value[0])
	}
	return BatteryLevel{Percent: int(value[0])}, nil
}

// parseHeartRate decodes a Heart Rate Measurement:
//
//	flags bit0: value format (0 = UINT8, 1 = UINT16)
//	flags bit1-2: sensor contact (bit2 = supported, bit1 = detected)
//	flags bit3: energy expended present (UINT16)
//	flags bit4: RR intervals present (UINT16 each, 1/1024 s)
func parseHeartRate(value []byte) (interface{}, error) {
	if len(value) < 2 {
		return nil, fmt.Errorf("%w: heart rate measurement too short: %d bytes", ErrMalformedData, len(value))
	}

	flags := value[0]
	offset := 1
	m := HeartRateMeasurement{}

	if flags&0x01 != 0 {
		if len(value) < offset+2 {
			return nil, fmt.Errorf("%w: heart rate UINT16 value truncated", ErrMalformedData)
		}
		m.BPM = int(binary.LittleEndian.Uint16(value[offset:]))
		offset += 2
	} else {
		m.BPM = int(value[offset])
		offset++
	}

	switch {
	case flags&0x04 == 0:
		m.Contact = ContactUnsupported
	case flags&0x02 != 0:
		m.Contact = ContactDetected
	default:
		m.Contact = ContactNotDetected
	}

	if flags&0x08 != 0 {
		if len(value) < offset+2 {
			return nil, fmt.Errorf("%w: energy expended truncated", ErrMalformedData)
		}
		energy := int(binary.LittleEndian.Uint16(value[offset:]))
		m.EnergyExpended = &energy
		offset += 2
	}

	if flags&0x10 != 0 {
		for ; offset+2 <= len(value); offset += 2 {
			m.RRIntervalsSecs = append(m.RRIntervalsSecs, float64(binary.LittleEndian.Uint16(value[offset:]))/1024.0)
		}
	}

	return m, nil
}

// parseTemperatureMeasurement decodes 0x2A1C: a flags byte (bit0 = Fahrenheit) followed
// by an IEEE-11073 32-bit FLOAT.
func parseTemperatureMeasurement(value []byte) (interface{}, error) {
	if len(value) < 5 {
		return nil, fmt.Errorf("%w: temperature measurement too short: %d bytes", ErrMalformedData, len(value))
	}

	v, err := decodeFloat32IEEE11073(binary.LittleEndian.Uint32(value[1:5]))
	if err != nil {
		return nil, err
	}

	unit := "°C"
	if value[0]&0x01 != 0 {
		unit = "°F"
	}
	return Temperature{Value: v, Unit: unit}, nil
}

// parseTemperature decodes 0x2A6E: sint16 in units of 0.01 °C.
func parseTemperature(value []byte) (interface{}, error) {
	if len(value) != 2 {
		return nil, fmt.Errorf("%w: temperature must be 2 bytes, got %d", ErrMalformedData, len(value))
	}
	return Temperature{Value: float64(int16(binary.LittleEndian.Uint16(value))) / 100.0, Unit: "°C"}, nil
}

func decodeFloat32IEEE11073(raw uint32) (float64, error) {
	mantissa := int32(raw & 0x00FFFFFF)
	if mantissa&0x00800000 != 0 {
		mantissa -= 0x01000000
	}
	exponent := int8(raw >> 24)

	switch raw & 0x00FFFFFF {
	case 0x007FFFFF, 0x00800000, 0x00800001:
		return 0, fmt.Errorf("%w: temperature value not available", ErrMalformedData)
	case 0x007FFFFE:
		return math.Inf(1), nil
	case 0x00800002:
		return math.Inf(-1), nil
	}

	v := float64(mantissa) * math.Pow10(int(exponent))
	return math.Round(v*1e6) / 1e6, nil
}

// characteristicParsers maps normalized characteristic UUIDs to their parser functions
var characteristicParsers = map[string]CharacteristicParser{
	CharacteristicAppearance:             parseAppearance,
	CharacteristicBatteryLevel:           parseBatteryLevel,
	CharacteristicHeartRateMeasurement:   parseHeartRate,
	CharacteristicTemperatureMeasurement: parseTemperatureMeasurement,
	CharacteristicTemperature:            parseTemperature,
}

// IsParsableCharacteristic returns true if the characteristic UUID supports value parsing
func IsParsableCharacteristic(uuid string) bool {
	_, exists := characteristicParsers[NormalizeUUID(uuid)]
	return exists
}

// ParseCharacteristicValue parses a characteristic value based on its UUID.
// Returns (nil, nil) for characteristics without a known decoder.
func ParseCharacteristicValue(uuid string, value []byte) (interface{}, error) {
	parser, exists := characteristicParsers[NormalizeUUID(uuid)]
	if !exists {
		return nil, nil
	}

	return parser(value)
}

// FormatCharacteristicValue renders a well-known characteristic value for display.
// The boolean is false when the UUID has no decoder or the payload does not decode.
func FormatCharacteristicValue(uuid string, value []byte) (string, bool) {
	parsed, err := ParseCharacteristicValue(uuid, value)
	if err != nil || parsed == nil {
		return "", false
	}
	return fmt.Sprint(parsed), true
}
