package device

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCharacteristicValue(t *testing.T) {
	energy := 300

	tests := []struct {
		name      string
		uuid      string
		value     []byte
		expected  interface{}
		expectErr bool
	}{
		{name: "battery level", uuid: "2a19", value: []byte{85}, expected: BatteryLevel{Percent: 85}},
		{name: "battery level out of range", uuid: "2A19", value: []byte{101}, expectErr: true},
		{name: "battery level wrong size", uuid: "2a19", value: []byte{1, 2}, expectErr: true},
		{
			name:     "heart rate uint8 without contact support",
			uuid:     "00002a37-0000-1000-8000-00805f9b34fb",
			value:    []byte{0x00, 75},
			expected: HeartRateMeasurement{BPM: 75, Contact: ContactUnsupported},
		},
		{
			name:     "heart rate uint16 with contact detected",
			uuid:     "2a37",
			value:    []byte{0x07, 0x2C, 0x01},
			expected: HeartRateMeasurement{BPM: 300, Contact: ContactDetected},
		},
		{
			name:     "heart rate with energy and rr intervals",
			uuid:     "2a37",
			value:    []byte{0x1E, 60, 0x2C, 0x01, 0x00, 0x04, 0x00, 0x02},
			expected: HeartRateMeasurement{BPM: 60, Contact: ContactDetected, EnergyExpended: &energy, RRIntervalsSecs: []float64{1.0, 0.5}},
		},
		{name: "heart rate truncated uint16", uuid: "2a37", value: []byte{0x01, 0x2C}, expectErr: true},
		{name: "heart rate too short", uuid: "2a37", value: []byte{0x00}, expectErr: true},
		{
			name:     "temperature measurement celsius",
			uuid:     "2a1c",
			value:    []byte{0x00, 0x6E, 0x0E, 0x00, 0xFE}, // 3694 * 10^-2
			expected: Temperature{Value: 36.94, Unit: "°C"},
		},
		{
			name:     "temperature measurement fahrenheit",
			uuid:     "2a1c",
			value:    []byte{0x01, 0xE4, 0x03, 0x00, 0xFF}, // 996 * 10^-1
			expected: Temperature{Value: 99.6, Unit: "°F"},
		},
		{name: "temperature measurement nan", uuid: "2a1c", value: []byte{0x00, 0xFF, 0xFF, 0x7F, 0x00}, expectErr: true},
		{name: "temperature sint16", uuid: "2a6e", value: []byte{0x0A, 0xF6}, expected: Temperature{Value: -25.5, Unit: "°C"}},
		{name: "appearance known", uuid: "2a01", value: []byte{0xC1, 0x03}, expected: "Keyboard"},
		{name: "appearance unknown", uuid: "2a01", value: []byte{0x34, 0x12}, expected: nil},
		{name: "no decoder", uuid: "2a29", value: []byte("ACME"), expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseCharacteristicValue(tt.uuid, tt.value)
			if tt.expectErr {
				assert.ErrorIs(t, err, ErrMalformedData)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestFormatCharacteristicValue(t *testing.T) {
	s, ok := FormatCharacteristicValue("2a19", []byte{42})
	assert.True(t, ok)
	assert.Equal(t, "42%", s)

	s, ok = FormatCharacteristicValue("2a37", []byte{0x06, 72})
	assert.True(t, ok)
	assert.Equal(t, "72 bpm, contact", s)

	_, ok = FormatCharacteristicValue("2a19", []byte{})
	assert.False(t, ok, "malformed payload MUST not format")

	_, ok = FormatCharacteristicValue("ffe1", []byte("hi"))
	assert.False(t, ok, "unknown characteristic MUST not format")

	assert.True(t, IsParsableCharacteristic("2A6E"))
	assert.False(t, IsParsableCharacteristic("ffe1"))
}

func TestDecodeFloat32IEEE11073_Infinity(t *testing.T) {
	v, err := decodeFloat32IEEE11073(0x007FFFFE)
	require.NoError(t, err)
	assert.True(t, math.IsInf(v, 1))

	v, err = decodeFloat32IEEE11073(0x00800002)
	require.NoError(t, err)
	assert.True(t, math.IsInf(v, -1))
}

func TestParseManufacturerData(t *testing.T) {
	frame := []byte{
		0x4C, 0x00, 0x02, 0x15,
		0xE2, 0xC5, 0x6D, 0xB5, 0xDF, 0xFB, 0x48, 0xD2, 0xB0, 0x60, 0xD0, 0xF5, 0xA7, 0x10, 0x96, 0xE0,
		0x00, 0x01, 0x00, 0x02, 0xC5,
	}

	parsed, err := ParseManufacturerData(UnknownCompanyID, frame)
	require.NoError(t, err)
	beacon, ok := parsed.(*IBeacon)
	require.True(t, ok, "MUST decode an iBeacon")
	assert.Equal(t, "e2c56db5-dffb-48d2-b060-d0f5a71096e0", beacon.ProximityUUID)
	assert.Equal(t, uint16(1), beacon.Major)
	assert.Equal(t, uint16(2), beacon.Minor)
	assert.Equal(t, -59, beacon.MeasuredPower)
	assert.Equal(t, "Apple, Inc.", beacon.VendorName())

	other, err := ParseManufacturerData(UnknownCompanyID, []byte{0x4C, 0x00, 0x10, 0x05})
	assert.NoError(t, err)
	assert.Nil(t, other, "non-beacon Apple payload MUST be opaque")

	_, err = ParseManufacturerData(UnknownCompanyID, frame[:10])
	assert.ErrorIs(t, err, ErrMalformedData)

	unknown, err := ParseManufacturerData(UnknownCompanyID, []byte{0xEF, 0xBE, 0x01})
	assert.NoError(t, err)
	assert.Nil(t, unknown)

	_, err = ParseManufacturerData(UnknownCompanyID, []byte{0x01})
	assert.ErrorIs(t, err, ErrMalformedData)

	assert.True(t, IsParsableManufacturerData(CompanyApple))
}
