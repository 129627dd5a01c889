package device

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/srg/blemsg/internal/bledb"
)

const (
	// UnknownCompanyID is a sentinel value indicating the company ID should be
	// extracted from the raw manufacturer data (first 2 bytes, little-endian).
	UnknownCompanyID uint16 = 0

	// CompanyApple is the Bluetooth SIG identifier carried by iBeacon frames.
	CompanyApple uint16 = 0x004C
)

// ManufacturerDataParser parses company-specific manufacturer data
type ManufacturerDataParser func([]byte) (interface{}, error)

// VendorInfo interface allows parsed manufacturer data to expose vendor information.
type VendorInfo interface {
	VendorID() uint16
	VendorName() string
}

// manufacturerDataParsers maps company IDs to their parser functions
var manufacturerDataParsers = map[uint16]ManufacturerDataParser{
	CompanyApple: parseAppleManufacturerData,
}

// ParseManufacturerData parses BLE manufacturer data for a specific company.
//
// If companyID is UnknownCompanyID the company is taken from the first 2 bytes of
// rawData (little-endian). Returns (nil, nil) for companies without a parser.
func ParseManufacturerData(companyID uint16, rawData []byte) (interface{}, error) {
	if len(rawData) < 2 {
		return nil, fmt.Errorf("%w: manufacturer data too short: %d bytes", ErrMalformedData, len(rawData))
	}

	id := companyID
	if id == UnknownCompanyID {
		id = binary.LittleEndian.Uint16(rawData[0:2])
	}

	parser, exists := manufacturerDataParsers[id]
	if !exists {
		return nil, nil
	}

	return parser(rawData)
}

// IsParsableManufacturerData returns true if a parser exists for the company ID
func IsParsableManufacturerData(companyID uint16) bool {
	_, exists := manufacturerDataParsers[companyID]
	return exists
}

// IBeacon represents a parsed Apple iBeacon frame
//
// Format (25 bytes):
//   - Bytes 0-1:   Company ID (0x004C)
//   - Byte 2:      Beacon type (0x02)
//   - Byte 3:      Remaining length (0x15)
//   - Bytes 4-19:  Proximity UUID (big-endian)
//   - Bytes 20-21: Major (big-endian)
//   - Bytes 22-23: Minor (big-endian)
//   - Byte 24:     Measured power at 1 m (signed dBm)
type IBeacon struct {
	ProximityUUID string `json:"uuid"`
	Major         uint16 `json:"major"`
	Minor         uint16 `json:"minor"`
	MeasuredPower int    `json:"measured_power"`
}

// VendorID implements VendorInfo interface
func (b *IBeacon) VendorID() uint16 {
	return CompanyApple
}

// VendorName implements VendorInfo interface
func (b *IBeacon) VendorName() string {
	return bledb.LookupCompany(CompanyApple)
}

func (b *IBeacon) String() string {
	return fmt.Sprintf("iBeacon %s major=%d minor=%d power=%d dBm", b.ProximityUUID, b.Major, b.Minor, b.MeasuredPower)
}

// parseAppleManufacturerData recognizes iBeacon frames; other Apple payloads are opaque.
func parseAppleManufacturerData(data []byte) (interface{}, error) {
	if len(data) < 4 || data[2] != 0x02 || data[3] != 0x15 {
		return nil, nil
	}
	if len(data) < 25 {
		return nil, fmt.Errorf("%w: iBeacon frame too short: %d bytes, expected 25", ErrMalformedData, len(data))
	}

	return &IBeacon{
		ProximityUUID: bledb.FormatUUID(hex.EncodeToString(data[4:20])),
		Major:         binary.BigEndian.Uint16(data[20:22]),
		Minor:         binary.BigEndian.Uint16(data[22:24]),
		MeasuredPower: int(int8(data[24])),
	}, nil
}
