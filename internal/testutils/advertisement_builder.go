package testutils

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/srg/blemsg/internal/advdata"
	"github.com/srg/blemsg/internal/device"
)

// AdvertisementBuilder builds scan results carrying real advertising data.
// Fields that are set are encoded as AD structures in a fixed order:
// flags, services, name, tx power, appearance, service data, manufacturer data.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	flags       *byte
	services    []string
	manufData   []byte
	serviceData map[string][]byte
	txPower     *int
	appearance  *uint16
	connectable bool
}

// NewAdvertisementBuilder creates a new AdvertisementBuilder with default values.
// The builder starts with connectable=true and an RSSI of -50.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		rssi:        -50,
		serviceData: make(map[string][]byte),
		connectable: true,
	}
}

// WithName sets the complete local name.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

// WithAddress sets the device address.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

// WithRSSI sets the signal strength.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithFlags sets the flags AD structure.
func (b *AdvertisementBuilder) WithFlags(flags byte) *AdvertisementBuilder {
	b.flags = &flags
	return b
}

// WithServices adds service UUIDs. Short (16-bit) and full 128-bit forms are accepted.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

// WithManufacturerData sets the manufacturer-specific data, company id included.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.manufData = data
	return b
}

// WithServiceData adds service-specific data for a 16-bit service UUID.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.serviceData[uuid] = data
	return b
}

// WithTxPower sets the transmission power level in dBm.
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.txPower = &power
	return b
}

// WithAppearance sets the GAP appearance code.
func (b *AdvertisementBuilder) WithAppearance(code uint16) *AdvertisementBuilder {
	b.appearance = &code
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var data struct {
		Name             *string           `json:"name"`
		Address          *string           `json:"address"`
		RSSI             *int              `json:"rssi"`
		Services         []string          `json:"services"`
		ManufacturerData []byte            `json:"manufacturerData"`
		ServiceData      map[string][]byte `json:"serviceData"`
		TxPower          *int              `json:"txPower"`
		Connectable      *bool             `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: failed to unmarshal: %v", err))
	}

	if data.Name != nil {
		b.name = *data.Name
	}
	if data.Address != nil {
		b.address = *data.Address
	}
	if data.RSSI != nil {
		b.rssi = *data.RSSI
	}
	b.services = append(b.services, data.Services...)
	if data.ManufacturerData != nil {
		b.manufData = data.ManufacturerData
	}
	for k, v := range data.ServiceData {
		b.serviceData[k] = v
	}
	if data.TxPower != nil {
		b.txPower = data.TxPower
	}
	if data.Connectable != nil {
		b.connectable = *data.Connectable
	}
	return b
}

// uuidLE returns the little-endian wire bytes of a 16-bit or 128-bit UUID.
func uuidLE(uuid string) []byte {
	raw, err := hex.DecodeString(strings.ReplaceAll(uuid, "-", ""))
	if err != nil || (len(raw) != 2 && len(raw) != 16) {
		panic(fmt.Sprintf("AdvertisementBuilder: invalid UUID %q", uuid))
	}
	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}
	return raw
}

// Records returns the AD structures the advertisement encodes to.
func (b *AdvertisementBuilder) Records() []advdata.Record {
	var records []advdata.Record

	if b.flags != nil {
		records = append(records, advdata.Record{Type: advdata.TypeFlags, Data: []byte{*b.flags}})
	}

	var short, long []byte
	for _, s := range b.services {
		le := uuidLE(s)
		if len(le) == 2 {
			short = append(short, le...)
		} else {
			long = append(long, le...)
		}
	}
	if len(short) > 0 {
		records = append(records, advdata.Record{Type: advdata.TypeComplete16BitUUIDs, Data: short})
	}
	if len(long) > 0 {
		records = append(records, advdata.Record{Type: advdata.TypeComplete128BitUUIDs, Data: long})
	}

	if b.name != "" {
		records = append(records, advdata.Record{Type: advdata.TypeCompleteLocalName, Data: []byte(b.name)})
	}
	if b.txPower != nil {
		records = append(records, advdata.Record{Type: advdata.TypeTxPowerLevel, Data: []byte{byte(int8(*b.txPower))}})
	}
	if b.appearance != nil {
		records = append(records, advdata.Record{Type: advdata.TypeAppearance, Data: binary.LittleEndian.AppendUint16(nil, *b.appearance)})
	}

	keys := make([]string, 0, len(b.serviceData))
	for k := range b.serviceData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data := append(uuidLE(k), b.serviceData[k]...)
		records = append(records, advdata.Record{Type: advdata.TypeServiceData16Bit, Data: data})
	}

	if b.manufData != nil {
		records = append(records, advdata.Record{Type: advdata.TypeManufacturerSpecificData, Data: b.manufData})
	}
	return records
}

// Build creates the scan result.
func (b *AdvertisementBuilder) Build() device.ScanResult {
	raw, err := advdata.Encode(b.Records())
	if err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder: %v", err))
	}
	return device.ScanResult{
		Address:       b.address,
		Name:          b.name,
		RSSI:          b.rssi,
		Connectable:   b.connectable,
		Advertisement: raw,
	}
}
