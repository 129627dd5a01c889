package goble

import (
	"strings"
	"unicode"

	"github.com/go-ble/ble"
	"github.com/srg/blemsg/internal/advdata"
	"github.com/srg/blemsg/internal/device"
)

// txPowerUnavailable is what go-ble reports when the advertisement carries no Tx power.
const txPowerUnavailable = 127

// scanResult converts a go-ble advertisement. go-ble only exposes parsed fields, so the
// raw AD structures are rebuilt from them.
func scanResult(adv ble.Advertisement) device.ScanResult {
	name := adv.LocalName()
	if name == "" {
		name = nameFromManufacturerData(adv.ManufacturerData())
	}

	result := device.ScanResult{
		Address:     adv.Addr().String(),
		Name:        name,
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
	}
	if raw, err := advdata.Encode(adRecords(adv)); err == nil {
		result.Advertisement = raw
	}
	return result
}

// adRecords rebuilds AD structures from the parsed advertisement. ble.UUID already holds
// the little-endian wire bytes.
func adRecords(adv ble.Advertisement) []advdata.Record {
	var records []advdata.Record

	var uuid16, uuid32, uuid128 []byte
	for _, u := range adv.Services() {
		switch len(u) {
		case 2:
			uuid16 = append(uuid16, u...)
		case 4:
			uuid32 = append(uuid32, u...)
		case 16:
			uuid128 = append(uuid128, u...)
		}
	}
	if len(uuid16) > 0 {
		records = append(records, advdata.Record{Type: advdata.TypeComplete16BitUUIDs, Data: uuid16})
	}
	if len(uuid32) > 0 {
		records = append(records, advdata.Record{Type: advdata.TypeComplete32BitUUIDs, Data: uuid32})
	}
	if len(uuid128) > 0 {
		records = append(records, advdata.Record{Type: advdata.TypeComplete128BitUUIDs, Data: uuid128})
	}

	if name := adv.LocalName(); name != "" {
		records = append(records, advdata.Record{Type: advdata.TypeCompleteLocalName, Data: []byte(name)})
	}
	if tx := adv.TxPowerLevel(); tx != txPowerUnavailable {
		records = append(records, advdata.Record{Type: advdata.TypeTxPowerLevel, Data: []byte{byte(int8(tx))}})
	}

	for _, sd := range adv.ServiceData() {
		var t byte
		switch len(sd.UUID) {
		case 2:
			t = advdata.TypeServiceData16Bit
		case 4:
			t = advdata.TypeServiceData32Bit
		case 16:
			t = advdata.TypeServiceData128Bit
		default:
			continue
		}
		data := append(append([]byte(nil), sd.UUID...), sd.Data...)
		records = append(records, advdata.Record{Type: t, Data: data})
	}

	if md := adv.ManufacturerData(); len(md) > 0 {
		records = append(records, advdata.Record{Type: advdata.TypeManufacturerSpecificData, Data: md})
	}
	return records
}

// nameFromManufacturerData looks for an embedded ASCII device name. Many peripherals
// that omit a local name put one in their manufacturer data.
func nameFromManufacturerData(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	for i := 0; i < len(data)-3; i++ {
		if !isReadableASCII(data[i]) {
			continue
		}
		var nameBytes []byte
		for j := i; j < len(data) && j < i+32; j++ {
			if !isReadableASCII(data[j]) {
				break
			}
			nameBytes = append(nameBytes, data[j])
		}
		if name := strings.TrimSpace(string(nameBytes)); isValidDeviceName(name) {
			return name
		}
	}
	return ""
}

func isReadableASCII(b byte) bool {
	return b >= 32 && b <= 126
}

func isValidDeviceName(name string) bool {
	if len(name) < 3 || len(name) > 32 {
		return false
	}
	for _, r := range name {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
