// Package bledb holds the static Bluetooth SIG lookup tables used across blemsg:
// service, characteristic and descriptor names, appearance codes and company identifiers.
//
// All lookups accept any UUID spelling understood by NormalizeUUID and return an empty
// string for unknown keys. Callers decide on the fallback rendering.
package bledb

import (
	"fmt"
	"strings"
)

// sigBaseSuffix is the Bluetooth SIG base UUID tail (0000xxxx-0000-1000-8000-00805f9b34fb).
const sigBaseSuffix = "00001000800000805f9b34fb"

// Well-known write targets used when a caller does not name a characteristic.
const (
	NordicUARTService = "6e400001b5a3f393e0a9e50e24dcca9e"
	NordicUARTWrite   = "6e400002b5a3f393e0a9e50e24dcca9e"
	NordicUARTNotify  = "6e400003b5a3f393e0a9e50e24dcca9e"
	HM10Service       = "ffe0"
	HM10Serial        = "ffe1"
)

// WellKnownWriteTargets is the ordered allow-list consulted after an exact UUID match fails.
var WellKnownWriteTargets = []string{NordicUARTWrite, HM10Serial}

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"1802": "Immediate Alert",
	"1803": "Link Loss",
	"1804": "Tx Power",
	"1805": "Current Time",
	"1809": "Health Thermometer",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1810": "Blood Pressure",
	"1812": "Human Interface Device",
	"1816": "Cycling Speed and Cadence",
	"1818": "Cycling Power",
	"181a": "Environmental Sensing",
	"181c": "User Data",
	"fe59": "Nordic DFU",

	HM10Service:       "HM-10 Serial",
	NordicUARTService: "Nordic UART Service",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a04": "Peripheral Preferred Connection Parameters",
	"2a05": "Service Changed",
	"2a06": "Alert Level",
	"2a07": "Tx Power Level",
	"2a19": "Battery Level",
	"2a1c": "Temperature Measurement",
	"2a1d": "Temperature Type",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a27": "Hardware Revision String",
	"2a28": "Software Revision String",
	"2a29": "Manufacturer Name String",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a39": "Heart Rate Control Point",
	"2a6e": "Temperature",
	"2a6f": "Humidity",

	HM10Serial:       "HM-10 Serial Data",
	NordicUARTWrite:  "UART RX",
	NordicUARTNotify: "UART TX",
}

var descriptors = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Descriptor",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
	"2905": "Characteristic Aggregate Format",
}

var appearances = map[uint16]string{
	0x0000: "Unknown",
	0x0040: "Generic Phone",
	0x0080: "Generic Computer",
	0x00C0: "Generic Watch",
	0x00C1: "Sports Watch",
	0x0100: "Generic Clock",
	0x0140: "Generic Display",
	0x0180: "Generic Remote Control",
	0x01C0: "Generic Eye-glasses",
	0x0200: "Generic Tag",
	0x0240: "Generic Keyring",
	0x0280: "Generic Media Player",
	0x02C0: "Generic Barcode Scanner",
	0x0300: "Generic Thermometer",
	0x0301: "Ear Thermometer",
	0x0340: "Generic Heart Rate Sensor",
	0x0341: "Heart Rate Belt",
	0x0380: "Generic Blood Pressure",
	0x03C0: "Generic Human Interface Device",
	0x03C1: "Keyboard",
	0x03C2: "Mouse",
	0x03C3: "Joystick",
	0x03C4: "Gamepad",
	0x0440: "Generic Glucose Meter",
	0x0480: "Generic Running Walking Sensor",
	0x04C0: "Generic Cycling",
	0x0C40: "Generic Pulse Oximeter",
	0x0C80: "Generic Weight Scale",
}

var companies = map[uint16]string{
	0x0002: "Intel Corp.",
	0x0006: "Microsoft",
	0x000D: "Texas Instruments Inc.",
	0x000F: "Broadcom Corporation",
	0x004C: "Apple, Inc.",
	0x0059: "Nordic Semiconductor ASA",
	0x0075: "Samsung Electronics Co. Ltd.",
	0x0087: "Garmin International, Inc.",
	0x00E0: "Google",
	0x0131: "Cypress Semiconductor",
	0x0157: "Anhui Huami Information Technology Co., Ltd.",
	0x0171: "Amazon.com Services, LLC",
	0x02E5: "Espressif Inc.",
	0x038F: "Xiaomi Inc.",
}

// NormalizeUUID converts a UUID into the lookup form: lowercase hex, no dashes, no braces,
// no 0x prefix. A 128-bit UUID on the Bluetooth SIG base collapses to its 16-bit alias.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.Trim(u, "{}")
	u = strings.ReplaceAll(u, "-", "")

	if len(u) == 32 && strings.HasSuffix(u, sigBaseSuffix) && strings.HasPrefix(u, "0000") {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs normalizes every UUID in the slice.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// FormatUUID renders a UUID for display: 128-bit values get 8-4-4-4-12 dash grouping,
// short aliases are returned as-is.
func FormatUUID(uuid string) string {
	u := NormalizeUUID(uuid)
	if len(u) != 32 {
		return u
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s", u[0:8], u[8:12], u[12:16], u[16:20], u[20:32])
}

// LookupService returns the assigned name of a GATT service.
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the assigned name of a GATT characteristic.
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the assigned name of a GATT descriptor.
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}

// LookupAppearanceCode returns the appearance category name for a GAP appearance value.
func LookupAppearanceCode(code uint16) string {
	return appearances[code]
}

// LookupCompany returns the Bluetooth SIG company name for a manufacturer identifier.
func LookupCompany(id uint16) string {
	return companies[id]
}
