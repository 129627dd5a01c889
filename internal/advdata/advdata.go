// Package advdata parses, builds and renders BLE advertising data.
//
// Advertising data is a flat sequence of AD structures:
//
//	[Length: 1 byte][Type: 1 byte][Data: Length-1 bytes]
//
// where Length covers the type byte and the data but not itself.
package advdata

import (
	"fmt"
)

// AD types from the Bluetooth Core Specification Supplement.
const (
	TypeFlags                    = 0x01
	TypeIncomplete16BitUUIDs     = 0x02
	TypeComplete16BitUUIDs       = 0x03
	TypeIncomplete32BitUUIDs     = 0x04
	TypeComplete32BitUUIDs       = 0x05
	TypeIncomplete128BitUUIDs    = 0x06
	TypeComplete128BitUUIDs      = 0x07
	TypeShortLocalName           = 0x08
	TypeCompleteLocalName        = 0x09
	TypeTxPowerLevel             = 0x0A
	TypeServiceData16Bit         = 0x16
	TypeAppearance               = 0x19
	TypeServiceData32Bit         = 0x20
	TypeServiceData128Bit        = 0x21
	TypeManufacturerSpecificData = 0xFF
)

// Flag bits carried by a TypeFlags structure.
const (
	FlagLELimitedDiscoverable   = 0x01
	FlagLEGeneralDiscoverable   = 0x02
	FlagBREDRNotSupported       = 0x04
	FlagSimultaneousLEBREDRCtrl = 0x08
	FlagSimultaneousLEBREDRHost = 0x10
)

// Record is a single AD structure.
type Record struct {
	Type byte
	Data []byte
}

// TruncatedError reports an AD structure whose declared length runs past the buffer.
type TruncatedError struct {
	Offset    int
	Length    int
	Remaining int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("AD structure at offset %d declares length %d, only %d bytes remain", e.Offset, e.Length, e.Remaining)
}

// Parse splits raw advertising data into records.
//
// A zero length byte ends the data (padding). A structure that runs past the end of the
// buffer stops parsing with a *TruncatedError; the records parsed before it are returned
// alongside the error.
func Parse(raw []byte) ([]Record, error) {
	var records []Record
	offset := 0

	for offset < len(raw) {
		length := int(raw[offset])
		if length == 0 {
			break
		}

		if offset+1+length > len(raw) {
			return records, &TruncatedError{Offset: offset, Length: length, Remaining: len(raw) - offset - 1}
		}

		data := make([]byte, length-1)
		copy(data, raw[offset+2:offset+1+length])
		records = append(records, Record{Type: raw[offset+1], Data: data})

		offset += 1 + length
	}

	return records, nil
}

// Encode serializes records back into advertising data.
func Encode(records []Record) ([]byte, error) {
	var buf []byte

	for _, r := range records {
		length := 1 + len(r.Data)
		if length > 255 {
			return nil, fmt.Errorf("AD structure 0x%02X too long: %d bytes (max 255)", r.Type, length)
		}

		buf = append(buf, byte(length), r.Type)
		buf = append(buf, r.Data...)
	}

	return buf, nil
}
