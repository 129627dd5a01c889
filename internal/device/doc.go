// Package device defines the domain model shared by every blemsg component.
//
// It covers:
//   - Device identity and address normalization
//   - GATT catalogs with the characteristic property bitfield and write-target selection
//   - The Driver and Handle capability consumed from the platform radio
//   - The typed error taxonomy surfaced to observers
//   - Decoders for well-known characteristic and manufacturer payloads
package device
