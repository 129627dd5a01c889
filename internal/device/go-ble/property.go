package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blemsg/internal/device"
)

var propertyMap = []struct {
	ble ble.Property
	dev device.Properties
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteNoResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
	{ble.CharSignedWrite, device.PropSignedWrite},
	{ble.CharExtended, device.PropExtended},
}

// propertiesFrom converts go-ble property bits.
func propertiesFrom(p ble.Property) device.Properties {
	var out device.Properties
	for _, m := range propertyMap {
		if p&m.ble != 0 {
			out |= m.dev
		}
	}
	return out
}

// subscribeAsIndication reports whether notifications must be enabled as indications,
// which is only the case when the characteristic cannot notify.
func subscribeAsIndication(p ble.Property) bool {
	return p&ble.CharNotify == 0 && p&ble.CharIndicate != 0
}
