package testutils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/blemsg/internal/advdata"
	"github.com/srg/blemsg/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertisementBuilder_EncodesRecords(t *testing.T) {
	// GOAL: Verify built scan results carry advertising data that parses back to the configured fields
	//
	// TEST SCENARIO: name, flags, services, service data and manufacturer data → encode → parse → records match

	ad := NewAdvertisementBuilder().
		WithAddress("aa:bb:cc:dd:ee:01").
		WithName("Thermo").
		WithFlags(advdata.FlagLEGeneralDiscoverable | advdata.FlagBREDRNotSupported).
		WithServices("180F", "6e400001-b5a3-f393-e0a9-e50e24dcca9e").
		WithServiceData("181A", []byte{0x01}).
		WithManufacturerData([]byte{0x4C, 0x00, 0x02}).
		Build()

	assert.Equal(t, "aa:bb:cc:dd:ee:01", ad.Address)
	assert.Equal(t, "Thermo", ad.Name)
	assert.Equal(t, -50, ad.RSSI, "default RSSI MUST be -50")
	assert.True(t, ad.Connectable)

	records, err := advdata.Parse(ad.Advertisement)
	require.NoError(t, err, "built advertisement MUST parse")

	byType := make(map[byte][]byte, len(records))
	for _, r := range records {
		byType[r.Type] = r.Data
	}
	assert.Equal(t, []byte{0x06}, byType[advdata.TypeFlags])
	assert.Equal(t, []byte{0x0F, 0x18}, byType[advdata.TypeComplete16BitUUIDs], "16-bit UUIDs MUST be little-endian")
	assert.Len(t, byType[advdata.TypeComplete128BitUUIDs], 16)
	assert.Equal(t, []byte("Thermo"), byType[advdata.TypeCompleteLocalName])
	assert.Equal(t, []byte{0x1A, 0x18, 0x01}, byType[advdata.TypeServiceData16Bit])
	assert.Equal(t, []byte{0x4C, 0x00, 0x02}, byType[advdata.TypeManufacturerSpecificData])
}

func TestAdvertisementBuilder_FromJSON(t *testing.T) {
	ad := NewAdvertisementBuilder().
		FromJSON(`{"name": %q, "address": "11:22:33:44:55:66", "rssi": -80, "connectable": false}`, "Lamp").
		Build()

	assert.Equal(t, "Lamp", ad.Name)
	assert.Equal(t, -80, ad.RSSI)
	assert.False(t, ad.Connectable)
}

func TestPeripheralBuilder_Catalog(t *testing.T) {
	tests := []struct {
		name      string
		builder   *PeripheralBuilder
		wantChars int
		wantProps device.Properties
	}{
		{
			name:      "explicit properties",
			builder:   NewPeripheralBuilder().WithService("180F").WithCharacteristic("2A19", "read,notify"),
			wantChars: 1,
			wantProps: device.PropRead | device.PropNotify,
		},
		{
			name:      "default properties",
			builder:   NewPeripheralBuilder().WithService("180D").WithCharacteristic("2A37", ""),
			wantChars: 1,
			wantProps: device.PropRead | device.PropWrite | device.PropNotify,
		},
		{
			name: "json profile",
			builder: NewPeripheralBuilder().FromJSON(`{"services": [{"uuid": "180A", "characteristics": [
				{"uuid": "2A29", "properties": "read"}, {"uuid": "2A24", "properties": "read"}]}]}`),
			wantChars: 2,
			wantProps: device.PropRead,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog := tt.builder.Build()
			require.Len(t, catalog, 1)
			require.Len(t, catalog[0].Characteristics, tt.wantChars)
			for _, c := range catalog[0].Characteristics {
				assert.Equal(t, tt.wantProps, c.Properties)
				assert.Equal(t, catalog[0].UUID, c.ServiceUUID, "characteristic MUST belong to its service")
			}
		})
	}
}

func TestPeripheralBuilder_WithCharacteristicWithoutService(t *testing.T) {
	assert.Panics(t, func() {
		NewPeripheralBuilder().WithCharacteristic("2A19", "read")
	})
}

func TestScriptedDriver_ConnectAndDiscover(t *testing.T) {
	// GOAL: Verify the scripted driver serves the configured catalog after the scripted failures
	//
	// TEST SCENARIO: two failures configured → two incomplete errors → catalog on third attempt

	drv := NewScriptedDriver()
	drv.AddPeripheral("AA:BB:CC:DD:EE:FF", NewPeripheralBuilder().
		WithService("180F").
		WithCharacteristic("2A19", "read,notify").
		WithDiscoveryFailures(2).
		BuildPeripheral())

	h, err := drv.Connect(context.Background(), "aabbccddeeff")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := h.DiscoverServices(context.Background())
		assert.ErrorIs(t, err, device.ErrDiscoveryIncomplete, "scripted failure %d MUST be incomplete", i+1)
	}
	catalog, err := h.DiscoverServices(context.Background())
	require.NoError(t, err)
	NewJSONAsserter(t).AssertCatalog(catalog, `[{"uuid": "180f", "characteristics": [{"uuid": "2a19"}]}]`)

	_, err = drv.Connect(context.Background(), "11:22:33:44:55:66")
	assert.ErrorIs(t, err, device.ErrConnectionFailed, "unknown peripheral MUST fail")
}

func TestScriptedDriver_WritesAndEvents(t *testing.T) {
	drv := NewScriptedDriver()
	p := NewPeripheralBuilder().WithService("ffe0").WithCharacteristic("ffe1", "write,notify").BuildPeripheral()
	drv.AddPeripheral("AA:BB:CC:DD:EE:FF", p)

	var events []device.Event
	drv.SetEventSink(func(ev device.Event) { events = append(events, ev) })

	h, err := drv.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	sh := h.(*ScriptedHandle)

	ctx := device.WithWriteToken(context.Background(), "msg-1")
	require.NoError(t, h.WriteCharacteristic(ctx, "ffe0", "ffe1", []byte("hi"), device.WriteWithResponse))

	p.SetWriteErr(errors.New("rejected"))
	assert.EqualError(t, h.WriteCharacteristic(ctx, "ffe0", "ffe1", []byte("again"), device.WriteWithResponse), "rejected")

	writes := sh.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "msg-1", writes[0].Token, "write token MUST be taken from the context")
	assert.Equal(t, []byte("hi"), writes[0].Data)

	require.NoError(t, h.SetNotify(context.Background(), "ffe0", "FFE1", true))
	assert.True(t, sh.NotifyEnabled("ffe1"))

	drv.Notify("AA:BB:CC:DD:EE:FF", "ffe1", []byte{0x01})
	require.NoError(t, h.Close())
	assert.True(t, sh.Closed())
	assert.ErrorIs(t, h.WriteCharacteristic(ctx, "ffe0", "ffe1", nil, device.WriteWithResponse), device.ErrNotConnected)

	require.Len(t, events, 2)
	assert.Equal(t, device.EventCharacteristicChanged, events[0].Kind)
	assert.Equal(t, device.EventConnectionStateChanged, events[1].Kind)
	assert.Equal(t, device.LinkDisconnected, events[1].Link, "closing MUST report the link drop")
}

func TestScriptedDriver_ScanEmitsAdvertisements(t *testing.T) {
	drv := NewScriptedDriver()
	drv.Advertisements = []device.ScanResult{
		NewAdvertisementBuilder().WithAddress("AA:BB:CC:DD:EE:01").Build(),
		NewAdvertisementBuilder().WithAddress("AA:BB:CC:DD:EE:02").Build(),
	}
	var seen []string
	drv.SetEventSink(func(ev device.Event) { seen = append(seen, ev.Address) })

	require.NoError(t, drv.StartScan(context.Background(), device.ScanFilter{}))
	require.NoError(t, drv.StopScan())

	assert.Equal(t, []string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"}, seen)
	assert.Equal(t, 1, drv.ScanCalls())
	assert.Equal(t, 1, drv.StopScanCalls())
}

func TestFakeClock(t *testing.T) {
	c := NewFakeClock()
	start := c.Now()
	c.Advance(90 * time.Second)
	assert.Equal(t, 90.0, c.Now().Sub(start).Seconds())
}

func TestTextAsserter_IgnoresWhitespace(t *testing.T) {
	NewTextAsserter(t).
		WithOptions(WithTrimSpace(true), WithIgnoreEmptyLines(true), WithEnableColors(false)).
		Assert("  line one\n\nline two  \n", "line one\nline two")
}

func TestJSONAsserter_Normalization(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		match    bool
	}{
		{"extra keys ignored", nil, `{"a": 1, "b": 2}`, `{"a": 1}`, true},
		{"extra keys compared", []Option{WithIgnoreExtraKeys(false)}, `{"a": 1, "b": 2}`, `{"a": 1}`, false},
		{"presence placeholder", nil, `{"id": "f3a1", "n": 1}`, `{"id": "<<PRESENCE>>", "n": 1}`, true},
		{"placeholder needs the key", nil, `{"n": 1}`, `{"id": "<<PRESENCE>>", "n": 1}`, false},
		{"null matches empty array", nil, `{"list": null}`, `{"list": []}`, true},
		{"ignored field at depth", []Option{WithIgnoredFields("ts")}, `[{"v": 1, "ts": 5}]`, `[{"v": 1, "ts": 9}]`, true},
		{"array order", []Option{WithIgnoreArrayOrder(true)}, `[2, 1]`, `[1, 2]`, true},
		{"array order kept", nil, `[2, 1]`, `[1, 2]`, false},
		{"value mismatch", nil, `{"a": 1}`, `{"a": 2}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewJSONAsserter(t).WithOptions(tt.opts...).diff(tt.actual, tt.expected)
			if tt.match {
				assert.Empty(t, diff)
			} else {
				assert.NotEmpty(t, diff, "documents MUST differ")
			}
		})
	}
}

func TestTextAsserter_DiffShowsChange(t *testing.T) {
	diff := NewTextAsserter(t).diff("a\nB\nc", "a\nb\nc")
	assert.Contains(t, diff, "-b")
	assert.Contains(t, diff, "+B")
}
