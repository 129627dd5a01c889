package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/srg/blemsg/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	// GOAL: Verify address, name and last-connected survive a save/load cycle losslessly
	//
	// TEST SCENARIO: save records with nanosecond timestamps and a zero timestamp → load → identical

	path := filepath.Join(t.TempDir(), "nested", "known.yaml")
	s := New(path)

	stamp := time.Date(2024, 5, 1, 12, 30, 45, 123456789, time.UTC)
	records := []Record{
		{Address: "AA:BB:CC:DD:EE:FF", Name: "Sensor", LastConnected: stamp},
		{Address: "11:22:33:44:55:66"},
	}
	require.NoError(t, s.Save(records))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", loaded[0].Address)
	assert.Equal(t, "Sensor", loaded[0].Name)
	assert.True(t, stamp.Equal(loaded[0].LastConnected), "timestamp MUST round-trip with full precision")
	assert.True(t, loaded[1].LastConnected.IsZero())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "2024-05-01T12:30:45.123456789Z")
	assert.NotContains(t, string(raw), "name: \"\"")
}

func TestStore_LoadMissingFile(t *testing.T) {
	records, err := New(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	assert.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_LoadNormalizesAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known.yaml")
	require.NoError(t, os.WriteFile(path, []byte("devices:\n  - address: aabbccddeeff\n    name: Bare\n"), 0o644))

	records, err := New(path).Load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", records[0].Address)

	require.NoError(t, os.WriteFile(path, []byte("devices:\n  - address: aabbccddeeff\n    last_connected: yesterday\n"), 0o644))
	_, err = New(path).Load()
	assert.Error(t, err)
}

func TestStore_UpsertAndRemove(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "known.yaml"))

	require.NoError(t, s.Upsert(Record{Address: "aabbccddee01", Name: "one"}))
	require.NoError(t, s.Upsert(Record{Address: "aabbccddee02", Name: "two"}))
	require.NoError(t, s.Upsert(Record{Address: "AA-BB-CC-DD-EE-01", Name: "renamed"}))

	records, err := s.Load()
	require.NoError(t, err)
	require.Len(t, records, 2, "upsert of an existing address MUST replace in place")
	assert.Equal(t, "renamed", records[0].Name)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", records[0].Address)

	removed, err := s.Remove("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Remove("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	assert.False(t, removed)

	records, _ = s.Load()
	assert.Len(t, records, 1)
}

func TestRecord_DeviceConversion(t *testing.T) {
	stamp := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	d := device.NewDevice("aabbccddeeff", "Sensor")
	d.LastConnected = stamp
	d.RSSI = -40

	r := FromDevice(d)
	assert.Equal(t, Record{Address: "AA:BB:CC:DD:EE:FF", Name: "Sensor", LastConnected: stamp}, r)

	back := r.Device()
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", back.Address)
	assert.Equal(t, stamp, back.LastConnected)
	assert.Zero(t, back.RSSI, "volatile fields MUST NOT be persisted")
}
