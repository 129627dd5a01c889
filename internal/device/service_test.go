package device

import (
	"encoding/json"
	"testing"

	"github.com/srg/blemsg/internal/bledb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProperties(t *testing.T) {
	tests := []struct {
		name      string
		props     Properties
		expected  string
		canWrite  bool
		canNotify bool
		writeMode WriteMode
	}{
		{name: "read only", props: PropRead, expected: "READ", writeMode: WriteWithResponse},
		{name: "write without response only", props: PropWriteNoResponse, expected: "WRITE_NO_RESPONSE", canWrite: true, writeMode: WriteWithoutResponse},
		{name: "both write kinds prefer response", props: PropWrite | PropWriteNoResponse, expected: "WRITE_NO_RESPONSE, WRITE", canWrite: true, writeMode: WriteWithResponse},
		{name: "notify and indicate", props: PropNotify | PropIndicate, expected: "NOTIFY, INDICATE", canNotify: true, writeMode: WriteWithResponse},
		{name: "raw platform bits", props: Properties(0x1A), expected: "READ, WRITE, NOTIFY", canWrite: true, canNotify: true, writeMode: WriteWithResponse},
		{name: "none", props: 0, expected: "", writeMode: WriteWithResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.props.String())
			assert.Equal(t, tt.canWrite, tt.props.CanWrite())
			assert.Equal(t, tt.canNotify, tt.props.CanNotify())
			assert.Equal(t, tt.writeMode, tt.props.WriteMode())
		})
	}
}

func TestProperties_HasIsExact(t *testing.T) {
	p := PropRead | PropNotify
	assert.True(t, p.Has(PropRead))
	assert.True(t, p.Has(PropRead|PropNotify))
	assert.False(t, p.Has(PropRead|PropWrite), "Has MUST require every bit")
	assert.False(t, p.Has(0), "zero flag MUST never match")
}

func TestParseProperties(t *testing.T) {
	p, err := ParseProperties("read, Write-NR,notify")
	require.NoError(t, err)
	assert.Equal(t, PropRead|PropWriteNoResponse|PropNotify, p)

	_, err = ParseProperties("read,teleport")
	assert.Error(t, err)

	data, err := json.Marshal(struct {
		P Properties `json:"p"`
	}{P: PropWrite | PropIndicate})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"WRITE, INDICATE"}`, string(data))

	var decoded struct {
		P Properties `json:"p"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, PropWrite|PropIndicate, decoded.P)
}

func newTestCatalog() Catalog {
	return Catalog{
		NewService("180f",
			NewCharacteristic("180f", "2a19", PropRead|PropNotify),
		),
		NewService("180d",
			NewCharacteristic("180d", "2a37", PropNotify),
			NewCharacteristic("180d", "2a39", PropWrite),
		),
		NewService(bledb.NordicUARTService,
			NewCharacteristic(bledb.NordicUARTService, bledb.NordicUARTWrite, PropWrite|PropWriteNoResponse),
			NewCharacteristic(bledb.NordicUARTService, bledb.NordicUARTNotify, PropNotify),
		),
		NewService("aaaa",
			NewCharacteristic("aaaa", "2a39", PropWriteNoResponse),
		),
	}
}

func TestCatalog_FindWritable(t *testing.T) {
	catalog := newTestCatalog()

	tests := []struct {
		name        string
		catalog     Catalog
		uuid        string
		serviceUUID string
		expected    string
		expectedSvc string
		found       bool
	}{
		{
			name:        "exact writable match",
			catalog:     catalog,
			uuid:        "00002A39-0000-1000-8000-00805F9B34FB",
			expected:    "2a39",
			expectedSvc: "180d",
			found:       true,
		},
		{
			name:        "exact match scoped to service",
			catalog:     catalog,
			uuid:        "2a39",
			serviceUUID: "aaaa",
			expected:    "2a39",
			expectedSvc: "aaaa",
			found:       true,
		},
		{
			name:        "non-writable exact match falls back to allow-list",
			catalog:     catalog,
			uuid:        "2a19",
			expected:    bledb.NordicUARTWrite,
			expectedSvc: bledb.NordicUARTService,
			found:       true,
		},
		{
			name:        "no target uses allow-list",
			catalog:     catalog,
			expected:    bledb.NordicUARTWrite,
			expectedSvc: bledb.NordicUARTService,
			found:       true,
		},
		{
			name:        "without allow-list entries first writable wins",
			catalog:     catalog[:2],
			expected:    "2a39",
			expectedSvc: "180d",
			found:       true,
		},
		{
			name:    "no writable characteristic",
			catalog: catalog[:1],
			found:   false,
		},
		{
			name:    "empty catalog",
			catalog: nil,
			found:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, ok := tt.catalog.FindWritable(tt.uuid, tt.serviceUUID)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.expected, ch.UUID)
				assert.Equal(t, tt.expectedSvc, ch.ServiceUUID)
			}
		})
	}
}

func TestCatalog_Lookup(t *testing.T) {
	catalog := newTestCatalog()

	svc, ok := catalog.Service("0000180D-0000-1000-8000-00805F9B34FB")
	require.True(t, ok)
	assert.Equal(t, "Heart Rate", svc.Name)
	assert.Equal(t, "Heart Rate", svc.DisplayName())

	ch, err := catalog.Characteristic("180f", "2A19")
	require.NoError(t, err)
	assert.Equal(t, "Battery Level", ch.Name)

	_, err = catalog.Characteristic("180f", "2a37")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, `characteristic "2a37" not found in service "180f"`, err.Error())

	assert.Equal(t, 6, catalog.CharacteristicCount())
	assert.Len(t, catalog.NotifyTargets(), 3)

	unknown := NewService("6e400001-b5a3-f393-e0a9-e50e24dcca9f")
	assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9f", unknown.DisplayName())
}
