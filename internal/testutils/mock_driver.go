package testutils

import (
	"context"

	"github.com/srg/blemsg/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockDriver is a testify mock of device.Driver for tests that assert on exact
// driver interactions rather than scripted behavior.
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) SetEventSink(sink device.EventSink) {
	m.Called(sink)
}

func (m *MockDriver) StartScan(ctx context.Context, filter device.ScanFilter) error {
	args := m.Called(ctx, filter)
	return args.Error(0)
}

func (m *MockDriver) StopScan() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDriver) Connect(ctx context.Context, address string) (device.Handle, error) {
	args := m.Called(ctx, address)
	h, _ := args.Get(0).(device.Handle)
	return h, args.Error(1)
}

// MockHandle is a testify mock of device.Handle.
type MockHandle struct {
	mock.Mock
}

func (m *MockHandle) Address() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockHandle) DiscoverServices(ctx context.Context) (device.Catalog, error) {
	args := m.Called(ctx)
	catalog, _ := args.Get(0).(device.Catalog)
	return catalog, args.Error(1)
}

func (m *MockHandle) WriteCharacteristic(ctx context.Context, serviceUUID, charUUID string, data []byte, mode device.WriteMode) error {
	args := m.Called(ctx, serviceUUID, charUUID, data, mode)
	return args.Error(0)
}

func (m *MockHandle) SetNotify(ctx context.Context, serviceUUID, charUUID string, enabled bool) error {
	args := m.Called(ctx, serviceUUID, charUUID, enabled)
	return args.Error(0)
}

func (m *MockHandle) Close() error {
	args := m.Called()
	return args.Error(0)
}
