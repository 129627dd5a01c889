package manager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/blemsg/internal/device"
	"github.com/srg/blemsg/internal/manager"
	"github.com/srg/blemsg/internal/message"
	"github.com/srg/blemsg/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newMockedManager(t *testing.T, drv *testutils.MockDriver) *manager.Manager {
	t.Helper()
	drv.On("SetEventSink", mock.Anything).Return().Once()

	m, err := manager.New(manager.Options{Driver: drv, Logger: testutils.NewTestHelper(t).Logger})
	require.NoError(t, err)
	return m
}

func TestManager_StartScanFailureSkipsStop(t *testing.T) {
	// GOAL: Verify a scan the driver refused is never stopped at the driver
	//
	// TEST SCENARIO: StartScan fails with bluetooth off → error surfaced, Close does not call StopScan

	drv := &testutils.MockDriver{}
	m := newMockedManager(t, drv)
	drv.On("StartScan", mock.Anything, device.ScanFilter{}).Return(device.ErrBluetoothOff).Once()

	err := m.StartScan(context.Background(), time.Second)
	assert.ErrorIs(t, err, device.ErrBluetoothOff)
	assert.False(t, m.Scanning(), "manager MUST NOT report scanning after a refused scan")

	require.NoError(t, m.Close())
	drv.AssertExpectations(t)
	drv.AssertNotCalled(t, "StopScan")
}

func TestManager_CloseStopsActiveScan(t *testing.T) {
	drv := &testutils.MockDriver{}
	m := newMockedManager(t, drv)
	drv.On("StartScan", mock.Anything, mock.Anything).Return(nil).Once()
	drv.On("StopScan").Return(nil).Once()

	require.NoError(t, m.StartScan(context.Background(), time.Minute))
	require.NoError(t, m.Close())

	drv.AssertExpectations(t)
}

func TestManager_ConnectFailureClassified(t *testing.T) {
	drv := &testutils.MockDriver{}
	m := newMockedManager(t, drv)
	t.Cleanup(func() { _ = m.Close() })
	drv.On("Connect", mock.Anything, "AA:BB:CC:DD:EE:FF").Return(nil, errors.New("hci: busy")).Once()

	_, err := m.Connect(context.Background(), "aa-bb-cc-dd-ee-ff")

	assert.ErrorIs(t, err, device.ErrConnectionFailed, "raw driver errors MUST be classified as connection failures")
	_, connected := m.ConnectedDevice()
	assert.False(t, connected)
	drv.AssertExpectations(t)
}

func TestManager_AbandonedQueuedConnectLeavesNoTrace(t *testing.T) {
	// GOAL: Verify a connect whose caller gave up before the loop ran it never starts
	//
	// TEST SCENARIO: loop busy in StartScan → Connect(20ms) times out → loop resumes → next Connect reaches the driver

	drv := &testutils.MockDriver{}
	m := newMockedManager(t, drv)
	t.Cleanup(func() { _ = m.Close() })

	entered := make(chan struct{})
	release := make(chan struct{})
	drv.On("StartScan", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(nil).Once()
	drv.On("StopScan").Return(nil).Maybe()
	drv.On("Connect", mock.Anything, "AA:BB:CC:DD:EE:FF").Return(nil, errors.New("hci: busy")).Once()

	scanned := make(chan error, 1)
	go func() { scanned <- m.StartScan(context.Background(), time.Minute) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Connect(ctx, "AA:BB:CC:DD:EE:FF")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-scanned)

	_, err = m.Connect(context.Background(), "aa:bb:cc:dd:ee:ff")
	assert.NotErrorIs(t, err, device.ErrConnectInProgress, "an abandoned connect MUST NOT hold the session")
	assert.ErrorIs(t, err, device.ErrConnectionFailed)
	drv.AssertNumberOfCalls(t, "Connect", 1)
}

func TestManager_AbandonedQueuedSendIsNotRecorded(t *testing.T) {
	drv := &testutils.MockDriver{}
	m := newMockedManager(t, drv)
	t.Cleanup(func() { _ = m.Close() })

	entered := make(chan struct{})
	release := make(chan struct{})
	drv.On("StartScan", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(nil).Once()
	drv.On("StopScan").Return(nil).Maybe()

	scanned := make(chan error, 1)
	go func() { scanned <- m.StartScan(context.Background(), time.Minute) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.SendMessage(ctx, message.SendRequest{DeviceID: "AA:BB:CC:DD:EE:FF", Content: "ping"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-scanned)
	require.NoError(t, m.StopScan(context.Background()))

	assert.Empty(t, m.Messages("AA:BB:CC:DD:EE:FF"), "a send the caller abandoned MUST NOT be recorded")
	assert.Empty(t, m.OperationLog(), "a send the caller abandoned MUST NOT be logged")
}
