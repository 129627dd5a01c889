package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/srg/blemsg/internal/device"
	"github.com/srg/blemsg/internal/manager"
	"github.com/srg/blemsg/internal/message"
	"github.com/srg/blemsg/internal/store"
	"github.com/srg/blemsg/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type CommandsTestSuite struct {
	CommandTestSuite
}

func (s *CommandsTestSuite) TestScanTable() {
	// GOAL: Verify scan lists discovered devices strongest first
	//
	// TEST SCENARIO: two advertisements → table with Sensor above Lamp

	out := s.Run("scan")

	s.Assert().Contains(out, "NAME")
	sensor := strings.Index(out, "Sensor")
	lamp := strings.Index(out, "Lamp")
	s.Require().True(sensor >= 0 && lamp >= 0, "both devices MUST be listed:\n%s", out)
	s.Assert().Less(sensor, lamp, "stronger device MUST be listed first")
	s.Assert().Contains(out, "-60 dBm")
}

func (s *CommandsTestSuite) TestScanJSONWithNameFilter() {
	out := s.Run("scan", "--format", "json", "--name", "lam")

	var devices []device.Device
	s.Require().NoError(json.Unmarshal([]byte(out), &devices), "output MUST be JSON:\n%s", out)
	s.Require().Len(devices, 1)
	s.Assert().Equal(TestDeviceAddress2, devices[0].Address)
	s.Assert().Empty(devices[0].Advertisement, "advertisement MUST be omitted without --details")
}

func (s *CommandsTestSuite) TestScanDetails() {
	out := s.Run("scan", "--details", "--name", "sensor")
	s.Assert().Contains(out, "Complete Local Name")
}

func (s *CommandsTestSuite) TestScanFailure() {
	s.Driver.ScanErr = fmt.Errorf("%w: adapter off", device.ErrBluetoothOff)

	_, err := s.ExecuteCommand("", "scan")
	s.Require().Error(err)
	s.Assert().Equal("Bluetooth is turned off; turn it on and try again", FormatUserError(err))
}

func (s *CommandsTestSuite) TestServices() {
	// GOAL: Verify services connects, prints the catalog and disconnects
	//
	// TEST SCENARIO: NUS peripheral → "1 services, 2 characteristics" and properties listed; handle closed after

	out := s.Run("services", "000000000001")

	s.Assert().Contains(out, "1 services, 2 characteristics")
	s.Assert().Contains(out, "[WRITE_NO_RESPONSE, WRITE]")
	s.Assert().Contains(out, "[NOTIFY]")
	s.Require().NotNil(s.Driver.LastHandle())
	s.Assert().True(s.Driver.LastHandle().Closed(), "device MUST be disconnected after listing")
}

func (s *CommandsTestSuite) TestServicesJSON() {
	out := s.Run("services", TestDeviceAddress1, "--format", "json")

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"device": {"address": "00:00:00:00:00:01", "connected": true},
		"services": [{
			"uuid": "6e400001b5a3f393e0a9e50e24dcca9e",
			"characteristics": [
				{"uuid": "6e400002b5a3f393e0a9e50e24dcca9e"},
				{"uuid": "6e400003b5a3f393e0a9e50e24dcca9e"}
			]
		}]
	}`)
}

func (s *CommandsTestSuite) TestServicesUnknownDevice() {
	_, err := s.ExecuteCommand("", "services", "09:09:09:09:09:09")
	s.Assert().ErrorIs(err, device.ErrConnectionFailed)
}

func (s *CommandsTestSuite) TestChatSendsTypedLines() {
	// GOAL: Verify chat sends each typed line and waits for delivery before exiting
	//
	// TEST SCENARIO: stdin "hello" and "0a ff" after /hex → two writes; transcript shows both as sent

	out, err := s.ExecuteCommand("hello\n/hex\n0a ff\n", "chat", TestDeviceAddress1)
	s.Require().NoError(err, "chat MUST exit cleanly on EOF, output:\n%s", out)

	writes := s.Driver.LastHandle().Writes()
	s.Require().Len(writes, 2)
	s.Assert().Equal([]byte("hello"), writes[0].Data)
	s.Assert().Equal([]byte{0x0a, 0xff}, writes[1].Data)
	s.Assert().Equal(device.NormalizeUUID(nusRX), writes[0].CharacteristicUUID)

	s.Assert().Contains(out, "-> hello")
	s.Assert().Contains(out, "hex input on")
	s.Assert().Contains(out, "-> 0A FF")
}

func (s *CommandsTestSuite) TestChatReportsFailedSend() {
	s.Peripheral.SetWriteErr(errors.New("att error 0x03"))

	out, err := s.ExecuteCommand("ping\n", "chat", TestDeviceAddress1)
	s.Require().NoError(err)
	s.Assert().Contains(out, "!! ping")
	s.Assert().Contains(out, "/retry to resend")
}

func (s *CommandsTestSuite) TestChatQuit() {
	out, err := s.ExecuteCommand("/quit\nnever sent\n", "chat", TestDeviceAddress1)
	s.Require().NoError(err, out)
	s.Assert().Empty(s.Driver.LastHandle().Writes(), "lines after /quit MUST NOT be sent")
}

func (s *CommandsTestSuite) TestChatRejectsBadUUID() {
	_, err := s.ExecuteCommand("", "chat", "--char", "not-a-uuid", TestDeviceAddress1)
	s.Assert().ErrorContains(err, "invalid characteristic UUID")
	s.Assert().Zero(s.Driver.ConnectCalls(), "nothing MUST be dialed for invalid flags")
}

func (s *CommandsTestSuite) TestKnownLifecycle() {
	// GOAL: Verify known add, list and remove round-trip through the store file
	//
	// TEST SCENARIO: add lamp with a name → listed and stored → removed → store empty

	out := s.Run("known", "add", "00-00-00-00-00-02", "Desk Lamp")
	s.Assert().Contains(out, "Saved Desk Lamp (00:00:00:00:00:02)")

	records, err := store.New(s.StorePath).Load()
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Assert().Equal("Desk Lamp", records[0].Name)

	out = s.Run("known", "list")
	s.Assert().Contains(out, "Desk Lamp")
	s.Assert().Contains(out, "never")

	out = s.Run("known", "rm", TestDeviceAddress2)
	s.Assert().Contains(out, "Removed 00:00:00:00:00:02")

	out = s.Run("known", "list")
	s.Assert().Contains(out, "No known devices")

	_, err = s.ExecuteCommand("", "known", "remove", TestDeviceAddress2)
	var notFound *device.NotFoundError
	s.Assert().ErrorAs(err, &notFound, "removing an unknown device MUST fail")
}

func (s *CommandsTestSuite) TestConnectRemembersDevice() {
	s.Run("services", TestDeviceAddress1)

	out := s.Run("known", "list", "--format", "json")
	var devices []device.Device
	s.Require().NoError(json.Unmarshal([]byte(out), &devices))
	s.Require().Len(devices, 1)
	s.Assert().Equal(TestDeviceAddress1, devices[0].Address)
	s.Assert().False(devices[0].LastConnected.IsZero(), "connect MUST record last-connected time")
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}

func TestDecodeCommand(t *testing.T) {
	buf := new(strings.Builder)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"decode", "02 01 06", "0x07:09:53:65:6E:73:6F:72"})
	defer resetFlags()

	require.NoError(t, rootCmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "Flags")
	assert.Contains(t, out, "LE General Discoverable")
	assert.Contains(t, out, "Complete Local Name")
	assert.Contains(t, out, "Sensor")
}

func TestDecodeCommand_RejectsEmptyInput(t *testing.T) {
	rootCmd.SetArgs([]string{"decode", "zz"})
	rootCmd.SetOut(new(strings.Builder))
	rootCmd.SetErr(new(strings.Builder))
	defer resetFlags()

	assert.ErrorContains(t, rootCmd.Execute(), "no advertising bytes")
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"bluetooth off", fmt.Errorf("scan: %w", device.ErrBluetoothOff), "Bluetooth is turned off; turn it on and try again"},
		{"no write target", fmt.Errorf("%w on X", message.ErrNoWriteTarget), "the device has no writable characteristic; pick one with --char"},
		{"not connected", &device.ConnectionError{State: device.NotConnected, Msg: "x"}, "the device is not connected"},
		{"connect in progress", fmt.Errorf("connect: %w", &device.ConnectionError{State: device.ConnectInProgress, Msg: "x"}), "a connection to this device is already in progress"},
		{"already connected", device.ErrAlreadyConnected, "the device is already connected"},
		{"not found", &device.NotFoundError{Resource: "device", IDs: []string{"X"}}, (&device.NotFoundError{Resource: "device", IDs: []string{"X"}}).Error()},
		{"plain", errors.New("boom"), "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}

	assert.Contains(t, FormatUserError(fmt.Errorf("%w: %w", ErrConnectionLost, manager.ErrLinkLost)), "connection to the device was lost")
	assert.Contains(t, FormatUserError(device.ErrTimeout), "timed out")
}
