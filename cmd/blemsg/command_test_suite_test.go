package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemsg/internal/device"
	"github.com/srg/blemsg/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent scripted device identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"

	nusService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	nusRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	nusTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// CommandTestSuite runs commands against a scripted driver and a config file in a
// temp directory. All cmd/blemsg suites embed it.
type CommandTestSuite struct {
	suite.Suite

	Driver     *testutils.ScriptedDriver
	Peripheral *testutils.ScriptedPeripheral
	ConfigPath string
	StorePath  string

	originalDriver func(*logrus.Logger) device.Driver
}

func (s *CommandTestSuite) SetupTest() {
	dir := s.T().TempDir()
	s.StorePath = filepath.Join(dir, "known.yaml")
	s.ConfigPath = filepath.Join(dir, "config.yaml")
	s.Require().NoError(os.WriteFile(s.ConfigPath, []byte(fmt.Sprintf(`
scan_duration: 50ms
connect_timeout: 2s
write_timeout: 1s
event_buffer: 256
known_devices_path: %s
services:
  min_interval: 0s
  discovery_delay: 10ms
`, s.StorePath)), 0o600))

	s.Peripheral = testutils.NewPeripheralBuilder().
		WithService(nusService).
		WithCharacteristic(nusRX, "write,write-nr").
		WithCharacteristic(nusTX, "notify").
		BuildPeripheral()
	s.Driver = testutils.NewScriptedDriver()
	s.Driver.AddPeripheral(TestDeviceAddress1, s.Peripheral)
	s.Driver.Advertisements = []device.ScanResult{
		testutils.NewAdvertisementBuilder().WithAddress(TestDeviceAddress1).WithName("Sensor").WithRSSI(-60).Build(),
		testutils.NewAdvertisementBuilder().WithAddress(TestDeviceAddress2).WithName("Lamp").WithRSSI(-80).Build(),
	}

	s.originalDriver = newDriver
	newDriver = func(*logrus.Logger) device.Driver { return s.Driver }

	resetFlags()
}

func (s *CommandTestSuite) TearDownTest() {
	newDriver = s.originalDriver
}

// resetFlags restores package-level flag variables between command runs.
func resetFlags() {
	scanDuration, scanFormat, scanDetails, scanName = 0, "", false, ""
	decodeFormat = "table"
	servicesFormat = ""
	chatHex, chatChar, chatService, chatDrainPeriod = false, "", "", 2*time.Second
	bridgeHex, bridgeChar, bridgeService, bridgeSymlink = false, "", "", ""
	knownFormat = ""
}

// ExecuteCommand runs the root command with args and stdin, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(stdin string, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append(args, "--config", s.ConfigPath))
	defer resetFlags()

	err := rootCmd.Execute()
	return buf.String(), err
}

// Run executes the command and requires it to succeed.
func (s *CommandTestSuite) Run(args ...string) string {
	s.T().Helper()
	out, err := s.ExecuteCommand("", args...)
	s.Require().NoError(err, "command %v MUST succeed, output:\n%s", args, out)
	return out
}

