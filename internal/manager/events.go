package manager

import (
	"time"

	"github.com/srg/blemsg/internal/device"
	"github.com/srg/blemsg/internal/message"
)

// EventType identifies a published event.
type EventType int

const (
	EventDeviceDiscovered EventType = iota
	EventDeviceUpdated
	EventDeviceRemoved
	EventScanStarted
	EventScanStopped
	EventConnecting
	EventConnected
	EventConnectionFailed
	EventDisconnected
	EventServicesUpdated
	EventMessage
	EventLog
	EventError
)

var eventNames = map[EventType]string{
	EventDeviceDiscovered: "device-discovered",
	EventDeviceUpdated:    "device-updated",
	EventDeviceRemoved:    "device-removed",
	EventScanStarted:      "scan-started",
	EventScanStopped:      "scan-stopped",
	EventConnecting:       "connecting",
	EventConnected:        "connected",
	EventConnectionFailed: "connection-failed",
	EventDisconnected:     "disconnected",
	EventServicesUpdated:  "services-updated",
	EventMessage:          "message",
	EventLog:              "log",
	EventError:            "error",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is published to subscribers. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	DeviceID string
	Time     time.Time

	Device  device.Device    // device, connection events
	Catalog device.Catalog   // EventServicesUpdated
	Message *message.Message // EventMessage
	Log     *LogEntry        // EventLog
	Err     error            // EventConnectionFailed, EventError, unexpected EventDisconnected
}

// LogLevel grades operation log entries.
type LogLevel int

const (
	LogInfo LogLevel = iota
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	default:
		return "info"
	}
}

// LogEntry is one user-visible operation log line.
type LogEntry struct {
	Time     time.Time `json:"time"`
	Level    LogLevel  `json:"level"`
	DeviceID string    `json:"device_id,omitempty"`
	Text     string    `json:"text"`
	Error    string    `json:"error,omitempty"`
}
