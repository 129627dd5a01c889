package device

import (
	"context"
)

// WriteMode selects between acknowledged and unacknowledged characteristic writes
type WriteMode int

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

func (m WriteMode) String() string {
	if m == WriteWithoutResponse {
		return "write-without-response"
	}
	return "write"
}

// ScanFilter narrows a scan
type ScanFilter struct {
	ServiceUUIDs    []string
	AllowDuplicates bool
}

// ScanResult is one advertisement sighting reported by a driver
type ScanResult struct {
	Address       string
	Name          string
	RSSI          int
	Connectable   bool
	Advertisement []byte // raw AD structures
}

// LinkState is the physical link state reported by a driver
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnected
)

func (s LinkState) String() string {
	if s == LinkConnected {
		return "connected"
	}
	return "disconnected"
}

// EventKind enumerates the driver callback surface
type EventKind int

const (
	EventScanResult EventKind = iota
	EventScanFailed
	EventConnectionStateChanged
	EventServicesDiscovered
	EventCharacteristicWritten
	EventCharacteristicChanged
)

func (k EventKind) String() string {
	switch k {
	case EventScanResult:
		return "scan-result"
	case EventScanFailed:
		return "scan-failed"
	case EventConnectionStateChanged:
		return "connection-state-changed"
	case EventServicesDiscovered:
		return "services-discovered"
	case EventCharacteristicWritten:
		return "characteristic-written"
	case EventCharacteristicChanged:
		return "characteristic-changed"
	default:
		return "unknown"
	}
}

// Event is a single driver callback. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Address string

	Scan ScanResult // EventScanResult
	Link LinkState  // EventConnectionStateChanged

	Catalog Catalog // EventServicesDiscovered

	ServiceUUID        string // EventCharacteristicWritten, EventCharacteristicChanged
	CharacteristicUUID string
	Data               []byte
	Indication         bool   // EventCharacteristicChanged pushed as indication
	Token              string // EventCharacteristicWritten correlation id

	Err error // EventScanFailed, failed EventCharacteristicWritten, unexpected link loss
}

// EventSink receives driver callbacks. Drivers may call it from any goroutine.
type EventSink func(Event)

// Driver is the platform radio capability consumed by the session core.
//
// Scan results, notifications and link changes are delivered through the sink installed
// with SetEventSink. Connect blocks until the link is up or fails.
type Driver interface {
	SetEventSink(sink EventSink)
	StartScan(ctx context.Context, filter ScanFilter) error
	StopScan() error
	Connect(ctx context.Context, address string) (Handle, error)
}

// Handle is an exclusively owned live connection. Closing it invalidates the handle.
type Handle interface {
	Address() string
	DiscoverServices(ctx context.Context) (Catalog, error)
	WriteCharacteristic(ctx context.Context, serviceUUID, charUUID string, data []byte, mode WriteMode) error
	SetNotify(ctx context.Context, serviceUUID, charUUID string, enabled bool) error
	Close() error
}

type writeTokenKey struct{}

// WithWriteToken tags a write with a correlation id. Drivers that complete writes
// asynchronously echo it back as Event.Token on EventCharacteristicWritten.
func WithWriteToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, writeTokenKey{}, token)
}

// WriteToken returns the correlation id attached by WithWriteToken, or "".
func WriteToken(ctx context.Context) string {
	token, _ := ctx.Value(writeTokenKey{}).(string)
	return token
}
