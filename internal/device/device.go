package device

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/srg/blemsg/internal/advdata"
)

// NotFoundError represents a lookup miss for a device, service, characteristic or message
type NotFoundError struct {
	Resource string   // "device", "service", "characteristic", "message"
	IDs      []string // One or more identifiers (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.IDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.IDs[0])
	}
	parentResource := "service"
	if e.Resource == "message" {
		parentResource = "device"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.IDs[len(e.IDs)-1], parentResource, e.IDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected      ConnectionState = "not_connected"
	AlreadyConnected  ConnectionState = "already_connected"
	ConnectInProgress ConnectionState = "connect_in_progress"
	NotInitialized    ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected      = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected  = &ConnectionError{State: AlreadyConnected}
	ErrConnectInProgress = &ConnectionError{State: ConnectInProgress}
	ErrNotInitialized    = &ConnectionError{State: NotInitialized}
)

// Failure taxonomy surfaced to observers
var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrBluetoothOff         = fmt.Errorf("bluetooth is turned off: %w", ErrTransportUnavailable)
	ErrScanFailed           = errors.New("scan failed")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrDiscoveryIncomplete  = errors.New("service discovery incomplete")
	ErrWriteFailed          = errors.New("write failed")
	ErrMalformedData        = errors.New("malformed data")
)

// Operation errors
var (
	ErrTimeout           = errors.New("timeout")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Device is a peripheral as seen by the session core. Values are snapshots: the
// manager never mutates a Device after publishing it.
type Device struct {
	Address          string          `json:"address" yaml:"address"`
	Name             string          `json:"name,omitempty" yaml:"name,omitempty"`
	RSSI             int             `json:"rssi" yaml:"-"`
	Connectable      bool            `json:"connectable" yaml:"-"`
	Connected        bool            `json:"connected" yaml:"-"`
	LastConnected    time.Time       `json:"last_connected,omitempty" yaml:"last_connected,omitempty"`
	LastSeen         time.Time       `json:"last_seen,omitempty" yaml:"-"`
	RawAdvertisement []byte          `json:"raw_advertisement,omitempty" yaml:"-"`
	Advertisement    []advdata.Entry `json:"advertisement,omitempty" yaml:"-"`
}

// NewDevice creates a device with a normalized address.
func NewDevice(address, name string) Device {
	return Device{Address: NormalizeAddress(address), Name: name}
}

// DisplayName returns the advertised name, or the address when the device is anonymous.
func (d Device) DisplayName() string {
	if strings.TrimSpace(d.Name) != "" {
		return d.Name
	}
	return d.Address
}

// Clone returns a deep copy so callers can hand the value to observers safely.
func (d Device) Clone() Device {
	c := d
	if d.RawAdvertisement != nil {
		c.RawAdvertisement = append([]byte(nil), d.RawAdvertisement...)
	}
	if d.Advertisement != nil {
		c.Advertisement = append([]advdata.Entry(nil), d.Advertisement...)
	}
	return c
}

// WithSighting returns a copy updated from a fresh scan result. The name is only replaced
// when the result carries one, since scan responses often omit it.
func (d Device) WithSighting(r ScanResult, seen time.Time) Device {
	c := d.Clone()
	if r.Name != "" {
		c.Name = r.Name
	}
	c.RSSI = r.RSSI
	c.Connectable = r.Connectable
	c.LastSeen = seen
	if r.Advertisement != nil {
		c.RawAdvertisement = append([]byte(nil), r.Advertisement...)
		c.Advertisement = decodeAdvertisement(r.Advertisement)
	}
	return c
}

// decodeAdvertisement adds a summary entry for manufacturer frames with a known layout,
// such as iBeacon, after the generic entries.
func decodeAdvertisement(raw []byte) []advdata.Entry {
	entries := advdata.Decode(raw)
	records, _ := advdata.Parse(raw)
	for _, r := range records {
		if r.Type != advdata.TypeManufacturerSpecificData {
			continue
		}
		parsed, err := ParseManufacturerData(UnknownCompanyID, r.Data)
		if err != nil || parsed == nil {
			continue
		}
		label := "Vendor Data"
		if v, ok := parsed.(VendorInfo); ok {
			label = v.VendorName()
		}
		entries = append(entries, advdata.Entry{Type: r.Type, Label: label, Value: fmt.Sprint(parsed)})
	}
	return entries
}
