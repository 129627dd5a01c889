package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/blemsg/internal/device"
)

// WriteCall records one characteristic write seen by a ScriptedHandle.
type WriteCall struct {
	ServiceUUID        string
	CharacteristicUUID string
	Data               []byte
	Mode               device.WriteMode
	Token              string
}

// ScriptedPeripheral is the remote side of a ScriptedDriver connection.
type ScriptedPeripheral struct {
	mu      sync.Mutex
	Catalog device.Catalog

	// DiscoveryFailures makes the first N DiscoverServices calls fail.
	DiscoveryFailures int
	// WriteErr is returned by every write while non-nil.
	WriteErr error
	// WriteHook, when set, decides the result of each write instead of WriteErr.
	WriteHook func(call WriteCall) error
}

// SetWriteErr changes the write result while connections are live.
func (p *ScriptedPeripheral) SetWriteErr(err error) {
	p.mu.Lock()
	p.WriteErr = err
	p.mu.Unlock()
}

func (p *ScriptedPeripheral) writeResult() (func(WriteCall) error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.WriteHook, p.WriteErr
}

// ScriptedDriver is a programmable device.Driver. Scans replay Advertisements through
// the installed sink synchronously, the way the go-ble scan handler does.
//
// Basic usage:
//
//	drv := testutils.NewScriptedDriver()
//	drv.AddPeripheral("AA:BB:CC:DD:EE:FF", testutils.NewPeripheralBuilder().
//	    WithService("6e400001-b5a3-f393-e0a9-e50e24dcca9e").
//	    WithCharacteristic("6e400003-b5a3-f393-e0a9-e50e24dcca9e", "notify").
//	    BuildPeripheral())
//	drv.Advertisements = append(drv.Advertisements, testutils.NewAdvertisementBuilder().
//	    WithAddress("AA:BB:CC:DD:EE:FF").WithRSSI(-65).Build())
type ScriptedDriver struct {
	mu          sync.Mutex
	sink        device.EventSink
	peripherals map[string]*ScriptedPeripheral
	handles     []*ScriptedHandle

	Advertisements []device.ScanResult
	ScanErr        error
	ConnectErr     error
	// ConnectGate, when set, blocks Connect until it is closed or the context ends.
	ConnectGate chan struct{}
	// DisconnectOnClose reports a link drop through the sink when a handle is closed.
	DisconnectOnClose bool

	scans    int
	stops    int
	connects int
}

// NewScriptedDriver creates a driver with no peripherals.
func NewScriptedDriver() *ScriptedDriver {
	return &ScriptedDriver{peripherals: make(map[string]*ScriptedPeripheral), DisconnectOnClose: true}
}

// AddPeripheral makes address connectable.
func (d *ScriptedDriver) AddPeripheral(address string, p *ScriptedPeripheral) *ScriptedDriver {
	d.mu.Lock()
	d.peripherals[device.NormalizeAddress(address)] = p
	d.mu.Unlock()
	return d
}

func (d *ScriptedDriver) SetEventSink(sink device.EventSink) {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
}

func (d *ScriptedDriver) StartScan(_ context.Context, _ device.ScanFilter) error {
	d.mu.Lock()
	d.scans++
	err := d.ScanErr
	ads := append([]device.ScanResult(nil), d.Advertisements...)
	d.mu.Unlock()

	if err != nil {
		return err
	}
	for _, ad := range ads {
		d.Emit(device.Event{Kind: device.EventScanResult, Address: ad.Address, Scan: ad})
	}
	return nil
}

func (d *ScriptedDriver) StopScan() error {
	d.mu.Lock()
	d.stops++
	d.mu.Unlock()
	return nil
}

func (d *ScriptedDriver) Connect(ctx context.Context, address string) (device.Handle, error) {
	d.mu.Lock()
	d.connects++
	gate := d.ConnectGate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", device.ErrTimeout, ctx.Err())
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}
	p, ok := d.peripherals[device.NormalizeAddress(address)]
	if !ok {
		return nil, fmt.Errorf("%w: no peripheral at %s", device.ErrConnectionFailed, address)
	}
	h := &ScriptedHandle{driver: d, address: device.NormalizeAddress(address), peripheral: p, notify: make(map[string]bool)}
	d.handles = append(d.handles, h)
	return h, nil
}

// Emit delivers an event through the installed sink.
func (d *ScriptedDriver) Emit(ev device.Event) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// Notify pushes a characteristic value change as the peripheral would.
func (d *ScriptedDriver) Notify(address, charUUID string, data []byte) {
	d.Emit(device.Event{
		Kind:               device.EventCharacteristicChanged,
		Address:            address,
		CharacteristicUUID: charUUID,
		Data:               data,
	})
}

// DropLink reports an unexpected link loss.
func (d *ScriptedDriver) DropLink(address string, reason error) {
	d.Emit(device.Event{Kind: device.EventConnectionStateChanged, Address: address, Link: device.LinkDisconnected, Err: reason})
}

func (d *ScriptedDriver) ScanCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scans
}

func (d *ScriptedDriver) StopScanCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

func (d *ScriptedDriver) ConnectCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// Handles returns every handle handed out so far, oldest first.
func (d *ScriptedDriver) Handles() []*ScriptedHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*ScriptedHandle(nil), d.handles...)
}

// LastHandle returns the most recent handle, or nil.
func (d *ScriptedDriver) LastHandle() *ScriptedHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

// ScriptedHandle is a live connection to a ScriptedPeripheral.
type ScriptedHandle struct {
	driver     *ScriptedDriver
	address    string
	peripheral *ScriptedPeripheral

	mu          sync.Mutex
	closed      bool
	discoveries int
	writes      []WriteCall
	notify      map[string]bool
}

func (h *ScriptedHandle) Address() string { return h.address }

func (h *ScriptedHandle) DiscoverServices(ctx context.Context) (device.Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, device.ErrNotConnected
	}
	h.discoveries++
	if h.discoveries <= h.peripheral.DiscoveryFailures {
		return nil, fmt.Errorf("%w: scripted failure %d", device.ErrDiscoveryIncomplete, h.discoveries)
	}
	out := make(device.Catalog, len(h.peripheral.Catalog))
	for i, svc := range h.peripheral.Catalog {
		svc.Characteristics = append([]device.Characteristic(nil), svc.Characteristics...)
		out[i] = svc
	}
	return out, nil
}

func (h *ScriptedHandle) WriteCharacteristic(ctx context.Context, serviceUUID, charUUID string, data []byte, mode device.WriteMode) error {
	call := WriteCall{
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: charUUID,
		Data:               append([]byte(nil), data...),
		Mode:               mode,
		Token:              device.WriteToken(ctx),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return device.ErrNotConnected
	}
	h.writes = append(h.writes, call)
	h.mu.Unlock()

	hook, err := h.peripheral.writeResult()

	if hook != nil {
		return hook(call)
	}
	return err
}

func (h *ScriptedHandle) SetNotify(_ context.Context, _, charUUID string, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return device.ErrNotConnected
	}
	h.notify[device.NormalizeUUID(charUUID)] = enabled
	return nil
}

func (h *ScriptedHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if h.driver.DisconnectOnClose {
		h.driver.DropLink(h.address, nil)
	}
	return nil
}

func (h *ScriptedHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *ScriptedHandle) Discoveries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.discoveries
}

func (h *ScriptedHandle) Writes() []WriteCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]WriteCall(nil), h.writes...)
}

// NotifyEnabled reports whether notifications were switched on for charUUID.
func (h *ScriptedHandle) NotifyEnabled(charUUID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notify[device.NormalizeUUID(charUUID)]
}
