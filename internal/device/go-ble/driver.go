// Package goble implements device.Driver on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemsg/internal/device"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = newPlatformDevice

// Driver is a device.Driver backed by one lazily opened ble.Device.
type Driver struct {
	logger *logrus.Logger

	mu   sync.Mutex
	sink device.EventSink
	dev  ble.Device

	scanGen    uint64
	scanCancel context.CancelFunc
	scanDone   <-chan struct{}
}

// NewDriver creates a driver. The radio is opened on first use.
func NewDriver(logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Driver{logger: logger}
}

func (d *Driver) SetEventSink(sink device.EventSink) {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
}

func (d *Driver) emit(ev device.Event) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// device returns the opened radio, opening it if needed. Callers hold d.mu.
func (d *Driver) device() (ble.Device, error) {
	if d.dev != nil {
		return d.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		d.logger.WithError(err).Error("Failed to create BLE device")
		return nil, NormalizeError(err)
	}
	d.dev = dev
	return dev, nil
}

// Connect dials address and returns a live handle. Service discovery is left to the
// caller.
func (d *Driver) Connect(ctx context.Context, address string) (device.Handle, error) {
	d.mu.Lock()
	dev, err := d.device()
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	d.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Warn("Failed to dial BLE device")
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: dialing %s: %w", device.ErrTimeout, address, err)
		}
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	c := newConnection(d, client, address)
	d.logger.WithField("address", address).Info("BLE device connected")
	return c, nil
}
