package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemsg/internal/device"
	"github.com/srg/blemsg/internal/groutine"
)

const (
	// DefaultBLEWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// BLE 4.0/4.1 defines ATT_MTU of 23 bytes (20 bytes payload after ATT header overhead).
	DefaultBLEWriteChunkSize = 20

	// DefaultBLEWriteDelay is the delay between consecutive write chunks.
	DefaultBLEWriteDelay = 10 * time.Millisecond
)

type charKey struct {
	service string
	char    string
}

// connection is a live go-ble client implementing device.Handle.
type connection struct {
	driver  *Driver
	client  ble.Client
	address string
	logger  *logrus.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool

	mu         sync.RWMutex
	chars      map[charKey]*ble.Characteristic
	subscribed map[charKey]bool

	writeMutex sync.Mutex
}

func newConnection(d *Driver, client ble.Client, address string) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		driver:     d,
		client:     client,
		address:    address,
		logger:     d.logger,
		ctx:        ctx,
		cancel:     cancel,
		chars:      make(map[charKey]*ble.Characteristic),
		subscribed: make(map[charKey]bool),
	}
	c.monitor()
	return c
}

// monitor reports a link drop the local side did not ask for.
func (c *connection) monitor() {
	dc, ok := c.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		c.logger.Debug("Client does not expose Disconnected(); link loss will not be reported")
		return
	}
	groutine.Go(c.ctx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			if c.closing.Load() {
				return
			}
			c.logger.WithField("address", c.address).Warn("Peripheral reported disconnection")
			c.driver.emit(device.Event{
				Kind:    device.EventConnectionStateChanged,
				Address: c.address,
				Link:    device.LinkDisconnected,
				Err:     fmt.Errorf("%w: peripheral disconnected", device.ErrNotConnected),
			})
		case <-ctx.Done():
		}
	})
}

func (c *connection) Address() string { return c.address }

// DiscoverServices runs a full GATT discovery. go-ble's discovery does not take a
// context, so a cancelled ctx abandons the result rather than the radio operation.
func (c *connection) DiscoverServices(ctx context.Context) (device.Catalog, error) {
	if c.closing.Load() {
		return nil, device.ErrNotConnected
	}

	type result struct {
		profile *ble.Profile
		err     error
	}
	done := make(chan result, 1)
	groutine.Go(c.ctx, "ble-discover-profile", func(context.Context) {
		p, err := c.client.DiscoverProfile(true)
		done <- result{p, err}
	})

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", device.ErrDiscoveryIncomplete, ctx.Err())
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", device.ErrDiscoveryIncomplete, NormalizeError(r.err))
	}
	if r.profile == nil || len(r.profile.Services) == 0 {
		return nil, fmt.Errorf("%w: no services reported", device.ErrDiscoveryIncomplete)
	}

	chars := make(map[charKey]*ble.Characteristic)
	catalog := make(device.Catalog, 0, len(r.profile.Services))
	total := 0
	for _, bleSvc := range r.profile.Services {
		svcUUID := device.NormalizeUUID(bleSvc.UUID.String())
		list := make([]device.Characteristic, 0, len(bleSvc.Characteristics))
		for _, bleChar := range bleSvc.Characteristics {
			charUUID := device.NormalizeUUID(bleChar.UUID.String())
			chars[charKey{svcUUID, charUUID}] = bleChar
			list = append(list, device.NewCharacteristic(svcUUID, charUUID, propertiesFrom(bleChar.Property)))
		}
		total += len(list)
		catalog = append(catalog, device.NewService(svcUUID, list...))
	}

	c.mu.Lock()
	c.chars = chars
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"address":         c.address,
		"services":        len(catalog),
		"characteristics": total,
	}).Debug("Profile discovered successfully")
	return catalog, nil
}

// characteristic looks up a discovered characteristic. An empty serviceUUID matches
// the first service holding charUUID.
func (c *connection) characteristic(serviceUUID, charUUID string) (charKey, *ble.Characteristic, error) {
	svc := device.NormalizeUUID(serviceUUID)
	ch := device.NormalizeUUID(charUUID)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if svc != "" {
		if bc, ok := c.chars[charKey{svc, ch}]; ok {
			return charKey{svc, ch}, bc, nil
		}
		return charKey{}, nil, &device.NotFoundError{Resource: "characteristic", IDs: []string{serviceUUID, charUUID}}
	}
	for k, bc := range c.chars {
		if k.char == ch {
			return k, bc, nil
		}
	}
	return charKey{}, nil, &device.NotFoundError{Resource: "characteristic", IDs: []string{charUUID}}
}

// WriteCharacteristic writes data in DefaultBLEWriteChunkSize chunks. Writes on one
// connection are serialized.
func (c *connection) WriteCharacteristic(ctx context.Context, serviceUUID, charUUID string, data []byte, mode device.WriteMode) error {
	if c.closing.Load() {
		return device.ErrNotConnected
	}
	_, bc, err := c.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	noRsp := mode == device.WriteWithoutResponse
	for first := true; first || len(data) > 0; first = false {
		if !first {
			select {
			case <-time.After(DefaultBLEWriteDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		n := min(len(data), DefaultBLEWriteChunkSize)
		if err := c.client.WriteCharacteristic(bc, data[:n], noRsp); err != nil {
			return fmt.Errorf("failed to write to characteristic %s in service %s: %w", charUUID, serviceUUID, NormalizeError(err))
		}
		data = data[n:]
	}

	c.logger.WithFields(logrus.Fields{
		"char_uuid": charUUID,
		"mode":      mode,
		"token":     device.WriteToken(ctx),
	}).Debug("Characteristic written")
	return nil
}

// SetNotify subscribes to or unsubscribes from value changes. Characteristics that can
// only indicate are subscribed as indications.
func (c *connection) SetNotify(_ context.Context, serviceUUID, charUUID string, enabled bool) error {
	if c.closing.Load() {
		return device.ErrNotConnected
	}
	key, bc, err := c.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	indicate := subscribeAsIndication(bc.Property)

	if !enabled {
		err := NormalizeError(c.client.Unsubscribe(bc, indicate))
		if err == nil {
			c.mu.Lock()
			delete(c.subscribed, key)
			c.mu.Unlock()
		}
		return err
	}

	err = c.client.Subscribe(bc, indicate, func(data []byte) {
		c.driver.emit(device.Event{
			Kind:               device.EventCharacteristicChanged,
			Address:            c.address,
			ServiceUUID:        key.service,
			CharacteristicUUID: key.char,
			Data:               append([]byte(nil), data...),
			Indication:         indicate,
		})
	})
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"serviceUUID": key.service,
			"charUUID":    key.char,
			"error":       err,
		}).Error("Failed to subscribe to characteristic notifications")
		return NormalizeError(err)
	}

	c.mu.Lock()
	c.subscribed[key] = true
	c.mu.Unlock()
	c.logger.WithFields(logrus.Fields{
		"serviceUUID": key.service,
		"charUUID":    key.char,
		"indicate":    indicate,
	}).Info("Subscribed to characteristic notifications")
	return nil
}

// Close unsubscribes everything and cancels the connection. Closing twice is a no-op.
func (c *connection) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.WithField("address", c.address).Info("Disconnecting BLE device...")

	c.mu.Lock()
	subscribed := make(map[charKey]*ble.Characteristic, len(c.subscribed))
	for k := range c.subscribed {
		subscribed[k] = c.chars[k]
	}
	c.subscribed = make(map[charKey]bool)
	c.mu.Unlock()

	var unsubscribeErrors []string
	for k, bc := range subscribed {
		if bc == nil {
			continue
		}
		if err := NormalizeError(c.client.Unsubscribe(bc, subscribeAsIndication(bc.Property))); err != nil {
			unsubscribeErrors = append(unsubscribeErrors, fmt.Sprintf("%s (in service %s): %v", k.char, k.service, err))
		}
	}
	if len(unsubscribeErrors) > 0 {
		c.logger.WithField("errors", strings.Join(unsubscribeErrors, "; ")).Warn("Failed to unsubscribe from some characteristics during disconnect")
	}

	c.cancel()
	err := NormalizeError(c.client.CancelConnection())
	if err != nil {
		c.logger.WithField("error", err).Warn("BLE device disconnected with errors")
	} else {
		c.logger.Info("BLE device disconnected successfully")
	}
	return err
}
