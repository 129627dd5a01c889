package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemsg/internal/device"
	"github.com/srg/blemsg/internal/message"
	"github.com/srg/blemsg/internal/registry"
	"github.com/srg/blemsg/internal/servicecache"
	"github.com/srg/blemsg/internal/session"
	"github.com/srg/blemsg/internal/store"
)

// StartScan starts a scan that stops by itself after duration (the configured scan
// duration when duration is not positive). Calling it while scanning re-arms the timer.
func (m *Manager) StartScan(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		duration = m.cfg.ScanDuration
	}

	return m.do(ctx, func() error {
		if !m.Scanning() {
			scanCtx, cancel := context.WithCancel(context.Background())
			if err := m.driver.StartScan(scanCtx, device.ScanFilter{}); err != nil {
				cancel()
				err = scanError(err)
				m.logger.WithError(err).Warn("Scan could not be started")
				m.publish(Event{Type: EventError, Err: err})
				m.appendLog(LogError, "", "Scan failed", err)
				return err
			}
			m.scanCancel = cancel
			m.setScanning(true)
			m.publish(Event{Type: EventScanStarted})
			m.logger.WithField("duration", duration).Info("Scan started")
		}

		if m.scanTimer != nil {
			m.scanTimer.Stop()
		}
		m.scanGen++
		gen := m.scanGen
		m.scanTimer = time.AfterFunc(duration, func() {
			m.post(func() {
				if m.scanGen == gen {
					_ = m.stopScan()
				}
			})
		})
		return nil
	})
}

// StopScan cancels the auto-stop timer and stops the driver scan. Stopping when not
// scanning is a no-op.
func (m *Manager) StopScan(ctx context.Context) error {
	return m.do(ctx, m.stopScan)
}

func (m *Manager) stopScan() error {
	if !m.Scanning() {
		return nil
	}
	m.scanGen++
	if m.scanTimer != nil {
		m.scanTimer.Stop()
		m.scanTimer = nil
	}
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	err := m.driver.StopScan()
	m.setScanning(false)
	m.publish(Event{Type: EventScanStopped})
	m.logger.WithField("devices", m.discovered.Len()).Info("Scan stopped")

	if err != nil {
		return scanError(err)
	}
	return nil
}

// Connect connects to id, given in any address spelling. Connecting to the device that
// is already connected re-publishes Connected without touching the driver. A different
// connected device is disconnected first.
func (m *Manager) Connect(ctx context.Context, id string) (device.Device, error) {
	addr := device.NormalizeAddress(id)
	if addr == "" {
		return device.Device{}, &device.NotFoundError{Resource: "device", IDs: []string{id}}
	}

	var (
		s       *session.Session
		attempt uint64
		target  device.Device
		already bool
		dialCtx context.Context
		stop    context.CancelFunc
	)
	err := m.do(ctx, func() error {
		target = m.resolveDevice(id)
		s = m.sessionFor(addr)

		if s.State() == session.Connected {
			already = true
			if d, ok := m.ConnectedDevice(); ok && d.Address == addr {
				target = d
			}
			m.logger.WithField("address", addr).Debug("Already connected")
			m.publish(Event{Type: EventConnected, DeviceID: addr, Device: target})
			return nil
		}

		if m.current != "" && m.current != addr {
			m.logger.WithFields(logrus.Fields{
				"address":  addr,
				"previous": m.current,
			}).Info("Disconnecting previous device")
			if prev, ok := m.sessions.Get(m.current); ok {
				_ = prev.BeginDisconnect()
			}
			m.teardown(m.current, nil)
		}

		a, err := s.BeginConnect()
		if err != nil {
			return err
		}
		attempt = a
		m.current = addr
		dialCtx, stop = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		m.dials[addr] = dial{session: s, attempt: attempt, cancel: stop}
		m.publish(Event{Type: EventConnecting, DeviceID: addr, Device: target})
		m.logger.WithFields(logrus.Fields{"address": addr, "attempt": attempt}).Info("Connecting")
		return nil
	})
	if err != nil || already {
		return target, err
	}

	h, cerr := m.driver.Connect(dialCtx, addr)
	if cerr != nil && errors.Is(dialCtx.Err(), context.DeadlineExceeded) && !errors.Is(cerr, device.ErrTimeout) {
		cerr = fmt.Errorf("%w: %w", device.ErrTimeout, cerr)
	}
	stop()

	var connected device.Device
	err = m.do(context.Background(), func() error {
		var err error
		connected, err = m.onConnectResult(s, attempt, h, cerr)
		return err
	})
	if errors.Is(err, ErrClosed) && h != nil {
		_ = h.Close()
	}
	return connected, err
}

// Disconnect disconnects the current device, including one still connecting.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.current == "" {
			return &device.ConnectionError{State: device.NotConnected, Msg: "no device connected"}
		}
		addr := m.current
		if s, ok := m.sessions.Get(addr); ok {
			if err := s.BeginDisconnect(); err != nil {
				m.logger.WithError(err).WithField("address", addr).Debug("Disconnect from unexpected state")
			}
		}
		m.teardown(addr, nil)
		return nil
	})
}

// SendMessage records an outgoing message and writes it to the device's write target.
func (m *Manager) SendMessage(ctx context.Context, req message.SendRequest) (message.Message, error) {
	var msg message.Message
	err := m.do(ctx, func() error {
		var err error
		msg, err = m.pipeline.Send(ctx, req)
		return err
	})
	return msg, err
}

// RetryMessage re-sends a failed message under its original id.
func (m *Manager) RetryMessage(ctx context.Context, deviceID, messageID string) (message.Message, error) {
	var msg message.Message
	err := m.do(ctx, func() error {
		var err error
		msg, err = m.pipeline.Retry(ctx, deviceID, messageID)
		return err
	})
	return msg, err
}

// GetServices returns the cached catalog of id without blocking. A missing, stale or
// empty catalog of a connected device triggers a background discovery; the current
// value is still returned.
func (m *Manager) GetServices(id string) device.Catalog {
	addr := device.NormalizeAddress(id)
	catalog, freshness := m.cache.Lookup(addr)
	if (freshness != servicecache.Fresh || catalog.IsEmpty()) && !m.cache.InFlight(addr) {
		m.post(func() { m.startDiscovery(addr) })
	}
	return catalog
}

// RefreshServices starts a discovery regardless of freshness, subject to in-flight
// deduplication and the minimum interval. It returns the catalog currently cached and
// whether a discovery was started.
func (m *Manager) RefreshServices(ctx context.Context, id string) (device.Catalog, bool, error) {
	addr := device.NormalizeAddress(id)
	var (
		catalog device.Catalog
		started bool
	)
	err := m.do(ctx, func() error {
		s, ok := m.sessions.Get(addr)
		if !ok || s.State() != session.Connected {
			return &device.ConnectionError{State: device.NotConnected, Msg: addr}
		}
		catalog, started = m.startDiscovery(addr)
		return nil
	})
	return catalog, started, err
}

// WaitServices blocks until a catalog of id is available: the cached one when it is
// non-empty, otherwise the next one published. The result may be empty when discovery
// gave up. It fails if the device disconnects first.
func (m *Manager) WaitServices(ctx context.Context, id string) (device.Catalog, error) {
	addr := device.NormalizeAddress(id)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := m.Subscribe(subCtx)

	if catalog := m.GetServices(addr); !catalog.IsEmpty() {
		return catalog, nil
	}
	if d, ok := m.ConnectedDevice(); !ok || d.Address != addr {
		return nil, &device.ConnectionError{State: device.NotConnected, Msg: addr}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return nil, ErrClosed
			}
			if ev.DeviceID != addr {
				continue
			}
			switch ev.Type {
			case EventServicesUpdated:
				return ev.Catalog, nil
			case EventDisconnected:
				return nil, &device.ConnectionError{State: device.NotConnected, Msg: "disconnected during service discovery"}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AddKnown saves a device to the known list and the store.
func (m *Manager) AddKnown(ctx context.Context, d device.Device) (device.Device, error) {
	d.Address = device.NormalizeAddress(d.Address)
	if d.Address == "" {
		return device.Device{}, &device.NotFoundError{Resource: "device"}
	}

	var stored device.Device
	err := m.do(ctx, func() error {
		if existing, ok := m.known.Get(d.Address); ok {
			if d.Name == "" {
				d.Name = existing.Name
			}
			if d.LastConnected.IsZero() {
				d.LastConnected = existing.LastConnected
			}
		}
		stored = m.known.Put(d)
		registry.Reconcile(m.discovered, m.known, d.Address)
		stored, _ = m.known.Get(d.Address)

		if m.store != nil {
			if err := m.store.Upsert(store.FromDevice(stored)); err != nil {
				return err
			}
		}
		m.publish(Event{Type: EventDeviceUpdated, DeviceID: stored.Address, Device: stored})
		m.appendLog(LogInfo, stored.Address, "Saved "+stored.DisplayName(), nil)
		return nil
	})
	return stored, err
}

// RemoveDevice forgets a device: it is disconnected if needed and dropped from the
// discovered list, the known list, the store and the message history.
func (m *Manager) RemoveDevice(ctx context.Context, id string) error {
	addr := device.NormalizeAddress(id)

	return m.do(ctx, func() error {
		if s, ok := m.sessions.Get(addr); ok {
			if s.State() != session.Idle {
				_ = s.BeginDisconnect()
				m.teardown(addr, nil)
			}
			m.sessions.Del(addr)
		}

		removedDiscovered := m.discovered.Remove(addr)
		removedKnown := m.known.Remove(addr)
		removedStored := false
		if m.store != nil {
			var err error
			if removedStored, err = m.store.Remove(addr); err != nil {
				return err
			}
		}
		m.pipeline.Clear(addr)

		if !removedDiscovered && !removedKnown && !removedStored {
			return &device.NotFoundError{Resource: "device", IDs: []string{id}}
		}
		m.publish(Event{Type: EventDeviceRemoved, DeviceID: addr})
		m.appendLog(LogInfo, addr, "Removed "+addr, nil)
		return nil
	})
}

func scanError(err error) error {
	if errors.Is(err, device.ErrTransportUnavailable) || errors.Is(err, device.ErrScanFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", device.ErrScanFailed, err)
}

func connectError(err error) error {
	if errors.Is(err, device.ErrConnectionFailed) || errors.Is(err, device.ErrTransportUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", device.ErrConnectionFailed, err)
}

func writeError(err error) error {
	if errors.Is(err, device.ErrWriteFailed) || errors.Is(err, device.ErrNotConnected) {
		return err
	}
	return fmt.Errorf("%w: %w", device.ErrWriteFailed, err)
}
