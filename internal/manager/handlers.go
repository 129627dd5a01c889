package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemsg/internal/device"
	"github.com/srg/blemsg/internal/groutine"
	"github.com/srg/blemsg/internal/message"
	"github.com/srg/blemsg/internal/registry"
	"github.com/srg/blemsg/internal/session"
	"github.com/srg/blemsg/internal/store"
)

// ErrLinkLost is the disconnect reason when the peripheral drops a link without an error.
var ErrLinkLost = errors.New("link lost")

// linkScope bounds the background work tied to one live connection.
type linkScope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// dial is the driver connect in flight for one session attempt. failure is set when the
// link went down before the connect result arrived.
type dial struct {
	session *session.Session
	attempt uint64
	cancel  context.CancelFunc
	failure error
}

type discoveryRun struct {
	gen    uint64
	cancel context.CancelFunc
}

// handleDriverEvent is the driver sink. It never touches state: notifications go to the
// ingress ring, everything else is posted to the loop.
func (m *Manager) handleDriverEvent(ev device.Event) {
	if ev.Kind == device.EventCharacteristicChanged {
		ev.Data = append([]byte(nil), ev.Data...)
		overwrites, err := m.notifications.EnqueueM(ev)
		if err != nil {
			m.logger.WithError(err).WithField("address", ev.Address).Warn("Notification dropped")
			return
		}
		if overwrites > 0 {
			m.notifyOverwrites.Add(uint64(overwrites))
			m.logger.WithField("overwritten", overwrites).Debug("Notification ring overflow")
		}
		m.signal()
		return
	}
	m.post(func() { m.onDriverEvent(ev) })
}

func (m *Manager) drainNotifications() {
	for !m.notifications.IsEmpty() {
		ev, err := m.notifications.Dequeue()
		if err != nil {
			return
		}
		m.onNotification(ev)
	}
}

func (m *Manager) onDriverEvent(ev device.Event) {
	addr := device.NormalizeAddress(ev.Address)

	switch ev.Kind {
	case device.EventScanResult:
		m.onScanResult(ev)

	case device.EventScanFailed:
		err := ev.Err
		if err == nil {
			err = device.ErrScanFailed
		}
		err = scanError(err)
		m.logger.WithError(err).Warn("Scan failed")
		if m.Scanning() {
			_ = m.stopScan()
		}
		m.publish(Event{Type: EventError, Err: err})
		m.appendLog(LogError, "", "Scan failed", err)

	case device.EventConnectionStateChanged:
		if ev.Link == device.LinkConnected {
			m.logger.WithField("address", addr).Debug("Link up")
			return
		}
		reason := ev.Err
		s, ok := m.sessions.Get(addr)
		if ok && s.State() == session.Connecting {
			if reason == nil {
				reason = ErrLinkLost
			}
			m.failDial(s, reason)
			return
		}
		if ok && reason == nil && s.State() == session.Connected {
			reason = ErrLinkLost
		}
		m.teardown(addr, reason)

	case device.EventServicesDiscovered:
		run, ok := m.discoveries[addr]
		if !ok {
			m.logger.WithField("address", addr).Debug("Ignoring unsolicited service discovery result")
			return
		}
		var err error
		if ev.Catalog.IsEmpty() {
			err = fmt.Errorf("%w: no services", device.ErrDiscoveryIncomplete)
		}
		m.onDiscovered(addr, run.gen, ev.Catalog, err)

	case device.EventCharacteristicWritten:
		p, ok := m.pending[ev.Token]
		if !ok {
			return
		}
		err := ev.Err
		if err != nil {
			err = writeError(err)
		}
		m.completeWrite(ev.Token, p.seq, err)

	case device.EventCharacteristicChanged:
		m.onNotification(ev)
	}
}

func (m *Manager) onScanResult(ev device.Event) {
	result := ev.Scan
	if result.Address == "" {
		result.Address = ev.Address
	}
	if device.NormalizeAddress(result.Address) == "" {
		return
	}

	d, created := m.discovered.Observe(result, m.now())
	registry.Reconcile(m.discovered, m.known, d.Address)
	if reconciled, ok := m.discovered.Get(d.Address); ok {
		d = reconciled
	}

	if created {
		m.logger.WithFields(logrus.Fields{
			"address": d.Address,
			"name":    d.Name,
			"rssi":    d.RSSI,
		}).Info("Device discovered")
		m.publish(Event{Type: EventDeviceDiscovered, DeviceID: d.Address, Device: d})
		return
	}
	m.publish(Event{Type: EventDeviceUpdated, DeviceID: d.Address, Device: d})
}

func (m *Manager) onNotification(ev device.Event) {
	addr := device.NormalizeAddress(ev.Address)
	s, ok := m.sessions.Get(addr)
	if !ok || s.State() != session.Connected {
		m.logger.WithFields(logrus.Fields{
			"address":   addr,
			"char_uuid": ev.CharacteristicUUID,
		}).Debug("Dropping notification for unconnected device")
		return
	}

	kind := message.TypeNotification
	if ev.Indication {
		kind = message.TypeIndication
	}
	s.Touch()
	m.pipeline.Receive(addr, ev.CharacteristicUUID, ev.Data, kind)
}

// resolveDevice finds the best known record for id: the connected device, then the
// discovered registry, then the known registry, and finally a bare device for the id.
func (m *Manager) resolveDevice(id string) device.Device {
	addr := device.NormalizeAddress(id)
	if d, ok := m.ConnectedDevice(); ok && d.Address == addr {
		return d
	}
	if d, ok := m.discovered.Get(addr); ok {
		return d
	}
	if d, ok := m.known.Get(addr); ok {
		return d
	}
	return device.NewDevice(id, "")
}

func (m *Manager) sessionFor(addr string) *session.Session {
	if s, ok := m.sessions.Get(addr); ok {
		return s
	}
	s, _ := m.sessions.GetOrInsert(addr, session.New(addr, m.logger))
	return s
}

func (m *Manager) onConnectResult(s *session.Session, attempt uint64, h device.Handle, err error) (device.Device, error) {
	addr := s.Address()

	var failure error
	if dl, ok := m.dials[addr]; ok && dl.session == s && dl.attempt == attempt {
		failure = dl.failure
		delete(m.dials, addr)
	}

	if s.Attempt() != attempt || s.State() != session.Connecting {
		if h != nil {
			_ = h.Close()
		}
		if failure != nil {
			return m.resolveDevice(addr), failure
		}
		m.logger.WithFields(logrus.Fields{"address": addr, "attempt": attempt}).Debug("Discarding abandoned connect result")
		return device.Device{}, fmt.Errorf("%w: connect to %s abandoned", device.ErrConnectionFailed, addr)
	}

	if err != nil {
		return m.resolveDevice(addr), m.connectFailed(s, err)
	}

	d := m.resolveDevice(addr)
	s.Attach(h)
	if err := s.OnConnected(); err != nil {
		_ = s.OnConnectFailed(err)
		return d, err
	}

	now := m.now()
	d.Connected = true
	d.LastConnected = now
	m.discovered.SetConnected(addr, true, now)
	if _, ok := m.known.SetConnected(addr, true, now); !ok {
		m.known.Put(d)
	}
	m.persist(d)

	connected := d.Clone()
	m.setConnected(&connected)

	ctx, cancel := context.WithCancel(context.Background())
	m.scopes[addr] = linkScope{ctx: ctx, cancel: cancel}

	m.logger.WithFields(logrus.Fields{"address": addr, "attempt": attempt}).Info("Connected")
	m.publish(Event{Type: EventConnected, DeviceID: addr, Device: d})
	m.appendLog(LogInfo, addr, "Connected to "+d.DisplayName(), nil)

	m.startDiscovery(addr)
	return d, nil
}

// connectFailed returns a Connecting session to Idle and reports why.
func (m *Manager) connectFailed(s *session.Session, reason error) error {
	addr := s.Address()
	err := connectError(reason)
	_ = s.OnConnectFailed(err)
	if m.current == addr {
		m.current = ""
	}

	d := m.resolveDevice(addr)
	m.publish(Event{Type: EventConnectionFailed, DeviceID: addr, Device: d, Err: err})
	if errors.Is(err, device.ErrTransportUnavailable) {
		m.publish(Event{Type: EventError, DeviceID: addr, Err: err})
	}
	m.appendLog(LogError, addr, "Connection to "+d.DisplayName()+" failed", err)
	return err
}

// failDial handles a link drop reported while the driver connect is still pending. The
// pending connect is cancelled and its caller receives the same failure.
func (m *Manager) failDial(s *session.Session, reason error) {
	addr := s.Address()
	err := m.connectFailed(s, reason)
	if dl, ok := m.dials[addr]; ok && dl.session == s {
		dl.failure = err
		m.dials[addr] = dl
		dl.cancel()
	}
}

func (m *Manager) persist(d device.Device) {
	if m.store == nil {
		return
	}
	if err := m.store.Upsert(store.FromDevice(d)); err != nil {
		m.logger.WithError(err).WithField("address", d.Address).Warn("Known device could not be saved")
		m.appendLog(LogWarn, d.Address, "Saving known device failed", err)
	}
}

// startDiscovery kicks off a background discovery for a connected device through the
// cache, which deduplicates and throttles requests.
func (m *Manager) startDiscovery(addr string) (device.Catalog, bool) {
	s, ok := m.sessions.Get(addr)
	scope, scoped := m.scopes[addr]
	if !ok || !scoped || s.State() != session.Connected {
		return m.cache.GetCached(addr), false
	}
	h := s.Handle()

	return m.cache.Discover(addr, func() error {
		if h == nil {
			return &device.ConnectionError{State: device.NotConnected, Msg: addr}
		}
		m.discoveryGen++
		gen := m.discoveryGen
		ctx, cancel := context.WithCancel(scope.ctx)
		m.discoveries[addr] = discoveryRun{gen: gen, cancel: cancel}
		groutine.Go(ctx, "blemsg-discovery", func(ctx context.Context) {
			m.discover(ctx, addr, gen, h)
		})
		return nil
	})
}

// discover runs on a worker goroutine. Empty or failed results are retried a bounded
// number of times before the failure is reported to the loop.
func (m *Manager) discover(ctx context.Context, addr string, gen uint64, h device.Handle) {
	attempts := m.cfg.Services.DiscoveryAttempts
	var lastErr error

	for i := 1; i <= attempts; i++ {
		catalog, err := h.DiscoverServices(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil && !catalog.IsEmpty() {
			m.post(func() { m.onDiscovered(addr, gen, catalog, nil) })
			return
		}

		switch {
		case err == nil:
			err = fmt.Errorf("%w: no services", device.ErrDiscoveryIncomplete)
		case !errors.Is(err, device.ErrDiscoveryIncomplete):
			err = fmt.Errorf("%w: %w", device.ErrDiscoveryIncomplete, err)
		}
		lastErr = err
		m.logger.WithFields(logrus.Fields{
			"address": addr,
			"attempt": i,
			"error":   err,
		}).Debug("Service discovery attempt incomplete")

		if i < attempts {
			timer := time.NewTimer(m.cfg.Services.DiscoveryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
	m.post(func() { m.onDiscovered(addr, gen, nil, lastErr) })
}

func (m *Manager) onDiscovered(addr string, gen uint64, catalog device.Catalog, err error) {
	run, ok := m.discoveries[addr]
	if !ok || run.gen != gen {
		return
	}
	run.cancel()
	delete(m.discoveries, addr)

	if err != nil {
		m.cache.Fail(addr)
		m.servicesVersion.Add(1)
		m.logger.WithError(err).WithField("address", addr).Warn("Service discovery incomplete")
		m.appendLog(LogWarn, addr, "Service discovery incomplete", err)
		m.publish(Event{Type: EventServicesUpdated, DeviceID: addr, Catalog: device.Catalog{}})
		return
	}

	if !m.cache.Complete(addr, catalog) {
		return
	}
	published := m.cache.GetCached(addr)
	m.servicesVersion.Add(1)
	m.logger.WithFields(logrus.Fields{
		"address":         addr,
		"services":        len(published),
		"characteristics": published.CharacteristicCount(),
	}).Info("Services discovered")
	m.publish(Event{Type: EventServicesUpdated, DeviceID: addr, Catalog: published})
	m.appendLog(LogInfo, addr, fmt.Sprintf("Discovered %d services", len(published)), nil)

	if s, ok := m.sessions.Get(addr); ok {
		m.enableNotifications(addr, s.Handle(), published.NotifyTargets())
	}
}

// enableNotifications subscribes to every notify/indicate characteristic not yet
// subscribed on this link.
func (m *Manager) enableNotifications(addr string, h device.Handle, targets []device.Characteristic) {
	scope, ok := m.scopes[addr]
	if !ok || h == nil {
		return
	}
	subscribed := m.subscribed[addr]
	if subscribed == nil {
		subscribed = make(map[string]bool)
		m.subscribed[addr] = subscribed
	}

	var todo []device.Characteristic
	for _, ch := range targets {
		if !subscribed[ch.UUID] {
			subscribed[ch.UUID] = true
			todo = append(todo, ch)
		}
	}
	if len(todo) == 0 {
		return
	}

	groutine.Go(scope.ctx, "blemsg-notify", func(ctx context.Context) {
		for _, ch := range todo {
			if err := h.SetNotify(ctx, ch.ServiceUUID, ch.UUID, true); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.post(func() {
					delete(m.subscribed[addr], ch.UUID)
					m.appendLog(LogWarn, addr, "Subscribe to "+ch.DisplayName()+" failed", err)
				})
				continue
			}
			m.logger.WithFields(logrus.Fields{
				"address":      addr,
				"char_uuid":    ch.UUID,
				"service_uuid": ch.ServiceUUID,
			}).Debug("Notifications enabled")
		}
	})
}

// teardown releases everything tied to a link. It runs at most once per physical
// disconnect no matter how many sources report it.
func (m *Manager) teardown(addr string, reason error) {
	s, ok := m.sessions.Get(addr)
	if !ok || !s.OnDisconnected() {
		return
	}

	if scope, ok := m.scopes[addr]; ok {
		scope.cancel()
		delete(m.scopes, addr)
	}
	if dl, ok := m.dials[addr]; ok {
		dl.cancel()
	}
	delete(m.discoveries, addr)
	delete(m.subscribed, addr)

	m.cache.Invalidate(addr)
	m.servicesVersion.Add(1)

	for id, p := range m.pending {
		if p.deviceID == addr {
			delete(m.pending, id)
		}
	}
	m.pipeline.FailPending(addr, &device.ConnectionError{State: device.NotConnected, Msg: "link closed"})

	d := m.resolveDevice(addr)
	d.Connected = false
	now := m.now()
	m.discovered.SetConnected(addr, false, now)
	m.known.SetConnected(addr, false, now)
	if m.current == addr {
		m.current = ""
		m.setConnected(nil)
	}

	fields := logrus.Fields{"address": addr}
	if reason != nil {
		m.logger.WithFields(fields).WithError(reason).Warn("Connection lost")
	} else {
		m.logger.WithFields(fields).Info("Disconnected")
	}
	m.publish(Event{Type: EventDisconnected, DeviceID: addr, Device: d, Err: reason})
	if reason != nil {
		m.appendLog(LogWarn, addr, "Connection to "+d.DisplayName()+" lost", reason)
	} else {
		m.appendLog(LogInfo, addr, "Disconnected from "+d.DisplayName(), nil)
	}
}

// dispatchWrite runs on the loop from inside Send or Retry. The write itself happens on
// a worker so a slow peripheral never stalls the loop.
func (m *Manager) dispatchWrite(_ context.Context, w message.Write) {
	m.writeSeq++
	seq := m.writeSeq
	m.pending[w.MessageID] = pendingWrite{deviceID: w.DeviceID, seq: seq}

	parent := device.WithWriteToken(context.Background(), w.MessageID)
	if scope, ok := m.scopes[w.DeviceID]; ok {
		parent = device.WithWriteToken(scope.ctx, w.MessageID)
	}
	groutine.Go(parent, "blemsg-write", func(ctx context.Context) {
		wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
		defer cancel()

		err := w.Run(wctx)
		if err != nil {
			err = writeError(err)
		}
		m.post(func() { m.completeWrite(w.MessageID, seq, err) })
	})
}

func (m *Manager) completeWrite(id string, seq uint64, err error) {
	p, ok := m.pending[id]
	if !ok || p.seq != seq {
		return
	}
	delete(m.pending, id)
	m.pipeline.Complete(id, err)
	if s, ok := m.sessions.Get(p.deviceID); ok {
		s.Touch()
	}
}

func (m *Manager) onMessageChange(msg message.Message) {
	m.publish(Event{Type: EventMessage, DeviceID: msg.DeviceID, Message: &msg})
}

func (m *Manager) onPipelineLog(deviceID, text string, err error) {
	level := LogInfo
	if err != nil {
		level = LogError
	}
	m.appendLog(level, deviceID, text, err)
}
