// Package manager coordinates scanning, connection sessions, service discovery and
// messaging for BLE peripherals.
//
// Every state change happens on one event loop goroutine. Driver callbacks and public
// operations are posted to the loop as closures; notification payloads travel through
// a separate overwrite-oldest ring that the loop drains ahead of each control event, so
// a disconnect is always processed after the notifications that preceded it.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemsg/internal/classify"
	"github.com/srg/blemsg/internal/device"
	"github.com/srg/blemsg/internal/groutine"
	"github.com/srg/blemsg/internal/message"
	"github.com/srg/blemsg/internal/registry"
	"github.com/srg/blemsg/internal/ringchan"
	"github.com/srg/blemsg/internal/servicecache"
	"github.com/srg/blemsg/internal/session"
	"github.com/srg/blemsg/internal/store"
	"github.com/srg/blemsg/pkg/config"
)

// ErrClosed is returned by operations on a closed manager.
var ErrClosed = errors.New("manager closed")

// Options configures a Manager.
type Options struct {
	Driver device.Driver
	Config *config.Config
	// Store, when set, seeds the known registry and records successful connections.
	Store *store.Store
	// Policy overrides the classification policy built from Config.Messages.
	Policy classify.Policy
	Logger *logrus.Logger
	Now    func() time.Time
}

type snapshot struct {
	scanning  bool
	connected *device.Device
	opLog     []LogEntry
}

type pendingWrite struct {
	deviceID string
	seq      uint64
}

// Manager is the single owner of driver interaction and session state.
type Manager struct {
	driver device.Driver
	cfg    *config.Config
	store  *store.Store
	logger *logrus.Logger
	now    func() time.Time

	discovered *registry.Registry
	known      *registry.Registry
	sessions   *hashmap.Map[string, *session.Session]
	cache      *servicecache.Cache
	pipeline   *message.Pipeline
	events     *ringchan.Fanout[Event]
	closers    []func()

	notifications    mpmc.RichOverlappedRingBuffer[device.Event]
	notifyOverwrites atomic.Uint64

	inboxMu sync.Mutex
	inbox   []func()
	wake    chan struct{}

	cancel    context.CancelFunc
	done      <-chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	// Loop-owned state.
	current      string
	scanGen      uint64
	scanTimer    *time.Timer
	scanCancel   context.CancelFunc
	scopes       map[string]linkScope
	dials        map[string]dial
	discoveries  map[string]discoveryRun
	discoveryGen uint64
	subscribed   map[string]map[string]bool
	pending      map[string]pendingWrite
	writeSeq     uint64

	snapMu          sync.RWMutex
	snap            snapshot
	servicesVersion atomic.Uint64
}

// New creates a manager and starts its event loop.
func New(opts Options) (*Manager, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("%w: no driver", device.ErrTransportUnavailable)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = cfg.NewLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		driver:        opts.Driver,
		cfg:           cfg,
		store:         opts.Store,
		logger:        logger,
		now:           now,
		discovered:    registry.New("discovered", logger),
		known:         registry.New("known", logger),
		sessions:      hashmap.New[string, *session.Session](),
		events:        ringchan.NewFanout[Event](cfg.EventBuffer),
		notifications: mpmc.NewOverlappedRingBuffer[device.Event](uint32(cfg.NotificationRing)),
		wake:          make(chan struct{}, 1),
		scopes:        make(map[string]linkScope),
		dials:         make(map[string]dial),
		discoveries:   make(map[string]discoveryRun),
		subscribed:    make(map[string]map[string]bool),
		pending:       make(map[string]pendingWrite),
	}

	minInterval := cfg.Services.MinInterval
	if minInterval == 0 {
		minInterval = -1
	}
	m.cache = servicecache.New(servicecache.Options{
		TTL:         cfg.Services.TTL,
		MinInterval: minInterval,
		Now:         now,
		Logger:      logger,
	})

	policy := opts.Policy
	if policy == nil {
		var err error
		if policy, err = m.policyFromConfig(); err != nil {
			return nil, err
		}
	}
	m.pipeline = message.New(message.Options{
		Links:    links{m},
		Policy:   policy,
		Dispatch: m.dispatchWrite,
		OnChange: m.onMessageChange,
		OnLog:    m.onPipelineLog,
		History:  cfg.Messages.History,
		Now:      now,
		Logger:   logger,
	})

	if m.store != nil {
		records, err := m.store.Load()
		if err != nil {
			logger.WithError(err).WithField("path", m.store.Path()).Warn("Known devices could not be loaded")
		}
		for _, r := range records {
			m.known.Put(r.Device())
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.driver.SetEventSink(m.handleDriverEvent)
	m.done = groutine.Go(ctx, "blemsg-manager", m.run)

	logger.WithFields(logrus.Fields{
		"known":        m.known.Len(),
		"services_ttl": cfg.Services.TTL,
	}).Debug("Session manager started")
	return m, nil
}

func (m *Manager) policyFromConfig() (classify.Policy, error) {
	policy, err := classify.FromOverrides(m.cfg.Messages.Classify)
	if err != nil {
		return nil, err
	}
	if m.cfg.Messages.ClassifyScript == "" {
		return policy, nil
	}
	lp, err := classify.LoadLuaPolicy(m.cfg.Messages.ClassifyScript, policy, m.logger)
	if err != nil {
		return nil, err
	}
	m.closers = append(m.closers, lp.Close)
	return lp, nil
}

// run is the event loop.
func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}

		for {
			m.drainNotifications()
			fn, ok := m.next()
			if !ok {
				break
			}
			fn()
		}
	}
}

func (m *Manager) next() (func(), bool) {
	m.inboxMu.Lock()
	defer m.inboxMu.Unlock()

	if len(m.inbox) == 0 {
		return nil, false
	}
	fn := m.inbox[0]
	m.inbox[0] = nil
	m.inbox = m.inbox[1:]
	return fn, true
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// post queues fn for the loop. The inbox is unbounded so drivers that call the sink
// synchronously from inside a loop operation can never block the loop on itself.
func (m *Manager) post(fn func()) bool {
	if m.closed.Load() {
		return false
	}
	m.inboxMu.Lock()
	m.inbox = append(m.inbox, fn)
	m.inboxMu.Unlock()
	m.signal()
	return true
}

const (
	callQueued int32 = iota
	callRunning
	callAbandoned
)

// do runs fn on the loop and waits for its result. A caller whose ctx ends while fn is
// still queued gets ctx.Err() and fn never runs; once fn has started, do reports its
// real outcome so state changes are never hidden from the caller.
func (m *Manager) do(ctx context.Context, fn func() error) error {
	var state atomic.Int32
	result := make(chan error, 1)
	if !m.post(func() {
		if !state.CompareAndSwap(callQueued, callRunning) {
			return
		}
		result <- fn()
	}) {
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(callQueued, callAbandoned) {
			return ctx.Err()
		}
		select {
		case err := <-result:
			return err
		case <-m.done:
			select {
			case err := <-result:
				return err
			default:
				return ErrClosed
			}
		}
	case <-m.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close stops scanning, disconnects the current device and stops the loop.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.do(context.Background(), func() error {
			_ = m.stopScan()
			if m.current != "" {
				m.teardown(m.current, nil)
			}
			return nil
		})
		m.closed.Store(true)
		m.cancel()
		<-m.done

		m.events.Close()
		for _, c := range m.closers {
			c()
		}
		m.logger.Debug("Session manager closed")
	})
	return err
}

// Subscribe returns a channel of published events. It is closed when ctx ends or the
// manager is closed. A subscriber that falls behind loses its oldest events.
func (m *Manager) Subscribe(ctx context.Context) <-chan Event {
	ch, cancel := m.events.Subscribe()
	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		cancel()
	}()
	return ch
}

func (m *Manager) publish(ev Event) {
	ev.Time = m.now()
	m.events.Publish(ev)
}

// appendLog records a user-visible operation log entry and publishes it.
func (m *Manager) appendLog(level LogLevel, deviceID, text string, err error) {
	entry := LogEntry{Time: m.now(), Level: level, DeviceID: deviceID, Text: text}
	if err != nil {
		entry.Error = err.Error()
	}

	m.snapMu.Lock()
	limit := m.cfg.OperationLogSize
	size := len(m.snap.opLog) + 1
	if limit > 0 && size > limit {
		size = limit
	}
	next := make([]LogEntry, 0, size)
	next = append(next, entry)
	next = append(next, m.snap.opLog[:size-1]...)
	m.snap.opLog = next
	m.snapMu.Unlock()

	m.publish(Event{Type: EventLog, DeviceID: deviceID, Log: &entry})
}

func (m *Manager) setScanning(scanning bool) {
	m.snapMu.Lock()
	m.snap.scanning = scanning
	m.snapMu.Unlock()
}

func (m *Manager) setConnected(d *device.Device) {
	m.snapMu.Lock()
	m.snap.connected = d
	m.snapMu.Unlock()
}

// Devices returns the discovered devices in discovery order.
func (m *Manager) Devices() []device.Device {
	return m.discovered.List()
}

// KnownDevices returns the saved devices.
func (m *Manager) KnownDevices() []device.Device {
	return m.known.List()
}

func (m *Manager) Scanning() bool {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.scanning
}

// ConnectedDevice returns the connected device, if any.
func (m *Manager) ConnectedDevice() (device.Device, bool) {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	if m.snap.connected == nil {
		return device.Device{}, false
	}
	return m.snap.connected.Clone(), true
}

// Messages returns the ordered message list of a device.
func (m *Manager) Messages(deviceID string) []message.Message {
	return m.pipeline.Messages(deviceID)
}

// AllMessages returns every device's message list keyed by normalized address.
func (m *Manager) AllMessages() map[string][]message.Message {
	return m.pipeline.All()
}

// OperationLog returns the operation log, newest first.
func (m *Manager) OperationLog() []LogEntry {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.opLog
}

// Services returns every cached catalog keyed by normalized address.
func (m *Manager) Services() map[string]device.Catalog {
	return m.cache.Snapshot()
}

// ServicesVersion increases every time a catalog is published or purged.
func (m *Manager) ServicesVersion() uint64 {
	return m.servicesVersion.Load()
}

// DroppedNotifications counts notifications overwritten in the ingress ring.
func (m *Manager) DroppedNotifications() uint64 {
	return m.notifyOverwrites.Load()
}

// links resolves live handles and catalogs for the message pipeline.
type links struct{ m *Manager }

func (l links) Link(deviceID string) (device.Handle, device.Catalog) {
	s, ok := l.m.sessions.Get(device.NormalizeAddress(deviceID))
	if !ok || s.State() != session.Connected {
		return nil, nil
	}
	return s.Handle(), l.m.cache.GetCached(deviceID)
}
