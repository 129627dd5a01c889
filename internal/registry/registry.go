// Package registry keeps the ordered in-memory device tables (discovered and known).
package registry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemsg/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry is an insertion-ordered table of devices keyed by normalized address.
// Updating an existing device keeps its position. All returned values are copies.
type Registry struct {
	name    string
	logger  *logrus.Logger
	mu      sync.RWMutex
	devices *orderedmap.OrderedMap[string, device.Device]
}

// New creates an empty registry. The name only tags log lines ("discovered", "known").
func New(name string, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		name:    name,
		logger:  logger,
		devices: orderedmap.New[string, device.Device](),
	}
}

// Observe merges a scan sighting. A new address is appended at the end of the table,
// a known one is updated in place. Returns the stored device and whether it was created.
func (r *Registry) Observe(result device.ScanResult, seen time.Time) (device.Device, bool) {
	key := device.NormalizeAddress(result.Address)

	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.devices.Get(key)
	if !exists {
		current = device.Device{Address: key}
	}
	updated := current.WithSighting(result, seen)
	r.devices.Set(key, updated)

	if !exists {
		r.logger.WithFields(logrus.Fields{
			"registry": r.name,
			"address":  key,
			"name":     updated.Name,
			"rssi":     updated.RSSI,
		}).Debug("Device added")
	}
	return updated.Clone(), !exists
}

// Put inserts or replaces a device, keeping the position of an existing entry.
func (r *Registry) Put(d device.Device) device.Device {
	stored := d.Clone()
	stored.Address = device.NormalizeAddress(d.Address)

	r.mu.Lock()
	r.devices.Set(stored.Address, stored)
	r.mu.Unlock()

	return stored.Clone()
}

// Update applies fn to the device stored under addr. Returns false when addr is unknown.
func (r *Registry) Update(addr string, fn func(device.Device) device.Device) (device.Device, bool) {
	key := device.NormalizeAddress(addr)

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.devices.Get(key)
	if !ok {
		return device.Device{}, false
	}
	updated := fn(current.Clone())
	updated.Address = key
	r.devices.Set(key, updated)
	return updated.Clone(), true
}

// Get looks a device up by any spelling of its address.
func (r *Registry) Get(addr string) (device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices.Get(device.NormalizeAddress(addr))
	if !ok {
		return device.Device{}, false
	}
	return d.Clone(), true
}

// Remove deletes a device. Only explicit user actions remove devices.
func (r *Registry) Remove(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.devices.Delete(device.NormalizeAddress(addr))
	return ok
}

// List returns the devices in insertion order.
func (r *Registry) List() []device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]device.Device, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.Clone())
	}
	return out
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices.Len()
}

// SetConnected marks addr as connected or disconnected. A successful connection also
// stamps the last-connected time.
func (r *Registry) SetConnected(addr string, connected bool, at time.Time) (device.Device, bool) {
	return r.Update(addr, func(d device.Device) device.Device {
		d.Connected = connected
		if connected {
			d.LastConnected = at
		}
		return d
	})
}

// Reconcile copies identity attributes between two registries for one address, so a
// device seen by a scan and the same device in the saved list agree on name and
// connection details. The freshest non-empty name wins; the latest last-connected time wins.
func Reconcile(discovered, known *Registry, addr string) {
	d, inDiscovered := discovered.Get(addr)
	k, inKnown := known.Get(addr)
	if !inDiscovered || !inKnown {
		return
	}

	name := d.Name
	if name == "" {
		name = k.Name
	}
	lastConnected := d.LastConnected
	if k.LastConnected.After(lastConnected) {
		lastConnected = k.LastConnected
	}

	discovered.Update(addr, func(dev device.Device) device.Device {
		dev.Name = name
		dev.LastConnected = lastConnected
		return dev
	})
	known.Update(addr, func(dev device.Device) device.Device {
		dev.Name = name
		dev.LastConnected = lastConnected
		dev.RSSI = d.RSSI
		dev.LastSeen = d.LastSeen
		dev.Connected = d.Connected
		return dev
	})
}
