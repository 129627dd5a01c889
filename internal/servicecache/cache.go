// Package servicecache holds per-device GATT catalogs with a freshness TTL,
// in-flight discovery deduplication and a minimum interval between discovery requests.
package servicecache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemsg/internal/device"
)

// Freshness describes the state of a cached catalog.
type Freshness int

const (
	Missing Freshness = iota
	Fresh
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "missing"
	}
}

// Options configures a Cache. Zero values fall back to DefaultTTL and DefaultMinInterval;
// a negative MinInterval disables throttling.
type Options struct {
	TTL         time.Duration
	MinInterval time.Duration
	// Now overrides the clock, mostly for tests.
	Now    func() time.Time
	Logger *logrus.Logger
}

const (
	DefaultTTL         = 60 * time.Second
	DefaultMinInterval = time.Second
)

type entry struct {
	catalog      device.Catalog
	discoveredAt time.Time
}

// Cache is safe for concurrent use. Stored catalogs are never mutated: Complete swaps
// the whole entry, so readers observe either the previous or the next catalog.
type Cache struct {
	mu          sync.RWMutex
	entries     map[string]entry
	inFlight    map[string]bool
	lastRequest map[string]time.Time

	ttl         time.Duration
	minInterval time.Duration
	now         func() time.Time
	logger      *logrus.Logger
}

// New creates an empty cache.
func New(opts Options) *Cache {
	c := &Cache{
		entries:     make(map[string]entry),
		inFlight:    make(map[string]bool),
		lastRequest: make(map[string]time.Time),
		ttl:         opts.TTL,
		minInterval: opts.MinInterval,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.minInterval < 0 {
		c.minInterval = 0
	} else if c.minInterval == 0 {
		c.minInterval = DefaultMinInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = logrus.New()
	}
	return c
}

func key(id string) string {
	return device.NormalizeAddress(id)
}

// Lookup returns the cached catalog and its freshness.
func (c *Cache) Lookup(id string) (device.Catalog, Freshness) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key(id)]
	if !ok {
		return device.Catalog{}, Missing
	}
	if c.now().Sub(e.discoveredAt) > c.ttl {
		return e.catalog, Stale
	}
	return e.catalog, Fresh
}

// GetCached returns the cached catalog, or an empty catalog.
func (c *Cache) GetCached(id string) device.Catalog {
	catalog, _ := c.Lookup(id)
	return catalog
}

// InFlight reports whether a discovery for id has been started and not yet completed.
func (c *Cache) InFlight(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inFlight[key(id)]
}

// Discover returns whatever is cached for id and, unless a discovery is already in flight
// or the previous request was less than the minimum interval ago, calls start to issue a
// platform discovery. The boolean result reports whether start was called successfully.
//
// start runs outside the cache lock; it is expected to kick off discovery and return.
// The result is delivered later through Complete or Fail.
func (c *Cache) Discover(id string, start func() error) (device.Catalog, bool) {
	k := key(id)
	now := c.now()

	c.mu.Lock()
	current := c.entries[k].catalog
	if current == nil {
		current = device.Catalog{}
	}
	if c.inFlight[k] {
		c.mu.Unlock()
		c.logger.WithField("device_id", k).Debug("Service discovery already in flight")
		return current, false
	}
	if last, ok := c.lastRequest[k]; ok && now.Sub(last) < c.minInterval {
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"device_id": k,
			"since":     now.Sub(last),
		}).Debug("Service discovery throttled")
		return current, false
	}
	c.inFlight[k] = true
	c.lastRequest[k] = now
	c.mu.Unlock()

	if err := start(); err != nil {
		c.logger.WithFields(logrus.Fields{
			"device_id": k,
			"error":     err,
		}).Warn("Service discovery could not be started")
		c.Fail(id)
		return current, false
	}
	return current, true
}

// Complete stores the discovery result for id and resets its timestamp. A result that
// arrives after Invalidate (no discovery in flight) is dropped and false is returned.
func (c *Cache) Complete(id string, catalog device.Catalog) bool {
	k := key(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inFlight[k] {
		c.logger.WithField("device_id", k).Debug("Dropping discovery result with no request in flight")
		return false
	}
	delete(c.inFlight, k)
	c.entries[k] = entry{catalog: cloneCatalog(catalog), discoveredAt: c.now()}
	return true
}

// Fail clears the in-flight flag without touching the cached catalog.
func (c *Cache) Fail(id string) {
	c.mu.Lock()
	delete(c.inFlight, key(id))
	c.mu.Unlock()
}

// Invalidate purges every trace of id: the catalog, the in-flight flag and the throttle.
func (c *Cache) Invalidate(id string) {
	k := key(id)

	c.mu.Lock()
	_, had := c.entries[k]
	delete(c.entries, k)
	delete(c.inFlight, k)
	delete(c.lastRequest, k)
	c.mu.Unlock()

	if had {
		c.logger.WithField("device_id", k).Debug("Service catalog purged")
	}
}

// Snapshot returns every cached catalog keyed by normalized device id.
func (c *Cache) Snapshot() map[string]device.Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]device.Catalog, len(c.entries))
	for k, e := range c.entries {
		out[k] = e.catalog
	}
	return out
}

func cloneCatalog(in device.Catalog) device.Catalog {
	out := make(device.Catalog, len(in))
	for i, svc := range in {
		svc.Characteristics = append([]device.Characteristic(nil), svc.Characteristics...)
		out[i] = svc
	}
	return out
}
