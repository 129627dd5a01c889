// Package ringchan provides a bounded channel that overwrites its oldest element
// instead of blocking the producer, and a fan-out built on it.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel behaves like a buffered channel for readers, but Send never blocks:
// when the buffer is full the oldest element is dropped.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(i)
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println(v) // 7 8 9
//	}
type RingChannel[T any] struct {
	ch chan T

	// mu serializes producers so drop-oldest plus insert is atomic with respect to
	// other producers, and guards closed.
	mu     sync.Mutex
	closed bool

	stats Stats
}

// Stats counts channel activity. All fields are updated atomically.
type Stats struct {
	Written     int64
	Overwritten int64
	Dropped     int64 // sends after Close
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full. It reports
// whether an element was overwritten. Sending on a closed RingChannel is a no-op.
func (rc *RingChannel[T]) Send(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		atomic.AddInt64(&rc.stats.Dropped, 1)
		return false
	}

	overwritten := false
	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.stats.Written, 1)
			return overwritten
		default:
		}
		select {
		case <-rc.ch:
			overwritten = true
			atomic.AddInt64(&rc.stats.Overwritten, 1)
		default:
			// a reader drained the buffer in between; retry the insert
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		atomic.AddInt64(&rc.stats.Dropped, 1)
		return false
	}
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.stats.Written, 1)
		return true
	default:
		return false
	}
}

func (rc *RingChannel[T]) Len() int { return len(rc.ch) }
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the receive side. It is safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

// Stats returns a snapshot of the counters.
func (rc *RingChannel[T]) Stats() Stats {
	return Stats{
		Written:     atomic.LoadInt64(&rc.stats.Written),
		Overwritten: atomic.LoadInt64(&rc.stats.Overwritten),
		Dropped:     atomic.LoadInt64(&rc.stats.Dropped),
	}
}

// Fanout delivers every published value to each subscriber's own RingChannel, so a
// slow subscriber loses its oldest values without holding up the publisher or others.
type Fanout[T any] struct {
	capacity int

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*RingChannel[T]
	closed bool
}

// NewFanout creates a fan-out whose subscribers buffer capacity values each.
func NewFanout[T any](capacity int) *Fanout[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Fanout[T]{capacity: capacity, subs: make(map[uint64]*RingChannel[T])}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it and
// closes its channel. Subscribing to a closed Fanout yields an already-closed channel.
func (f *Fanout[T]) Subscribe() (<-chan T, func()) {
	rc := New[T](f.capacity)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		rc.Close()
		return rc.C(), func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = rc
	f.mu.Unlock()

	var once sync.Once
	return rc.C(), func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			rc.Close()
		})
	}
}

// Publish sends v to every subscriber.
func (f *Fanout[T]) Publish(v T) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, rc := range f.subs {
		rc.Send(v)
	}
}

// Subscribers returns the number of live subscribers.
func (f *Fanout[T]) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (f *Fanout[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, rc := range f.subs {
		rc.Close()
		delete(f.subs, id)
	}
}
