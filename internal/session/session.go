// Package session implements the connection lifecycle of one physical device.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemsg/internal/device"
)

// State is a connection lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Disconnecting
	ConnectFailed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case ConnectFailed:
		return "ConnectFailed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var transitions = map[State][]State{
	Idle:          {Connecting},
	Connecting:    {Connected, ConnectFailed, Disconnecting, Idle},
	Connected:     {Disconnecting, Idle},
	Disconnecting: {Idle},
	ConnectFailed: {Idle},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session owns at most one transport handle for a normalized address.
//
// Transitions are serialized by the session mutex. The connecting flag is a separate
// compare-and-set guard so two racing connect requests can never both reach the driver.
type Session struct {
	address string
	logger  *logrus.Logger
	now     func() time.Time

	connecting atomic.Bool

	mu           sync.Mutex
	state        State
	handle       device.Handle
	attempt      uint64
	lastActivity time.Time
}

// New creates an Idle session for address.
func New(address string, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		address: device.NormalizeAddress(address),
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Session) Address() string { return s.address }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the live transport handle, or nil.
func (s *Session) Handle() device.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Attempt identifies the current connect attempt. A connect result carrying a different
// attempt belongs to an abandoned attempt and its handle must be closed by the caller.
func (s *Session) Attempt() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Touch records activity on the link.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// transition must be called with s.mu held.
func (s *Session) transition(to State) error {
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", device.ErrInvalidTransition, s.state, to)
	}
	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"from":    s.state.String(),
		"state":   to.String(),
	}).Debug("Session state changed")
	s.state = to
	s.lastActivity = s.now()
	return nil
}

// BeginConnect moves Idle to Connecting and returns the attempt number.
// It fails with ErrAlreadyConnected when the session is Connected and with
// ErrConnectInProgress when another connect holds the flag.
func (s *Session) BeginConnect() (uint64, error) {
	if s.State() == Connected {
		return 0, &device.ConnectionError{State: device.AlreadyConnected, Msg: s.address}
	}
	if !s.connecting.CompareAndSwap(false, true) {
		return 0, &device.ConnectionError{State: device.ConnectInProgress, Msg: s.address}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transition(Connecting); err != nil {
		s.connecting.Store(false)
		return 0, err
	}
	s.attempt++
	return s.attempt, nil
}

// Attach installs a freshly connected handle. Any handle still held is closed first
// so a repeated connect never leaks a platform connection.
func (s *Session) Attach(h device.Handle) {
	s.mu.Lock()
	prior := s.handle
	s.handle = h
	s.lastActivity = s.now()
	s.mu.Unlock()

	if prior != nil && prior != h {
		s.logger.WithField("address", s.address).Info("Closing previous transport handle")
		s.closeHandle(prior)
	}
}

// OnConnected moves Connecting to Connected and releases the connect flag.
func (s *Session) OnConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transition(Connected); err != nil {
		return err
	}
	s.connecting.Store(false)
	return nil
}

// OnConnectFailed closes any handle, passes through ConnectFailed back to Idle and
// releases the connect flag. A failure during Disconnecting goes straight to Idle.
func (s *Session) OnConnectFailed(reason error) error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	var err error
	if s.state == Disconnecting {
		err = s.transition(Idle)
	} else if err = s.transition(ConnectFailed); err == nil {
		err = s.transition(Idle)
	}
	s.connecting.Store(false)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"error":   reason,
	}).Warn("Connection failed")

	if h != nil {
		s.closeHandle(h)
	}
	return err
}

// BeginDisconnect moves Connecting or Connected to Disconnecting.
func (s *Session) BeginDisconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(Disconnecting)
}

// OnDisconnected releases the handle and returns the session to Idle. It reports true
// only for the first call per physical disconnect, so racing driver and user
// disconnects produce a single teardown.
func (s *Session) OnDisconnected() bool {
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return false
	}
	h := s.handle
	s.handle = nil
	_ = s.transition(Idle)
	s.connecting.Store(false)
	s.mu.Unlock()

	if h != nil {
		s.closeHandle(h)
	}
	return true
}

func (s *Session) closeHandle(h device.Handle) {
	if err := h.Close(); err != nil {
		s.logger.WithFields(logrus.Fields{
			"address": s.address,
			"error":   err,
		}).Debug("Transport handle close failed")
	}
}
